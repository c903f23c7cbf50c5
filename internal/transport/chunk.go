package transport

// Chunk splits text into pieces of at most size runes. Multi-byte
// characters are never cut in half.
func Chunk(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}

	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for len(runes) > 0 {
		n := min(size, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
