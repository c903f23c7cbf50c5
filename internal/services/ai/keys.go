package ai

import (
	"errors"
	"slices"
	"sync"

	"github.com/gpt-relay-bot-go/internal/services/storage"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoKeys        = errors.New("no api keys configured")
	ErrAllKeysFailed = errors.New("all api keys failed")
)

// KeyRing is the ordered list of API keys tried in rotation. The cursor
// stays on the last working key and wraps to the start once every key
// has failed. Only keys read from or added to the key file are written
// back; configured keys never reach the disk.
type KeyRing struct {
	mu     sync.Mutex
	keys   []string
	stored []string
	cursor int
	path   string
	logger *logrus.Logger
}

// NewKeyRing merges the configured keys with the ones stored one per line
// in path. Duplicates are dropped.
func NewKeyRing(path string, configured []string, logger *logrus.Logger) (*KeyRing, error) {
	stored, err := storage.ReadLines(path)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, key := range append(slices.Clone(configured), stored...) {
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}

	if len(keys) == 0 {
		logger.WithField("path", path).Warn("No API keys found")
	}

	return &KeyRing{keys: keys, stored: stored, path: path, logger: logger}, nil
}

// Keys returns a copy of the keys in rotation order.
func (k *KeyRing) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.keys)
}

// Add appends key and persists the key file.
func (k *KeyRing) Add(key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if slices.Contains(k.keys, key) {
		return false, nil
	}
	stored := append(slices.Clone(k.stored), key)
	if err := storage.WriteLines(k.path, stored); err != nil {
		return false, err
	}
	k.stored = stored
	k.keys = append(slices.Clone(k.keys), key)
	return true, nil
}

// Remove deletes key from rotation. A key that came from the key file is
// also dropped from it; a configured key returns on the next start.
func (k *KeyRing) Remove(key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	i := slices.Index(k.keys, key)
	if i < 0 {
		return false, nil
	}
	if j := slices.Index(k.stored, key); j >= 0 {
		stored := slices.Delete(slices.Clone(k.stored), j, j+1)
		if err := storage.WriteLines(k.path, stored); err != nil {
			return false, err
		}
		k.stored = stored
	} else {
		k.logger.WithField("key", Mask(key)).Warn("Removed a configured API key, it is restored on restart")
	}
	next := slices.Delete(slices.Clone(k.keys), i, i+1)
	k.keys = next
	if k.cursor >= len(next) {
		k.cursor = 0
	}
	return true, nil
}

// rotate calls try with each key starting at the cursor until one
// succeeds. The cursor is left on the working key, or reset to the first
// key when all of them failed.
func (k *KeyRing) rotate(try func(key string) error) error {
	k.mu.Lock()
	keys, start := slices.Clone(k.keys), k.cursor
	k.mu.Unlock()

	if len(keys) == 0 {
		return ErrNoKeys
	}

	var lastErr error
	for i := start; i < len(keys); i++ {
		if lastErr = try(keys[i]); lastErr == nil {
			k.setCursor(i)
			return nil
		}
		k.logger.WithError(lastErr).WithField("key", Mask(keys[i])).Error("API key request failed")
		if i+1 < len(keys) {
			k.logger.WithField("key", Mask(keys[i+1])).Info("Switching API key")
		}
	}

	k.setCursor(0)
	return errors.Join(ErrAllKeysFailed, lastErr)
}

func (k *KeyRing) setCursor(i int) {
	k.mu.Lock()
	if i < len(k.keys) {
		k.cursor = i
	} else {
		k.cursor = 0
	}
	k.mu.Unlock()
}

// Mask keeps only the edges of a key for logs.
func Mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}
