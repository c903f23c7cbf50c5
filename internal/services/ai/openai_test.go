package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeOpenAI accepts only keys starting with "sk-good" and counts calls per key.
type fakeOpenAI struct {
	mu    sync.Mutex
	calls map[string]int
	last  map[string]any
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.calls[key]++
	f.last = body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !strings.HasPrefix(key, "sk-good") {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
		return
	}

	switch r.URL.Path {
	case "/v1/chat/completions":
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  hello there \n"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	case "/v1/images/generations":
		w.Write([]byte(`{"created":1,"data":[{"url":"https://img.example/cat.png"}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeOpenAI) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func newProvider(t *testing.T, keys ...string) (*OpenAI, *fakeOpenAI) {
	t.Helper()
	fake := &fakeOpenAI{calls: make(map[string]int)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	ring, err := NewKeyRing(filepath.Join(t.TempDir(), "api_keys.txt"), keys, testLogger())
	require.NoError(t, err)

	return NewOpenAI(&config.OpenAIConfig{BaseURL: server.URL + "/v1"}, ring, testLogger()), fake
}

func chatRequest() *CompletionRequest {
	conv := &models.Conversation{Prefix: "be brief", Params: models.Params{Temperature: 0.7, TopP: 1}}
	return &CompletionRequest{
		Messages:  conv.Messages("hi"),
		Params:    conv.Params,
		Model:     "gpt-3.5-turbo",
		MaxTokens: 400,
		User:      "opaque",
	}
}

func TestComplete_RotatesAndSticks(t *testing.T) {
	provider, fake := newProvider(t, "sk-bad", "sk-good")

	res, err := provider.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, models.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}, res.Usage)
	assert.Equal(t, "opaque", fake.last["user"])
	assert.Equal(t, "gpt-3.5-turbo", fake.last["model"])

	_, err = provider.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, fake.count("sk-bad"), "cursor stays on the working key")
	assert.Equal(t, 2, fake.count("sk-good"))
}

func TestComplete_AllKeysFail(t *testing.T) {
	provider, fake := newProvider(t, "sk-bad-1", "sk-bad-2")

	_, err := provider.Complete(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrAllKeysFailed)

	_, err = provider.Complete(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrAllKeysFailed)
	assert.Equal(t, 2, fake.count("sk-bad-1"), "cursor resets after exhausting keys")
}

func TestComplete_NoKeys(t *testing.T) {
	provider, _ := newProvider(t)
	_, err := provider.Complete(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestGenerateImage(t *testing.T) {
	provider, fake := newProvider(t, "sk-good")

	img, err := provider.GenerateImage(context.Background(), &ImageRequest{Prompt: "cat", Size: 512})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/cat.png", img.URL)
	assert.Equal(t, 0.018, img.Cost)
	assert.Equal(t, "512x512", fake.last["size"])

	_, err = provider.GenerateImage(context.Background(), &ImageRequest{Prompt: "cat", Size: 300})
	assert.Error(t, err)
}

func TestKeyRing_AddRemovePersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.txt")
	require.NoError(t, storage.WriteLines(path, []string{"sk-old"}))
	ring, err := NewKeyRing(path, []string{"sk-env"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-env", "sk-old"}, ring.Keys())

	added, err := ring.Add("sk-file")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = ring.Add("sk-file")
	require.NoError(t, err)
	assert.False(t, added)

	lines, err := storage.ReadLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-old", "sk-file"}, lines, "configured keys stay off disk")

	removed, err := ring.Remove("sk-old")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = ring.Remove("sk-env")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{"sk-file"}, ring.Keys())

	lines, err = storage.ReadLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-file"}, lines)

	reloaded, err := NewKeyRing(path, []string{"sk-env"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-env", "sk-file"}, reloaded.Keys())
}
