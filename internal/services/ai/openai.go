package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// CompletionRequest is one chat completion call
type CompletionRequest struct {
	Messages  []models.Message
	Params    models.Params
	Model     string
	MaxTokens int
	// User is an opaque per-user id forwarded for abuse tracing.
	User string
}

// ImageRequest is one image generation call
type ImageRequest struct {
	Prompt string
	Size   int
	User   string
}

// Completer generates chat answers
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*models.Completion, error)
}

// ImageGenerator draws pictures from a prompt
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*models.Image, error)
}

// OpenAI talks to the OpenAI API (or a compatible proxy) rotating through
// the key ring on failure.
type OpenAI struct {
	keys       *KeyRing
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	metrics    *middleware.Metrics
}

// NewOpenAI creates the provider used for both completions and images
func NewOpenAI(cfg *config.OpenAIConfig, keys *KeyRing, logger *logrus.Logger) *OpenAI {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &OpenAI{
		keys:       keys,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    middleware.NewMetrics(),
	}
}

func (o *OpenAI) client(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	cfg.HTTPClient = o.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Complete sends the conversation to the chat completion endpoint.
func (o *OpenAI) Complete(ctx context.Context, req *CompletionRequest) (*models.Completion, error) {
	start := time.Now()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	var completion *models.Completion
	err := o.keys.rotate(func(key string) error {
		resp, err := o.client(key).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:            req.Model,
			Messages:         messages,
			MaxTokens:        req.MaxTokens,
			Temperature:      float32(req.Params.Temperature),
			TopP:             float32(req.Params.TopP),
			FrequencyPenalty: float32(req.Params.FrequencyPenalty),
			PresencePenalty:  float32(req.Params.PresencePenalty),
			User:             req.User,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty completion response")
		}

		completion = &models.Completion{
			Text: strings.TrimSpace(resp.Choices[0].Message.Content),
			Usage: models.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		return nil
	})
	if err != nil {
		o.metrics.RecordAIRequest(req.Model, "error", time.Since(start))
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	o.metrics.RecordAIRequest(req.Model, "success", time.Since(start))
	o.metrics.RecordTokens(completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	return completion, nil
}

// GenerateImage draws one square image of req.Size pixels.
func (o *OpenAI) GenerateImage(ctx context.Context, req *ImageRequest) (*models.Image, error) {
	cost, ok := models.ImageSizeCosts[req.Size]
	if !ok || req.Size == 0 {
		return nil, fmt.Errorf("unsupported image size: %d", req.Size)
	}

	var url string
	err := o.keys.rotate(func(key string) error {
		resp, err := o.client(key).CreateImage(ctx, openai.ImageRequest{
			Prompt:         req.Prompt,
			N:              1,
			Size:           fmt.Sprintf("%dx%d", req.Size, req.Size),
			ResponseFormat: openai.CreateImageResponseFormatURL,
			User:           req.User,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("empty image response")
		}
		url = resp.Data[0].URL
		return nil
	})
	if err != nil {
		o.metrics.RecordImage("error")
		return nil, fmt.Errorf("image generation failed: %w", err)
	}

	o.metrics.RecordImage("success")
	return &models.Image{URL: url, Cost: cost}, nil
}
