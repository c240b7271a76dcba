package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-backed Client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	EmbedModel   string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIClient implements llm.Client on top of the OpenAI chat completions
// and embeddings APIs. It is the usual fast profile: cheap chat completion
// plus the only in-pack embedding backend.
type OpenAIClient struct {
	BaseClient

	client       *openai.Client
	defaultModel string
	embedModel   openai.EmbeddingModel
}

// NewOpenAIClient builds an OpenAI-backed client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: openai API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4oMini
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-3-small"
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		BaseClient:   NewBaseClient("openai", cfg.MaxRetries, cfg.RetryDelay),
		client:       openai.NewClientWithConfig(config),
		defaultModel: cfg.DefaultModel,
		embedModel:   openai.EmbeddingModel(cfg.EmbedModel),
	}, nil
}

// Complete issues a non-streaming chat completion against the fast model.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.defaultModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var text string
	err := c.Retry(ctx, isRetryableOpenAI, func() error {
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("openai: empty choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}
	return text, nil
}

// Embed generates a single embedding vector via the configured model.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := c.Retry(ctx, isRetryableOpenAI, func() error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: c.embedModel,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return errors.New("openai: no embedding returned")
		}
		vec = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}
	return vec, nil
}

// Dimension reports the embedding width of the configured embed model.
func (c *OpenAIClient) Dimension() int {
	switch string(c.embedModel) {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func isRetryableOpenAI(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return true
}
