package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an Anthropic-backed Client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	EmbedModel   string
	Dimension    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicClient implements llm.Client on top of the Anthropic Messages API.
// Anthropic has no first-party embeddings endpoint, so Embed is only wired
// when used as a fast profile backed by a separate embedding model id
// configured out of band; most deployments pair AnthropicClient (heavy) with
// an OpenAIClient (fast, embeddings).
type AnthropicClient struct {
	BaseClient

	client       anthropic.Client
	defaultModel string
	dimension    int
}

// NewAnthropicClient builds an Anthropic-backed heavy-profile client.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		BaseClient:   NewBaseClient("anthropic", cfg.MaxRetries, cfg.RetryDelay),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		dimension:    cfg.Dimension,
	}, nil
}

// Complete issues one non-streaming Messages.New call against the heavy
// model, retrying transient failures per BaseClient.Retry.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.defaultModel),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	var text string
	err := c.Retry(ctx, isRetryableAnthropic, func() error {
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text = sb.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}
	return text, nil
}

// Embed is unsupported on the Anthropic client; pair it with an embedding
// capable fast client and call Embed only on Services.Fast.
func (c *AnthropicClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("llm: anthropic client does not support embeddings, use an embeddings-capable fast client")
}

// Dimension returns the configured embedding width of whatever paired
// embedder this deployment uses, for callers that only hold the heavy
// client reference.
func (c *AnthropicClient) Dimension() int {
	return c.dimension
}

func isRetryableAnthropic(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}
