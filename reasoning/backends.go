package reasoning

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"works-matcher/config"
	apperrors "works-matcher/errors"
	"works-matcher/llmclient"
)

const (
	judgeTemperature = 0.1
	judgeMaxTokens   = 200
)

// OpenAIBackend talks to any OpenAI-compatible chat completions server
// (llama.cpp, Ollama, vLLM).
type OpenAIBackend struct {
	client *llmclient.Client
	host   string
	model  string
}

func NewOpenAIBackend(client *llmclient.Client, host, model string) *OpenAIBackend {
	return &OpenAIBackend{client: client, host: host, model: model}
}

func (b *OpenAIBackend) Name() string { return "openai:" + b.model }

func (b *OpenAIBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	temp := judgeTemperature
	return b.client.Chat(ctx, b.host, []llmclient.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	}, llmclient.ChatOptions{
		Model:       b.model,
		Temperature: &temp,
		MaxTokens:   judgeMaxTokens,
		JSON:        true,
	})
}

// AnthropicMessager is the part of the Anthropic SDK client the backend uses.
type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicBackend uses the Anthropic Messages API.
type AnthropicBackend struct {
	messages AnthropicMessager
	model    string
}

func NewAnthropicBackend(messages AnthropicMessager, model string) *AnthropicBackend {
	return &AnthropicBackend{messages: messages, model: model}
}

func (b *AnthropicBackend) Name() string { return "anthropic:" + b.model }

func (b *AnthropicBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := b.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(b.model),
		MaxTokens:   judgeMaxTokens,
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(judgeTemperature),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// NewBackend picks the backend named by REASONING_BACKEND.
func NewBackend(cfg *config.Config, client *llmclient.Client) (Backend, error) {
	switch cfg.ReasoningBackend {
	case "", "openai":
		return NewOpenAIBackend(client, cfg.MainLLMHost, cfg.ReasoningModel), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY not configured", apperrors.ErrInvalidConfig)
		}
		c := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		return NewAnthropicBackend(&c.Messages, cfg.ReasoningModel), nil
	default:
		return nil, fmt.Errorf("%w: unknown reasoning backend %q", apperrors.ErrInvalidConfig, cfg.ReasoningBackend)
	}
}
