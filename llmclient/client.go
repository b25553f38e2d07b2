package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"works-matcher/config"
	apperrors "works-matcher/errors"
)

// ErrContextWindowExceeded is returned when the model reports the prompt
// exceeds the available context size.
var ErrContextWindowExceeded = errors.New("context window exceeded")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a single completion. Zero values leave the server default.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	JSON        bool
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
	// llama.cpp servers read content instead of input
	Content string `json:"content"`
}

// OpenAI-compatible embeddings response.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// llama.cpp native embeddings response.
type llamaEmbeddingResponse []struct {
	Embedding [][]float32 `json:"embedding"`
}

type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(cfg *config.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Per-call deadlines come from the caller's context; this is the ceiling.
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.LLMRequestTimeout},
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Chat performs a non-streaming chat completion call against host.
func (c *Client) Chat(ctx context.Context, host string, messages []Message, opts ChatOptions) (string, error) {
	reqBody := chatRequest{
		Model:       opts.Model,
		Messages:    messages,
		Stream:      false,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSON {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", strings.TrimRight(host, "/"))
	bodyBytes, err := c.post(ctx, url, jsonBody, "chat")
	if err != nil {
		return "", err
	}

	var cr chatResponse
	if err := json.Unmarshal(bodyBytes, &cr); err != nil {
		return "", fmt.Errorf("%w: decode chat response: %w", apperrors.ErrMalformedResponse, err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("%w: no response choices from llm server", apperrors.ErrMalformedResponse)
	}
	return cr.Choices[0].Message.Content, nil
}

// Embed generates an embedding vector for text. Both the OpenAI-compatible
// and the llama.cpp response shapes are accepted.
func (c *Client) Embed(ctx context.Context, host, model, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(embeddingRequest{Model: model, Input: text, Content: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", strings.TrimRight(host, "/"))
	bodyBytes, err := c.post(ctx, url, jsonBody, "embedding")
	if err != nil {
		return nil, err
	}

	var er embeddingResponse
	if err := json.Unmarshal(bodyBytes, &er); err == nil && len(er.Data) > 0 && len(er.Data[0].Embedding) > 0 {
		return er.Data[0].Embedding, nil
	}
	var lr llamaEmbeddingResponse
	if err := json.Unmarshal(bodyBytes, &lr); err == nil && len(lr) > 0 && len(lr[0].Embedding) > 0 && len(lr[0].Embedding[0]) > 0 {
		return lr[0].Embedding[0], nil
	}
	return nil, fmt.Errorf("%w: embedding response was empty", apperrors.ErrMalformedResponse)
}

// Ping checks that host answers its model listing endpoint.
func (c *Client) Ping(ctx context.Context, host string) error {
	url := fmt.Sprintf("%s/v1/models", strings.TrimRight(host, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: llm server status %s", apperrors.ErrServiceUnavailable, resp.Status)
	}
	return nil
}

// post sends body to url, retrying transport errors and 503 (model loading)
// with backoff. Context cancellation stops retries immediately.
func (c *Client) post(ctx context.Context, url string, body []byte, kind string) ([]byte, error) {
	attempts := max(c.cfg.MaxRetries, 1)

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, fmt.Errorf("%w: %s request: %w", apperrors.ErrLLMCommunication, kind, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create %s request: %w", kind, err)
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			// Do not retry on context cancellation/deadline
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if r.StatusCode == http.StatusServiceUnavailable {
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			lastErr = fmt.Errorf("llm server status %s", r.Status)
			c.logger.Warn("LLM service unavailable, retrying",
				zap.String("kind", kind),
				zap.Int("attempt", attempt+1))
			continue
		}
		resp = r
		break
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: no response from %s server: %w", apperrors.ErrLLMCommunication, kind, lastErr)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", apperrors.ErrLLMCommunication, kind, err)
	}
	if resp.StatusCode != http.StatusOK {
		if strings.Contains(string(bodyBytes), "exceeds the available context size") {
			return nil, ErrContextWindowExceeded
		}
		return nil, fmt.Errorf("%w: %s server status %s: %s", apperrors.ErrLLMCommunication, kind, resp.Status, string(bodyBytes))
	}
	return bodyBytes, nil
}

// backoff is exponential in attempt with configurable jitter and cap.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.RetryDelaySeconds
	if base <= 0 {
		base = time.Second // config normalization should prevent this
	}
	d := base * time.Duration(1<<attempt)
	maxWait := c.cfg.LLMBackoffMaxSeconds
	if maxWait > 0 && d > maxWait {
		d = maxWait
	}
	jitterRatio := c.cfg.LLMBackoffJitterRatio
	if jitterRatio < 0 || jitterRatio > 1 {
		jitterRatio = 0.1
	}
	jitter := time.Duration(float64(d) * jitterRatio)
	if jitter <= 0 {
		return d
	}
	return d - jitter + time.Duration(rand.Int63n(int64(2*jitter)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
