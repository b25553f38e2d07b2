package embedding

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"works-matcher/config"
)

// Client is the transport used to fetch embeddings. *llmclient.Client
// satisfies it.
type Client interface {
	Embed(ctx context.Context, host, model, text string) ([]float32, error)
}

// Service turns text into embeddings. Failures never surface as errors:
// callers get nil and carry on without a vector signal.
type Service struct {
	client     Client
	host       string
	model      string
	dimensions int
	timeout    time.Duration
	cache      *lru.Cache
	logger     *zap.Logger
}

func NewService(client Client, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	size := cfg.EmbeddingCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:     client,
		host:       cfg.EmbeddingLLMHost,
		model:      cfg.EmbeddingModel,
		dimensions: cfg.EmbeddingDimensions,
		timeout:    cfg.EmbeddingTimeout,
		cache:      cache,
		logger:     logger,
	}, nil
}

// ComposeText builds the text embedded for a title and songwriter credit,
// e.g. "Title: Yesterday | Songwriter: Paul McCartney". Empty parts are left out.
func ComposeText(title, songwriter string) string {
	var parts []string
	if t := strings.TrimSpace(title); t != "" {
		parts = append(parts, "Title: "+t)
	}
	if s := strings.TrimSpace(songwriter); s != "" {
		parts = append(parts, "Songwriter: "+s)
	}
	return strings.Join(parts, " | ")
}

// Embed returns the embedding of text, or nil if text is blank or the
// embedding server could not produce a vector of the configured dimension.
func (s *Service) Embed(ctx context.Context, text string) []float32 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if cached, ok := s.cache.Get(text); ok {
		return cached.([]float32)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	vec, err := s.client.Embed(ctx, s.host, s.model, text)
	if err != nil {
		s.logger.Warn("Embedding request failed", zap.Int("text_length", len(text)), zap.Error(err))
		return nil
	}
	if s.dimensions > 0 && len(vec) != s.dimensions {
		s.logger.Warn("Embedding has unexpected dimension",
			zap.Int("got", len(vec)),
			zap.Int("want", s.dimensions))
		return nil
	}

	s.cache.Add(text, vec)
	return vec
}

// EmbedRecord embeds the composed title/songwriter text of a usage record.
func (s *Service) EmbedRecord(ctx context.Context, title, songwriter string) []float32 {
	return s.Embed(ctx, ComposeText(title, songwriter))
}
