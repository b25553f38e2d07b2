package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "works-matcher/errors"
)

var tracer = otel.Tracer("works-matcher/matching")

// Options is the immutable configuration of the engine.
type Options struct {
	Thresholds Thresholds
	Weights    FusionWeights

	AIEnabled          bool
	AICallsPerRecord   int
	AIAcceptConfidence float64
	AIRequestTimeout   time.Duration

	LexicalLimit  int
	VectorLimit   int
	SubBatchSize  int
	Workers       int
	WorkCacheSize int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Thresholds:         DefaultThresholds(),
		Weights:            DefaultFusionWeights(),
		AIEnabled:          true,
		AICallsPerRecord:   5,
		AIAcceptConfidence: 0.7,
		AIRequestTimeout:   30 * time.Second,
		LexicalLimit:       20,
		VectorLimit:        10,
		SubBatchSize:       10,
		Workers:            4,
		WorkCacheSize:      4096,
	}
}

// Validate checks the threshold ladder and every limit.
func (o Options) Validate() error {
	if err := o.Thresholds.Validate(); err != nil {
		return err
	}
	switch {
	case o.LexicalLimit <= 0:
		return fmt.Errorf("%w: lexical limit must be positive", apperrors.ErrInvalidConfig)
	case o.VectorLimit <= 0:
		return fmt.Errorf("%w: vector limit must be positive", apperrors.ErrInvalidConfig)
	case o.SubBatchSize <= 0:
		return fmt.Errorf("%w: sub-batch size must be positive", apperrors.ErrInvalidConfig)
	case o.Workers <= 0:
		return fmt.Errorf("%w: worker count must be positive", apperrors.ErrInvalidConfig)
	case o.AICallsPerRecord < 0:
		return fmt.Errorf("%w: AI calls per record cannot be negative", apperrors.ErrInvalidConfig)
	case o.AIAcceptConfidence < 0 || o.AIAcceptConfidence > 1:
		return fmt.Errorf("%w: AI accept confidence outside [0,1]", apperrors.ErrInvalidConfig)
	}
	return nil
}

// Matcher resolves a single usage record against the catalog.
type Matcher struct {
	retriever *Retriever
	arbiter   *Arbiter
	opts      Options
	logger    *zap.Logger
}

// NewMatcher wires a matcher. reasoner may be nil, which disables escalation.
func NewMatcher(store CatalogStore, reasoner Reasoner, opts Options, logger *zap.Logger) (*Matcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retriever, err := NewRetriever(store, opts.LexicalLimit, opts.VectorLimit, opts.WorkCacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		retriever: retriever,
		arbiter:   NewArbiter(reasoner, opts, logger),
		opts:      opts,
		logger:    logger,
	}, nil
}

// MatchRecord returns the record's candidates ordered by descending
// confidence, ties broken by work id. Candidates below the lowest threshold
// are dropped. Only retrieval failures are returned as errors.
func (m *Matcher) MatchRecord(ctx context.Context, rec UsageRecord) ([]MatchCandidate, error) {
	ctx, span := tracer.Start(ctx, "MatchRecord",
		trace.WithAttributes(
			attribute.Int64("usage_record_id", rec.ID),
			attribute.Bool("has_embedding", rec.HasEmbedding()),
		),
	)
	defer span.End()

	signals, err := m.retriever.Retrieve(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, err
	}

	candidates := make([]MatchCandidate, 0, len(signals))
	for _, s := range signals {
		var confidence float64
		if rec.HasEmbedding() {
			confidence = m.opts.Weights.Fuse(s.Title, s.Songwriter, s.Vector)
		} else {
			confidence = m.opts.Weights.FuseLexical(s.Title, s.Songwriter)
		}
		tier, ok := m.opts.Thresholds.Classify(confidence)
		if !ok {
			continue
		}
		candidates = append(candidates, MatchCandidate{
			UsageRecordID:        rec.ID,
			WorkID:               s.Work.ID,
			WorkCode:             s.Work.Code,
			WorkTitle:            s.Work.Title,
			WorkSongwriters:      s.Work.Songwriters,
			TitleSimilarity:      s.Title,
			SongwriterSimilarity: s.Songwriter,
			VectorSimilarity:     s.Vector,
			Confidence:           confidence,
			Tier:                 tier,
		})
	}

	calls := m.arbiter.Review(ctx, rec, candidates)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence == candidates[j].Confidence {
			return candidates[i].WorkID < candidates[j].WorkID
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})

	span.SetAttributes(
		attribute.Int("retrieved", len(signals)),
		attribute.Int("candidates", len(candidates)),
		attribute.Int("ai_calls", calls),
	)
	m.logger.Debug("Matched usage record",
		zap.Int64("usage_record_id", rec.ID),
		zap.Int("retrieved", len(signals)),
		zap.Int("candidates", len(candidates)),
		zap.Int("ai_calls", calls))
	return candidates, nil
}

// ForgetWork discards any cached copy of the work. Call it after the work's
// catalog row changes.
func (m *Matcher) ForgetWork(id int64) {
	m.retriever.ForgetWork(id)
}
