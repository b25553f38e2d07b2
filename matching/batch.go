package matching

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "works-matcher/errors"
)

// RecordMatcher is the per-record half of the engine.
type RecordMatcher interface {
	MatchRecord(ctx context.Context, rec UsageRecord) ([]MatchCandidate, error)
}

// BatchSink persists batch results. CommitSubBatch must write the results
// and the counters in a single transaction.
type BatchSink interface {
	CommitSubBatch(ctx context.Context, batchID uuid.UUID, results []RecordResult, progress BatchProgress) error
	MarkStatus(ctx context.Context, batchID uuid.UUID, status BatchStatus, message string) error
}

// BatchRunner drives a record list through the matcher sub-batch by sub-batch.
type BatchRunner struct {
	matcher      RecordMatcher
	sink         BatchSink
	subBatchSize int
	workers      int
	logger       *zap.Logger
}

// NewBatchRunner creates a runner using the sub-batch size and worker count
// from opts.
func NewBatchRunner(matcher RecordMatcher, sink BatchSink, opts Options, logger *zap.Logger) *BatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchRunner{
		matcher:      matcher,
		sink:         sink,
		subBatchSize: max(opts.SubBatchSize, 1),
		workers:      max(opts.Workers, 1),
		logger:       logger,
	}
}

// Run processes records and returns the final counters. Counters only ever
// reflect committed sub-batches. progress, if non-nil, is called once per
// committed sub-batch.
//
// Cancelling ctx stops the batch at the next sub-batch boundary; the
// sub-batch in flight is finished and committed first.
func (b *BatchRunner) Run(ctx context.Context, batchID uuid.UUID, records []UsageRecord, progress func(BatchProgress)) (BatchProgress, error) {
	if len(records) == 0 {
		return BatchProgress{}, apperrors.ErrEmptyInput
	}

	ctx, span := tracer.Start(ctx, "BatchRunner.Run",
		trace.WithAttributes(
			attribute.String("batch_id", batchID.String()),
			attribute.Int("total", len(records)),
		),
	)
	defer span.End()

	state := BatchProgress{Total: len(records)}
	// Work already started must reach the store even after cancellation.
	work := context.WithoutCancel(ctx)

	if err := b.sink.MarkStatus(work, batchID, StatusProcessing, ""); err != nil {
		return state, apperrors.Join(apperrors.ErrStoreUnavailable, err)
	}

	for start := 0; start < len(records); start += b.subBatchSize {
		if ctx.Err() != nil {
			b.logger.Info("Batch cancelled",
				zap.String("batch_id", batchID.String()),
				zap.Int("processed", state.Processed),
				zap.Int("total", state.Total))
			msg := fmt.Sprintf("cancelled after %d of %d records", state.Processed, state.Total)
			if err := b.sink.MarkStatus(work, batchID, StatusCancelled, msg); err != nil {
				b.logger.Error("Failed to mark batch cancelled", zap.String("batch_id", batchID.String()), zap.Error(err))
			}
			span.SetAttributes(attribute.String("status", string(StatusCancelled)))
			return state, apperrors.ErrCancelled
		}

		end := min(start+b.subBatchSize, len(records))
		results := b.runSubBatch(work, records[start:end])

		next := state
		for _, r := range results {
			next.Processed++
			switch r.Outcome {
			case OutcomeMatched:
				next.Matched++
			case OutcomeFlagged:
				next.Flagged++
			default:
				next.Unmatched++
			}
		}
		next.Percentage = percentage(next.Processed, next.Total)

		if err := b.sink.CommitSubBatch(work, batchID, results, next); err != nil {
			b.logger.Error("Failed to commit sub-batch, failing batch",
				zap.String("batch_id", batchID.String()),
				zap.Int("processed", state.Processed),
				zap.Error(err))
			if markErr := b.sink.MarkStatus(work, batchID, StatusFailed, err.Error()); markErr != nil {
				b.logger.Error("Failed to mark batch failed", zap.String("batch_id", batchID.String()), zap.Error(markErr))
			}
			span.RecordError(err)
			span.SetAttributes(attribute.String("status", string(StatusFailed)))
			return state, apperrors.Join(apperrors.ErrStoreUnavailable, err)
		}

		state = next
		b.logger.Debug("Committed sub-batch",
			zap.String("batch_id", batchID.String()),
			zap.Int("processed", state.Processed),
			zap.Int("matched", state.Matched),
			zap.Int("flagged", state.Flagged),
			zap.Int("unmatched", state.Unmatched))
		if progress != nil {
			progress(state)
		}
	}

	if err := b.sink.MarkStatus(work, batchID, StatusCompleted, ""); err != nil {
		return state, apperrors.Join(apperrors.ErrStoreUnavailable, err)
	}
	span.SetAttributes(
		attribute.String("status", string(StatusCompleted)),
		attribute.Int("matched", state.Matched),
	)
	b.logger.Info("Batch completed",
		zap.String("batch_id", batchID.String()),
		zap.Int("total", state.Total),
		zap.Int("matched", state.Matched),
		zap.Int("flagged", state.Flagged),
		zap.Int("unmatched", state.Unmatched))
	return state, nil
}

func (b *BatchRunner) runSubBatch(ctx context.Context, records []UsageRecord) []RecordResult {
	results := make([]RecordResult, len(records))

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			results[i] = b.matchOne(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (b *BatchRunner) matchOne(ctx context.Context, rec UsageRecord) RecordResult {
	candidates, err := b.matcher.MatchRecord(ctx, rec)
	if err != nil {
		b.logger.Warn("Matching failed for record, counting as unmatched",
			zap.Int64("usage_record_id", rec.ID),
			zap.Int("row", rec.RowNumber),
			zap.Error(err))
		return RecordResult{Record: rec, Outcome: OutcomeUnmatched, Err: err.Error()}
	}
	return RecordResult{Record: rec, Candidates: candidates, Outcome: Summarize(candidates)}
}

func percentage(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(processed)/float64(total)*1000) / 10
}
