package web

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"works-matcher/config"
	"works-matcher/matching"
)

// BatchReaper is the part of the store the cleanup service needs.
type BatchReaper interface {
	StaleBatches(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	MarkStatus(ctx context.Context, batchID uuid.UUID, status matching.BatchStatus, message string) error
}

// CleanupService fails batches that were left pending or processing, for
// example by a restart in the middle of a run.
type CleanupService struct {
	store   BatchReaper
	running interface{ IsRunning(uuid.UUID) bool }
	logger  *zap.Logger
}

// NewCleanupService creates a new cleanup service instance. running may be
// nil when no batch can be in flight, as at startup.
func NewCleanupService(store BatchReaper, running interface{ IsRunning(uuid.UUID) bool }, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		store:   store,
		running: running,
		logger:  logger,
	}
}

// CleanupStaleBatches marks every unfinished batch created more than maxAge
// ago as failed, skipping batches this instance is still running.
// Returns the number of batches marked.
func (cs *CleanupService) CleanupStaleBatches(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoffTime := time.Now().Add(-maxAge)

	stale, err := cs.store.StaleBatches(ctx, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to get stale batches: %w", err)
	}
	if len(stale) == 0 {
		cs.logger.Debug("No stale batches found")
		return 0, nil
	}

	marked := 0
	for _, id := range stale {
		if cs.running != nil && cs.running.IsRunning(id) {
			continue
		}
		if err := cs.store.MarkStatus(ctx, id, matching.StatusFailed, "interrupted before completion"); err != nil {
			cs.logger.Error("Failed to mark stale batch",
				zap.Error(err),
				zap.String("batch_id", id.String()))
			continue
		}
		marked++
	}

	cs.logger.Info("Stale batch cleanup completed",
		zap.Int("batches_marked", marked),
		zap.Int("batches_found", len(stale)))
	return marked, nil
}

// StartBatchCleanup runs CleanupStaleBatches every cleanup interval until
// ctx is done.
func StartBatchCleanup(ctx context.Context, cfg *config.Config, cs *CleanupService, logger *zap.Logger) {
	interval := cfg.CleanupIntervalMinutes
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cs.CleanupStaleBatches(ctx, cfg.StaleBatchMinutes); err != nil {
				logger.Warn("Stale batch cleanup failed", zap.Error(err))
			}
		}
	}
}
