package embedding

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"works-matcher/matching"
)

// WorkEmbeddings are the three vectors stored per catalog work.
type WorkEmbeddings struct {
	Title      []float32
	Songwriter []float32
	Combined   []float32
}

// CatalogWriter is the part of the catalog store the backfill needs.
// WorksMissingEmbeddings pages through works without a combined embedding
// in id order, starting after afterID.
type CatalogWriter interface {
	WorksMissingEmbeddings(ctx context.Context, afterID int64, limit int) ([]matching.CatalogWork, error)
	SetWorkEmbeddings(ctx context.Context, workID int64, emb WorkEmbeddings) error
}

// BackfillStats summarizes one backfill run.
type BackfillStats struct {
	Scanned  int `json:"scanned"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
}

// BackfillCatalog generates embeddings for every catalog work that has none.
// A work whose combined embedding cannot be produced is skipped and left for
// a later run. Store errors stop the run.
func (s *Service) BackfillCatalog(ctx context.Context, store CatalogWriter, batchSize int) (BackfillStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var stats BackfillStats
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		works, err := store.WorksMissingEmbeddings(ctx, afterID, batchSize)
		if err != nil {
			return stats, fmt.Errorf("list works missing embeddings: %w", err)
		}
		if len(works) == 0 {
			break
		}

		for _, w := range works {
			afterID = w.ID
			stats.Scanned++

			songwriters := strings.Join(w.Songwriters, ", ")
			combined := s.Embed(ctx, ComposeText(w.Title, songwriters))
			if combined == nil {
				stats.Skipped++
				continue
			}
			emb := WorkEmbeddings{
				Title:      s.Embed(ctx, w.Title),
				Songwriter: s.Embed(ctx, songwriters),
				Combined:   combined,
			}
			if err := store.SetWorkEmbeddings(ctx, w.ID, emb); err != nil {
				return stats, fmt.Errorf("store embeddings for work %d: %w", w.ID, err)
			}
			stats.Embedded++
		}

		s.logger.Info("Catalog embedding backfill progress",
			zap.Int("scanned", stats.Scanned),
			zap.Int("embedded", stats.Embedded),
			zap.Int("skipped", stats.Skipped))

		if len(works) < batchSize {
			break
		}
	}
	return stats, nil
}
