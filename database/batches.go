package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	apperrors "works-matcher/errors"
	"works-matcher/matching"
)

// BatchRow is a processing batch as stored.
type BatchRow struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Filename     string     `db:"filename" json:"filename"`
	Total        int        `db:"total_records" json:"total_records"`
	Processed    int        `db:"processed_records" json:"processed_records"`
	Matched      int        `db:"matched_records" json:"matched_records"`
	Unmatched    int        `db:"unmatched_records" json:"unmatched_records"`
	Flagged      int        `db:"flagged_records" json:"flagged_records"`
	Status       string     `db:"status" json:"status"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

const batchColumns = `id, filename, total_records, processed_records, matched_records, unmatched_records,
	flagged_records, status, error_message, started_at, completed_at, created_at`

// Progress returns the stored counters.
func (b BatchRow) Progress() matching.BatchProgress {
	p := matching.BatchProgress{
		Processed: b.Processed,
		Total:     b.Total,
		Matched:   b.Matched,
		Unmatched: b.Unmatched,
		Flagged:   b.Flagged,
	}
	if b.Total > 0 {
		p.Percentage = math.Round(float64(b.Processed)/float64(b.Total)*1000) / 10
	}
	return p
}

func (s *PostgresStore) CreateBatch(ctx context.Context, filename string, total int) (uuid.UUID, error) {
	batchID := uuid.New()
	query := `
		INSERT INTO processing_batches (id, filename, total_records, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.DB.ExecContext(ctx, query, batchID, filename, total, string(matching.StatusPending), time.Now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return batchID, nil
}

// GetBatch returns the batch with id, or ErrNotFound.
func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (BatchRow, error) {
	var row BatchRow
	query := `
		SELECT ` + batchColumns + `
		FROM processing_batches WHERE id = $1
	`
	if err := s.dbx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, apperrors.WrapErrorf(apperrors.ErrNotFound, "batch %s", id)
		}
		return row, fmt.Errorf("failed to fetch batch: %w", err)
	}
	return row, nil
}

// ListBatches returns batches newest first, optionally filtered by status,
// together with the unpaged count.
func (s *PostgresStore) ListBatches(ctx context.Context, status string, limit, offset int) ([]BatchRow, int, error) {
	var total int
	if err := s.dbx.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM processing_batches WHERE $1 = '' OR status = $1`, status); err != nil {
		return nil, 0, fmt.Errorf("failed to count batches: %w", err)
	}

	rows := []BatchRow{}
	query := `
		SELECT ` + batchColumns + `
		FROM processing_batches
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	if err := s.dbx.SelectContext(ctx, &rows, query, status, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list batches: %w", err)
	}
	return rows, total, nil
}

// AppendUsageRecords stores records under batchID and returns them with
// their assigned ids.
func (s *PostgresStore) AppendUsageRecords(ctx context.Context, batchID uuid.UUID, records []matching.UsageRecord) ([]matching.UsageRecord, error) {
	tx, err := s.dbx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO usage_records (batch_id, recording_title, recording_artist, work_title,
		    work_title_normalized, songwriter, songwriter_normalized, row_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare usage insert: %w", err)
	}
	defer stmt.Close()

	stored := make([]matching.UsageRecord, len(records))
	for i, rec := range records {
		rec.BatchID = batchID
		err := stmt.QueryRowContext(ctx, batchID, rec.RecordingTitle, rec.RecordingArtist, rec.WorkTitle,
			rec.TitleNormalized, rec.Songwriter, rec.SongwriterNormalized, rec.RowNumber).Scan(&rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert usage record for row %d: %w", rec.RowNumber, err)
		}
		stored[i] = rec
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresStore) SetUsageEmbedding(ctx context.Context, recordID int64, emb []float32) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE usage_records SET title_embedding = $1 WHERE id = $2`,
		pgvector.NewVector(emb), recordID)
	if err != nil {
		return fmt.Errorf("failed to store embedding for usage record %d: %w", recordID, err)
	}
	return nil
}

// CommitSubBatch writes the match results of one sub-batch and the batch
// counters in one transaction.
func (s *PostgresStore) CommitSubBatch(ctx context.Context, batchID uuid.UUID, results []matching.RecordResult, progress matching.BatchProgress) error {
	tx, err := s.dbx.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO match_results (usage_record_id, work_id, confidence_score, match_type,
		    title_similarity, songwriter_similarity, vector_similarity, ai_reasoning)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (usage_record_id, work_id) DO UPDATE SET
		    confidence_score = EXCLUDED.confidence_score,
		    match_type = EXCLUDED.match_type,
		    title_similarity = EXCLUDED.title_similarity,
		    songwriter_similarity = EXCLUDED.songwriter_similarity,
		    vector_similarity = EXCLUDED.vector_similarity,
		    ai_reasoning = EXCLUDED.ai_reasoning
	`
	for _, r := range results {
		for _, c := range r.Candidates {
			_, err := tx.ExecContext(ctx, insert, r.Record.ID, c.WorkID,
				round4(c.Confidence), string(c.Tier),
				round4(c.TitleSimilarity), round4(c.SongwriterSimilarity), round4(c.VectorSimilarity),
				c.AIReasoning)
			if err != nil {
				return fmt.Errorf("failed to insert match for usage record %d: %w", r.Record.ID, err)
			}
		}
		if r.Err != "" {
			_, err := tx.ExecContext(ctx, `UPDATE usage_records SET match_error = $1 WHERE id = $2`, r.Err, r.Record.ID)
			if err != nil {
				return fmt.Errorf("failed to annotate usage record %d: %w", r.Record.ID, err)
			}
		}
	}

	update := `
		UPDATE processing_batches
		SET processed_records = $1, matched_records = $2, unmatched_records = $3, flagged_records = $4
		WHERE id = $5
	`
	if _, err := tx.ExecContext(ctx, update, progress.Processed, progress.Matched, progress.Unmatched, progress.Flagged, batchID); err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}

	return tx.Commit()
}

// MarkStatus moves a batch to status. message is stored as the error
// message when non-empty.
func (s *PostgresStore) MarkStatus(ctx context.Context, batchID uuid.UUID, status matching.BatchStatus, message string) error {
	query := `UPDATE processing_batches SET status = $1, error_message = NULLIF($2, '') WHERE id = $3`
	args := []any{string(status), message, batchID}
	switch status {
	case matching.StatusProcessing:
		query = `UPDATE processing_batches SET status = $1, error_message = NULLIF($2, ''), started_at = COALESCE(started_at, $4) WHERE id = $3`
		args = append(args, time.Now())
	case matching.StatusCompleted, matching.StatusFailed, matching.StatusCancelled:
		query = `UPDATE processing_batches SET status = $1, error_message = NULLIF($2, ''), completed_at = $4 WHERE id = $3`
		args = append(args, time.Now())
	}

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.WrapErrorf(apperrors.ErrNotFound, "batch %s", batchID)
	}
	return nil
}

// StaleBatches returns ids of batches still pending or processing that were
// created before cutoff.
func (s *PostgresStore) StaleBatches(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `
		SELECT id FROM processing_batches
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at
	`
	if err := s.dbx.SelectContext(ctx, &ids, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale batches: %w", err)
	}
	return ids, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
