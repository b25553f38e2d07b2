package matching

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "works-matcher/errors"
)

// Row is one usage line as submitted by a client.
type Row struct {
	RecordingTitle  string `json:"recording_title"`
	RecordingArtist string `json:"recording_artist"`
	WorkTitle       string `json:"work_title"`
	Songwriter      string `json:"songwriter"`
}

// Stage names the phase a pipeline event reports.
type Stage string

const (
	StageParsed             Stage = "parsed"
	StageEmbeddingsComplete Stage = "embeddings_complete"
	StageMatchingProgress   Stage = "matching_progress"
	StageComplete           Stage = "complete"
	StageError              Stage = "error"
)

// Event is a pipeline progress notification. Counters are flattened into the
// event when encoded.
type Event struct {
	Stage   Stage     `json:"stage"`
	BatchID uuid.UUID `json:"batch_id"`
	Message string    `json:"message,omitempty"`
	BatchProgress
}

// RecordStore persists a batch and its usage records before matching.
type RecordStore interface {
	CreateBatch(ctx context.Context, filename string, total int) (uuid.UUID, error)
	AppendUsageRecords(ctx context.Context, batchID uuid.UUID, records []UsageRecord) ([]UsageRecord, error)
	SetUsageEmbedding(ctx context.Context, recordID int64, embedding []float32) error
}

// Embedder produces the title embedding of a usage record, or nil when none
// could be produced.
type Embedder interface {
	EmbedRecord(ctx context.Context, title, songwriter string) []float32
}

// Pipeline takes raw rows to a completed batch.
type Pipeline struct {
	store    RecordStore
	sink     BatchSink
	embedder Embedder
	runner   *BatchRunner
	workers  int
	logger   *zap.Logger
}

// NewPipeline wires a pipeline. embedder may be nil, in which case every
// record is matched on lexical signals only.
func NewPipeline(store RecordStore, sink BatchSink, embedder Embedder, runner *BatchRunner, workers int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    store,
		sink:     sink,
		embedder: embedder,
		runner:   runner,
		workers:  max(workers, 1),
		logger:   logger,
	}
}

// MaxFieldLength is the longest stored usage record field, in runes.
const MaxFieldLength = 500

// ParseRows turns rows into usage records, dropping rows with neither a work
// title nor a recording title. Fields longer than MaxFieldLength are cut.
// Row numbers are 1-based positions in rows.
func ParseRows(rows []Row) []UsageRecord {
	records := make([]UsageRecord, 0, len(rows))
	for i, row := range rows {
		rec := UsageRecord{
			RowNumber:       i + 1,
			RecordingTitle:  cleanField(row.RecordingTitle),
			RecordingArtist: cleanField(row.RecordingArtist),
			WorkTitle:       cleanField(row.WorkTitle),
			Songwriter:      cleanField(row.Songwriter),
		}
		if rec.QueryTitle() == "" {
			continue
		}
		rec.TitleNormalized = truncateRunes(Normalize(rec.QueryTitle()), MaxFieldLength)
		rec.SongwriterNormalized = truncateRunes(Normalize(rec.Songwriter), MaxFieldLength)
		records = append(records, rec)
	}
	return records
}

func cleanField(s string) string {
	return strings.TrimSpace(truncateRunes(strings.TrimSpace(s), MaxFieldLength))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ProcessRecords creates a batch for rows and runs it to completion. emit
// receives every stage event, including a final error event on failure.
func (p *Pipeline) ProcessRecords(ctx context.Context, filename string, rows []Row, emit func(Event)) (uuid.UUID, BatchProgress, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	fail := func(batchID uuid.UUID, progress BatchProgress, err error) (uuid.UUID, BatchProgress, error) {
		emit(Event{Stage: StageError, BatchID: batchID, Message: err.Error(), BatchProgress: progress})
		return batchID, progress, err
	}

	records := ParseRows(rows)
	if len(records) == 0 {
		return fail(uuid.Nil, BatchProgress{}, apperrors.ErrEmptyInput)
	}

	batchID, err := p.store.CreateBatch(ctx, filename, len(records))
	if err != nil {
		return fail(uuid.Nil, BatchProgress{}, apperrors.Join(apperrors.ErrStoreUnavailable, err))
	}
	logger := p.logger.With(zap.String("batch_id", batchID.String()))

	initial := BatchProgress{Total: len(records)}
	records, err = p.store.AppendUsageRecords(ctx, batchID, records)
	if err != nil {
		if ctx.Err() != nil {
			p.markCancelled(batchID, initial.Total)
			return fail(batchID, initial, apperrors.ErrCancelled)
		}
		p.markFailed(batchID, err)
		return fail(batchID, initial, apperrors.Join(apperrors.ErrStoreUnavailable, err))
	}
	logger.Info("Batch created", zap.String("filename", filename), zap.Int("records", len(records)))
	emit(Event{Stage: StageParsed, BatchID: batchID, BatchProgress: initial})

	if err := p.embedRecords(ctx, records); err != nil {
		if ctx.Err() != nil {
			p.markCancelled(batchID, initial.Total)
			return fail(batchID, initial, apperrors.ErrCancelled)
		}
		p.markFailed(batchID, err)
		return fail(batchID, initial, apperrors.Join(apperrors.ErrStoreUnavailable, err))
	}
	emit(Event{Stage: StageEmbeddingsComplete, BatchID: batchID, BatchProgress: initial})

	final, err := p.runner.Run(ctx, batchID, records, func(progress BatchProgress) {
		emit(Event{Stage: StageMatchingProgress, BatchID: batchID, BatchProgress: progress})
	})
	if err != nil {
		return fail(batchID, final, err)
	}

	emit(Event{Stage: StageComplete, BatchID: batchID, BatchProgress: final})
	return batchID, final, nil
}

func (p *Pipeline) embedRecords(ctx context.Context, records []UsageRecord) error {
	if p.embedder == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range records {
		i := i
		g.Go(func() error {
			rec := &records[i]
			emb := p.embedder.EmbedRecord(gctx, rec.QueryTitle(), rec.Songwriter)
			if emb == nil {
				return nil
			}
			if err := p.store.SetUsageEmbedding(gctx, rec.ID, emb); err != nil {
				return fmt.Errorf("failed to store embedding for row %d: %w", rec.RowNumber, err)
			}
			rec.TitleEmbedding = emb
			return nil
		})
	}
	return g.Wait()
}

// markCancelled records a batch stopped before any record was matched.
func (p *Pipeline) markCancelled(batchID uuid.UUID, total int) {
	msg := fmt.Sprintf("cancelled after 0 of %d records", total)
	if err := p.sink.MarkStatus(context.Background(), batchID, StatusCancelled, msg); err != nil {
		p.logger.Error("Failed to mark batch cancelled",
			zap.String("batch_id", batchID.String()),
			zap.Error(err))
	}
}

func (p *Pipeline) markFailed(batchID uuid.UUID, cause error) {
	ctx := context.Background()
	if err := p.sink.MarkStatus(ctx, batchID, StatusFailed, cause.Error()); err != nil {
		p.logger.Error("Failed to mark batch failed",
			zap.String("batch_id", batchID.String()),
			zap.Error(err))
	}
}
