package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"works-matcher/database"
	apperrors "works-matcher/errors"
	"works-matcher/matching"
	"works-matcher/utils"
)

// BatchProcessor runs submitted rows through the matching pipeline.
type BatchProcessor interface {
	ProcessRecords(ctx context.Context, filename string, rows []matching.Row, emit func(matching.Event)) (uuid.UUID, matching.BatchProgress, error)
}

// BatchStore reads stored batches.
type BatchStore interface {
	GetBatch(ctx context.Context, id uuid.UUID) (database.BatchRow, error)
	ListBatches(ctx context.Context, status string, limit, offset int) ([]database.BatchRow, int, error)
}

type BatchHandler struct {
	pipeline BatchProcessor
	store    BatchStore
	running  *RunningBatches
	logger   *zap.Logger
}

type SubmitBatchRequest struct {
	Filename string         `json:"filename" binding:"required"`
	Records  []matching.Row `json:"records" binding:"required"`
}

type batchResponse struct {
	database.BatchRow
	Percentage float64 `json:"percentage"`
}

func NewBatchHandler(pipeline BatchProcessor, store BatchStore, running *RunningBatches, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		pipeline: pipeline,
		store:    store,
		running:  running,
		logger:   logger,
	}
}

// Submit processes a batch and streams its stage events as SSE. The batch
// stops at the next sub-batch boundary if the client disconnects or the
// batch is cancelled.
func (h *BatchHandler) Submit(c *gin.Context) {
	var req SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Request must include a filename and a records list.")
		return
	}
	filename := utils.SanitizeFilename(req.Filename)
	if filename == "" {
		respondWithClientError(c, http.StatusBadRequest, "Invalid filename.")
		return
	}
	if len(matching.ParseRows(req.Records)) == 0 {
		respondWithClientError(c, http.StatusBadRequest, apperrors.ErrEmptyInput.Error())
		return
	}

	reqCtx := c.Request.Context()
	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()

	startSSE(c.Writer)

	var mu sync.Mutex
	var batchID uuid.UUID
	emit := func(ev matching.Event) {
		if ev.Stage == matching.StageParsed && batchID == uuid.Nil {
			batchID = ev.BatchID
			h.running.add(batchID, cancel)
		}
		if err := writeSSEData(reqCtx, c.Writer, ev, &mu); err != nil {
			h.logger.Debug("Dropped progress event", zap.String("stage", string(ev.Stage)), zap.Error(err))
		}
	}

	_, final, err := h.pipeline.ProcessRecords(ctx, filename, req.Records, emit)
	if batchID != uuid.Nil {
		h.running.remove(batchID)
	}

	logger := h.logger.With(zap.String("batch_id", batchID.String()), zap.String("filename", filename))
	switch {
	case err == nil:
		logger.Info("Batch finished", zap.Int("matched", final.Matched), zap.Int("total", final.Total))
	case errors.Is(err, apperrors.ErrCancelled):
		logger.Info("Batch cancelled", zap.Int("processed", final.Processed), zap.Int("total", final.Total))
	default:
		logger.Error("Batch failed", zap.Int("processed", final.Processed), zap.Error(err))
	}
}

// Get returns the stored status and counters of one batch.
func (h *BatchHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid batch id.")
		return
	}

	row, err := h.store.GetBatch(c.Request.Context(), id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			respondWithClientError(c, http.StatusNotFound, "Batch not found.")
			return
		}
		respondWithError(c, statusFor(err), err, "Could not load batch.", h.logger, zap.String("batch_id", id.String()))
		return
	}

	c.JSON(http.StatusOK, batchResponse{BatchRow: row, Percentage: row.Progress().Percentage})
}

// List returns batches newest first, paged with page and page_size.
func (h *BatchHandler) List(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		respondWithClientError(c, http.StatusBadRequest, "page must be a positive integer.")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		respondWithClientError(c, http.StatusBadRequest, "page_size must be between 1 and 100.")
		return
	}
	status := c.Query("status")

	rows, total, err := h.store.ListBatches(c.Request.Context(), status, pageSize, (page-1)*pageSize)
	if err != nil {
		respondWithError(c, statusFor(err), err, "Could not list batches.", h.logger)
		return
	}

	batches := make([]batchResponse, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, batchResponse{BatchRow: row, Percentage: row.Progress().Percentage})
	}
	c.JSON(http.StatusOK, gin.H{
		"batches":   batches,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// Cancel stops a batch running on this instance.
func (h *BatchHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid batch id.")
		return
	}

	if h.running.Cancel(id) {
		h.logger.Info("Batch cancellation requested", zap.String("batch_id", id.String()))
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
		return
	}

	row, err := h.store.GetBatch(c.Request.Context(), id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			respondWithClientError(c, http.StatusNotFound, "Batch not found.")
			return
		}
		respondWithError(c, statusFor(err), err, "Could not load batch.", h.logger, zap.String("batch_id", id.String()))
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": "Batch is not running.", "status": row.Status})
}
