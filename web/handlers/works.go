package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"works-matcher/database"
	"works-matcher/embedding"
	"works-matcher/matching"
)

// CatalogAdmin writes to the catalog.
type CatalogAdmin interface {
	AddWork(ctx context.Context, w matching.CatalogWork) (int64, error)
	EmbeddingCoverage(ctx context.Context) (database.EmbeddingCoverage, error)
}

// WorkCache holds copies of catalog works that must be dropped when a work
// changes.
type WorkCache interface {
	ForgetWork(id int64)
}

// BackfillFunc generates missing catalog embeddings.
type BackfillFunc func(ctx context.Context) (embedding.BackfillStats, error)

type WorksHandler struct {
	catalog  CatalogAdmin
	cache    WorkCache
	backfill BackfillFunc
	logger   *zap.Logger
}

type AddWorkRequest struct {
	WorkCode    string   `json:"work_code" binding:"required,max=50"`
	Title       string   `json:"title" binding:"required,max=500"`
	ISWC        string   `json:"iswc" binding:"max=20"`
	Songwriters []string `json:"songwriters" binding:"required,min=1"`
}

// NewWorksHandler creates the catalog handler. cache may be nil.
func NewWorksHandler(catalog CatalogAdmin, cache WorkCache, backfill BackfillFunc, logger *zap.Logger) *WorksHandler {
	return &WorksHandler{catalog: catalog, cache: cache, backfill: backfill, logger: logger}
}

// Add registers or replaces a catalog work. Its embeddings are produced by
// the next backfill.
func (h *WorksHandler) Add(c *gin.Context) {
	var req AddWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "work_code (max 50), title (max 500) and at least one songwriter are required.")
		return
	}

	songwriters := make([]string, 0, len(req.Songwriters))
	for _, s := range req.Songwriters {
		if s = strings.TrimSpace(s); s != "" {
			songwriters = append(songwriters, s)
		}
	}
	if strings.TrimSpace(req.Title) == "" || len(songwriters) == 0 {
		respondWithClientError(c, http.StatusBadRequest, "work_code, title and at least one songwriter are required.")
		return
	}

	id, err := h.catalog.AddWork(c.Request.Context(), matching.CatalogWork{
		Code:        strings.TrimSpace(req.WorkCode),
		Title:       strings.TrimSpace(req.Title),
		ISWC:        strings.TrimSpace(req.ISWC),
		Songwriters: songwriters,
	})
	if err != nil {
		respondWithError(c, statusFor(err), err, "Could not save work.", h.logger, zap.String("work_code", req.WorkCode))
		return
	}
	if h.cache != nil {
		h.cache.ForgetWork(id)
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "work_code": req.WorkCode})
}

// Stats reports how much of the catalog has embeddings.
func (h *WorksHandler) Stats(c *gin.Context) {
	cov, err := h.catalog.EmbeddingCoverage(c.Request.Context())
	if err != nil {
		respondWithError(c, statusFor(err), err, "Could not count works.", h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_works":        cov.Total,
		"with_embeddings":    cov.WithEmbedding,
		"without_embeddings": cov.Total - cov.WithEmbedding,
	})
}

// GenerateEmbeddings runs a catalog embedding backfill and reports the result.
func (h *WorksHandler) GenerateEmbeddings(c *gin.Context) {
	stats, err := h.backfill(c.Request.Context())
	if err != nil {
		respondWithError(c, statusFor(err), err, "Embedding backfill failed.", h.logger,
			zap.Int("embedded", stats.Embedded))
		return
	}
	c.JSON(http.StatusOK, stats)
}
