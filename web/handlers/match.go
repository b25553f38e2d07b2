package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"works-matcher/matching"
)

type MatchHandler struct {
	matcher  matching.RecordMatcher
	embedder matching.Embedder
	logger   *zap.Logger
}

type matchResponse struct {
	QueryTitle string                    `json:"query_title"`
	Songwriter string                    `json:"songwriter"`
	Outcome    matching.Outcome          `json:"outcome"`
	Candidates []matching.MatchCandidate `json:"candidates"`
}

// NewMatchHandler creates the ad-hoc match handler. embedder may be nil.
func NewMatchHandler(matcher matching.RecordMatcher, embedder matching.Embedder, logger *zap.Logger) *MatchHandler {
	return &MatchHandler{matcher: matcher, embedder: embedder, logger: logger}
}

// Match resolves one record against the catalog without persisting anything.
func (h *MatchHandler) Match(c *gin.Context) {
	var row matching.Row
	if err := c.ShouldBindJSON(&row); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	records := matching.ParseRows([]matching.Row{row})
	if len(records) == 0 {
		respondWithClientError(c, http.StatusBadRequest, "A work_title or recording_title is required.")
		return
	}
	rec := records[0]

	ctx := c.Request.Context()
	if h.embedder != nil {
		rec.TitleEmbedding = h.embedder.EmbedRecord(ctx, rec.QueryTitle(), rec.Songwriter)
	}

	candidates, err := h.matcher.MatchRecord(ctx, rec)
	if err != nil {
		respondWithError(c, statusFor(err), err, "Could not match record.", h.logger,
			zap.String("title", rec.QueryTitle()))
		return
	}
	if candidates == nil {
		candidates = []matching.MatchCandidate{}
	}

	c.JSON(http.StatusOK, matchResponse{
		QueryTitle: rec.QueryTitle(),
		Songwriter: rec.Songwriter,
		Outcome:    matching.Summarize(candidates),
		Candidates: candidates,
	})
}
