package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "works-matcher/errors"
)

// JudgeRequest is everything the reasoning service sees about one pairing.
type JudgeRequest struct {
	UsageTitle           string
	UsageSongwriter      string
	WorkTitle            string
	WorkSongwriters      []string
	TitleSimilarity      float64
	SongwriterSimilarity float64
	VectorSimilarity     float64
}

// Verdict is the reasoning service's answer.
type Verdict struct {
	IsMatch    bool    `json:"is_match"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Reasoner judges whether a usage record and a catalog work are the same
// composition.
type Reasoner interface {
	Judge(ctx context.Context, req JudgeRequest) (Verdict, error)
}

// Arbiter escalates medium-confidence candidates to a Reasoner.
type Arbiter struct {
	reasoner Reasoner
	enabled  bool
	budget   int
	accept   float64
	timeout  time.Duration
	logger   *zap.Logger
}

// NewArbiter returns an arbiter. A nil reasoner disables it.
func NewArbiter(reasoner Reasoner, opts Options, logger *zap.Logger) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{
		reasoner: reasoner,
		enabled:  opts.AIEnabled && reasoner != nil,
		budget:   opts.AICallsPerRecord,
		accept:   opts.AIAcceptConfidence,
		timeout:  opts.AIRequestTimeout,
		logger:   logger,
	}
}

// Review consults the reasoner for the record's medium-confidence candidates,
// best first, up to the per-record budget. Candidates are updated in place.
// Reasoner failures are recorded on the candidate and never returned.
// It returns the number of reasoner calls made.
func (a *Arbiter) Review(ctx context.Context, rec UsageRecord, candidates []MatchCandidate) int {
	if !a.enabled || a.budget <= 0 {
		return 0
	}

	var medium []int
	for i := range candidates {
		if candidates[i].Tier == TierMedium {
			medium = append(medium, i)
		}
	}
	sort.SliceStable(medium, func(i, j int) bool {
		ci, cj := candidates[medium[i]], candidates[medium[j]]
		if ci.Confidence == cj.Confidence {
			return ci.WorkID < cj.WorkID
		}
		return ci.Confidence > cj.Confidence
	})
	if len(medium) > a.budget {
		medium = medium[:a.budget]
	}

	for _, idx := range medium {
		a.judge(ctx, rec, &candidates[idx])
	}
	return len(medium)
}

func (a *Arbiter) judge(ctx context.Context, rec UsageRecord, c *MatchCandidate) {
	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	verdict, err := a.reasoner.Judge(callCtx, JudgeRequest{
		UsageTitle:           rec.QueryTitle(),
		UsageSongwriter:      rec.Songwriter,
		WorkTitle:            c.WorkTitle,
		WorkSongwriters:      c.WorkSongwriters,
		TitleSimilarity:      c.TitleSimilarity,
		SongwriterSimilarity: c.SongwriterSimilarity,
		VectorSimilarity:     c.VectorSimilarity,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrMalformedResponse) {
			c.AIReasoning = fmt.Sprintf("Failed to parse AI response: %v", err)
		} else {
			c.AIReasoning = fmt.Sprintf("AI matching error: %v", err)
		}
		a.logger.Warn("Reasoner call failed, keeping candidate as is",
			zap.Int64("usage_record_id", rec.ID),
			zap.Int64("work_id", c.WorkID),
			zap.Error(err))
		return
	}

	c.AIReasoning = verdict.Reasoning
	if verdict.IsMatch && verdict.Confidence > a.accept {
		c.Tier = TierAIMatched
		c.Confidence = max(c.Confidence, clamp01(verdict.Confidence))
	}
}
