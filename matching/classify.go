package matching

import (
	"fmt"

	apperrors "works-matcher/errors"
)

// Thresholds is the ordered confidence ladder. Values must be strictly
// descending and within (0,1].
type Thresholds struct {
	Exact  float64
	High   float64
	Medium float64
	Low    float64
}

// DefaultThresholds returns 0.95 / 0.85 / 0.70 / 0.50.
func DefaultThresholds() Thresholds {
	return Thresholds{Exact: 0.95, High: 0.85, Medium: 0.70, Low: 0.50}
}

// Validate rejects ladders that are out of range or not strictly descending.
func (t Thresholds) Validate() error {
	ladder := []float64{t.Exact, t.High, t.Medium, t.Low}
	for i, v := range ladder {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%w: threshold %d (%.4f) outside (0,1]", apperrors.ErrInvalidConfig, i, v)
		}
		if i > 0 && ladder[i-1] <= v {
			return fmt.Errorf("%w: thresholds must be strictly descending, got %.4f then %.4f",
				apperrors.ErrInvalidConfig, ladder[i-1], v)
		}
	}
	return nil
}

// Classify maps a fused confidence to the highest tier it meets. The second
// return is false when the confidence falls below the lowest rung and the
// candidate must be dropped.
func (t Thresholds) Classify(confidence float64) (Tier, bool) {
	switch {
	case confidence >= t.Exact:
		return TierExact, true
	case confidence >= t.High:
		return TierHigh, true
	case confidence >= t.Medium:
		return TierMedium, true
	case confidence >= t.Low:
		return TierLow, true
	default:
		return "", false
	}
}

// Rank orders ladder tiers; higher is better. ai_matched ranks with high
// confidence since it is only ever reached from medium.
func (t Tier) Rank() int {
	switch t {
	case TierExact:
		return 4
	case TierHigh, TierAIMatched:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// IsMatched reports whether a record whose best candidate has this tier
// counts as matched.
func (t Tier) IsMatched() bool {
	return t == TierExact || t == TierHigh || t == TierAIMatched
}

// Summarize reduces a record's candidate list to its batch outcome. The best
// candidate is the one with the highest confidence.
func Summarize(candidates []MatchCandidate) Outcome {
	if len(candidates) == 0 {
		return OutcomeUnmatched
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	if best.Tier.IsMatched() {
		return OutcomeMatched
	}
	return OutcomeFlagged
}
