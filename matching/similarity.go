package matching

import "strings"

const (
	// partialRatioScale discounts substring alignment so a bare fragment never
	// outranks a full-string agreement.
	partialRatioScale = 0.95
	// substringFloor is the score given when one songwriter name contains the
	// other ("paul" vs "paul mccartney").
	substringFloor = 0.9
)

// TitleSimilarity scores two titles in [0,1]. The best of four alignment
// measures wins, since truncation, reordering and added qualifiers each defeat
// a different measure.
func TitleSimilarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return max(
		ratio(na, nb),
		partialRatio(na, nb)*partialRatioScale,
		tokenSortRatio(na, nb),
		tokenSetRatio(na, nb),
	)
}

// SongwriterSimilarity scores a reported songwriter credit against the
// registered writers of a work. It returns the best single-writer score.
func SongwriterSimilarity(query string, writers []string) float64 {
	nq := Normalize(query)
	if nq == "" || len(writers) == 0 {
		return 0
	}

	best := 0.0
	for _, w := range writers {
		nw := Normalize(w)
		if nw == "" {
			continue
		}
		if nq == nw {
			return 1
		}
		if strings.Contains(nw, nq) || strings.Contains(nq, nw) {
			best = max(best, substringFloor)
			continue
		}
		best = max(best, ratio(nq, nw), tokenSortRatio(nq, nw), tokenSetRatio(nq, nw))
	}
	return best
}

// FusionWeights combines the three similarity signals into one confidence.
type FusionWeights struct {
	Title      float64
	Songwriter float64
	Vector     float64

	// Corroboration boost: applied when title and songwriter both clear
	// their gates.
	BoostTitleAbove      float64
	BoostSongwriterAbove float64
	BoostFactor          float64
}

// DefaultFusionWeights returns 0.4/0.3/0.3 with a 1.1 boost above 0.8/0.7.
func DefaultFusionWeights() FusionWeights {
	return FusionWeights{
		Title:                0.4,
		Songwriter:           0.3,
		Vector:               0.3,
		BoostTitleAbove:      0.8,
		BoostSongwriterAbove: 0.7,
		BoostFactor:          1.1,
	}
}

// Fuse returns the weighted sum of the three signals, boosted and clamped to [0,1].
func (w FusionWeights) Fuse(title, songwriter, vector float64) float64 {
	confidence := w.Title*title + w.Songwriter*songwriter + w.Vector*vector
	return w.boost(confidence, title, songwriter)
}

// FuseLexical is used when a record has no embedding at all: the lexical
// weights are rescaled to sum to one instead of scoring the absent signal as 0.
func (w FusionWeights) FuseLexical(title, songwriter float64) float64 {
	sum := w.Title + w.Songwriter
	if sum <= 0 {
		return 0
	}
	confidence := (w.Title*title + w.Songwriter*songwriter) / sum
	return w.boost(confidence, title, songwriter)
}

func (w FusionWeights) boost(confidence, title, songwriter float64) float64 {
	if title > w.BoostTitleAbove && songwriter > w.BoostSongwriterAbove {
		confidence *= w.BoostFactor
	}
	return clamp01(confidence)
}

// Fuse applies the default weights.
func Fuse(title, songwriter, vector float64) float64 {
	return DefaultFusionWeights().Fuse(title, songwriter, vector)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
