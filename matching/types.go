package matching

import (
	"strings"

	"github.com/google/uuid"
)

// Tier is the discrete classification of a candidate's fused confidence.
type Tier string

const (
	TierExact     Tier = "exact"
	TierHigh      Tier = "high_confidence"
	TierMedium    Tier = "medium_confidence"
	TierLow       Tier = "low_confidence"
	TierAIMatched Tier = "ai_matched"
)

// CatalogWork is a registered composition as seen by the engine. Embeddings
// are not carried here; vector search happens inside the store.
type CatalogWork struct {
	ID                    int64
	Code                  string
	Title                 string
	TitleNormalized       string
	Songwriters           []string
	SongwritersNormalized []string
	ISWC                  string
}

// UsageRecord is one reported usage awaiting resolution.
type UsageRecord struct {
	ID                   int64
	BatchID              uuid.UUID
	RowNumber            int
	RecordingTitle       string
	RecordingArtist      string
	WorkTitle            string
	Songwriter           string
	TitleNormalized      string
	SongwriterNormalized string
	TitleEmbedding       []float32
}

// QueryTitle is the title used for matching: the work title when reported,
// otherwise the recording title.
func (r UsageRecord) QueryTitle() string {
	if strings.TrimSpace(r.WorkTitle) != "" {
		return r.WorkTitle
	}
	return r.RecordingTitle
}

// HasEmbedding reports whether the record carries a vector signal.
func (r UsageRecord) HasEmbedding() bool {
	return len(r.TitleEmbedding) > 0
}

// MatchCandidate is one scored catalog work for a usage record.
type MatchCandidate struct {
	UsageRecordID        int64    `json:"usage_record_id"`
	WorkID               int64    `json:"work_id"`
	WorkCode             string   `json:"work_code"`
	WorkTitle            string   `json:"work_title"`
	WorkSongwriters      []string `json:"work_songwriters"`
	TitleSimilarity      float64  `json:"title_similarity"`
	SongwriterSimilarity float64  `json:"songwriter_similarity"`
	VectorSimilarity     float64  `json:"vector_similarity"`
	Confidence           float64  `json:"confidence_score"`
	Tier                 Tier     `json:"match_type"`
	AIReasoning          string   `json:"ai_reasoning,omitempty"`
}

// BatchStatus is the lifecycle state of a processing batch.
type BatchStatus string

const (
	StatusPending    BatchStatus = "pending"
	StatusProcessing BatchStatus = "processing"
	StatusCompleted  BatchStatus = "completed"
	StatusFailed     BatchStatus = "failed"
	StatusCancelled  BatchStatus = "cancelled"
)

// BatchProgress holds the running counters of a batch.
// Processed always equals Matched + Flagged + Unmatched.
type BatchProgress struct {
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	Matched    int     `json:"matched"`
	Unmatched  int     `json:"unmatched"`
	Flagged    int     `json:"flagged"`
	Percentage float64 `json:"percentage"`
}

// Outcome is the per-record bucket a batch counts a record into.
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeFlagged   Outcome = "flagged"
	OutcomeUnmatched Outcome = "unmatched"
)

// RecordResult is what a sub-batch commit persists for one record.
type RecordResult struct {
	Record     UsageRecord
	Candidates []MatchCandidate
	Outcome    Outcome
	Err        string
}
