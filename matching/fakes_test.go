package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type fakeStore struct {
	mu sync.Mutex

	works   map[int64]CatalogWork
	lexical map[string][]LexicalHit // keyed by normalized title
	vector  []VectorHit

	lexicalErr error
	vectorErr  error

	lexicalCalls int
	vectorCalls  int
	loadedIDs    []int64
}

func newFakeStore(works ...CatalogWork) *fakeStore {
	s := &fakeStore{
		works:   make(map[int64]CatalogWork),
		lexical: make(map[string][]LexicalHit),
	}
	for _, w := range works {
		s.works[w.ID] = w
	}
	return s
}

func (s *fakeStore) LexicalSearch(_ context.Context, title, _ string, limit int) ([]LexicalHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lexicalCalls++
	if s.lexicalErr != nil {
		return nil, s.lexicalErr
	}
	hits := s.lexical[title]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *fakeStore) VectorSearch(_ context.Context, _ []float32, limit int) ([]VectorHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectorCalls++
	if s.vectorErr != nil {
		return nil, s.vectorErr
	}
	hits := s.vector
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *fakeStore) GetWorks(_ context.Context, ids []int64) (map[int64]CatalogWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedIDs = append(s.loadedIDs, ids...)
	out := make(map[int64]CatalogWork, len(ids))
	for _, id := range ids {
		if w, ok := s.works[id]; ok {
			out[id] = w
		}
	}
	return out, nil
}

type fakeReasoner struct {
	mu    sync.Mutex
	judge func(ctx context.Context, req JudgeRequest) (Verdict, error)
	seen  []JudgeRequest
}

func (r *fakeReasoner) Judge(ctx context.Context, req JudgeRequest) (Verdict, error) {
	r.mu.Lock()
	r.seen = append(r.seen, req)
	r.mu.Unlock()
	return r.judge(ctx, req)
}

func (r *fakeReasoner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type statusChange struct {
	status  BatchStatus
	message string
}

type fakeSink struct {
	mu sync.Mutex

	commits  [][]RecordResult
	progress []BatchProgress
	statuses []statusChange

	failCommitAt int // 1-based commit number that fails; 0 never fails
}

var errCommit = errors.New("connection reset by peer")

func (s *fakeSink) CommitSubBatch(_ context.Context, _ uuid.UUID, results []RecordResult, progress BatchProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommitAt > 0 && len(s.commits)+1 == s.failCommitAt {
		return errCommit
	}
	s.commits = append(s.commits, results)
	s.progress = append(s.progress, progress)
	return nil
}

func (s *fakeSink) MarkStatus(_ context.Context, _ uuid.UUID, status BatchStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusChange{status: status, message: message})
	return nil
}

func (s *fakeSink) lastStatus() statusChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return statusChange{}
	}
	return s.statuses[len(s.statuses)-1]
}

type fakeRecordMatcher struct {
	match func(ctx context.Context, rec UsageRecord) ([]MatchCandidate, error)
}

func (m fakeRecordMatcher) MatchRecord(ctx context.Context, rec UsageRecord) ([]MatchCandidate, error) {
	return m.match(ctx, rec)
}

func makeRecords(n int) []UsageRecord {
	records := make([]UsageRecord, n)
	for i := range records {
		records[i] = UsageRecord{
			ID:         int64(i + 1),
			RowNumber:  i + 1,
			WorkTitle:  fmt.Sprintf("Song %d", i+1),
			Songwriter: "Someone",
		}
	}
	return records
}
