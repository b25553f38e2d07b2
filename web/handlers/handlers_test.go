package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"works-matcher/database"
	"works-matcher/embedding"
	apperrors "works-matcher/errors"
	"works-matcher/matching"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProcessor struct {
	batchID uuid.UUID
	rows    []matching.Row
	block   chan struct{}
	err     error
}

func (p *fakeProcessor) ProcessRecords(ctx context.Context, filename string, rows []matching.Row, emit func(matching.Event)) (uuid.UUID, matching.BatchProgress, error) {
	p.rows = rows
	total := len(matching.ParseRows(rows))
	emit(matching.Event{Stage: matching.StageParsed, BatchID: p.batchID, BatchProgress: matching.BatchProgress{Total: total}})
	if p.block != nil {
		close(p.block)
		<-ctx.Done()
		progress := matching.BatchProgress{Total: total}
		emit(matching.Event{Stage: matching.StageError, BatchID: p.batchID, Message: apperrors.ErrCancelled.Error(), BatchProgress: progress})
		return p.batchID, progress, apperrors.ErrCancelled
	}
	if p.err != nil {
		emit(matching.Event{Stage: matching.StageError, BatchID: p.batchID, Message: p.err.Error()})
		return p.batchID, matching.BatchProgress{}, p.err
	}
	final := matching.BatchProgress{Processed: total, Total: total, Matched: total, Percentage: 100}
	emit(matching.Event{Stage: matching.StageMatchingProgress, BatchID: p.batchID, BatchProgress: final})
	emit(matching.Event{Stage: matching.StageComplete, BatchID: p.batchID, BatchProgress: final})
	return p.batchID, final, nil
}

type fakeBatchStore struct {
	rows map[uuid.UUID]database.BatchRow
	err  error
}

func (s *fakeBatchStore) GetBatch(_ context.Context, id uuid.UUID) (database.BatchRow, error) {
	if s.err != nil {
		return database.BatchRow{}, s.err
	}
	row, ok := s.rows[id]
	if !ok {
		return row, apperrors.WrapErrorf(apperrors.ErrNotFound, "batch %s", id)
	}
	return row, nil
}

func (s *fakeBatchStore) ListBatches(_ context.Context, status string, limit, offset int) ([]database.BatchRow, int, error) {
	var out []database.BatchRow
	for _, r := range s.rows {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, len(out), s.err
}

func sseEvents(t *testing.T, body string) []matching.Event {
	t.Helper()
	var events []matching.Event
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		var ev matching.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE frame %q: %v", frame, err)
		}
		events = append(events, ev)
	}
	return events
}

func newBatchRouter(t *testing.T, p BatchProcessor, s BatchStore, running *RunningBatches) *gin.Engine {
	h := NewBatchHandler(p, s, running, zaptest.NewLogger(t))
	r := gin.New()
	r.POST("/api/batches", h.Submit)
	r.GET("/api/batches", h.List)
	r.GET("/api/batches/:id", h.Get)
	r.DELETE("/api/batches/:id", h.Cancel)
	return r
}

func TestSubmitStreamsEvents(t *testing.T) {
	id := uuid.New()
	proc := &fakeProcessor{batchID: id}
	running := NewRunningBatches()
	router := newBatchRouter(t, proc, &fakeBatchStore{}, running)

	body := `{"filename":"usage.csv","records":[{"work_title":"Yesterday","songwriter":"Paul McCartney"},{"recording_title":"Hello"},{"songwriter":"nobody"}]}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := sseEvents(t, w.Body.String())
	stages := make([]matching.Stage, 0, len(events))
	for _, ev := range events {
		stages = append(stages, ev.Stage)
	}
	want := []matching.Stage{matching.StageParsed, matching.StageMatchingProgress, matching.StageComplete}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
	if last := events[len(events)-1]; last.Total != 2 || last.Processed != 2 || last.BatchID != id {
		t.Errorf("final event = %+v", last)
	}
	if running.IsRunning(id) {
		t.Error("finished batch still registered as running")
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not_json", body: `nope`},
		{name: "missing_filename", body: `{"records":[{"work_title":"Yesterday"}]}`},
		{name: "unusable_filename", body: `{"filename":"///","records":[{"work_title":"Yesterday"}]}`},
		{name: "no_titles", body: `{"filename":"f.csv","records":[{"songwriter":"Adele"},{"work_title":"  "}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{batchID: uuid.New()}
			router := newBatchRouter(t, proc, &fakeBatchStore{}, NewRunningBatches())

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if proc.rows != nil {
				t.Error("pipeline called for rejected input")
			}
		})
	}
}

func TestCancelRunningBatch(t *testing.T) {
	id := uuid.New()
	proc := &fakeProcessor{batchID: id, block: make(chan struct{})}
	running := NewRunningBatches()
	router := newBatchRouter(t, proc, &fakeBatchStore{}, running)

	submitted := httptest.NewRecorder()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		body := `{"filename":"f.csv","records":[{"work_title":"Yesterday"}]}`
		router.ServeHTTP(submitted, httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader(body)))
	}()

	select {
	case <-proc.block:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never started")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/batches/"+id.String(), nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, body = %s", w.Code, w.Body.String())
	}

	wg.Wait()
	events := sseEvents(t, submitted.Body.String())
	if last := events[len(events)-1]; last.Stage != matching.StageError || last.Message != apperrors.ErrCancelled.Error() {
		t.Errorf("last event = %+v, want cancellation error", last)
	}
}

func TestCancelNotRunning(t *testing.T) {
	done := uuid.New()
	store := &fakeBatchStore{rows: map[uuid.UUID]database.BatchRow{done: {ID: done, Status: "completed"}}}
	router := newBatchRouter(t, &fakeProcessor{}, store, NewRunningBatches())

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "finished", path: "/api/batches/" + done.String(), want: http.StatusConflict},
		{name: "unknown", path: "/api/batches/" + uuid.NewString(), want: http.StatusNotFound},
		{name: "bad_id", path: "/api/batches/42", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestGetBatch(t *testing.T) {
	id := uuid.New()
	msg := "store unavailable: connection reset"
	store := &fakeBatchStore{rows: map[uuid.UUID]database.BatchRow{
		id: {ID: id, Filename: "usage.csv", Total: 3, Processed: 2, Matched: 1, Unmatched: 1, Status: "failed", ErrorMessage: &msg},
	}}
	router := newBatchRouter(t, &fakeProcessor{}, store, NewRunningBatches())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+id.String(), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "failed" || got["error_message"] != msg || got["percentage"] != 66.7 || got["processed_records"] != float64(2) {
		t.Errorf("body = %v", got)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+uuid.NewString(), nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown batch status = %d, want 404", w.Code)
	}
}

func TestGetBatchStoreDown(t *testing.T) {
	store := &fakeBatchStore{err: apperrors.Join(apperrors.ErrStoreUnavailable, errors.New("dial tcp: refused"))}
	router := newBatchRouter(t, &fakeProcessor{}, store, NewRunningBatches())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+uuid.NewString(), nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if strings.Contains(w.Body.String(), "dial tcp") {
		t.Error("technical error leaked to client")
	}
}

func TestListBatchesPaging(t *testing.T) {
	router := newBatchRouter(t, &fakeProcessor{}, &fakeBatchStore{rows: map[uuid.UUID]database.BatchRow{}}, NewRunningBatches())

	tests := []struct {
		query string
		want  int
	}{
		{query: "", want: http.StatusOK},
		{query: "?page=2&page_size=50&status=completed", want: http.StatusOK},
		{query: "?page=0", want: http.StatusBadRequest},
		{query: "?page_size=500", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches"+tt.query, nil))
		if w.Code != tt.want {
			t.Errorf("GET /api/batches%s status = %d, want %d", tt.query, w.Code, tt.want)
		}
	}
}

type fakeMatcher struct {
	got        matching.UsageRecord
	candidates []matching.MatchCandidate
	err        error
}

func (m *fakeMatcher) MatchRecord(_ context.Context, rec matching.UsageRecord) ([]matching.MatchCandidate, error) {
	m.got = rec
	return m.candidates, m.err
}

type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) EmbedRecord(context.Context, string, string) []float32 { return e.vec }

func TestMatch(t *testing.T) {
	m := &fakeMatcher{candidates: []matching.MatchCandidate{
		{WorkID: 1, WorkTitle: "Yesterday", Confidence: 0.97, Tier: matching.TierExact},
	}}
	h := NewMatchHandler(m, fixedEmbedder{vec: []float32{1, 0}}, zaptest.NewLogger(t))
	router := gin.New()
	router.POST("/api/match", h.Match)

	body, _ := json.Marshal(matching.Row{RecordingTitle: "Yesterday (Remastered)", WorkTitle: "Yesterday", Songwriter: "McCartney"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/match", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var got matchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Outcome != matching.OutcomeMatched || got.QueryTitle != "Yesterday" || len(got.Candidates) != 1 {
		t.Errorf("response = %+v", got)
	}
	if m.got.TitleNormalized != "yesterday" || !m.got.HasEmbedding() {
		t.Errorf("matcher received %+v", m.got)
	}
}

func TestMatchErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		matcher *fakeMatcher
		want    int
	}{
		{name: "no_title", body: `{"songwriter":"Adele"}`, matcher: &fakeMatcher{}, want: http.StatusBadRequest},
		{name: "bad_json", body: `{`, matcher: &fakeMatcher{}, want: http.StatusBadRequest},
		{name: "store_down", body: `{"work_title":"Hello"}`, matcher: &fakeMatcher{err: apperrors.Join(apperrors.ErrRetrieval, apperrors.ErrStoreUnavailable)}, want: http.StatusServiceUnavailable},
		{name: "no_candidates", body: `{"work_title":"Hello"}`, matcher: &fakeMatcher{}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/api/match", NewMatchHandler(tt.matcher, nil, zaptest.NewLogger(t)).Match)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/match", strings.NewReader(tt.body)))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && !strings.Contains(w.Body.String(), `"candidates":[]`) {
				t.Errorf("empty candidate list not rendered as []: %s", w.Body.String())
			}
		})
	}
}

func TestHealthDetailed(t *testing.T) {
	h := NewHealthHandler(map[string]Probe{
		"database": func(context.Context) error { return nil },
		"reasoning_llm": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, 50*time.Millisecond, zaptest.NewLogger(t))
	router := gin.New()
	router.GET("/api/health", h.Health)
	router.GET("/api/health/detailed", h.Detailed)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), statusHealthy) {
		t.Errorf("basic health = %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health/detailed", nil))
	var got struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != statusDegraded {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Services["database"] != statusHealthy || got.Services["api"] != statusHealthy {
		t.Errorf("services = %v", got.Services)
	}
	if !strings.HasPrefix(got.Services["reasoning_llm"], "unhealthy:") {
		t.Errorf("reasoning_llm = %q", got.Services["reasoning_llm"])
	}
}

type fakeCatalog struct {
	added []matching.CatalogWork
	cov   database.EmbeddingCoverage
}

func (c *fakeCatalog) AddWork(_ context.Context, w matching.CatalogWork) (int64, error) {
	c.added = append(c.added, w)
	return int64(len(c.added)), nil
}

func (c *fakeCatalog) EmbeddingCoverage(context.Context) (database.EmbeddingCoverage, error) {
	return c.cov, nil
}

type forgetRecorder struct {
	forgotten []int64
}

func (f *forgetRecorder) ForgetWork(id int64) {
	f.forgotten = append(f.forgotten, id)
}

func TestWorksHandler(t *testing.T) {
	catalog := &fakeCatalog{cov: database.EmbeddingCoverage{Total: 10, WithEmbedding: 7}}
	cache := &forgetRecorder{}
	backfilled := false
	h := NewWorksHandler(catalog, cache, func(context.Context) (embedding.BackfillStats, error) {
		backfilled = true
		return embedding.BackfillStats{Scanned: 3, Embedded: 3}, nil
	}, zaptest.NewLogger(t))
	router := gin.New()
	router.POST("/api/works", h.Add)
	router.GET("/api/works/stats", h.Stats)
	router.POST("/api/works/embeddings", h.GenerateEmbeddings)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/works",
		strings.NewReader(`{"work_code":"W1","title":" Yesterday ","songwriters":["John Lennon"," ","Paul McCartney"]}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(catalog.added) != 1 || catalog.added[0].Title != "Yesterday" || len(catalog.added[0].Songwriters) != 2 {
		t.Errorf("added = %+v", catalog.added)
	}
	if len(cache.forgotten) != 1 || cache.forgotten[0] != 1 {
		t.Errorf("forgotten = %v, want [1]", cache.forgotten)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/works", strings.NewReader(`{"work_code":"W2","title":"x","songwriters":[" "]}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank songwriters status = %d, want 400", w.Code)
	}
	w = httptest.NewRecorder()
	longTitle := strings.Repeat("x", 501)
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/works",
		strings.NewReader(`{"work_code":"W3","title":"`+longTitle+`","songwriters":["Adele"]}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("long title status = %d, want 400", w.Code)
	}
	if len(cache.forgotten) != 1 {
		t.Errorf("rejected work evicted from cache: %v", cache.forgotten)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/works/stats", nil))
	if !strings.Contains(w.Body.String(), `"without_embeddings":3`) {
		t.Errorf("stats = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/works/embeddings", nil))
	if w.Code != http.StatusOK || !backfilled || !strings.Contains(w.Body.String(), `"embedded":3`) {
		t.Errorf("backfill = %d %s", w.Code, w.Body.String())
	}
}
