package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"works-matcher/config"
	"works-matcher/matching"
)

type fakeClient struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	dims  int
}

func (c *fakeClient) Embed(_ context.Context, host, model, text string) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, text)
	if c.fail[text] {
		return nil, errors.New("embedding server down")
	}
	vec := make([]float32, c.dims)
	for i := range vec {
		vec[i] = float32(len(text)) / 100
	}
	return vec, nil
}

func newTestService(t *testing.T, client *fakeClient) *Service {
	t.Helper()
	svc, err := NewService(client, &config.Config{
		EmbeddingDimensions: 4,
		EmbeddingCacheSize:  8,
		EmbeddingTimeout:    time.Second,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestComposeText(t *testing.T) {
	tests := []struct {
		name       string
		title      string
		songwriter string
		want       string
	}{
		{name: "both", title: "Yesterday", songwriter: "Paul McCartney", want: "Title: Yesterday | Songwriter: Paul McCartney"},
		{name: "title_only", title: " Yesterday ", want: "Title: Yesterday"},
		{name: "songwriter_only", songwriter: "Adele", want: "Songwriter: Adele"},
		{name: "neither", title: "  ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComposeText(tt.title, tt.songwriter); got != tt.want {
				t.Errorf("ComposeText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmbed(t *testing.T) {
	client := &fakeClient{dims: 4, fail: map[string]bool{"broken": true}}
	svc := newTestService(t, client)
	ctx := context.Background()

	if got := svc.Embed(ctx, "   "); got != nil {
		t.Errorf("Embed(blank) = %v, want nil", got)
	}
	if got := svc.Embed(ctx, "broken"); got != nil {
		t.Errorf("Embed(failure) = %v, want nil", got)
	}
	first := svc.Embed(ctx, "Title: Yesterday")
	if len(first) != 4 {
		t.Fatalf("Embed() length = %d, want 4", len(first))
	}
	svc.Embed(ctx, "Title: Yesterday")

	hits := 0
	for _, c := range client.calls {
		if c == "Title: Yesterday" {
			hits++
		}
	}
	if hits != 1 {
		t.Errorf("embedding server called %d times for a cached text, want 1", hits)
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	svc := newTestService(t, &fakeClient{dims: 3})
	if got := svc.EmbedRecord(context.Background(), "Yesterday", ""); got != nil {
		t.Errorf("EmbedRecord() = %v, want nil for wrong dimension", got)
	}
}

type fakeCatalog struct {
	works  []matching.CatalogWork
	stored map[int64]WorkEmbeddings
	pages  int
}

func (c *fakeCatalog) WorksMissingEmbeddings(_ context.Context, afterID int64, limit int) ([]matching.CatalogWork, error) {
	c.pages++
	var out []matching.CatalogWork
	for _, w := range c.works {
		if _, done := c.stored[w.ID]; done || w.ID <= afterID {
			continue
		}
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *fakeCatalog) SetWorkEmbeddings(_ context.Context, workID int64, emb WorkEmbeddings) error {
	c.stored[workID] = emb
	return nil
}

func TestBackfillCatalog(t *testing.T) {
	client := &fakeClient{dims: 4, fail: map[string]bool{
		"Title: Unreachable | Songwriter: Nobody": true,
	}}
	svc := newTestService(t, client)
	catalog := &fakeCatalog{
		stored: map[int64]WorkEmbeddings{},
		works: []matching.CatalogWork{
			{ID: 1, Title: "Yesterday", Songwriters: []string{"John Lennon", "Paul McCartney"}},
			{ID: 2, Title: "Unreachable", Songwriters: []string{"Nobody"}},
			{ID: 3, Title: "Hello", Songwriters: []string{"Adele"}},
		},
	}

	stats, err := svc.BackfillCatalog(context.Background(), catalog, 2)
	if err != nil {
		t.Fatalf("BackfillCatalog() error = %v", err)
	}
	if stats != (BackfillStats{Scanned: 3, Embedded: 2, Skipped: 1}) {
		t.Errorf("stats = %+v", stats)
	}
	if _, ok := catalog.stored[2]; ok {
		t.Error("work 2 stored despite failed combined embedding")
	}
	emb := catalog.stored[1]
	if emb.Combined == nil || emb.Title == nil || emb.Songwriter == nil {
		t.Errorf("work 1 embeddings incomplete: %+v", emb)
	}

	found := false
	for _, c := range client.calls {
		if strings.Contains(c, "Songwriter: John Lennon, Paul McCartney") {
			found = true
		}
	}
	if !found {
		t.Errorf("combined text not composed from all songwriters: %v", client.calls)
	}
}

func TestBackfillStopsOnCancel(t *testing.T) {
	svc := newTestService(t, &fakeClient{dims: 4})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	catalog := &fakeCatalog{stored: map[int64]WorkEmbeddings{}, works: []matching.CatalogWork{{ID: 1, Title: "Hello"}}}
	if _, err := svc.BackfillCatalog(ctx, catalog, 10); !errors.Is(err, context.Canceled) {
		t.Errorf("BackfillCatalog() error = %v, want context.Canceled", err)
	}
	if catalog.pages != 0 {
		t.Errorf("store queried %d times after cancel", catalog.pages)
	}
}
