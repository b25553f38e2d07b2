package matching

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "works-matcher/errors"
)

// LexicalHit is a catalog work found by trigram search, with the store's own
// title and songwriter scores.
type LexicalHit struct {
	WorkID               int64
	TitleSimilarity      float64
	SongwriterSimilarity float64
}

// VectorHit is a catalog work found by embedding search.
type VectorHit struct {
	WorkID     int64
	Similarity float64
}

// CatalogStore is the read side of the catalog. Implementations must be safe
// for concurrent use.
type CatalogStore interface {
	LexicalSearch(ctx context.Context, title, songwriter string, limit int) ([]LexicalHit, error)
	VectorSearch(ctx context.Context, embedding []float32, limit int) ([]VectorHit, error)
	GetWorks(ctx context.Context, ids []int64) (map[int64]CatalogWork, error)
}

// Signals are the three similarity scores of one retrieved work.
type Signals struct {
	Work       CatalogWork
	Title      float64
	Songwriter float64
	Vector     float64
}

type retrievalHit struct {
	workID     int64
	title      float64
	songwriter float64
	vector     float64
}

// Retriever gathers candidate works for a usage record from both lookup paths.
type Retriever struct {
	store        CatalogStore
	works        *lru.Cache
	lexicalLimit int
	vectorLimit  int
	logger       *zap.Logger
}

// NewRetriever creates a retriever with a work cache of cacheSize entries.
func NewRetriever(store CatalogStore, lexicalLimit, vectorLimit, cacheSize int, logger *zap.Logger) (*Retriever, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	works, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create work cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		store:        store,
		works:        works,
		lexicalLimit: lexicalLimit,
		vectorLimit:  vectorLimit,
		logger:       logger,
	}, nil
}

// Retrieve runs the lexical and vector lookups concurrently, merges them by
// work id and scores every merged work. Title and songwriter signals are the
// higher of the store's trigram score and the in-process score, so a
// qualifier such as "(Live)" that drags the trigram score down is still
// caught by the partial and token measures. Results are ordered by work id.
func (r *Retriever) Retrieve(ctx context.Context, rec UsageRecord) ([]Signals, error) {
	queryTitle := rec.QueryTitle()
	normTitle := Normalize(queryTitle)
	normSongwriter := Normalize(rec.Songwriter)

	var lexical []LexicalHit
	var vector []VectorHit

	g, gctx := errgroup.WithContext(ctx)
	if normTitle != "" {
		g.Go(func() error {
			hits, err := r.store.LexicalSearch(gctx, normTitle, normSongwriter, r.lexicalLimit)
			if err != nil {
				return fmt.Errorf("lexical search: %w", err)
			}
			lexical = hits
			return nil
		})
	}
	if rec.HasEmbedding() {
		g.Go(func() error {
			hits, err := r.store.VectorSearch(gctx, rec.TitleEmbedding, r.vectorLimit)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vector = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperrors.Join(apperrors.ErrRetrieval, err)
	}

	merged := make(map[int64]*retrievalHit, len(lexical)+len(vector))
	for _, hit := range lexical {
		h := ensureHit(merged, hit.WorkID)
		h.title = max(h.title, clamp01(hit.TitleSimilarity))
		h.songwriter = max(h.songwriter, clamp01(hit.SongwriterSimilarity))
	}
	for _, hit := range vector {
		h := ensureHit(merged, hit.WorkID)
		h.vector = max(h.vector, clamp01(hit.Similarity))
	}
	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	works, err := r.loadWorks(ctx, ids)
	if err != nil {
		return nil, apperrors.Join(apperrors.ErrRetrieval, err)
	}

	out := make([]Signals, 0, len(ids))
	for _, id := range ids {
		work, ok := works[id]
		if !ok {
			r.logger.Warn("Retrieved work no longer in catalog, skipping", zap.Int64("work_id", id))
			continue
		}
		h := merged[id]
		out = append(out, Signals{
			Work:       work,
			Title:      max(h.title, TitleSimilarity(queryTitle, work.Title)),
			Songwriter: max(h.songwriter, SongwriterSimilarity(rec.Songwriter, work.Songwriters)),
			Vector:     h.vector,
		})
	}
	return out, nil
}

func (r *Retriever) loadWorks(ctx context.Context, ids []int64) (map[int64]CatalogWork, error) {
	works := make(map[int64]CatalogWork, len(ids))
	var missing []int64
	for _, id := range ids {
		if v, ok := r.works.Get(id); ok {
			works[id] = v.(CatalogWork)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return works, nil
	}

	loaded, err := r.store.GetWorks(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load works: %w", err)
	}
	for id, w := range loaded {
		r.works.Add(id, w)
		works[id] = w
	}
	return works, nil
}

// ForgetWork drops the cached copy of a work so the next lookup reads it
// from the store.
func (r *Retriever) ForgetWork(id int64) {
	r.works.Remove(id)
}

func ensureHit(hits map[int64]*retrievalHit, workID int64) *retrievalHit {
	if h, ok := hits[workID]; ok {
		return h
	}
	h := &retrievalHit{workID: workID}
	hits[workID] = h
	return h
}
