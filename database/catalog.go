package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"works-matcher/embedding"
	"works-matcher/matching"
)

// lexicalMinSimilarity is the pg_trgm similarity a title needs to be
// returned when it does not contain the query outright.
const lexicalMinSimilarity = 0.3

type workRow struct {
	ID                    int64          `db:"id"`
	Code                  string         `db:"work_code"`
	Title                 string         `db:"title"`
	TitleNormalized       string         `db:"title_normalized"`
	Songwriters           pq.StringArray `db:"songwriters"`
	SongwritersNormalized pq.StringArray `db:"songwriters_normalized"`
	ISWC                  sql.NullString `db:"iswc"`
}

func (r workRow) toWork() matching.CatalogWork {
	return matching.CatalogWork{
		ID:                    r.ID,
		Code:                  r.Code,
		Title:                 r.Title,
		TitleNormalized:       r.TitleNormalized,
		Songwriters:           []string(r.Songwriters),
		SongwritersNormalized: []string(r.SongwritersNormalized),
		ISWC:                  r.ISWC.String,
	}
}

const workColumns = `id, work_code, title, title_normalized, songwriters, songwriters_normalized, iswc`

// LexicalSearch returns works whose normalized title is trigram-similar to
// title or contains it, best first. Each hit also carries the best trigram
// similarity of songwriter against the work's normalized songwriters.
func (s *PostgresStore) LexicalSearch(ctx context.Context, title, songwriter string, limit int) ([]matching.LexicalHit, error) {
	query := `
		SELECT w.id,
		       similarity(w.title_normalized, $1) AS title_sim,
		       COALESCE((
		           SELECT MAX(similarity(sw, $2))
		           FROM unnest(w.songwriters_normalized) AS sw
		       ), 0) AS songwriter_sim
		FROM works w
		WHERE similarity(w.title_normalized, $1) > $3
		   OR strpos(w.title_normalized, $1) > 0
		ORDER BY title_sim DESC, w.id
		LIMIT $4
	`
	rows, err := s.DB.QueryContext(ctx, query, title, songwriter, lexicalMinSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []matching.LexicalHit
	for rows.Next() {
		var h matching.LexicalHit
		if err := rows.Scan(&h.WorkID, &h.TitleSimilarity, &h.SongwriterSimilarity); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// VectorSearch returns the works nearest to embedding by cosine distance
// over combined_embedding. Similarity is 1 - distance.
func (s *PostgresStore) VectorSearch(ctx context.Context, emb []float32, limit int) ([]matching.VectorHit, error) {
	query := `
		SELECT id, 1 - (combined_embedding <=> $1) AS similarity
		FROM works
		WHERE combined_embedding IS NOT NULL
		ORDER BY combined_embedding <=> $1
		LIMIT $2
	`
	rows, err := s.DB.QueryContext(ctx, query, pgvector.NewVector(emb), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []matching.VectorHit
	for rows.Next() {
		var h matching.VectorHit
		if err := rows.Scan(&h.WorkID, &h.Similarity); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetWorks loads works by id. Unknown ids are absent from the result.
func (s *PostgresStore) GetWorks(ctx context.Context, ids []int64) (map[int64]matching.CatalogWork, error) {
	works := make(map[int64]matching.CatalogWork, len(ids))
	if len(ids) == 0 {
		return works, nil
	}

	var rows []workRow
	query := `SELECT ` + workColumns + ` FROM works WHERE id = ANY($1)`
	if err := s.dbx.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("load works: %w", err)
	}
	for _, r := range rows {
		works[r.ID] = r.toWork()
	}
	return works, nil
}

// AddWork inserts or updates a catalog work keyed by its code and returns
// its id. Normalized fields are derived from the raw ones.
func (s *PostgresStore) AddWork(ctx context.Context, w matching.CatalogWork) (int64, error) {
	query := `
		INSERT INTO works (work_code, title, title_normalized, iswc, songwriters, songwriters_normalized)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (work_code) DO UPDATE SET
		    title = EXCLUDED.title,
		    title_normalized = EXCLUDED.title_normalized,
		    iswc = EXCLUDED.iswc,
		    songwriters = EXCLUDED.songwriters,
		    songwriters_normalized = EXCLUDED.songwriters_normalized,
		    combined_embedding = NULL,
		    title_embedding = NULL,
		    songwriter_embedding = NULL,
		    updated_at = NOW()
		RETURNING id
	`
	var id int64
	err := s.DB.QueryRowContext(ctx, query,
		w.Code, w.Title, matching.Normalize(w.Title), w.ISWC,
		pq.Array(w.Songwriters), pq.Array(matching.NormalizeAll(w.Songwriters)),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert work %s: %w", w.Code, err)
	}
	return id, nil
}

// WorksMissingEmbeddings pages through works without a combined embedding.
func (s *PostgresStore) WorksMissingEmbeddings(ctx context.Context, afterID int64, limit int) ([]matching.CatalogWork, error) {
	var rows []workRow
	query := `SELECT ` + workColumns + ` FROM works
		WHERE combined_embedding IS NULL AND id > $1
		ORDER BY id
		LIMIT $2`
	if err := s.dbx.SelectContext(ctx, &rows, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("list works missing embeddings: %w", err)
	}
	works := make([]matching.CatalogWork, 0, len(rows))
	for _, r := range rows {
		works = append(works, r.toWork())
	}
	return works, nil
}

func (s *PostgresStore) SetWorkEmbeddings(ctx context.Context, workID int64, emb embedding.WorkEmbeddings) error {
	query := `
		UPDATE works
		SET title_embedding = $1, songwriter_embedding = $2, combined_embedding = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := s.DB.ExecContext(ctx, query,
		vectorArg(emb.Title), vectorArg(emb.Songwriter), vectorArg(emb.Combined), workID)
	if err != nil {
		return fmt.Errorf("failed to store embeddings for work %d: %w", workID, err)
	}
	return nil
}

// EmbeddingCoverage is how many catalog works carry a combined embedding.
type EmbeddingCoverage struct {
	Total         int `db:"total" json:"total"`
	WithEmbedding int `db:"with_embedding" json:"with_embeddings"`
}

func (s *PostgresStore) EmbeddingCoverage(ctx context.Context) (EmbeddingCoverage, error) {
	var c EmbeddingCoverage
	query := `SELECT COUNT(*) AS total, COUNT(combined_embedding) AS with_embedding FROM works`
	if err := s.dbx.GetContext(ctx, &c, query); err != nil {
		return c, fmt.Errorf("count work embeddings: %w", err)
	}
	return c, nil
}

// vectorArg maps an absent embedding to NULL.
func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}
