package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "works-matcher/errors"
)

type PostgresStore struct {
	DB     *sql.DB
	dbx    *sqlx.DB
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.Join(apperrors.ErrStoreUnavailable, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Successfully connected to the database")
	return &PostgresStore{DB: db, dbx: sqlx.NewDb(db, "pgx"), logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

// Ping checks that the database answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return apperrors.Join(apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// EnsureSchema creates the extensions, tables and indexes if they do not
// already exist. dims is the embedding dimension of the vector columns.
func (s *PostgresStore) EnsureSchema(ctx context.Context, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS works (
            id SERIAL PRIMARY KEY,
            work_code VARCHAR(50) UNIQUE NOT NULL,
            title VARCHAR(500) NOT NULL,
            title_normalized VARCHAR(500) NOT NULL,
            alternative_titles TEXT[],
            iswc VARCHAR(20),
            songwriters TEXT[] NOT NULL,
            songwriters_normalized TEXT[] NOT NULL,
            publishers TEXT[],
            release_year INTEGER,
            genre VARCHAR(100),
            title_embedding vector(%[1]d),
            songwriter_embedding vector(%[1]d),
            combined_embedding vector(%[1]d),
            created_at TIMESTAMPTZ DEFAULT NOW(),
            updated_at TIMESTAMPTZ DEFAULT NOW()
        )`, dims),
		`CREATE INDEX IF NOT EXISTS idx_works_title_trgm ON works USING GIN (title_normalized gin_trgm_ops)`,
		`CREATE TABLE IF NOT EXISTS processing_batches (
            id UUID PRIMARY KEY,
            filename VARCHAR(255) NOT NULL,
            total_records INTEGER NOT NULL,
            processed_records INTEGER DEFAULT 0,
            matched_records INTEGER DEFAULT 0,
            unmatched_records INTEGER DEFAULT 0,
            flagged_records INTEGER DEFAULT 0,
            status VARCHAR(50) DEFAULT 'pending',
            error_message TEXT,
            started_at TIMESTAMPTZ,
            completed_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_records (
            id SERIAL PRIMARY KEY,
            batch_id UUID NOT NULL REFERENCES processing_batches(id) ON DELETE CASCADE,
            recording_title VARCHAR(500),
            recording_artist VARCHAR(500),
            work_title VARCHAR(500),
            work_title_normalized VARCHAR(500),
            songwriter VARCHAR(500),
            songwriter_normalized VARCHAR(500),
            row_number INTEGER,
            title_embedding vector(%d),
            match_error TEXT,
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`, dims),
		`CREATE INDEX IF NOT EXISTS idx_usage_records_batch_id ON usage_records(batch_id)`,
		`CREATE TABLE IF NOT EXISTS match_results (
            id SERIAL PRIMARY KEY,
            usage_record_id INTEGER NOT NULL REFERENCES usage_records(id) ON DELETE CASCADE,
            work_id INTEGER NOT NULL REFERENCES works(id) ON DELETE CASCADE,
            confidence_score NUMERIC(5,4) NOT NULL,
            match_type VARCHAR(50) NOT NULL,
            title_similarity NUMERIC(5,4),
            songwriter_similarity NUMERIC(5,4),
            vector_similarity NUMERIC(5,4),
            ai_reasoning TEXT,
            is_confirmed BOOLEAN DEFAULT FALSE,
            is_rejected BOOLEAN DEFAULT FALSE,
            reviewed_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            UNIQUE (usage_record_id, work_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_match_results_usage_record ON match_results(usage_record_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
