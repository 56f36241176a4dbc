package takes

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

const ddlTakes = `
CREATE TABLE IF NOT EXISTS takes (
    id                UUID              PRIMARY KEY,
    created_at        TIMESTAMPTZ       NOT NULL DEFAULT now(),
    source            TEXT              NOT NULL,
    quality           JSONB             NOT NULL,
    warnings          TEXT[]            NOT NULL DEFAULT '{}',
    sample_rate       INTEGER           NOT NULL,
    samples           INTEGER           NOT NULL,
    analysis          JSONB,
    similarity_score  DOUBLE PRECISION,
    audio             BYTEA             NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_takes_created_at
    ON takes (created_at DESC);
`

// PostgresStore keeps takes in the takes table of a PostgreSQL database.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to dsn, verifies the connection and runs
// [MigratePostgres].
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("takes: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("takes: ping: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// MigratePostgres creates the takes table and its index if they do not exist.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTakes); err != nil {
		return fmt.Errorf("takes: migrate: %w", err)
	}
	return nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, t Take, wav []byte) error {
	id, ok := validID(t.ID)
	if !ok {
		return fmt.Errorf("takes: invalid id %q", t.ID)
	}
	const q = `
		INSERT INTO takes
		    (id, created_at, source, quality, warnings, sample_rate, samples, analysis, similarity_score, audio)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	warnings := t.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	var analysis any
	if len(t.Analysis) > 0 {
		analysis = string(t.Analysis)
	}
	_, err := s.pool.Exec(ctx, q,
		id,
		t.CreatedAt,
		string(t.Source),
		t.Quality,
		warnings,
		t.SampleRate,
		t.Samples,
		analysis,
		t.SimilarityScore,
		wav,
	)
	if err != nil {
		return fmt.Errorf("takes: insert: %w", err)
	}
	return nil
}

const selectTake = `
	SELECT id::text, created_at, source, quality, warnings, sample_rate, samples, analysis, similarity_score
	FROM   takes`

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Take, error) {
	id, ok := validID(id)
	if !ok {
		return nil, ErrNotFound
	}
	rows, err := s.pool.Query(ctx, selectTake+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("takes: get: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTake)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("takes: get: %w", err)
	}
	return &t, nil
}

// Audio implements [Store].
func (s *PostgresStore) Audio(ctx context.Context, id string) ([]byte, error) {
	id, ok := validID(id)
	if !ok {
		return nil, ErrNotFound
	}
	var wav []byte
	err := s.pool.QueryRow(ctx, `SELECT audio FROM takes WHERE id = $1`, id).Scan(&wav)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("takes: audio: %w", err)
	}
	return wav, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Take, error) {
	q := selectTake + ` ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("takes: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanTake)
	if err != nil {
		return nil, fmt.Errorf("takes: list: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTake(row pgx.CollectableRow) (Take, error) {
	var (
		t        Take
		source   string
		analysis []byte
	)
	err := row.Scan(
		&t.ID,
		&t.CreatedAt,
		&source,
		&t.Quality,
		&t.Warnings,
		&t.SampleRate,
		&t.Samples,
		&analysis,
		&t.SimilarityScore,
	)
	if err != nil {
		return Take{}, err
	}
	t.Source = Source(source)
	t.CreatedAt = t.CreatedAt.UTC()
	if len(analysis) > 0 {
		t.Analysis = analysis
	}
	return t, nil
}
