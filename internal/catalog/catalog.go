// Package catalog is a thin read-only accessor over the Show/Season/Episode/
// EpisodeFile rows. The catalog importer that actually populates these
// tables is out of scope (spec.md §1); this package only provides the
// schema (so the engine is self-contained for tests) and the reads the
// pipeline needs.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cliprr/internal/domain"
)

var ErrNotFound = errors.New("catalog: not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the catalog tables the pipeline reads from and
// foreign-keys against. ProcessingJob cascades on show deletion through
// episode_files -> processing_jobs.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS shows (
		id   BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS episode_files (
		id             BIGSERIAL PRIMARY KEY,
		show_id        BIGINT NOT NULL REFERENCES shows(id) ON DELETE CASCADE,
		season_number  INT NOT NULL,
		episode_number INT NOT NULL,
		path           TEXT NOT NULL,
		size           BIGINT NOT NULL DEFAULT 0,
		UNIQUE (show_id, season_number, episode_number)
	);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("catalog: create schema: %w", err)
	}
	return nil
}

func (s *Store) GetEpisodeFile(ctx context.Context, id int64) (*domain.EpisodeFile, error) {
	ef := &domain.EpisodeFile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, show_id, season_number, episode_number, path, size
		FROM episode_files WHERE id = $1`, id).Scan(
		&ef.ID, &ef.ShowID, &ef.SeasonNumber, &ef.EpisodeNumber, &ef.Path, &ef.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get episode file %d: %w", id, err)
	}
	return ef, nil
}
