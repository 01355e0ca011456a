// Package fpstore implements the Fingerprint Store (C3): persistence of
// per-episode fingerprint streams and per-episode detection results.
package fpstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"cliprr/internal/domain"
)

var ErrNotFound = errors.New("fpstore: not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS episode_fingerprints (
		id              BIGSERIAL PRIMARY KEY,
		show_id         BIGINT NOT NULL,
		season_number   INT NOT NULL,
		episode_number  INT NOT NULL,
		episode_file_id BIGINT NOT NULL,
		fingerprint_data JSONB NOT NULL,
		file_duration   DOUBLE PRECISION NOT NULL,
		file_size       BIGINT NOT NULL,
		is_valid        BOOLEAN NOT NULL DEFAULT true,
		created_date    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_date    TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (show_id, season_number, episode_number, episode_file_id)
	);
	CREATE TABLE IF NOT EXISTS detection_results (
		id               BIGSERIAL PRIMARY KEY,
		show_id          BIGINT NOT NULL,
		season_number    INT NOT NULL,
		episode_number    INT NOT NULL,
		episode_file_id  BIGINT NOT NULL,
		intro_data       JSONB,
		credits_data     JSONB,
		stingers_data    JSONB NOT NULL DEFAULT '[]',
		segments_data    JSONB NOT NULL DEFAULT '[]',
		confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		detection_method TEXT NOT NULL,
		approval_status  TEXT NOT NULL,
		processing_notes TEXT NOT NULL DEFAULT '',
		created_date     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_date     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (show_id, season_number, episode_number, episode_file_id)
	);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("fpstore: create schema: %w", err)
	}
	return nil
}

// PutFingerprints writes row as an INSERT OR REPLACE on the unique tuple
// (showId, seasonNumber, episodeNumber, episodeFileId).
func (s *Store) PutFingerprints(ctx context.Context, row *domain.EpisodeFingerprint) error {
	data, err := json.Marshal(row.Fingerprints)
	if err != nil {
		return fmt.Errorf("fpstore: marshal fingerprints: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episode_fingerprints
			(show_id, season_number, episode_number, episode_file_id, fingerprint_data, file_duration, file_size, is_valid, updated_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, now())
		ON CONFLICT (show_id, season_number, episode_number, episode_file_id)
		DO UPDATE SET fingerprint_data = EXCLUDED.fingerprint_data,
		              file_duration = EXCLUDED.file_duration,
		              file_size = EXCLUDED.file_size,
		              is_valid = true,
		              updated_date = now()`,
		row.ShowID, row.SeasonNumber, row.EpisodeNumber, row.EpisodeFileID, data, row.FileDuration, row.FileSize)
	if err != nil {
		return fmt.Errorf("fpstore: put fingerprints: %w", err)
	}
	return nil
}

// GetSeasonFingerprints returns every (by default valid) fingerprint row for
// a season, ordered by episode number.
func (s *Store) GetSeasonFingerprints(ctx context.Context, showID int64, season int, includeInvalid bool) ([]*domain.EpisodeFingerprint, error) {
	query := `
		SELECT id, show_id, season_number, episode_number, episode_file_id,
		       fingerprint_data, file_duration, file_size, is_valid, created_date, updated_date
		FROM episode_fingerprints
		WHERE show_id = $1 AND season_number = $2`
	if !includeInvalid {
		query += ` AND is_valid = true`
	}
	query += ` ORDER BY episode_number`

	rows, err := s.db.QueryContext(ctx, query, showID, season)
	if err != nil {
		return nil, fmt.Errorf("fpstore: get season fingerprints: %w", err)
	}
	defer rows.Close()
	return scanFingerprints(rows)
}

// GetPreviousSeasonFingerprints returns fingerprints from up to limitSeasons
// seasons strictly before upToSeason, most-recent-season-first.
func (s *Store) GetPreviousSeasonFingerprints(ctx context.Context, showID int64, upToSeason, limitSeasons int) ([]*domain.EpisodeFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT season_number FROM episode_fingerprints
		WHERE show_id = $1 AND season_number < $2 AND is_valid = true
		ORDER BY season_number DESC LIMIT $3`, showID, upToSeason, limitSeasons)
	if err != nil {
		return nil, fmt.Errorf("fpstore: previous seasons: %w", err)
	}
	var seasons []int
	for rows.Next() {
		var season int
		if err := rows.Scan(&season); err != nil {
			rows.Close()
			return nil, fmt.Errorf("fpstore: scan season: %w", err)
		}
		seasons = append(seasons, season)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(seasons) == 0 {
		return nil, nil
	}

	fpRows, err := s.db.QueryContext(ctx, `
		SELECT id, show_id, season_number, episode_number, episode_file_id,
		       fingerprint_data, file_duration, file_size, is_valid, created_date, updated_date
		FROM episode_fingerprints
		WHERE show_id = $1 AND season_number = ANY($2) AND is_valid = true
		ORDER BY season_number DESC, episode_number`, showID, pq.Array(seasons))
	if err != nil {
		return nil, fmt.Errorf("fpstore: get previous season fingerprints: %w", err)
	}
	defer fpRows.Close()
	return scanFingerprints(fpRows)
}

func scanFingerprints(rows *sql.Rows) ([]*domain.EpisodeFingerprint, error) {
	var out []*domain.EpisodeFingerprint
	for rows.Next() {
		fp := &domain.EpisodeFingerprint{}
		var data []byte
		if err := rows.Scan(
			&fp.ID, &fp.ShowID, &fp.SeasonNumber, &fp.EpisodeNumber, &fp.EpisodeFileID,
			&data, &fp.FileDuration, &fp.FileSize, &fp.IsValid, &fp.CreatedDate, &fp.UpdatedDate,
		); err != nil {
			return nil, fmt.Errorf("fpstore: scan: %w", err)
		}
		if err := json.Unmarshal(data, &fp.Fingerprints); err != nil {
			return nil, fmt.Errorf("fpstore: unmarshal fingerprints: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// PutDetectionResult writes row, replacing any existing row for the unique
// tuple.
func (s *Store) PutDetectionResult(ctx context.Context, row *domain.DetectionResult) error {
	intro, err := json.Marshal(row.Intro)
	if err != nil {
		return fmt.Errorf("fpstore: marshal intro: %w", err)
	}
	credits, err := json.Marshal(row.Credits)
	if err != nil {
		return fmt.Errorf("fpstore: marshal credits: %w", err)
	}
	stingers, err := json.Marshal(row.Stingers)
	if err != nil {
		return fmt.Errorf("fpstore: marshal stingers: %w", err)
	}
	segments, err := json.Marshal(row.Segments)
	if err != nil {
		return fmt.Errorf("fpstore: marshal segments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO detection_results
			(show_id, season_number, episode_number, episode_file_id, intro_data, credits_data,
			 stingers_data, segments_data, confidence_score, detection_method, approval_status,
			 processing_notes, updated_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (show_id, season_number, episode_number, episode_file_id)
		DO UPDATE SET intro_data = EXCLUDED.intro_data,
		              credits_data = EXCLUDED.credits_data,
		              stingers_data = EXCLUDED.stingers_data,
		              segments_data = EXCLUDED.segments_data,
		              confidence_score = EXCLUDED.confidence_score,
		              detection_method = EXCLUDED.detection_method,
		              approval_status = EXCLUDED.approval_status,
		              processing_notes = EXCLUDED.processing_notes,
		              updated_date = now()`,
		row.ShowID, row.SeasonNumber, row.EpisodeNumber, row.EpisodeFileID, intro, credits,
		stingers, segments, row.ConfidenceScore, row.Method, row.Approval, row.ProcessingNotes)
	if err != nil {
		return fmt.Errorf("fpstore: put detection result: %w", err)
	}
	return nil
}

// GetLatestDetectionResult returns the highest-confidence result for one
// episode (show, season, episode), used by the preservation policy in C4
// step 9. "latest" here means highest confidence among that episode's rows.
func (s *Store) GetLatestDetectionResult(ctx context.Context, showID int64, season, episode int) (*domain.DetectionResult, error) {
	dr := &domain.DetectionResult{}
	var intro, credits, stingers, segments []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, show_id, season_number, episode_number, episode_file_id,
		       intro_data, credits_data, stingers_data, segments_data,
		       confidence_score, detection_method, approval_status, processing_notes,
		       created_date, updated_date
		FROM detection_results
		WHERE show_id = $1 AND season_number = $2 AND episode_number = $3
		ORDER BY confidence_score DESC LIMIT 1`, showID, season, episode).Scan(
		&dr.ID, &dr.ShowID, &dr.SeasonNumber, &dr.EpisodeNumber, &dr.EpisodeFileID,
		&intro, &credits, &stingers, &segments,
		&dr.ConfidenceScore, &dr.Method, &dr.Approval, &dr.ProcessingNotes,
		&dr.CreatedDate, &dr.UpdatedDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fpstore: get latest detection result: %w", err)
	}
	if err := json.Unmarshal(intro, &dr.Intro); err != nil {
		return nil, fmt.Errorf("fpstore: unmarshal intro: %w", err)
	}
	if err := json.Unmarshal(credits, &dr.Credits); err != nil {
		return nil, fmt.Errorf("fpstore: unmarshal credits: %w", err)
	}
	if err := json.Unmarshal(stingers, &dr.Stingers); err != nil {
		return nil, fmt.Errorf("fpstore: unmarshal stingers: %w", err)
	}
	if err := json.Unmarshal(segments, &dr.Segments); err != nil {
		return nil, fmt.Errorf("fpstore: unmarshal segments: %w", err)
	}
	return dr, nil
}

// InvalidateFingerprintData marks fingerprints invalid without deleting
// them; season, if zero, invalidates every season of the show.
func (s *Store) InvalidateFingerprintData(ctx context.Context, showID int64, season int) error {
	var err error
	if season > 0 {
		_, err = s.db.ExecContext(ctx, `UPDATE episode_fingerprints SET is_valid = false, updated_date = now() WHERE show_id = $1 AND season_number = $2`, showID, season)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE episode_fingerprints SET is_valid = false, updated_date = now() WHERE show_id = $1`, showID)
	}
	if err != nil {
		return fmt.Errorf("fpstore: invalidate: %w", err)
	}
	return nil
}

// DeleteByEpisodeFile removes fingerprint and detection rows for id, used by C9.
func (s *Store) DeleteByEpisodeFile(ctx context.Context, episodeFileID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM episode_fingerprints WHERE episode_file_id = $1`, episodeFileID); err != nil {
		return fmt.Errorf("fpstore: delete fingerprints for %d: %w", episodeFileID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM detection_results WHERE episode_file_id = $1`, episodeFileID); err != nil {
		return fmt.Errorf("fpstore: delete detection results for %d: %w", episodeFileID, err)
	}
	return nil
}
