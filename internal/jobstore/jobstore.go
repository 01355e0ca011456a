// Package jobstore implements the Job Store (C5): the relational durable
// record of every processing job, with guarded status transitions and
// batched deletion.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"cliprr/internal/domain"
)

// Sentinel errors, following the antserver package convention of one var
// block of domain-specific errors per package.
var (
	ErrNotFound          = errors.New("jobstore: job not found")
	ErrDuplicateFile     = errors.New("jobstore: episode file already has a job")
	ErrInvalidTransition = errors.New("jobstore: invalid status transition")
)

// Store wraps *sql.DB with the Job Store operations from spec.md §4.5.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

func New(db *sql.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the processing_jobs table if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS processing_jobs (
		id               BIGSERIAL PRIMARY KEY,
		media_file_id    BIGINT NOT NULL UNIQUE REFERENCES episode_files(id) ON DELETE CASCADE,
		status           TEXT NOT NULL,
		intro_start      DOUBLE PRECISION,
		intro_end        DOUBLE PRECISION,
		credits_start    DOUBLE PRECISION,
		credits_end      DOUBLE PRECISION,
		confidence_score DOUBLE PRECISION,
		manual_verified  BOOLEAN NOT NULL DEFAULT false,
		processing_notes TEXT NOT NULL DEFAULT '',
		created_date     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_date     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("jobstore: create schema: %w", err)
	}
	return nil
}

// Insert creates a new job in the scanning status. I1 (at most one job per
// EpisodeFile) is enforced by the UNIQUE constraint on media_file_id; a
// conflict is surfaced as ErrDuplicateFile.
func (s *Store) Insert(ctx context.Context, mediaFileID int64) (*domain.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO processing_jobs (media_file_id, status)
		VALUES ($1, $2)
		RETURNING id, media_file_id, status, created_date, updated_date`,
		mediaFileID, domain.JobScanning)

	job := &domain.ProcessingJob{}
	if err := row.Scan(&job.ID, &job.MediaFileID, &job.Status, &job.CreatedDate, &job.UpdatedDate); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateFile
		}
		return nil, fmt.Errorf("jobstore: insert: %w", err)
	}
	return job, nil
}

// Get fetches a single job by id.
func (s *Store) Get(ctx context.Context, id int64) (*domain.ProcessingJob, error) {
	job := &domain.ProcessingJob{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, media_file_id, status, intro_start, intro_end, credits_start,
		       credits_end, confidence_score, manual_verified, processing_notes,
		       created_date, updated_date
		FROM processing_jobs WHERE id = $1`, id).Scan(
		&job.ID, &job.MediaFileID, &job.Status, &job.IntroStart, &job.IntroEnd,
		&job.CreditsStart, &job.CreditsEnd, &job.ConfidenceScore, &job.ManualVerified,
		&job.ProcessingNotes, &job.CreatedDate, &job.UpdatedDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get %d: %w", id, err)
	}
	return job, nil
}

// Patch is a partial update. Scalar fields are last-writer-wins; Status, if
// set, is validated against the status DAG before being applied.
type Patch struct {
	Status          *domain.JobStatus
	IntroStart      *float64
	IntroEnd        *float64
	CreditsStart    *float64
	CreditsEnd      *float64
	ConfidenceScore *float64
	ManualVerified  *bool
	ProcessingNotes *string
}

// Update applies patch to job id. Status transitions are guarded: moving to
// an invalid next status returns ErrInvalidTransition and mutates nothing.
func (s *Store) Update(ctx context.Context, id int64, patch Patch) (*domain.ProcessingJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobstore: update %d: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	var current domain.JobStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM processing_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobstore: update %d: lock row: %w", id, err)
	}

	if patch.Status != nil && !domain.CanTransitionJobStatus(current, *patch.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *patch.Status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE processing_jobs SET
			status           = COALESCE($2, status),
			intro_start      = COALESCE($3, intro_start),
			intro_end        = COALESCE($4, intro_end),
			credits_start    = COALESCE($5, credits_start),
			credits_end      = COALESCE($6, credits_end),
			confidence_score = COALESCE($7, confidence_score),
			manual_verified  = COALESCE($8, manual_verified),
			processing_notes = COALESCE($9, processing_notes),
			updated_date     = now()
		WHERE id = $1`,
		id, patch.Status, patch.IntroStart, patch.IntroEnd, patch.CreditsStart,
		patch.CreditsEnd, patch.ConfidenceScore, patch.ManualVerified, patch.ProcessingNotes,
	); err != nil {
		return nil, fmt.Errorf("jobstore: update %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobstore: update %d: commit: %w", id, err)
	}
	return s.Get(ctx, id)
}

// ListByStatus returns every job currently in one of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.ProcessingJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	placeholders := ""
	for i, st := range statuses {
		args[i] = st
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, media_file_id, status, intro_start, intro_end, credits_start,
		       credits_end, confidence_score, manual_verified, processing_notes,
		       created_date, updated_date
		FROM processing_jobs WHERE status IN (%s) ORDER BY id`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list by status: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProcessingJob
	for rows.Next() {
		job := &domain.ProcessingJob{}
		if err := rows.Scan(
			&job.ID, &job.MediaFileID, &job.Status, &job.IntroStart, &job.IntroEnd,
			&job.CreditsStart, &job.CreditsEnd, &job.ConfidenceScore, &job.ManualVerified,
			&job.ProcessingNotes, &job.CreatedDate, &job.UpdatedDate,
		); err != nil {
			return nil, fmt.Errorf("jobstore: scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListByShow returns every job belonging to episode files of showID.
func (s *Store) ListByShow(ctx context.Context, showID int64) ([]*domain.ProcessingJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pj.id, pj.media_file_id, pj.status, pj.intro_start, pj.intro_end,
		       pj.credits_start, pj.credits_end, pj.confidence_score, pj.manual_verified,
		       pj.processing_notes, pj.created_date, pj.updated_date
		FROM processing_jobs pj
		JOIN episode_files ef ON ef.id = pj.media_file_id
		WHERE ef.show_id = $1 ORDER BY pj.id`, showID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list by show %d: %w", showID, err)
	}
	defer rows.Close()

	var out []*domain.ProcessingJob
	for rows.Next() {
		job := &domain.ProcessingJob{}
		if err := rows.Scan(
			&job.ID, &job.MediaFileID, &job.Status, &job.IntroStart, &job.IntroEnd,
			&job.CreditsStart, &job.CreditsEnd, &job.ConfidenceScore, &job.ManualVerified,
			&job.ProcessingNotes, &job.CreatedDate, &job.UpdatedDate,
		); err != nil {
			return nil, fmt.Errorf("jobstore: scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DeleteBatch removes the given job ids in pages of pageSize, used by C9.
func (s *Store) DeleteBatch(ctx context.Context, ids []int64, pageSize int) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	for start := 0; start < len(ids); start += pageSize {
		end := start + pageSize
		if end > len(ids) {
			end = len(ids)
		}
		page := ids[start:end]
		if _, err := s.db.ExecContext(ctx, `DELETE FROM processing_jobs WHERE id = ANY($1)`, pq.Array(page)); err != nil {
			return fmt.Errorf("jobstore: delete batch: %w", err)
		}
	}
	return nil
}

// GetByMediaFile looks up the job for an EpisodeFile, used by the detector
// to translate its episodeFileId-keyed results back into job updates.
func (s *Store) GetByMediaFile(ctx context.Context, mediaFileID int64) (*domain.ProcessingJob, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM processing_jobs WHERE media_file_id = $1`, mediaFileID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get by media file %d: %w", mediaFileID, err)
	}
	return s.Get(ctx, id)
}

// UpdateFromDetection applies a Season Detector result to the job for
// episodeFileID: intro/credits ranges, confidence, and status (verified iff
// autoApproved, else detected) per spec.md §4.4 step 11. It implements
// detector.JobUpdater.
func (s *Store) UpdateFromDetection(ctx context.Context, episodeFileID int64, result *domain.DetectionResult, autoApproved bool) error {
	job, err := s.GetByMediaFile(ctx, episodeFileID)
	if err != nil {
		return fmt.Errorf("jobstore: update from detection: %w", err)
	}

	status := domain.JobDetected
	if autoApproved {
		status = domain.JobVerified
	}

	patch := Patch{Status: &status, ConfidenceScore: &result.ConfidenceScore}
	if result.Intro != nil {
		patch.IntroStart = &result.Intro.Start
		patch.IntroEnd = &result.Intro.End
	}
	if result.Credits != nil {
		patch.CreditsStart = &result.Credits.Start
		patch.CreditsEnd = &result.Credits.End
	}
	if _, err := s.Update(ctx, job.ID, patch); err != nil {
		return fmt.Errorf("jobstore: update from detection: %w", err)
	}
	return nil
}

// IDAndFileForShows returns (episodeFileId, storeJobId) pairs for every job
// belonging to the given shows, used by C9's deleteShowsAndCleanup to
// collect broker entries to remove before the cascade delete runs.
func (s *Store) IDAndFileForShows(ctx context.Context, showIDs []int64) (map[int64]int64, error) {
	if len(showIDs) == 0 {
		return map[int64]int64{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pj.media_file_id, pj.id
		FROM processing_jobs pj
		JOIN episode_files ef ON ef.id = pj.media_file_id
		WHERE ef.show_id = ANY($1)`, pq.Array(showIDs))
	if err != nil {
		return nil, fmt.Errorf("jobstore: id and file for shows: %w", err)
	}
	defer rows.Close()

	out := map[int64]int64{}
	for rows.Next() {
		var fileID, jobID int64
		if err := rows.Scan(&fileID, &jobID); err != nil {
			return nil, fmt.Errorf("jobstore: scan: %w", err)
		}
		out[fileID] = jobID
	}
	return out, rows.Err()
}

// DeleteByShows cascades a show-level delete: episode_files.show_id
// REFERENCES shows(id) ON DELETE CASCADE removes the matching episode_files
// rows, and processing_jobs.media_file_id REFERENCES episode_files(id) ON
// DELETE CASCADE removes their jobs in turn (spec.md §3 "deleting a Show
// cascades to its Jobs").
func (s *Store) DeleteByShows(ctx context.Context, showIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: delete by shows: begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM shows WHERE id = ANY($1)`, pq.Array(showIDs)); err != nil {
		return fmt.Errorf("jobstore: delete by shows: %w", err)
	}
	return tx.Commit()
}

// CountByStatus returns the number of jobs in each status, used by C8's
// recovery status contract and by the processing status contract.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("jobstore: count by status: %w", err)
	}
	defer rows.Close()

	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("jobstore: scan: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "unique constraint", "duplicate key"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
