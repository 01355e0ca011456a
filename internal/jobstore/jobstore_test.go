package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"cliprr/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(db, log), mock
}

func TestStore_Insert_Success(t *testing.T) {
	s, mock := newTestStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "media_file_id", "status", "created_date", "updated_date"}).
		AddRow(int64(1), int64(42), domain.JobScanning, now, now)
	mock.ExpectQuery("INSERT INTO processing_jobs").
		WithArgs(int64(42), domain.JobScanning).
		WillReturnRows(rows)

	job, err := s.Insert(context.Background(), 42)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if job.Status != domain.JobScanning {
		t.Errorf("expected scanning status, got %s", job.Status)
	}
}

func TestStore_Insert_DuplicateFile(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("INSERT INTO processing_jobs").
		WithArgs(int64(42), domain.JobScanning).
		WillReturnError(errUniqueViolation{})

	_, err := s.Insert(context.Background(), 42)
	if err != ErrDuplicateFile {
		t.Errorf("expected ErrDuplicateFile, got %v", err)
	}
}

type errUniqueViolation struct{}

func (errUniqueViolation) Error() string { return `pq: duplicate key value violates unique constraint "processing_jobs_media_file_id_key"` }

func TestStore_Update_RejectsInvalidTransition(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM processing_jobs WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(domain.JobScanning))
	mock.ExpectRollback()

	invalid := domain.JobCompleted
	_, err := s.Update(context.Background(), 1, Patch{Status: &invalid})
	if err == nil {
		t.Fatal("expected error for invalid transition")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT id, media_file_id, status").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "media_file_id", "status", "intro_start", "intro_end",
			"credits_start", "credits_end", "confidence_score", "manual_verified",
			"processing_notes", "created_date", "updated_date",
		}))

	_, err := s.Get(context.Background(), 99)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteBatch_PagesRequests(t *testing.T) {
	s, mock := newTestStore(t)

	ids := make([]int64, 1500)
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	mock.ExpectExec("DELETE FROM processing_jobs WHERE id = ANY\\(\\$1\\)").
		WillReturnResult(sqlmock.NewResult(0, 1000))
	mock.ExpectExec("DELETE FROM processing_jobs WHERE id = ANY\\(\\$1\\)").
		WillReturnResult(sqlmock.NewResult(0, 500))

	if err := s.DeleteBatch(context.Background(), ids, 1000); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_CountByStatus(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow(domain.JobProcessing, 3).
		AddRow(domain.JobCompleted, 7)
	mock.ExpectQuery("SELECT status, count\\(\\*\\) FROM processing_jobs GROUP BY status").
		WillReturnRows(rows)

	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[domain.JobProcessing] != 3 || counts[domain.JobCompleted] != 7 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(errUniqueViolation{}) {
		t.Error("expected unique violation to be detected")
	}
	if isUniqueViolation(nil) {
		t.Error("nil error should not be a unique violation")
	}
}
