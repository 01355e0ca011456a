package settingsstore

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
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

func TestStore_Get_FallsBackToDefaultWhenRowAbsent(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT value FROM settings WHERE key = \\$1").
		WithArgs(KeyCPUWorkerLimit).
		WillReturnError(sql.ErrNoRows)

	got, err := s.Get(KeyCPUWorkerLimit)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != Defaults[KeyCPUWorkerLimit] {
		t.Errorf("expected default %q, got %q", Defaults[KeyCPUWorkerLimit], got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_Get_ReturnsStoredValue(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"value"}).AddRow("4")
	mock.ExpectQuery("SELECT value FROM settings WHERE key = \\$1").
		WithArgs(KeyCPUWorkerLimit).
		WillReturnRows(rows)

	got, err := s.Get(KeyCPUWorkerLimit)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "4" {
		t.Errorf("expected %q, got %q", "4", got)
	}
}

func TestStore_Set_RejectsInvalidValue(t *testing.T) {
	s, _ := newTestStore(t)

	cases := []struct {
		key, value string
	}{
		{KeyCPUWorkerLimit, "0"},
		{KeyCPUWorkerLimit, "not-a-number"},
		{KeyMinConfidenceThreshold, "1.5"},
		{KeyAutoProcessDetections, "yes"},
		{KeyImportMode, "bogus"},
		{KeyPollingInterval, "10"},
		{KeyPollingInterval, "999999"},
	}
	for _, c := range cases {
		if err := s.Set(c.key, c.value); err == nil {
			t.Errorf("expected error setting %s=%s", c.key, c.value)
		}
	}
}

func TestStore_Set_PersistsValidValue(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO settings").
		WithArgs(KeyCPUWorkerLimit, "8").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Set(KeyCPUWorkerLimit, "8"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_CPUWorkerLimit_ParsesInt(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"value"}).AddRow("3")
	mock.ExpectQuery("SELECT value FROM settings WHERE key = \\$1").
		WithArgs(KeyCPUWorkerLimit).
		WillReturnRows(rows)

	n, err := s.CPUWorkerLimit()
	if err != nil {
		t.Fatalf("CPUWorkerLimit: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
}

func TestStore_AutoProcessDetections_ParsesBool(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"value"}).AddRow("true")
	mock.ExpectQuery("SELECT value FROM settings WHERE key = \\$1").
		WithArgs(KeyAutoProcessDetections).
		WillReturnRows(rows)

	b, err := s.AutoProcessDetections()
	if err != nil {
		t.Fatalf("AutoProcessDetections: %v", err)
	}
	if !b {
		t.Error("expected true")
	}
}

func TestStore_Get_UnknownKeyErrors(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT value FROM settings WHERE key = \\$1").
		WithArgs("not_a_real_key").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.Get("not_a_real_key"); err == nil {
		t.Error("expected error for unknown key with no default")
	}
}
