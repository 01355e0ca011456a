// Package settingsstore persists the seven typed Settings keys from spec §6
// in the relational store, seeding missing rows with the compiled Defaults.
package settingsstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Key names recognized by the settings table.
const (
	KeyCPUWorkerLimit        = "cpu_worker_limit"
	KeyGPUWorkerLimit        = "gpu_worker_limit"
	KeyMinConfidenceThreshold = "min_confidence_threshold"
	KeyAutoProcessDetections = "auto_process_detections"
	KeyTempDir               = "temp_dir"
	KeyImportMode            = "import_mode"
	KeyPollingInterval       = "polling_interval"
)

// ErrInvalidValue is returned when a setting value fails its type/range check.
var ErrInvalidValue = errors.New("settingsstore: invalid value")

// Defaults mirror the table in spec.md §6.
var Defaults = map[string]string{
	KeyCPUWorkerLimit:         "2",
	KeyGPUWorkerLimit:         "1",
	KeyMinConfidenceThreshold: "0.8",
	KeyAutoProcessDetections:  "false",
	KeyTempDir:                "",
	KeyImportMode:             "none",
	KeyPollingInterval:        "3600",
}

// Store is the relational-backed Settings overlay.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// New wraps an existing *sql.DB. Callers own the connection lifecycle.
func New(db *sql.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the settings table if absent and seeds any missing
// key with its default. Idempotent, safe to call on every startup.
func (s *Store) EnsureSchema() error {
	const ddl = `CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("settingsstore: create schema: %w", err)
	}
	for key, def := range Defaults {
		if _, err := s.db.Exec(
			`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			key, def,
		); err != nil {
			return fmt.Errorf("settingsstore: seed %s: %w", key, err)
		}
	}
	return nil
}

// Get returns the raw string value for key, falling back to the compiled
// default when the row is absent. An absent row for a key with no default
// (an unknown key) is an error.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if def, ok := Defaults[key]; ok {
			return def, nil
		}
		return "", fmt.Errorf("settingsstore: unknown key %q", key)
	}
	if err != nil {
		return "", fmt.Errorf("settingsstore: get %s: %w", key, err)
	}
	return value, nil
}

// Set validates and persists a new value for key.
func (s *Store) Set(key, value string) error {
	if err := validate(key, value); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("settingsstore: set %s: %w", key, err)
	}
	return nil
}

func validate(key, value string) error {
	switch key {
	case KeyCPUWorkerLimit, KeyGPUWorkerLimit:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: %s must be an integer >= 1", ErrInvalidValue, key)
		}
	case KeyMinConfidenceThreshold:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("%w: %s must be a float in [0,1]", ErrInvalidValue, key)
		}
	case KeyAutoProcessDetections:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%w: %s must be a bool", ErrInvalidValue, key)
		}
	case KeyTempDir:
		// any path is accepted; empty means "use the config-supplied OS default"
	case KeyImportMode:
		if value != "auto" && value != "import" && value != "none" {
			return fmt.Errorf("%w: %s must be one of auto|import|none", ErrInvalidValue, key)
		}
	case KeyPollingInterval:
		n, err := strconv.Atoi(value)
		if err != nil || n < 60 || n > 86400 {
			return fmt.Errorf("%w: %s must be an integer in [60,86400]", ErrInvalidValue, key)
		}
	default:
		return fmt.Errorf("settingsstore: unknown key %q", key)
	}
	return nil
}

// GetInt, GetFloat and GetBool are typed convenience accessors built on Get.
func (s *Store) GetInt(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("settingsstore: %s is not an int: %w", key, err)
	}
	return n, nil
}

func (s *Store) GetFloat(key string) (float64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("settingsstore: %s is not a float: %w", key, err)
	}
	return f, nil
}

func (s *Store) GetBool(key string) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("settingsstore: %s is not a bool: %w", key, err)
	}
	return b, nil
}

// Named accessors for the consumers that only care about one key each
// (detector.SettingsReader, workerpool/queue concurrency, main's temp dir).

func (s *Store) MinConfidenceThreshold() (float64, error) { return s.GetFloat(KeyMinConfidenceThreshold) }
func (s *Store) AutoProcessDetections() (bool, error)     { return s.GetBool(KeyAutoProcessDetections) }
func (s *Store) CPUWorkerLimit() (int, error)             { return s.GetInt(KeyCPUWorkerLimit) }
func (s *Store) GPUWorkerLimit() (int, error)             { return s.GetInt(KeyGPUWorkerLimit) }
func (s *Store) TempDir() (string, error)                 { return s.Get(KeyTempDir) }
func (s *Store) PollingInterval() (int, error)            { return s.GetInt(KeyPollingInterval) }
