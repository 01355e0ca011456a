// Package tempstore manages the per-job temp directory and chunk file
// lifecycle (spec.md §4.2, §6 Temp Layout). It is filesystem-backed, like
// pkg/storage.LocalStorage, but scoped to one job's working directory
// instead of a content-addressed key space: JobDir.Cleanup removes every
// path under a JobDir, and is called on every exit path (success, failure,
// cancellation). The persistent audio/ and trimmed/ paths are not under a
// JobDir and are left for C9.
package tempstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store roots every job directory under baseDir (the configured temp_dir
// Setting).
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// JobDir is one job's exclusively-owned working directory,
// <temp_dir>/<uuid>, created fresh for every run.
type JobDir struct {
	Path string
}

// NewJobDir creates <temp_dir>/<uuid> and returns a handle scoped to it.
func (s *Store) NewJobDir() (*JobDir, error) {
	path := filepath.Join(s.baseDir, uuid.NewString())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("tempstore: create job dir: %w", err)
	}
	return &JobDir{Path: path}, nil
}

// ChunkPath returns the path for a chunk file at offset, following the
// <uuid>/chunk_<offset>_<epoch>.wav naming in spec.md §6. epoch disambiguates
// retries within the same job dir.
func (j *JobDir) ChunkPath(offsetSeconds float64, epoch int64) string {
	return filepath.Join(j.Path, fmt.Sprintf("chunk_%g_%d.wav", offsetSeconds, epoch))
}

// DecodedAudioPath is the single decoded mono WAV for the whole episode.
func (j *JobDir) DecodedAudioPath() string {
	return filepath.Join(j.Path, "decoded.wav")
}

// RemoveChunk deletes a chunk file; a missing file is not an error (a chunk
// is deleted on success AND failure per spec.md §4.2 step 3).
func (j *JobDir) RemoveChunk(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tempstore: remove chunk %s: %w", path, err)
	}
	return nil
}

// Cleanup removes the entire job directory. Called on every exit path.
func (j *JobDir) Cleanup() error {
	if err := os.RemoveAll(j.Path); err != nil {
		return fmt.Errorf("tempstore: cleanup job dir %s: %w", j.Path, err)
	}
	return nil
}

// Persistent paths (§6 Temp Layout): audio/<basename>.wav and
// trimmed/intro_<jobId>.mp4 / trimmed/credits_<jobId>.mp4. These persist
// until the Cleanup Coordinator (C9) removes them explicitly; they are not
// owned by a single JobDir.

func (s *Store) AudioPath(basename string) string {
	return filepath.Join(s.baseDir, "audio", basename+".wav")
}

func (s *Store) TrimmedIntroPath(jobID int64) string {
	return filepath.Join(s.baseDir, "trimmed", fmt.Sprintf("intro_%d.mp4", jobID))
}

func (s *Store) TrimmedCreditsPath(jobID int64) string {
	return filepath.Join(s.baseDir, "trimmed", fmt.Sprintf("credits_%d.mp4", jobID))
}

// RemoveIfExists deletes path, ignoring a missing file.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tempstore: remove %s: %w", path, err)
	}
	return nil
}

// FileExistsNonEmpty verifies a path exists and has nonzero size, used by
// C1/C2 to check decoder output ("tool returned nonzero but the expected
// output file exists and is nonempty" is treated as success-with-warnings).
func FileExistsNonEmpty(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tempstore: stat %s: %w", path, err)
	}
	return info.Size() > 0, nil
}
