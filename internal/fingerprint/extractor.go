// Package fingerprint implements the Fingerprint Extractor (C2): for one
// episode file, decode -> filter -> chunk -> fingerprint, producing a
// sequence of (offset, fingerprint) pairs and a persisted row in C3.
//
// The staged-pipeline-with-progress shape (analyze -> decode -> chunk ->
// persist -> trigger) is grounded on library_service/internal/pipeline's
// IngestPipeline.IngestMedia, which runs a fixed stage sequence and reports
// progress for each one.
package fingerprint

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"cliprr/internal/domain"
	"cliprr/internal/procrunner"
	"cliprr/internal/tempstore"
)

const (
	windowSeconds = 30
	hopSeconds    = 10

	shortDurationThresholdSec = 300
	lowBitrateThresholdBps    = 100_000

	minSuccessfulChunkRatio = 0.25
)

// ProgressPublisher is the subset of the Progress Bus (C10) the extractor
// needs; it is an interface so tests can assert on emitted stages without a
// real Redis-backed bus.
type ProgressPublisher interface {
	PublishAudioExtractionProgress(episodeFileID int64, filePath string, percent float64, status string)
}

// FingerprintStore is the subset of C3 the extractor writes to.
type FingerprintStore interface {
	PutFingerprints(ctx context.Context, row *domain.EpisodeFingerprint) error
}

// Triggering C4 (step 5 of spec.md §4.2) is the worker's responsibility,
// not the extractor's: it happens after Extract returns successfully, once
// the caller has showID/season in hand from the EpisodeFile.

type Extractor struct {
	runner            *procrunner.Runner
	temp              *tempstore.Store
	fpStore           FingerprintStore
	progress          ProgressPublisher
	ffmpegPath        string
	ffprobePath       string
	fingerprinterPath string
	logger            *logrus.Logger
}

func New(runner *procrunner.Runner, temp *tempstore.Store, fpStore FingerprintStore, progress ProgressPublisher, ffmpegPath, ffprobePath, fingerprinterPath string, logger *logrus.Logger) *Extractor {
	return &Extractor{
		runner:            runner,
		temp:              temp,
		fpStore:           fpStore,
		progress:          progress,
		ffmpegPath:        ffmpegPath,
		ffprobePath:       ffprobePath,
		fingerprinterPath: fingerprinterPath,
		logger:            logger,
	}
}

// Outcome is the extractor's result, including the chunk-loss notes that
// feed the worker's processingNotes.
type Outcome struct {
	Fingerprint    *domain.EpisodeFingerprint
	Notes          string
	ShortDuration  bool
	LowBitrate     bool
}

// Extract runs the full pipeline for ef. The returned error, when non-nil,
// is a stage failure (transient external / corrupted input per spec.md §7);
// the worker boundary is responsible for converting it into a job_update.
func (e *Extractor) Extract(ctx context.Context, ef *domain.EpisodeFile) (*Outcome, error) {
	log := e.logger.WithFields(logrus.Fields{"episode_file_id": ef.ID, "path": ef.Path})

	// Stage 1: analyze.
	e.report(ef, 0, "analyzing")
	info, err := os.Stat(ef.Path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: guard breach: stat %s: %w", ef.Path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("fingerprint: guard breach: %s is empty", ef.Path)
	}

	duration, err := e.runner.Probe(ctx, e.ffprobePath, ef.Path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: analyze %s: %w", ef.Path, err)
	}

	outcome := &Outcome{
		ShortDuration: duration < shortDurationThresholdSec,
		LowBitrate:    duration > 0 && float64(info.Size())/duration < lowBitrateThresholdBps,
	}
	e.report(ef, 10, "analyzed")

	// Stage 2: decode + filter.
	jobDir, err := e.temp.NewJobDir()
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	defer func() {
		if err := jobDir.Cleanup(); err != nil {
			log.WithError(err).Warn("fingerprint: job dir cleanup failed")
		}
	}()

	decodedPath := jobDir.DecodedAudioPath()
	if err := e.decode(ctx, ef.Path, decodedPath, duration); err != nil {
		return nil, fmt.Errorf("fingerprint: decode %s: %w", ef.Path, err)
	}
	e.report(ef, 30, "decoded")

	// Stage 3: chunk + fingerprint.
	entries, skipped, err := e.chunkAndFingerprint(ctx, ef, jobDir, decodedPath, duration)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: chunk/fingerprint %s: %w", ef.Path, err)
	}
	totalChunks := skipped + len(entries)
	if totalChunks > 0 && float64(len(entries))/float64(totalChunks) < minSuccessfulChunkRatio {
		return nil, fmt.Errorf("fingerprint: %s: only %d/%d chunks succeeded", ef.Path, len(entries), totalChunks)
	}
	if skipped > 0 {
		outcome.Notes = fmt.Sprintf("%d/%d chunks skipped (decode or fingerprint failure)", skipped, totalChunks)
	}
	e.report(ef, 90, "fingerprinted")

	row := &domain.EpisodeFingerprint{
		ShowID:        ef.ShowID,
		SeasonNumber:  ef.SeasonNumber,
		EpisodeNumber: ef.EpisodeNumber,
		EpisodeFileID: ef.ID,
		Fingerprints:  entries,
		FileDuration:  duration,
		FileSize:      info.Size(),
		IsValid:       true,
	}

	// Stage 4: persist.
	if err := e.fpStore.PutFingerprints(ctx, row); err != nil {
		return nil, fmt.Errorf("fingerprint: persist %s: %w", ef.Path, err)
	}
	outcome.Fingerprint = row
	e.report(ef, 100, "complete")

	log.WithFields(logrus.Fields{"chunks": len(entries), "skipped": skipped}).Info("fingerprint: extraction complete")
	return outcome, nil
}

// decode produces a single mono 44.1kHz PCM WAV using the robust filter
// chain, falling back to a plain extraction on failure (spec.md §4.2 step 2).
// It acquires the decode semaphore for the duration of the long decode.
func (e *Extractor) decode(ctx context.Context, inputPath, outputPath string, duration float64) error {
	filterChain := "aresample=44100,pan=mono|c0=0.5*c0+0.5*c1,highpass=f=300,lowpass=f=3000,volume=1.5"
	args := []string{"-y", "-i", inputPath, "-af", filterChain, "-ar", "44100", "-ac", "1", outputPath}

	result, err := e.runner.SpawnStreaming(ctx, e.ffmpegPath, args, duration, nil)
	if err == nil {
		nonEmpty, statErr := tempstore.FileExistsNonEmpty(outputPath)
		if statErr == nil && nonEmpty && (result.ExitCode == 0 || procrunner.IsSuccessWithWarnings(result, nonEmpty)) {
			return nil
		}
	}

	// Fallback: plain extraction.
	fallbackArgs := []string{"-y", "-i", inputPath, "-vn", "-acodec", "pcm_s16le", "-ar", "44100", "-ac", "1", outputPath}
	result, err = e.runner.SpawnStreaming(ctx, e.ffmpegPath, fallbackArgs, duration, nil)
	if err != nil {
		return err
	}
	nonEmpty, statErr := tempstore.FileExistsNonEmpty(outputPath)
	if statErr != nil {
		return statErr
	}
	if !nonEmpty && result.ExitCode != 0 {
		return fmt.Errorf("decode produced no output (exit %d): %s", result.ExitCode, result.StderrTail)
	}
	return nil
}

// chunkAndFingerprint walks the decoded audio with window=30s, hop=10s
// (20s overlap). Chunk extraction runs serially and does not hold the
// global decode semaphore (spec.md §4.2 resource discipline).
func (e *Extractor) chunkAndFingerprint(ctx context.Context, ef *domain.EpisodeFile, jobDir *tempstore.JobDir, decodedPath string, duration float64) ([]domain.FingerprintEntry, int, error) {
	var entries []domain.FingerprintEntry
	skipped := 0

	for t := 0.0; t < duration; t += hopSeconds {
		if ctx.Err() != nil {
			return entries, skipped, ctx.Err()
		}

		chunkPath := jobDir.ChunkPath(t, time.Now().UnixNano())
		windowLen := math.Min(windowSeconds, duration-t)

		extractArgs := []string{
			"-y", "-ss", strconv.FormatFloat(t, 'f', 3, 64),
			"-t", strconv.FormatFloat(windowLen, 'f', 3, 64),
			"-i", decodedPath, "-ar", "44100", "-ac", "1", chunkPath,
		}
		if _, err := e.runner.Run(ctx, e.ffmpegPath, extractArgs, nil); err != nil {
			e.logger.WithError(err).WithField("offset", t).Warn("fingerprint: chunk extraction failed, skipping")
			skipped++
			_ = jobDir.RemoveChunk(chunkPath)
			continue
		}

		fp, err := e.fingerprintChunk(ctx, chunkPath)
		_ = jobDir.RemoveChunk(chunkPath)
		if err != nil {
			e.logger.WithError(err).WithField("offset", t).Warn("fingerprint: chunk fingerprinting failed, skipping")
			skipped++
			continue
		}
		entries = append(entries, domain.FingerprintEntry{OffsetSeconds: t, Fingerprint: fp})

		percent := 30 + (t/duration)*60
		e.report(ef, percent, "fingerprinting")
	}

	return entries, skipped, nil
}

func (e *Extractor) fingerprintChunk(ctx context.Context, chunkPath string) (string, error) {
	result, err := e.runner.Run(ctx, e.fingerprinterPath, []string{"-json", chunkPath}, nil)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("fingerprinter exited %d: %s", result.ExitCode, result.StderrTail)
	}
	fp, duration, err := parseFingerprinterJSON(result.Stdout)
	if err != nil {
		return "", err
	}
	if duration <= 0 {
		return "", fmt.Errorf("fingerprinter returned zero duration")
	}
	return fp, nil
}

func (e *Extractor) report(ef *domain.EpisodeFile, percent float64, status string) {
	if e.progress == nil {
		return
	}
	e.progress.PublishAudioExtractionProgress(ef.ID, ef.Path, percent, status)
}
