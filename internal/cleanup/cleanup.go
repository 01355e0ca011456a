// Package cleanup implements the Cleanup Coordinator (C9): bulk removal of
// processing jobs and whole shows, run from the cleanup queue so the two
// operations serialize with themselves (spec.md §4.9).
//
// The pause-group / drain / resume sequencing is grounded on
// discovery_service/internal/cache.RedisCache's transaction-pipeline
// conventions generalized to queue.Broker's Pause/Resume/Clean; the
// ordering guarantee (broker removal before store deletion for per-job
// deletes) follows spec.md §4.9 directly.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"cliprr/internal/catalog"
	"cliprr/internal/domain"
	"cliprr/internal/fpstore"
	"cliprr/internal/jobstore"
	"cliprr/internal/procrunner"
	"cliprr/internal/queue"
	"cliprr/internal/tempstore"
)

// audioToolPattern is the process-name match used for the best-effort kill
// step; it must match every external tool spec.md §6 requires on PATH.
const audioToolPattern = "ffmpeg|ffprobe|fpcalc"

type Coordinator struct {
	jobs    *jobstore.Store
	catalog *catalog.Store
	broker  *queue.Broker
	temp    *tempstore.Store
	fps     *fpstore.Store
	logger  *logrus.Logger
}

func New(jobs *jobstore.Store, cat *catalog.Store, broker *queue.Broker, temp *tempstore.Store, fps *fpstore.Store, logger *logrus.Logger) *Coordinator {
	return &Coordinator{jobs: jobs, catalog: cat, broker: broker, temp: temp, fps: fps, logger: logger}
}

// DeleteProcessingJobs removes the given job ids, or every job if all is
// true. Per-job deletes remove the broker entry before the store row
// (spec.md §4.9's ordering guarantee); the all=true path pauses both
// worker groups, kills in-flight tooling, and flushes every queue state
// before touching the store, which is itself sufficient ordering since
// both stores end up empty.
func (c *Coordinator) DeleteProcessingJobs(ctx context.Context, jobIDs []int64, all bool) error {
	if all {
		return c.deleteAll(ctx)
	}
	return c.deleteSome(ctx, jobIDs)
}

func (c *Coordinator) deleteSome(ctx context.Context, jobIDs []int64) error {
	for _, id := range jobIDs {
		job, err := c.jobs.Get(ctx, id)
		if err != nil {
			c.logger.WithError(err).WithField("job_id", id).Warn("cleanup: job lookup failed, skipping")
			continue
		}
		if err := c.broker.Remove(ctx, queue.EpisodeProcessing, domain.BrokerJobID(id)); err != nil {
			return fmt.Errorf("cleanup: remove broker entry for job %d: %w", id, err)
		}
		c.removeTempFiles(ctx, job)
		if err := c.fps.DeleteByEpisodeFile(ctx, job.MediaFileID); err != nil {
			c.logger.WithError(err).WithField("episode_file_id", job.MediaFileID).Warn("cleanup: fingerprint/detection cleanup failed")
		}
	}
	if err := c.jobs.DeleteBatch(ctx, jobIDs, 1000); err != nil {
		return fmt.Errorf("cleanup: delete processing jobs: %w", err)
	}
	return nil
}

func (c *Coordinator) deleteAll(ctx context.Context) error {
	log := c.logger.WithField("op", "delete_all")

	if err := c.pauseGroups(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.resumeGroups(ctx); err != nil {
			log.WithError(err).Error("cleanup: resume worker groups failed")
		}
	}()

	if err := procrunner.KillByNamePattern(ctx, audioToolPattern); err != nil {
		log.WithError(err).Warn("cleanup: best-effort tool kill failed")
	}

	if err := c.broker.FlushAll(ctx); err != nil {
		return fmt.Errorf("cleanup: flush broker: %w", err)
	}

	allJobs, err := c.jobs.ListByStatus(ctx,
		domain.JobScanning, domain.JobProcessing, domain.JobDetected, domain.JobVerified, domain.JobCompleted, domain.JobFailed)
	if err != nil {
		return fmt.Errorf("cleanup: list all jobs: %w", err)
	}
	for _, job := range allJobs {
		c.removeTempFiles(ctx, job)
		if err := c.fps.DeleteByEpisodeFile(ctx, job.MediaFileID); err != nil {
			log.WithError(err).WithField("episode_file_id", job.MediaFileID).Warn("cleanup: fingerprint/detection cleanup failed")
		}
	}

	ids := make([]int64, 0, len(allJobs))
	for _, job := range allJobs {
		ids = append(ids, job.ID)
	}
	if err := c.jobs.DeleteBatch(ctx, ids, 1000); err != nil {
		return fmt.Errorf("cleanup: delete all jobs: %w", err)
	}
	return nil
}

func (c *Coordinator) pauseGroups(ctx context.Context) error {
	for _, q := range queue.CPUGroup {
		if err := c.broker.Pause(ctx, q, true); err != nil {
			return fmt.Errorf("cleanup: pause cpu group %s: %w", q, err)
		}
	}
	for _, q := range queue.GPUGroup {
		if err := c.broker.Pause(ctx, q, true); err != nil {
			return fmt.Errorf("cleanup: pause gpu group %s: %w", q, err)
		}
	}
	return nil
}

func (c *Coordinator) resumeGroups(ctx context.Context) error {
	for _, q := range append(append([]string{}, queue.CPUGroup...), queue.GPUGroup...) {
		if err := c.broker.Resume(ctx, q); err != nil {
			return fmt.Errorf("cleanup: resume %s: %w", q, err)
		}
	}
	return nil
}

// removeTempFiles deletes the persistent temp artifacts for job, ignoring
// missing files (spec.md §4.9). The audio basename mirrors the source
// EpisodeFile's filename, so it looks the catalog row up; a missing
// EpisodeFile (already deleted) just skips the audio file removal.
func (c *Coordinator) removeTempFiles(ctx context.Context, job *domain.ProcessingJob) {
	paths := []string{
		c.temp.TrimmedIntroPath(job.ID),
		c.temp.TrimmedCreditsPath(job.ID),
	}
	if ef, err := c.catalog.GetEpisodeFile(ctx, job.MediaFileID); err == nil {
		base := filepath.Base(ef.Path)
		base = base[:len(base)-len(filepath.Ext(base))]
		paths = append(paths, c.temp.AudioPath(base))
	}
	for _, p := range paths {
		if err := tempstore.RemoveIfExists(p); err != nil {
			c.logger.WithError(err).WithField("path", filepath.Clean(p)).Warn("cleanup: temp file removal failed")
		}
	}
}

// CleanupJobPayload is the payload shape for jobs dispatched through the
// cleanup queue (spec.md §4.9): both bulk operations run there so they
// serialize with themselves. The enqueued payload also carries storeJobId,
// because the broker rejects payloads without it; this struct does not
// decode it, since neither operation is keyed to one job.
type CleanupJobPayload struct {
	Op      string  `json:"op"`
	JobIDs  []int64 `json:"jobIds,omitempty"`
	All     bool    `json:"all,omitempty"`
	ShowIDs []int64 `json:"showIds,omitempty"`
}

// HandleCleanupJob implements workerpool.CleanupProcessor: it decodes the
// dispatched payload and runs the named operation.
func (c *Coordinator) HandleCleanupJob(ctx context.Context, raw json.RawMessage) error {
	var payload CleanupJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("cleanup: decode job payload: %w", err)
	}
	switch payload.Op {
	case "deleteProcessingJobs":
		return c.DeleteProcessingJobs(ctx, payload.JobIDs, payload.All)
	case "deleteShowsAndCleanup":
		return c.DeleteShowsAndCleanup(ctx, payload.ShowIDs)
	default:
		return fmt.Errorf("cleanup: unknown op %q", payload.Op)
	}
}

// DeleteShowsAndCleanup resolves (episodeFileId, storeJobId) pairs for
// every episode of every show before deletion, removes the matching
// broker entries, then cascade-deletes the shows.
func (c *Coordinator) DeleteShowsAndCleanup(ctx context.Context, showIDs []int64) error {
	fileToJob, err := c.jobs.IDAndFileForShows(ctx, showIDs)
	if err != nil {
		return fmt.Errorf("cleanup: resolve jobs for shows: %w", err)
	}

	for fileID, jobID := range fileToJob {
		if err := c.broker.Remove(ctx, queue.EpisodeProcessing, domain.BrokerJobID(jobID)); err != nil {
			c.logger.WithError(err).WithField("job_id", jobID).Warn("cleanup: remove broker entry failed")
		}
		if err := c.fps.DeleteByEpisodeFile(ctx, fileID); err != nil {
			c.logger.WithError(err).WithField("episode_file_id", fileID).Warn("cleanup: fingerprint/detection cleanup failed")
		}
	}

	if err := c.jobs.DeleteByShows(ctx, showIDs); err != nil {
		return fmt.Errorf("cleanup: delete shows: %w", err)
	}
	return nil
}
