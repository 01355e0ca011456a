// Package stage wires the Fingerprint Extractor (C2) to the Season Detector
// (C4) into a single episode-processing stage, satisfying
// workerpool.StageProcessor. Most repos' episode-processing queue job runs
// this composite stage (spec.md §4.7 step 2).
package stage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cliprr/internal/catalog"
	"cliprr/internal/detector"
	"cliprr/internal/domain"
	"cliprr/internal/fingerprint"
	"cliprr/internal/jobstore"
)

type EpisodeProcessor struct {
	catalog   *catalog.Store
	jobs      *jobstore.Store
	extractor *fingerprint.Extractor
	detector  *detector.Detector
	logger    *logrus.Logger
}

func New(cat *catalog.Store, jobs *jobstore.Store, extractor *fingerprint.Extractor, det *detector.Detector, logger *logrus.Logger) *EpisodeProcessor {
	return &EpisodeProcessor{catalog: cat, jobs: jobs, extractor: extractor, detector: det, logger: logger}
}

// ProcessEpisode runs C2 then C4 for storeJobID's episode file (spec.md
// §4.1/§4.2 flow: enqueue -> scanning -> C2 -> C3 -> C4 -> detected/verified).
// finalAttempt reports whether the broker's retry policy (spec.md §4.6) has
// no attempts left after this one; it governs whether a transient stage
// error marks the job row terminal or leaves it at Processing for the next
// redelivery to re-enter (spec.md §7).
func (p *EpisodeProcessor) ProcessEpisode(ctx context.Context, storeJobID, episodeFileID int64, finalAttempt bool) error {
	log := p.logger.WithFields(logrus.Fields{"store_job_id": storeJobID, "episode_file_id": episodeFileID})

	processing := domain.JobProcessing
	if _, err := p.jobs.Update(ctx, storeJobID, jobstore.Patch{Status: &processing}); err != nil {
		return fmt.Errorf("stage: mark processing: %w", err)
	}

	ef, err := p.catalog.GetEpisodeFile(ctx, episodeFileID)
	if err != nil {
		// Guard breach: the job row is marked failed whatever finalAttempt
		// says. The broker entry is not removed here; the broker still
		// redelivers it per its retry policy, and each redelivery stops at
		// the rejected failed -> processing transition above.
		return p.fail(ctx, storeJobID, fmt.Errorf("stage: guard breach: %w", err))
	}

	outcome, err := p.extractor.Extract(ctx, ef)
	if err != nil {
		return p.failTransient(ctx, storeJobID, fmt.Errorf("stage: extract: %w", err), finalAttempt)
	}
	if outcome.Notes != "" {
		notes := outcome.Notes
		if _, err := p.jobs.Update(ctx, storeJobID, jobstore.Patch{ProcessingNotes: &notes}); err != nil {
			log.WithError(err).Warn("stage: failed to record processing notes")
		}
	}

	if _, err := p.detector.Run(ctx, ef.ShowID, int64(ef.SeasonNumber), detector.Options{}); err != nil {
		return p.failTransient(ctx, storeJobID, fmt.Errorf("stage: detect: %w", err), finalAttempt)
	}

	return nil
}

// failTransient marks storeJobID failed only once the broker has exhausted
// its retry attempts; otherwise it leaves the job row at Processing (a
// same-status update, always legal per domain.CanTransitionJobStatus) so the
// next redelivery can re-enter the stage instead of being rejected by the
// status DAG (spec.md §7 "Transient external... Retried per §4.6 policy; on
// final failure the job is marked failed").
func (p *EpisodeProcessor) failTransient(ctx context.Context, storeJobID int64, err error, finalAttempt bool) error {
	if !finalAttempt {
		return err
	}
	return p.fail(ctx, storeJobID, err)
}

// fail marks storeJobID failed with err's message truncated to 2KB
// (spec.md §7 user-visible behavior) and returns err unmodified so the
// caller's retry/backoff logic still sees the original error.
func (p *EpisodeProcessor) fail(ctx context.Context, storeJobID int64, err error) error {
	msg := err.Error()
	const maxNotes = 2048
	if len(msg) > maxNotes {
		msg = msg[:maxNotes]
	}
	failed := domain.JobFailed
	if _, uerr := p.jobs.Update(ctx, storeJobID, jobstore.Patch{Status: &failed, ProcessingNotes: &msg}); uerr != nil {
		p.logger.WithError(uerr).WithField("store_job_id", storeJobID).Warn("stage: failed to record failure")
	}
	return err
}
