// Package recovery implements the Recovery Supervisor (C8): a periodic
// reconciliation loop between the Job Store and the Queue Broker that
// re-enqueues interrupted jobs, evicts orphaned broker entries, and returns
// stale active jobs to waiting.
//
// The ticker-plus-never-propagate-failures shape is grounded on
// stream_gateway/internal/session.ConcurrencyTracker.CleanupExpired, which
// sweeps expired sessions on a timer and logs rather than returns on a
// per-session failure; the status snapshot this package exposes follows
// discovery_service's handler convention of assembling one read-only JSON
// view from several independent sub-queries.
package recovery

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cliprr/internal/domain"
	"cliprr/internal/queue"
)

const (
	tickInterval   = 5 * time.Minute
	staleJobMaxAge = 30 * time.Minute
)

var interruptedStatuses = []domain.JobStatus{domain.JobScanning, domain.JobProcessing}

// JobLister is the subset of the Job Store the supervisor reads.
type JobLister interface {
	ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.ProcessingJob, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// Issue describes one reconciliation finding, surfaced on the recovery
// status contract (spec.md §6).
type Issue struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
	JobID  string `json:"jobId,omitempty"`
}

// QueueSnapshot mirrors one entry of the recovery status contract's queues map.
type QueueSnapshot struct {
	Waiting   int64  `json:"waiting,omitempty"`
	Active    int64  `json:"active,omitempty"`
	Delayed   int64  `json:"delayed,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Failed    int64  `json:"failed,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status is the recovery status contract from spec.md §6.
type Status struct {
	Database struct {
		Total    int                      `json:"total"`
		ByStatus map[domain.JobStatus]int `json:"byStatus"`
	} `json:"database"`
	Queues         map[string]QueueSnapshot `json:"queues"`
	Issues         []Issue                  `json:"issues"`
	RecoveryActive bool                     `json:"recoveryActive"`
	Timestamp      time.Time                `json:"timestamp"`
}

// Supervisor runs the three C8 procedures on a timer.
type Supervisor struct {
	jobs   JobLister
	broker *queue.Broker
	logger *logrus.Logger

	mu         sync.Mutex
	lastStatus Status
}

func New(jobs JobLister, broker *queue.Broker, logger *logrus.Logger) *Supervisor {
	return &Supervisor{jobs: jobs, broker: broker, logger: logger}
}

// Run blocks, executing one reconciliation cycle immediately and then every
// tickInterval, until ctx is canceled. Per-cycle failures are logged, never
// propagated: the next tick retries (spec.md §4.8).
func (s *Supervisor) Run(ctx context.Context) {
	s.runCycle(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Supervisor) runCycle(ctx context.Context) {
	s.setActive(true)
	defer s.setActive(false)

	var issues []Issue

	interrupted, err := s.jobs.ListByStatus(ctx, interruptedStatuses...)
	if err != nil {
		s.logger.WithError(err).Error("recovery: list interrupted jobs failed")
		issues = append(issues, Issue{Type: "sync_error", Detail: err.Error()})
	} else {
		interruptIssues := s.interruptRecovery(ctx, interrupted)
		issues = append(issues, interruptIssues...)
	}

	syncIssues := s.synchronizeState(ctx, interrupted)
	issues = append(issues, syncIssues...)

	staleIssues := s.evictStale(ctx)
	issues = append(issues, staleIssues...)

	s.refreshStatus(ctx, issues)
}

// interruptRecovery re-enqueues every job in {scanning, processing}: the
// broker id is stable so a job already present is absorbed as a no-op (R1).
func (s *Supervisor) interruptRecovery(ctx context.Context, interrupted []*domain.ProcessingJob) []Issue {
	var issues []Issue
	for _, job := range interrupted {
		payload := map[string]any{
			"storeJobId":    strconv.FormatInt(job.ID, 10),
			"episodeFileId": job.MediaFileID,
		}
		if err := s.broker.Enqueue(ctx, queue.EpisodeProcessing, domain.BrokerJobID(job.ID), payload); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("recovery: re-enqueue failed")
			issues = append(issues, Issue{Type: "sync_error", JobID: strconv.FormatInt(job.ID, 10), Detail: err.Error()})
		}
	}
	return issues
}

// synchronizeState computes D (store jobs interrupted) and R (broker-held
// storeJobIds) for episode-processing and reconciles the symmetric
// difference: D\R is re-enqueued (covered by interruptRecovery above, which
// already re-enqueues all of D), R\D is removed from the broker as orphaned.
func (s *Supervisor) synchronizeState(ctx context.Context, interrupted []*domain.ProcessingJob) []Issue {
	var issues []Issue

	held, err := s.broker.AllStoreJobIDs(ctx, queue.EpisodeProcessing)
	if err != nil {
		s.logger.WithError(err).Error("recovery: state sync: read broker state failed")
		return []Issue{{Type: "sync_error", Detail: err.Error()}}
	}

	inStore := make(map[string]int64, len(interrupted))
	for _, job := range interrupted {
		inStore[strconv.FormatInt(job.ID, 10)] = job.ID
	}

	for storeJobID := range held {
		if _, ok := inStore[storeJobID]; ok {
			continue
		}
		id, err := strconv.ParseInt(storeJobID, 10, 64)
		if err != nil {
			continue
		}
		if err := s.broker.Remove(ctx, queue.EpisodeProcessing, domain.BrokerJobID(id)); err != nil {
			s.logger.WithError(err).WithField("store_job_id", storeJobID).Warn("recovery: orphan removal failed")
			issues = append(issues, Issue{Type: "sync_error", JobID: storeJobID, Detail: err.Error()})
			continue
		}
		issues = append(issues, Issue{Type: "orphaned_in_redis", JobID: storeJobID})
	}

	for storeJobID := range inStore {
		if _, ok := held[storeJobID]; !ok {
			issues = append(issues, Issue{Type: "missing_in_redis", JobID: storeJobID})
		}
	}

	return issues
}

// evictStale returns any active broker entry older than staleJobMaxAge to
// waiting, across every queue (not just episode-processing: a stuck
// trimming or detection job is just as stale).
func (s *Supervisor) evictStale(ctx context.Context) []Issue {
	var issues []Issue
	now := time.Now()

	for _, q := range queue.AllQueues {
		started, err := s.broker.ActiveStartedAt(ctx, q)
		if err != nil {
			s.logger.WithError(err).WithField("queue", q).Warn("recovery: read active start times failed")
			issues = append(issues, Issue{Type: "queue_error", Detail: err.Error()})
			continue
		}
		for brokerJobID, startedAt := range started {
			if now.Sub(startedAt) <= staleJobMaxAge {
				continue
			}
			if err := s.broker.ReturnToWaiting(ctx, q, brokerJobID); err != nil {
				s.logger.WithError(err).WithField("broker_job_id", brokerJobID).Warn("recovery: stale eviction failed")
				continue
			}
			issues = append(issues, Issue{Type: "stale_job", JobID: brokerJobID})
		}
	}
	return issues
}

func (s *Supervisor) refreshStatus(ctx context.Context, issues []Issue) {
	var status Status
	status.Timestamp = time.Now()
	status.Issues = issues
	status.Queues = map[string]QueueSnapshot{}

	if counts, err := s.jobs.CountByStatus(ctx); err != nil {
		s.logger.WithError(err).Warn("recovery: count by status failed")
	} else {
		status.Database.ByStatus = counts
		total := 0
		for _, c := range counts {
			total += c
		}
		status.Database.Total = total
	}

	for _, q := range queue.AllQueues {
		counts, err := s.broker.Snapshot(ctx, q)
		if err != nil {
			status.Queues[q] = QueueSnapshot{Error: err.Error()}
			continue
		}
		status.Queues[q] = QueueSnapshot{
			Waiting: counts.Waiting, Active: counts.Active, Delayed: counts.Delayed,
			Completed: counts.Completed, Failed: counts.Failed,
			Total: counts.Waiting + counts.Active + counts.Delayed + counts.Completed + counts.Failed,
		}
	}

	s.mu.Lock()
	s.lastStatus = status
	s.mu.Unlock()
}

func (s *Supervisor) setActive(active bool) {
	s.mu.Lock()
	s.lastStatus.RecoveryActive = active
	s.mu.Unlock()
}

// Status returns the most recently computed recovery status contract
// (spec.md §6), safe for concurrent reads from the status HTTP handler.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

