// Package workerpool implements the Worker Pool (C7): per-queue worker
// goroutines that reserve jobs, dispatch to the stage processor, stream
// progress, send keep-alive pings, and emit terminal events.
//
// The heartbeat/lease bookkeeping is grounded on
// stream_gateway/internal/session.ConcurrencyTracker (RecordHeartbeat /
// CleanupExpired); the fixed stage-order dispatch is grounded on
// antserver/internal/archive.Pipeline, which also matches a job's current
// stage against a small ordered table rather than subclassing.
package workerpool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"cliprr/internal/progressbus"
	"cliprr/internal/queue"
)

const keepAliveInterval = 25 * time.Second

// StageProcessor handles one dequeued episode-processing job: C2
// (decode/chunk/fingerprint) followed by C4 (season detection). finalAttempt
// tells the processor whether the broker's retry policy has no attempts
// left after this one, so it knows whether a transient error should mark
// the job row terminal or leave it for redelivery (spec.md §7).
type StageProcessor interface {
	ProcessEpisode(ctx context.Context, storeJobID, episodeFileID int64, finalAttempt bool) error
}

// CleanupProcessor handles one dequeued cleanup-queue job: spec.md §4.9's
// two bulk operations run here so they serialize with themselves.
type CleanupProcessor interface {
	HandleCleanupJob(ctx context.Context, payload json.RawMessage) error
}

// EventSink is the subset of the Progress Bus (C10) the pool publishes
// terminal events to.
type EventSink interface {
	PublishJobUpdate(ctx context.Context, brokerJobID, storeJobID string, status progressbus.JobUpdateStatus, progress *float64, message, errMsg string)
}

// ConcurrencyProvider resolves the worker count for a queue. Start reads it
// once per queue, so an operator change takes effect on the next pool
// restart.
type ConcurrencyProvider interface {
	ConcurrencyFor(queueName string) (int, error)
}

type Pool struct {
	broker      *queue.Broker
	processor   StageProcessor
	cleanup     CleanupProcessor
	events      EventSink
	concurrency ConcurrencyProvider
	logger      *logrus.Logger
}

func New(broker *queue.Broker, processor StageProcessor, cleanup CleanupProcessor, events EventSink, concurrency ConcurrencyProvider, logger *logrus.Logger) *Pool {
	return &Pool{
		broker:      broker,
		processor:   processor,
		cleanup:     cleanup,
		events:      events,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches one worker goroutine per configured slot for every queue
// in spec.md §4.6, plus a promotion loop per queue that moves ready delayed
// jobs back to waiting. It returns immediately; workers run until ctx is
// canceled.
func (p *Pool) Start(ctx context.Context) {
	for _, q := range queue.AllQueues {
		n, err := p.concurrency.ConcurrencyFor(q)
		if err != nil || n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			go p.workerLoop(ctx, q)
		}
		go p.promotionLoop(ctx, q)
	}
}

func (p *Pool) promotionLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.broker.PromoteDelayed(ctx, queueName); err != nil {
				p.logger.WithError(err).WithField("queue", queueName).Warn("workerpool: promote delayed failed")
			}
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context, queueName string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.broker.Reserve(ctx, queueName, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).WithField("queue", queueName).Warn("workerpool: reserve failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		p.dispatch(ctx, queueName, job)
	}
}

func (p *Pool) dispatch(ctx context.Context, queueName string, job *queue.Job) {
	log := p.logger.WithFields(logrus.Fields{"queue": queueName, "broker_job_id": job.BrokerJobID})

	policy := queue.Policies[queueName]
	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(policy.TimeoutMs)*time.Millisecond)
	defer cancel()

	stopKeepAlive := p.startKeepAlive(jobCtx, queueName, job.BrokerJobID)
	defer stopKeepAlive()

	var payload struct {
		StoreJobID    json.Number `json:"storeJobId"`
		EpisodeFileID int64       `json:"episodeFileId"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.WithError(err).Error("workerpool: malformed payload, failing job")
		p.emitTerminal(ctx, job.BrokerJobID, "", progressbus.JobUpdateFailed, "", err.Error())
		_ = p.broker.Fail(ctx, queueName, job.BrokerJobID)
		return
	}
	storeJobID := payload.StoreJobID.String()

	p.emitTerminal(ctx, job.BrokerJobID, storeJobID, progressbus.JobUpdateProcessing, "dispatched", "")

	var procErr error
	switch queueName {
	case queue.EpisodeProcessing:
		storeJobIDInt, _ := payload.StoreJobID.Int64()
		finalAttempt := job.Attempt+1 >= policy.Attempts
		procErr = p.processor.ProcessEpisode(jobCtx, storeJobIDInt, payload.EpisodeFileID, finalAttempt)
	case queue.Cleanup:
		if p.cleanup != nil {
			procErr = p.cleanup.HandleCleanupJob(jobCtx, job.Payload)
		}
	}

	if procErr != nil {
		if jobCtx.Err() != nil {
			log.Info("workerpool: job canceled")
			_ = p.broker.Ack(ctx, queueName, job.BrokerJobID) // cancellation is terminal, not retried
			return
		}
		log.WithError(procErr).Warn("workerpool: job failed")
		p.emitTerminal(ctx, job.BrokerJobID, storeJobID, progressbus.JobUpdateFailed, "", procErr.Error())
		_ = p.broker.Fail(ctx, queueName, job.BrokerJobID)
		return
	}

	p.emitTerminal(ctx, job.BrokerJobID, storeJobID, progressbus.JobUpdateCompleted, "complete", "")
	if err := p.broker.Ack(ctx, queueName, job.BrokerJobID); err != nil {
		log.WithError(err).Warn("workerpool: ack failed")
	}
}

func (p *Pool) emitTerminal(ctx context.Context, brokerJobID, storeJobID string, status progressbus.JobUpdateStatus, message, errMsg string) {
	if p.events == nil {
		return
	}
	p.events.PublishJobUpdate(ctx, brokerJobID, storeJobID, status, nil, message, errMsg)
}

// startKeepAlive periodically refreshes the reservation's start timestamp so
// the Recovery Supervisor's stale-job sweep does not reclaim an
// actively-running job. Returns a stop function.
func (p *Pool) startKeepAlive(ctx context.Context, queueName, brokerJobID string) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := p.broker.RefreshLease(ctx, queueName, brokerJobID); err != nil {
					// "missing key" after a delete-all is benign; don't flood logs.
					p.logger.WithError(err).Debug("workerpool: keep-alive ping failed (benign if job was deleted)")
				}
			}
		}
	}()
	return func() { close(stopCh) }
}
