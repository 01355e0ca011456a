// Package queue implements the Queue Broker Adapter (C6): six named
// priority FIFO queues held in the coordination store (Redis), with stable
// broker-ids derived from store-ids and pause/resume per queue.
//
// Grounded on discovery_service/internal/cache.RedisCache's conventions for
// wrapping *redis.Client (context-scoped calls, logrus.WithError on
// non-Nil errors, wrapped error messages); the queue/list/zset primitives
// themselves are native Redis data structures, not anything the teacher's
// cache package models, since the teacher only ever cached read results.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Queue names, matching spec.md §4.6 exactly.
const (
	EpisodeProcessing = "episode-processing"
	AudioExtraction   = "audio-extraction"
	Fingerprinting    = "fingerprinting"
	Detection         = "detection"
	Trimming          = "trimming"
	Cleanup           = "cleanup"
)

// Policy is one queue's priority/concurrency-source/retry/backoff/timeout
// row from the table in spec.md §4.6.
type Policy struct {
	Name            string
	Priority        int
	Attempts        int
	BackoffMs       int
	TimeoutMs       int
}

// Policies is the full table from spec.md §4.6. ConcurrencySource (cpu
// limit / min(cpu,4) / gpu limit / fixed 1) is resolved by the caller
// (workerpool), not stored here, since it depends on live Settings.
var Policies = map[string]Policy{
	EpisodeProcessing: {Name: EpisodeProcessing, Priority: 10, Attempts: 3, BackoffMs: 5000, TimeoutMs: 300000},
	AudioExtraction:   {Name: AudioExtraction, Priority: 5, Attempts: 2, BackoffMs: 3000, TimeoutMs: 120000},
	Fingerprinting:    {Name: Fingerprinting, Priority: 3, Attempts: 2, BackoffMs: 2000, TimeoutMs: 180000},
	Detection:         {Name: Detection, Priority: 2, Attempts: 1, BackoffMs: 1000, TimeoutMs: 60000},
	Trimming:          {Name: Trimming, Priority: 1, Attempts: 1, BackoffMs: 1000, TimeoutMs: 120000},
	Cleanup:           {Name: Cleanup, Priority: 0, Attempts: 1, BackoffMs: 1000, TimeoutMs: 60000},
}

// AllQueues is the dispatch order a worker pool walks, highest priority first.
var AllQueues = []string{EpisodeProcessing, AudioExtraction, Fingerprinting, Detection, Trimming, Cleanup}

// CPU/GPU pause groups, spec.md §4.7.
var (
	CPUGroup = []string{EpisodeProcessing, AudioExtraction, Fingerprinting, Detection}
	GPUGroup = []string{Trimming}
)

var ErrValidation = errors.New("queue: validation_error")

// Job is one broker-held payload.
type Job struct {
	BrokerJobID string          `json:"brokerJobId"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
}

// Counts mirrors spec.md §4.6's snapshot shape.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Broker struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

func New(rdb *redis.Client, logger *logrus.Logger) *Broker {
	return &Broker{rdb: rdb, logger: logger}
}

func waitingKey(q string) string       { return "queue:" + q + ":waiting" }
func activeKey(q string) string        { return "queue:" + q + ":active" }
func delayedKey(q string) string       { return "queue:" + q + ":delayed" }
func pausedKey(q string) string        { return "queue:" + q + ":paused" }
func completedKey(q string) string     { return "queue:" + q + ":completed" }
func failedKey(q string) string        { return "queue:" + q + ":failed" }
func startedAtKey(q string) string     { return "queue:" + q + ":started_at" }
func payloadKey(brokerID string) string { return "broker:payload:" + brokerID }

// Enqueue publishes payload under brokerJobID. Enqueuing the same
// brokerJobID twice is a no-op beyond the first call (R1): the broker
// already holds one entry and duplicates are absorbed.
func (b *Broker) Enqueue(ctx context.Context, queueName, brokerJobID string, payload map[string]any) error {
	if err := validatePayload(queueName, payload); err != nil {
		return err
	}

	exists, err := b.rdb.Exists(ctx, payloadKey(brokerJobID)).Result()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", brokerJobID, err)
	}
	if exists > 0 {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload for %s: %w", brokerJobID, err)
	}

	job := Job{BrokerJobID: brokerJobID, Queue: queueName, Payload: data, Attempt: 0}
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job for %s: %w", brokerJobID, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, payloadKey(brokerJobID), jobData, 0)
	pipe.RPush(ctx, waitingKey(queueName), brokerJobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", brokerJobID, err)
	}
	return nil
}

func validatePayload(queueName string, payload map[string]any) error {
	storeJobID, ok := payload["storeJobId"]
	if !ok {
		return fmt.Errorf("%w: storeJobId is required", ErrValidation)
	}
	if !isNumericLike(storeJobID) {
		return fmt.Errorf("%w: storeJobId must be numeric", ErrValidation)
	}
	if queueName == EpisodeProcessing {
		fileID, ok := payload["episodeFileId"]
		if !ok || !isNumericLike(fileID) {
			return fmt.Errorf("%w: episodeFileId must be numeric", ErrValidation)
		}
	}
	return nil
}

func isNumericLike(v any) bool {
	switch t := v.(type) {
	case int, int32, int64, float32, float64:
		return true
	case string:
		_, err := strconv.ParseInt(t, 10, 64)
		return err == nil
	default:
		return false
	}
}

// GetByBrokerID returns the job record, if any, for brokerJobID.
func (b *Broker) GetByBrokerID(ctx context.Context, brokerJobID string) (*Job, error) {
	data, err := b.rdb.Get(ctx, payloadKey(brokerJobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", brokerJobID, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal %s: %w", brokerJobID, err)
	}
	return &job, nil
}

// Remove deletes brokerJobID from whichever state it is in. A missing key
// is not an error (benign race after a delete-all, spec.md §7).
func (b *Broker) Remove(ctx context.Context, queueName, brokerJobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, waitingKey(queueName), 0, brokerJobID)
	pipe.LRem(ctx, activeKey(queueName), 0, brokerJobID)
	pipe.ZRem(ctx, delayedKey(queueName), brokerJobID)
	pipe.HDel(ctx, startedAtKey(queueName), brokerJobID)
	pipe.Del(ctx, payloadKey(brokerJobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove %s: %w", brokerJobID, err)
	}
	return nil
}

// Reserve pops the next waiting job into the active list with a visibility
// lock (recorded start time), or returns nil if the queue is empty or
// paused. timeout bounds the blocking pop.
func (b *Broker) Reserve(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	paused, err := b.rdb.Exists(ctx, pausedKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: reserve %s: check paused: %w", queueName, err)
	}
	if paused > 0 {
		return nil, nil
	}

	brokerJobID, err := b.rdb.BLMove(ctx, waitingKey(queueName), activeKey(queueName), "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve %s: %w", queueName, err)
	}

	if err := b.rdb.HSet(ctx, startedAtKey(queueName), brokerJobID, time.Now().Unix()).Err(); err != nil {
		b.logger.WithError(err).Warn("queue: failed to record reservation start time")
	}

	return b.GetByBrokerID(ctx, brokerJobID)
}

// RefreshLease re-stamps brokerJobID's reservation start time so a
// long-running active job is not mistaken for stale by C8's sweep. A
// missing active entry (job already acked or failed) is not an error.
func (b *Broker) RefreshLease(ctx context.Context, queueName, brokerJobID string) error {
	if err := b.rdb.HSet(ctx, startedAtKey(queueName), brokerJobID, time.Now().Unix()).Err(); err != nil {
		return fmt.Errorf("queue: refresh lease %s: %w", brokerJobID, err)
	}
	return nil
}

// Ack marks brokerJobID as successfully completed.
func (b *Broker) Ack(ctx context.Context, queueName, brokerJobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey(queueName), 0, brokerJobID)
	pipe.HDel(ctx, startedAtKey(queueName), brokerJobID)
	pipe.Del(ctx, payloadKey(brokerJobID))
	pipe.Incr(ctx, completedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s: %w", brokerJobID, err)
	}
	return nil
}

// Fail applies the per-queue retry/backoff policy: if attempts remain, the
// job moves to the delayed set with an exponential backoff; otherwise it is
// removed and counted as failed.
func (b *Broker) Fail(ctx context.Context, queueName, brokerJobID string) error {
	policy, ok := Policies[queueName]
	if !ok {
		return fmt.Errorf("queue: unknown queue %q", queueName)
	}

	job, err := b.GetByBrokerID(ctx, brokerJobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil // benign race: job already removed
	}

	job.Attempt++
	if job.Attempt < policy.Attempts {
		delay := time.Duration(policy.BackoffMs) * time.Millisecond * time.Duration(1<<uint(job.Attempt-1))
		readyAt := time.Now().Add(delay)

		jobData, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("queue: marshal retry job %s: %w", brokerJobID, err)
		}

		pipe := b.rdb.TxPipeline()
		pipe.Set(ctx, payloadKey(brokerJobID), jobData, 0)
		pipe.LRem(ctx, activeKey(queueName), 0, brokerJobID)
		pipe.HDel(ctx, startedAtKey(queueName), brokerJobID)
		pipe.ZAdd(ctx, delayedKey(queueName), redis.Z{Score: float64(readyAt.UnixMilli()), Member: brokerJobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: fail (retry) %s: %w", brokerJobID, err)
		}
		return nil
	}

	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey(queueName), 0, brokerJobID)
	pipe.HDel(ctx, startedAtKey(queueName), brokerJobID)
	pipe.Del(ctx, payloadKey(brokerJobID))
	pipe.Incr(ctx, failedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: fail (terminal) %s: %w", brokerJobID, err)
	}
	return nil
}

// PromoteDelayed moves every delayed job whose ready-at has passed back
// into waiting. Called periodically (by the worker pool's per-queue loop).
func (b *Broker) PromoteDelayed(ctx context.Context, queueName string) error {
	nowMs := float64(time.Now().UnixMilli())
	ids, err := b.rdb.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", nowMs)}).Result()
	if err != nil {
		return fmt.Errorf("queue: promote delayed %s: %w", queueName, err)
	}
	for _, id := range ids {
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queueName), id)
		pipe.RPush(ctx, waitingKey(queueName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote %s: %w", id, err)
		}
	}
	return nil
}

// Pause marks queueName paused; Reserve stops yielding new work. Active
// jobs are not touched; when drainActive is true, Pause itself waits (until
// ctx is done) for the active list to empty before returning.
func (b *Broker) Pause(ctx context.Context, queueName string, drainActive bool) error {
	if err := b.rdb.Set(ctx, pausedKey(queueName), "1", 0).Err(); err != nil {
		return fmt.Errorf("queue: pause %s: %w", queueName, err)
	}
	if drainActive {
		for {
			n, err := b.rdb.LLen(ctx, activeKey(queueName)).Result()
			if err != nil {
				return fmt.Errorf("queue: pause %s: check active: %w", queueName, err)
			}
			if n == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	return nil
}

func (b *Broker) Resume(ctx context.Context, queueName string) error {
	if err := b.rdb.Del(ctx, pausedKey(queueName)).Err(); err != nil {
		return fmt.Errorf("queue: resume %s: %w", queueName, err)
	}
	return nil
}

// Snapshot returns the {waiting, active, delayed, completed, failed} counts.
func (b *Broker) Snapshot(ctx context.Context, queueName string) (Counts, error) {
	waiting, err := b.rdb.LLen(ctx, waitingKey(queueName)).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("queue: snapshot %s: waiting: %w", queueName, err)
	}
	active, err := b.rdb.LLen(ctx, activeKey(queueName)).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("queue: snapshot %s: active: %w", queueName, err)
	}
	delayed, err := b.rdb.ZCard(ctx, delayedKey(queueName)).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("queue: snapshot %s: delayed: %w", queueName, err)
	}
	completed, err := b.rdb.Get(ctx, completedKey(queueName)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue: snapshot %s: completed: %w", queueName, err)
	}
	failed, err := b.rdb.Get(ctx, failedKey(queueName)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue: snapshot %s: failed: %w", queueName, err)
	}
	return Counts{Waiting: waiting, Active: active, Delayed: delayed, Completed: completed, Failed: failed}, nil
}

// Clean empties the given state ("waiting", "active", "delayed",
// "completed", "failed") for queueName, ignoring olderThan (this broker
// keeps no timestamped history of terminal jobs, only counters).
func (b *Broker) Clean(ctx context.Context, queueName, state string, olderThan time.Duration) error {
	switch state {
	case "waiting":
		return b.drainList(ctx, queueName, waitingKey(queueName))
	case "active":
		return b.drainList(ctx, queueName, activeKey(queueName))
	case "delayed":
		ids, err := b.rdb.ZRange(ctx, delayedKey(queueName), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("queue: clean %s delayed: %w", queueName, err)
		}
		for _, id := range ids {
			_ = b.rdb.Del(ctx, payloadKey(id)).Err()
		}
		return b.rdb.Del(ctx, delayedKey(queueName)).Err()
	case "completed":
		return b.rdb.Del(ctx, completedKey(queueName)).Err()
	case "failed":
		return b.rdb.Del(ctx, failedKey(queueName)).Err()
	default:
		return fmt.Errorf("queue: clean %s: unknown state %q", queueName, state)
	}
}

func (b *Broker) drainList(ctx context.Context, queueName, key string) error {
	ids, err := b.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: drain %s: %w", key, err)
	}
	for _, id := range ids {
		_ = b.rdb.Del(ctx, payloadKey(id)).Err()
	}
	_ = b.rdb.HDel(ctx, startedAtKey(queueName), ids...).Err()
	return b.rdb.Del(ctx, key).Err()
}

// FlushAll purges every queue's waiting/active/delayed/counter keys, used by
// C9's delete-all path.
func (b *Broker) FlushAll(ctx context.Context) error {
	for _, q := range AllQueues {
		for _, state := range []string{"waiting", "active", "delayed", "completed", "failed"} {
			if err := b.Clean(ctx, q, state, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// ActiveStartedAt returns the start timestamp of every currently active
// job in queueName, used by C8's stale-job eviction.
func (b *Broker) ActiveStartedAt(ctx context.Context, queueName string) (map[string]time.Time, error) {
	raw, err := b.rdb.HGetAll(ctx, startedAtKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: active started at %s: %w", queueName, err)
	}
	out := make(map[string]time.Time, len(raw))
	for id, epochStr := range raw {
		epoch, err := strconv.ParseInt(epochStr, 10, 64)
		if err != nil {
			continue
		}
		out[id] = time.Unix(epoch, 0)
	}
	return out, nil
}

// ReturnToWaiting moves brokerJobID from active back to waiting, used for
// stale job eviction (C8).
func (b *Broker) ReturnToWaiting(ctx context.Context, queueName, brokerJobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey(queueName), 0, brokerJobID)
	pipe.HDel(ctx, startedAtKey(queueName), brokerJobID)
	pipe.RPush(ctx, waitingKey(queueName), brokerJobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: return to waiting %s: %w", brokerJobID, err)
	}
	return nil
}

// AllStoreJobIDs returns the set of storeJobId values referenced by every
// waiting, active or delayed job in queueName, used by C8's state sync.
func (b *Broker) AllStoreJobIDs(ctx context.Context, queueName string) (map[string]bool, error) {
	waiting, err := b.rdb.LRange(ctx, waitingKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: all store job ids %s: waiting: %w", queueName, err)
	}
	active, err := b.rdb.LRange(ctx, activeKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: all store job ids %s: active: %w", queueName, err)
	}
	delayed, err := b.rdb.ZRange(ctx, delayedKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: all store job ids %s: delayed: %w", queueName, err)
	}

	out := map[string]bool{}
	for _, brokerID := range append(append(waiting, active...), delayed...) {
		job, err := b.GetByBrokerID(ctx, brokerID)
		if err != nil || job == nil {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			continue
		}
		if v, ok := payload["storeJobId"]; ok {
			out[fmt.Sprintf("%v", v)] = true
		}
	}
	return out, nil
}
