// Package progressbus implements the Progress Bus (C10): in-process fan-out
// of typed events to external push channels, plus cross-process fan-out
// over the coordination store's ws:broadcast channel.
//
// library_service/internal/pipeline persists ingest progress to Redis with
// a TTL so any process can read it back; this generalizes that "progress
// lives in the coordination store, not just in memory" idea into a real
// publish-subscribe fan-out with a per-bus welcome-replay buffer.
package progressbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	BroadcastChannel = "ws:broadcast"
	defaultReplayCap = 256
)

// MessageKind tags the union described in spec.md §4.10.
type MessageKind string

const (
	KindWelcome                 MessageKind = "welcome"
	KindEcho                    MessageKind = "echo"
	KindJobUpdate               MessageKind = "job_update"
	KindQueueStatus             MessageKind = "queue_status"
	KindAudioExtractionProgress MessageKind = "audio_extraction_progress"
)

type JobUpdateStatus string

const (
	JobUpdateProcessing JobUpdateStatus = "processing"
	JobUpdateCompleted  JobUpdateStatus = "completed"
	JobUpdateFailed     JobUpdateStatus = "failed"
	JobUpdateActive     JobUpdateStatus = "active"
	JobUpdateError      JobUpdateStatus = "error"
)

// CurrentFile identifies the episode file a job_update refers to.
type CurrentFile struct {
	FileID  int64  `json:"fileId"`
	Path    string `json:"filePath"`
	Episode int    `json:"episode"`
	Season  int    `json:"season"`
	Show    string `json:"show"`
}

// Message is the tagged-union envelope published on the bus. Only the
// fields relevant to Kind are populated; the rest are omitted from JSON.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`

	// echo
	Raw string `json:"raw,omitempty"`

	// job_update
	BrokerJobID string          `json:"brokerJobId,omitempty"`
	StoreJobID  string          `json:"storeJobId,omitempty"`
	Status      JobUpdateStatus `json:"status,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
	FPS         *float64        `json:"fps,omitempty"`
	CurrentFile *CurrentFile    `json:"currentFile,omitempty"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`

	// queue_status
	Queues map[string]QueueCounts `json:"queues,omitempty"`

	// audio_extraction_progress
	EpisodeFileID int64   `json:"episodeFileId,omitempty"`
	FilePath      string  `json:"filePath,omitempty"`
	Percent       float64 `json:"percent,omitempty"`
	// ExtractStatus shares the wire key "status" with Status above; the two
	// are never populated on the same Message since Kind determines which
	// variant is in use.
	ExtractStatus string `json:"status,omitempty"`
}

type QueueCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Subscriber receives a best-effort, at-most-once stream of messages.
type Subscriber struct {
	ch chan Message
}

func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Bus is the in-process hub; Wire attaches Redis pub/sub for cross-process
// fan-out so multiple engine processes share one logical bus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	replay      []Message
	replayCap   int
	rdb         *redis.Client
	logger      *logrus.Logger
}

func New(rdb *redis.Client, logger *logrus.Logger) *Bus {
	return &Bus{
		subscribers: map[*Subscriber]struct{}{},
		replayCap:   defaultReplayCap,
		rdb:         rdb,
		logger:      logger,
	}
}

// Subscribe attaches a new subscriber, sends it a synthesized welcome
// message, and then replays any messages buffered while no one was
// listening (welcome-replay).
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Message, defaultReplayCap)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	replay := append([]Message{}, b.replay...)
	b.replay = nil
	b.mu.Unlock()

	sub.ch <- Message{Kind: KindWelcome, Timestamp: now()}
	for _, m := range replay {
		sub.ch <- m
	}
	return sub
}

// Unsubscribe detaches sub; further publishes are not delivered to it.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
	close(sub.ch)
}

// Listen starts the Redis pub/sub listener for cross-process fan-out. It
// blocks until ctx is canceled.
func (b *Bus) Listen(ctx context.Context) error {
	if b.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	pubsub := b.rdb.Subscribe(ctx, BroadcastChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.WithError(err).Warn("progressbus: failed to decode broadcast message")
				continue
			}
			b.deliverLocal(m)
		}
	}
}

// Publish fans a message out locally and, if wired to Redis, across
// processes via BroadcastChannel. Delivery is at-most-once, best-effort:
// a slow or absent subscriber never blocks the publisher.
func (b *Bus) Publish(ctx context.Context, m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	b.deliverLocal(m)

	if b.rdb == nil {
		return
	}
	payload, err := json.Marshal(m)
	if err != nil {
		b.logger.WithError(err).Warn("progressbus: failed to encode broadcast message")
		return
	}
	if err := b.rdb.Publish(ctx, BroadcastChannel, payload).Err(); err != nil {
		b.logger.WithError(err).Warn("progressbus: failed to publish broadcast message")
	}
}

func (b *Bus) deliverLocal(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) == 0 {
		b.replay = append(b.replay, m)
		if len(b.replay) > b.replayCap {
			b.replay = b.replay[len(b.replay)-b.replayCap:]
		}
		return
	}
	for sub := range b.subscribers {
		select {
		case sub.ch <- m:
		default:
			// subscriber's buffer is full; best-effort delivery drops it
		}
	}
}

// Echo publishes an echo message carrying the sender's raw bytes stringified.
func (b *Bus) Echo(ctx context.Context, raw string) {
	b.Publish(ctx, Message{Kind: KindEcho, Raw: raw})
}

// PublishJobUpdate publishes a job_update message.
func (b *Bus) PublishJobUpdate(ctx context.Context, brokerJobID, storeJobID string, status JobUpdateStatus, progress *float64, message, errMsg string) {
	b.Publish(ctx, Message{
		Kind:        KindJobUpdate,
		BrokerJobID: brokerJobID,
		StoreJobID:  storeJobID,
		Status:      status,
		Progress:    progress,
		Message:     message,
		Error:       errMsg,
	})
}

// PublishQueueStatus publishes a queue_status snapshot.
func (b *Bus) PublishQueueStatus(ctx context.Context, queues map[string]QueueCounts) {
	b.Publish(ctx, Message{Kind: KindQueueStatus, Queues: queues})
}

// PublishAudioExtractionProgress implements fingerprint.ProgressPublisher.
func (b *Bus) PublishAudioExtractionProgress(episodeFileID int64, filePath string, percent float64, status string) {
	b.Publish(context.Background(), Message{
		Kind:          KindAudioExtractionProgress,
		EpisodeFileID: episodeFileID,
		FilePath:      filePath,
		Percent:       percent,
		ExtractStatus: status,
	})
}

var nowFn = time.Now

func now() time.Time { return nowFn() }
