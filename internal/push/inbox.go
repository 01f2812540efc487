// Package push is the device's push inbox: the set of topics it is registered
// for and the notifications delivered to it.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// Message is one record read from the notification transport.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
	Commit    func(ctx context.Context) error
}

// BatchReader reads up to batchSize messages from the transport.
type BatchReader interface {
	ReadBatch(ctx context.Context, batchSize int) ([]Message, error)
}

// Received is a notification delivered for a subscribed topic.
type Received struct {
	domain.Notification
	ReceivedAt time.Time `json:"receivedAt"`
}

// Inbox consumes dispatched notifications and keeps those addressed to a
// topic this device is subscribed to.
type Inbox struct {
	reader    BatchReader
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	batchSize int
	ready     atomic.Bool

	mu     sync.Mutex
	topics map[string]struct{}
	latest *stream.Subject[Received]
}

// New creates an inbox with no topic subscriptions.
func New(reader BatchReader, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Inbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Inbox{
		reader:    reader,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
		topics:    make(map[string]struct{}),
		latest:    stream.NewEmptySubject[Received](),
	}
}

// Subscribe registers the device for topic.
func (in *Inbox) Subscribe(topic string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.topics[topic]; ok {
		return
	}
	in.topics[topic] = struct{}{}
	in.metrics.PushTopicsSubscribed.Set(float64(len(in.topics)))
	in.logger.Info("subscribed to push topic", "topic", topic)
}

// Unsubscribe drops topic.
func (in *Inbox) Unsubscribe(topic string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.topics[topic]; !ok {
		return
	}
	delete(in.topics, topic)
	in.metrics.PushTopicsSubscribed.Set(float64(len(in.topics)))
	in.logger.Info("unsubscribed from push topic", "topic", topic)
}

func (in *Inbox) Subscribed(topic string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.topics[topic]
	return ok
}

// Topics returns the subscribed topics in order.
func (in *Inbox) Topics() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.topics))
	for t := range in.topics {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Last returns the most recently delivered notification.
func (in *Inbox) Last() (Received, bool) {
	return in.latest.Value()
}

// Deliveries emits every delivered notification (latest wins for slow subscribers).
func (in *Inbox) Deliveries() stream.Source[Received] { return in.latest }

// CheckReadiness returns nil once the transport has been read successfully.
func (in *Inbox) CheckReadiness(_ context.Context) error {
	if !in.ready.Load() {
		return errors.New("push inbox has not read from the transport yet")
	}
	return nil
}

// Run consumes notifications until the context is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	in.logger.Info("push inbox started", "batch_size", in.batchSize)
	in.metrics.PushInboxRunning.Set(1)
	defer in.metrics.PushInboxRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("push inbox stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !in.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch reads and delivers one batch. Messages fetched before a read
// error are still delivered. Returns false if the inbox should stop.
func (in *Inbox) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	start := in.clock.Now()

	batch, err := in.reader.ReadBatch(ctx, in.batchSize)
	if err != nil && ctx.Err() != nil {
		return false
	}
	if len(batch) > 0 {
		in.deliver(ctx, batch, start)
	}
	if err != nil {
		in.logger.Error("read push batch failed", "error", err, "delivered", len(batch))
		return in.backoffOrStop(ctx, backoff, maxBackoff)
	}
	in.ready.Store(true)
	*backoff = 200 * time.Millisecond
	return ctx.Err() == nil
}

func (in *Inbox) deliver(ctx context.Context, batch []Message, start time.Time) {
	in.metrics.PushesConsumed.Add(float64(len(batch)))
	in.metrics.PushBatchSize.Observe(float64(len(batch)))

	for _, msg := range batch {
		in.handle(msg)
		in.commitOffset(ctx, msg)
	}

	in.metrics.PushBatchDuration.Observe(in.clock.Since(start).Seconds())
}

// handle delivers msg when its topic is subscribed. Undecodable messages are
// counted and skipped.
func (in *Inbox) handle(msg Message) {
	n, err := decodeNotification(msg)
	if err != nil {
		in.logger.Warn("decode push failed, skipping message",
			"error", err,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		in.metrics.PushDecodeErrors.Inc()
		return
	}
	if !in.Subscribed(n.Topic) {
		in.logger.Debug("push for unsubscribed topic ignored", "topic", n.Topic, "post_id", n.PostID)
		return
	}

	in.metrics.PushesDelivered.Inc()
	in.latest.Publish(Received{Notification: n, ReceivedAt: in.clock.Now().UTC()})
	in.logger.Info("push received", "topic", n.Topic, "type", n.Kind, "post_id", n.PostID, "title", n.Title)
}

func decodeNotification(msg Message) (domain.Notification, error) {
	var n domain.Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return n, fmt.Errorf("unmarshal notification: %w", err)
	}
	if n.Topic == "" {
		n.Topic = string(msg.Key)
	}
	if n.Topic == "" {
		return n, errors.New("notification has no topic")
	}
	return n, nil
}

// backoffOrStop sleeps with the current backoff and advances it. Returns false
// if the inbox should stop.
func (in *Inbox) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, in.clock, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}

func (in *Inbox) commitOffset(ctx context.Context, msg Message) {
	if msg.Commit == nil {
		return
	}
	if err := msg.Commit(ctx); err != nil {
		in.logger.Warn("commit offset failed", "error", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
