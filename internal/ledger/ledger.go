// Package ledger keeps the per-device set of acknowledged post identifiers.
//
// The in-memory set is the source of truth for the running process. Every
// change is published to subscribers synchronously and written to device
// storage by a single background persister, so a slow or failing write never
// blocks acknowledgment and snapshots are never written out of order.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// StorageKey is the device storage key holding the JSON array of seen IDs.
const StorageKey = "seen_posts"

const persistTimeout = 5 * time.Second

var errCorrupt = errors.New("stored seen posts are corrupt")

// Storage is device-local key/value persistence.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// State is the ledger lifecycle.
type State int

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}

// Ledger is the seen-post set of this device.
type Ledger struct {
	storage Storage
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	state State
	seen  domain.SeenSet
	dirty bool // marks applied before Initialize that still need persisting
	// loaded is false until the stored set has been read. Nothing is written
	// before then, so a partial set never replaces the stored one.
	loaded bool
	live  *stream.Subject[domain.SeenSet]

	kick    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates an uninitialized ledger and starts its persister. The live set
// starts empty so consumers can compute before the stored set is loaded.
func New(storage Storage, logger *slog.Logger, metrics *observability.Metrics) *Ledger {
	l := &Ledger{
		storage: storage,
		logger:  logger,
		metrics: metrics,
		seen:    domain.NewSeenSet(),
		live:    stream.NewSubject(domain.NewSeenSet()),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.persistLoop()
	return l
}

// Initialize loads the stored set and moves the ledger to Ready. Marks made
// before this call are merged with the stored set and persisted. A load
// failure leaves the ledger Ready with the marks made so far and is returned
// wrapped in domain.ErrStorage; the load is retried before the next write.
// Calling Initialize again is a no-op.
func (l *Ledger) Initialize(ctx context.Context) error {
	l.mu.Lock()
	if l.state == Ready {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	stored, loadErr := l.load(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Ready {
		return nil
	}

	l.loaded = loadErr == nil || errors.Is(loadErr, errCorrupt)
	l.merge(stored)
	l.state = Ready
	l.live.Publish(l.seen)

	if l.dirty {
		l.dirty = false
		l.schedule()
	}

	l.logger.Info("seen ledger ready", "count", len(l.seen))
	if loadErr != nil {
		return fmt.Errorf("%w: load seen posts: %w", domain.ErrStorage, loadErr)
	}
	return nil
}

func (l *Ledger) load(ctx context.Context) (domain.SeenSet, error) {
	raw, ok, err := l.storage.Get(ctx, StorageKey)
	if err != nil {
		l.logger.Error("load seen posts failed", "error", err)
		l.metrics.StorageErrors.WithLabelValues(StorageKey).Inc()
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var stored domain.SeenSet
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		l.logger.Error("stored seen posts are corrupt, starting empty", "error", err)
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return stored, nil
}

// merge adds stored to the in-memory set and reports whether it grew.
// Callers hold l.mu.
func (l *Ledger) merge(stored domain.SeenSet) bool {
	missing := 0
	for id := range stored {
		if !l.seen.Has(id) {
			missing++
		}
	}
	if missing == 0 {
		return false
	}
	merged := make(domain.SeenSet, len(l.seen)+missing)
	for id := range l.seen {
		merged[id] = struct{}{}
	}
	for id := range stored {
		merged[id] = struct{}{}
	}
	l.seen = merged
	return true
}

// ensureLoaded retries a failed initial load. It returns false while the
// stored set is still unreadable.
func (l *Ledger) ensureLoaded(ctx context.Context) bool {
	l.mu.Lock()
	loaded := l.loaded
	l.mu.Unlock()
	if loaded {
		return true
	}

	stored, err := l.load(ctx)
	if err != nil && !errors.Is(err, errCorrupt) {
		l.logger.Warn("seen posts not persisted, stored set is unreadable", "error", err)
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = true
	if l.merge(stored) {
		l.live.Publish(l.seen)
	}
	return true
}

// MarkSeen acknowledges id. Marking an already-seen ID changes nothing and
// triggers no write. Subscribers observe the new set before MarkSeen returns
// to them through their delivery goroutine.
func (l *Ledger) MarkSeen(id string) {
	if id == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen.Has(id) {
		return
	}
	l.seen = l.seen.With(id)
	l.live.Publish(l.seen)

	if l.state != Ready {
		l.dirty = true
		return
	}
	l.schedule()
}

// schedule wakes the persister. Callers hold l.mu.
func (l *Ledger) schedule() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Ledger) persistLoop() {
	defer close(l.stopped)
	for {
		select {
		case <-l.kick:
			l.persist()
		case <-l.quit:
			select {
			case <-l.kick:
				l.persist()
			default:
			}
			return
		}
	}
}

// persist writes the latest snapshot. Failures are logged and counted; the
// in-memory set is kept.
func (l *Ledger) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if !l.ensureLoaded(ctx) {
		l.metrics.SeenPersistErrors.Inc()
		return
	}

	l.mu.Lock()
	snapshot := l.seen
	l.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		l.logger.Error("encode seen posts failed", "error", err)
		return
	}

	if err := l.storage.Set(ctx, StorageKey, string(data)); err != nil {
		l.logger.Error("persist seen posts failed", "error", err, "count", len(snapshot))
		l.metrics.SeenPersistErrors.Inc()
		return
	}
	l.logger.Debug("seen posts persisted", "count", len(snapshot))
}

// Source is the live seen set.
func (l *Ledger) Source() stream.Source[domain.SeenSet] {
	return l.live
}

// Seen returns the current set. Callers must not modify it.
func (l *Ledger) Seen() domain.SeenSet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen
}

func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CheckReadiness reports whether the stored set has been loaded.
func (l *Ledger) CheckReadiness(_ context.Context) error {
	if l.State() != Ready {
		return fmt.Errorf("seen ledger is %s", l.State())
	}
	return nil
}

// Close flushes any pending write and stops the persister.
func (l *Ledger) Close(ctx context.Context) error {
	l.once.Do(func() { close(l.quit) })
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush seen posts: %w", ctx.Err())
	}
}
