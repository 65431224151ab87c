package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
)

// WatcherMetrics records snapshot write outcomes. Nil disables metrics with
// zero overhead.
type WatcherMetrics interface {
	ObserveSnapshotWrite(duration time.Duration, success bool)
}

// WatcherConfig holds crash-recovery watcher configuration.
type WatcherConfig struct {
	// MinInterval is the minimum pause between two snapshot writes. Bursts
	// of events coalesce into one write per interval; the last event of a
	// burst always produces a write.
	MinInterval time.Duration
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{MinInterval: 2 * time.Second}
}

// Watcher keeps the on-disk operational snapshot current.
//
// It consumes the event stream as dirty notifications over a 1-slot channel
// drained by a single writer goroutine. This gives last-event-wins semantics
// with bounded write frequency: overlapping writes are impossible, and
// however many events arrive during a write or the cooldown, exactly one
// more write follows.
//
// Failures never propagate: a failed derivation or write is logged and the
// previous snapshot file stays in place.
type Watcher struct {
	builder *Builder
	writer  *Writer
	cfg     WatcherConfig
	metrics WatcherMetrics

	dirty chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher; metrics may be nil.
func NewWatcher(builder *Builder, writer *Writer, cfg WatcherConfig, metrics WatcherMetrics) *Watcher {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultWatcherConfig().MinInterval
	}
	return &Watcher{
		builder: builder,
		writer:  writer,
		cfg:     cfg,
		metrics: metrics,
		dirty:   make(chan struct{}, 1),
	}
}

// Attach subscribes the watcher to an event log. Every committed event marks
// the snapshot dirty. Returns the unsubscribe function.
func (w *Watcher) Attach(log events.Log) func() {
	return log.Subscribe(func(events.Event) { w.MarkDirty() })
}

// MarkDirty requests a snapshot write. Never blocks: if a write is already
// pending the notification coalesces into it.
func (w *Watcher) MarkDirty() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// Start launches the writer goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(runCtx)
	logger.Info("crash-recovery watcher started",
		"dir", w.writer.Dir(), "min_interval", w.cfg.MinInterval)
}

// Stop halts the writer goroutine and waits for an in-flight write. It does
// not write a final snapshot; that is the lifecycle coordinator's job.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var lastWrite time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.dirty:
		}

		// Bound write frequency. New dirty marks arriving during the
		// cooldown coalesce into this write.
		if wait := w.cfg.MinInterval - time.Since(lastWrite); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		w.writeOnce()
		lastWrite = time.Now()
	}
}

// writeOnce derives and writes one snapshot, swallowing all failures.
func (w *Watcher) writeOnce() {
	start := time.Now()
	err := w.Flush()
	if w.metrics != nil {
		w.metrics.ObserveSnapshotWrite(time.Since(start), err == nil)
	}
	if err != nil {
		logger.Error("snapshot write failed, previous snapshot retained", "error", err)
	}
}

// Flush synchronously derives and writes a live snapshot.
func (w *Watcher) Flush() error {
	snap := w.builder.Build()
	return w.writer.WriteLive(snap)
}
