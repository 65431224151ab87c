// Package lifecycle coordinates orderly shutdown and startup reconciliation.
//
// Shutdown runs exactly once per process: the first signal wins and later
// ones are ignored, not queued. Whatever happens during the sequence, the
// process leaves an exit snapshot behind; if the full snapshot cannot be
// produced, a minimal emergency snapshot tagged as non-graceful is written
// instead, so the next startup knows the shutdown did not complete cleanly.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/snapshot"
)

// State is the coordinator's lifecycle phase.
type State int

const (
	StateRunning State = iota
	StateShutdownRequested
	StateSnapshotting
	StateCleaningUp
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShutdownRequested:
		return "shutdown-requested"
	case StateSnapshotting:
		return "snapshotting"
	case StateCleaningUp:
		return "cleaning-up"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Hook is one subordinate component stopped during shutdown. Hooks run in
// registration order; a failing hook is logged and the sequence continues.
type Hook struct {
	Name string
	Stop func(ctx context.Context) error
}

// Coordinator owns the shutdown sequence and the startup reconciliation.
type Coordinator struct {
	builder *snapshot.Builder
	writer  *snapshot.Writer
	now     func() time.Time

	mu       sync.Mutex
	state    State
	started  bool // set on first shutdown signal, never reset
	hooks    []Hook
	finished chan struct{}
}

// NewCoordinator creates a coordinator in the running state.
func NewCoordinator(builder *snapshot.Builder, writer *snapshot.Writer) *Coordinator {
	return &Coordinator{
		builder:  builder,
		writer:   writer,
		now:      time.Now,
		state:    StateRunning,
		finished: make(chan struct{}),
	}
}

// OnShutdown registers a hook. Hooks registered after shutdown has begun are
// never run.
func (c *Coordinator) OnShutdown(name string, stop func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		logger.Warn("shutdown hook registered after shutdown began, ignoring", "hook", name)
		return
	}
	c.hooks = append(c.hooks, Hook{Name: name, Stop: stop})
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once shutdown has fully completed.
func (c *Coordinator) Done() <-chan struct{} { return c.finished }

// Shutdown runs the shutdown sequence. Only the first call executes it;
// subsequent calls return immediately with the first call's outcome not yet
// known (they do not block on it).
//
// The returned error reports whether a full graceful exit snapshot was
// written; even on error an emergency snapshot will have been attempted.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		logger.Debug("shutdown already in progress, signal ignored")
		return nil
	}
	c.started = true
	c.state = StateShutdownRequested
	hooks := c.hooks
	c.mu.Unlock()

	logger.Info("shutdown requested")
	defer close(c.finished)

	c.setState(StateSnapshotting)
	snapErr := c.writeExitSnapshot()

	c.setState(StateCleaningUp)
	for _, hook := range hooks {
		if err := hook.Stop(ctx); err != nil {
			logger.Error("shutdown hook failed, continuing", "hook", hook.Name, "error", err)
		} else {
			logger.Debug("shutdown hook completed", "hook", hook.Name)
		}
	}

	c.setState(StateTerminated)
	if snapErr != nil {
		logger.Error("shutdown completed without a graceful exit snapshot", "error", snapErr)
		return snapErr
	}
	logger.Info("shutdown completed")
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// writeExitSnapshot captures the full exit snapshot. If derivation or the
// write fails, it falls back to a minimal emergency snapshot tagged
// non-graceful so the crash record is never lost entirely.
func (c *Coordinator) writeExitSnapshot() error {
	snap, buildErr := c.buildSafely()
	if buildErr == nil {
		snap.MarkExit(true)
		if err := c.writer.WriteExit(snap); err == nil {
			logger.Info("exit snapshot written",
				"open_tables", snap.Summary.TotalOpenTables,
				"active_staff", snap.Summary.ActiveStaffCount)
			return nil
		} else {
			buildErr = err
		}
	}

	logger.Error("full exit snapshot failed, writing emergency snapshot", "error", buildErr)
	emergency := c.emergencySnapshot()
	if err := c.writer.WriteExit(emergency); err != nil {
		logger.Error("emergency snapshot write failed", "error", err)
	}
	return fmt.Errorf("exit snapshot: %w", buildErr)
}

// buildSafely turns a panicking projection read into an error instead of
// taking down the shutdown sequence.
func (c *Coordinator) buildSafely() (snap snapshot.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot derivation panicked: %v", r)
		}
	}()
	return c.builder.Build(), nil
}

func (c *Coordinator) emergencySnapshot() snapshot.Snapshot {
	now := c.now()
	snap := snapshot.Snapshot{
		Timestamp:   now,
		BusinessDay: now.Format(snapshot.BusinessDayFormat),
		OpenTables:  nil,
		ActiveStaff: nil,
	}
	snap.MarkExit(false)
	return snap
}
