// Package scheduler provides a registry of named repeating background tasks.
//
// The watcher's debounce sweep, heartbeat reaping, and cleanup routines all
// run through one scheduler so that lifecycle shutdown has a single handle to
// stop every periodic activity.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
)

// Task is one repeating unit of background work.
type Task struct {
	// Name identifies the task in logs.
	Name string

	// Interval is the pause between runs. Must be positive.
	Interval time.Duration

	// Run performs one iteration. The context is cancelled on Stop.
	Run func(ctx context.Context)

	// RunOnStart runs the task once immediately instead of waiting a full
	// interval first.
	RunOnStart bool
}

// Scheduler runs registered tasks until stopped. Stop is idempotent.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Register adds a task. Tasks registered after Start are picked up
// immediately.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("task needs a name and a run function")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s has non-positive interval", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	if s.running {
		s.launch(task)
	}
	return nil
}

// Start launches all registered tasks. Calling Start twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, task := range s.tasks {
		s.launch(task)
	}
	logger.Info("scheduler started", "tasks", len(s.tasks))
	return nil
}

// launch starts one task loop. Caller holds s.mu.
func (s *Scheduler) launch(task Task) {
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if task.RunOnStart {
			s.runOnce(ctx, task)
		}

		ticker := time.NewTicker(task.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx, task)
			}
		}
	}()
}

// runOnce executes one iteration, recovering from panics so a broken task
// cannot take down the process.
func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled task panicked", "task", task.Name, "panic", r)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	task.Run(ctx)
}

// Stop cancels all task loops and waits for in-flight iterations.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}
