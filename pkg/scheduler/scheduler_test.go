package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	s := New()

	assert.Error(t, s.Register(Task{Interval: time.Second, Run: func(context.Context) {}}))
	assert.Error(t, s.Register(Task{Name: "t", Interval: time.Second}))
	assert.Error(t, s.Register(Task{Name: "t", Run: func(context.Context) {}}))
	assert.NoError(t, s.Register(Task{Name: "t", Interval: time.Second, Run: func(context.Context) {}}))
}

func TestTaskRunsRepeatedly(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run:      func(context.Context) { runs.Add(1) },
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, 5*time.Millisecond)
}

func TestRunOnStart(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:       "eager",
		Interval:   time.Hour,
		RunOnStart: true,
		Run:        func(context.Context) { runs.Add(1) },
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestRegisterAfterStart(t *testing.T) {
	s := New()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:       "late",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run:        func(context.Context) { runs.Add(1) },
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestStopWaitsAndIsIdempotent(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:     "t",
		Interval: 5 * time.Millisecond,
		Run:      func(context.Context) { runs.Add(1) },
	}))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	s.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")

	s.Stop() // second Stop is a no-op
}

func TestPanickingTaskDoesNotKillScheduler(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:     "explosive",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) {
			runs.Add(1)
			panic("kaboom")
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		time.Second, time.Millisecond, "task keeps running after panicking")
}

func TestDoubleStartFails(t *testing.T) {
	s := New()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}
