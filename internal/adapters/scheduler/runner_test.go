package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-dispatch/internal/service"
)

type fakeExecutor struct {
	mu         sync.Mutex
	rebuilds   int
	rebuildErr error
	ticks      []time.Time
	tickErr    error
	ticked     chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{ticked: make(chan struct{}, 16)}
}

func (f *fakeExecutor) RebuildRegisteredTasks(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilds++
	return 3, f.rebuildErr
}

func (f *fakeExecutor) Tick(_ context.Context, now time.Time) (service.TickResult, error) {
	f.mu.Lock()
	f.ticks = append(f.ticks, now)
	err := f.tickErr
	f.mu.Unlock()
	select {
	case f.ticked <- struct{}{}:
	default:
	}
	return service.TickResult{JobsDue: 1, JobsStarted: 1}, err
}

func (f *fakeExecutor) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks)
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{Executor: newFakeExecutor()})
	require.NoError(t, err)
	assert.Equal(t, time.Second, r.interval)
	assert.NotNil(t, r.logger)
}

func TestRunner_TicksUntilCancelled(t *testing.T) {
	exec := newFakeExecutor()
	r, err := NewRunner(RunnerOptions{Executor: exec, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for range 3 {
		select {
		case <-exec.ticked:
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not tick")
		}
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, 1, exec.rebuilds)
	assert.GreaterOrEqual(t, exec.tickCount(), 3)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, ts := range exec.ticks {
		assert.Equal(t, time.UTC, ts.Location())
	}
}

func TestRunner_KeepsRunningAfterErrors(t *testing.T) {
	exec := newFakeExecutor()
	exec.rebuildErr = errors.New("store unavailable")
	exec.tickErr = errors.New("tick failed")
	r, err := NewRunner(RunnerOptions{Executor: exec, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for range 2 {
		select {
		case <-exec.ticked:
		case <-time.After(5 * time.Second):
			t.Fatal("runner stopped ticking after an error")
		}
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunner_DeadlineIsReturned(t *testing.T) {
	r, err := NewRunner(RunnerOptions{Executor: newFakeExecutor(), Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
}
