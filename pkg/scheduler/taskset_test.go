package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) task(name string, err error) Task {
	return TaskFunc(name, func(ctx context.Context) error {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return err
	})
}

func (r *recorder) panicking(name string) Task {
	return TaskFunc(name, func(ctx context.Context) error {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		panic("boom")
	})
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		tsName   string
		interval time.Duration
		wantErr  bool
	}{
		{"valid", "requests", time.Second, false},
		{"missing name", "", time.Second, true},
		{"zero interval", "requests", 0, true},
		{"negative interval", "requests", -time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tsName, tt.interval, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunOnceOrderAndIsolation(t *testing.T) {
	rec := &recorder{}
	ts, err := New("requests", time.Minute, []Task{
		rec.task("HandleHeadNodes", nil),
		rec.task("Failing", errors.New("store unreachable")),
		rec.panicking("Panicking"),
		rec.task("HandleRequests", nil),
	})
	require.NoError(t, err)

	ts.RunOnce(context.Background())

	assert.Equal(t, []string{"HandleHeadNodes", "Failing", "Panicking", "HandleRequests"}, rec.snapshot())
	assert.Equal(t, int64(1), ts.Runs())
	assert.False(t, ts.LastRun().IsZero())
	assert.Equal(t, []string{"HandleHeadNodes", "Failing", "Panicking", "HandleRequests"}, ts.Tasks())
}

func TestLoopRespectsPollingInterval(t *testing.T) {
	rec := &recorder{}
	ts, err := New("allocations", 200*time.Millisecond, []Task{rec.task("HandleAllocations", nil)}, WithTick(10*time.Millisecond))
	require.NoError(t, err)

	ts.Start(context.Background())
	assert.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)

	// Ticks keep firing every 10ms but the next run is not due yet
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)

	assert.Eventually(t, func() bool { return len(rec.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)

	ts.Stop()
	ts.Join()
	assert.False(t, ts.Running())
}

func TestLoopSurvivesFailingTasks(t *testing.T) {
	rec := &recorder{}
	ts, err := New("requests", 20*time.Millisecond, []Task{
		rec.panicking("Panicking"),
		rec.task("HandleRequests", errors.New("transient")),
	}, WithTick(5*time.Millisecond))
	require.NoError(t, err)

	ts.Start(context.Background())
	assert.Eventually(t, func() bool { return ts.Runs() >= 3 }, 2*time.Second, 5*time.Millisecond)
	ts.Stop()
	ts.Join()

	calls := rec.snapshot()
	assert.GreaterOrEqual(t, len(calls), 6)
	assert.Equal(t, "Panicking", calls[0])
	assert.Equal(t, "HandleRequests", calls[1])
}

func TestStopWaitsForInFlightTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	slow := TaskFunc("Slow", func(ctx context.Context) error {
		close(started)
		<-release
		close(finished)
		return nil
	})
	ts, err := New("slow", time.Hour, []Task{slow}, WithTick(5*time.Millisecond))
	require.NoError(t, err)

	ts.Start(context.Background())
	<-started
	ts.Stop()

	joined := make(chan struct{})
	go func() {
		ts.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join did not return after the task finished")
	}
	<-finished
}

func TestStopSkipsRemainingTasks(t *testing.T) {
	rec := &recorder{}
	var ts *TaskSet
	stopper := TaskFunc("Stopper", func(ctx context.Context) error {
		ts.Stop()
		return nil
	})
	ts, err := New("requests", time.Hour, []Task{stopper, rec.task("After", nil)})
	require.NoError(t, err)

	ts.RunOnce(context.Background())
	assert.Empty(t, rec.snapshot())
}

func TestStopIsIdempotentAndJoinWithoutStart(t *testing.T) {
	ts, err := New("idle", time.Second, nil)
	require.NoError(t, err)

	ts.Join() // never started, returns immediately
	ts.Stop()
	ts.Stop()
}

func TestContextCancelStopsLoop(t *testing.T) {
	ts, err := New("ctx", time.Hour, nil, WithTick(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts.Start(ctx)
	assert.True(t, ts.Running())
	cancel()
	ts.Join()
	assert.False(t, ts.Running())
}

func TestTaskSetsRunConcurrently(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	blocked, err := New("blocked", time.Hour, []Task{TaskFunc("Block", func(ctx context.Context) error {
		<-block
		return nil
	})}, WithTick(5*time.Millisecond))
	require.NoError(t, err)

	rec := &recorder{}
	free, err := New("free", time.Hour, []Task{rec.task("Free", nil)}, WithTick(5*time.Millisecond))
	require.NoError(t, err)

	blocked.Start(context.Background())
	free.Start(context.Background())
	defer func() {
		free.Stop()
		free.Join()
		blocked.Stop()
	}()

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}
