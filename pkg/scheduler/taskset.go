package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"go.uber.org/atomic"
)

// DefaultTick is how often the loop checks whether a run is due
const DefaultTick = time.Second

// Task is one unit of periodic work
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (t *funcTask) Name() string                  { return t.name }
func (t *funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// TaskFunc wraps fn as a Task
func TaskFunc(name string, fn func(ctx context.Context) error) Task {
	return &funcTask{name: name, fn: fn}
}

// TaskSet runs an ordered list of tasks every polling interval on its
// own goroutine
type TaskSet struct {
	name     string
	interval time.Duration
	tick     time.Duration
	tasks    []Task
	logger   zerolog.Logger

	started  atomic.Bool
	running  atomic.Bool
	lastRun  atomic.Int64
	runs     atomic.Int64
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a TaskSet
type Option func(*TaskSet)

// WithTick overrides the loop tick
func WithTick(d time.Duration) Option {
	return func(ts *TaskSet) {
		if d > 0 {
			ts.tick = d
		}
	}
}

// New creates a TaskSet. Tasks run in the given order.
func New(name string, interval time.Duration, tasks []Task, opts ...Option) (*TaskSet, error) {
	if name == "" {
		return nil, fmt.Errorf("taskset name is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("taskset %s: polling interval must be positive", name)
	}
	ts := &TaskSet{
		name:     name,
		interval: interval,
		tick:     DefaultTick,
		tasks:    tasks,
		logger:   log.WithTaskSet(name),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts, nil
}

// Name returns the taskset name
func (ts *TaskSet) Name() string {
	return ts.name
}

// Tasks returns the task names in execution order
func (ts *TaskSet) Tasks() []string {
	names := make([]string, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		names = append(names, t.Name())
	}
	return names
}

// Running reports whether the loop goroutine is alive
func (ts *TaskSet) Running() bool {
	return ts.running.Load()
}

// LastRun returns the time the last complete run finished
func (ts *TaskSet) LastRun() time.Time {
	n := ts.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Runs returns the number of completed runs
func (ts *TaskSet) Runs() int64 {
	return ts.runs.Load()
}

// Start launches the loop. The first run happens on the first tick.
// Calling Start twice has no effect.
func (ts *TaskSet) Start(ctx context.Context) {
	if !ts.started.CAS(false, true) {
		return
	}
	ts.running.Store(true)
	go ts.run(ctx)
}

// Stop asks the loop to exit. A task already executing is not
// interrupted; the loop exits once it returns.
func (ts *TaskSet) Stop() {
	ts.stopOnce.Do(func() { close(ts.stopCh) })
}

// Join waits for the loop to exit
func (ts *TaskSet) Join() {
	if !ts.started.Load() {
		return
	}
	<-ts.doneCh
}

func (ts *TaskSet) run(ctx context.Context) {
	defer close(ts.doneCh)
	defer ts.running.Store(false)

	ts.logger.Info().
		Dur("interval", ts.interval).
		Strs("tasks", ts.Tasks()).
		Msg("Taskset started")

	ticker := time.NewTicker(ts.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ts.stopCh:
			ts.logger.Info().Msg("Taskset stopped")
			return
		case <-ctx.Done():
			ts.logger.Info().Msg("Taskset context cancelled")
			return
		case now := <-ticker.C:
			if last := ts.LastRun(); !last.IsZero() && now.Sub(last) < ts.interval {
				continue
			}
			ts.RunOnce(ctx)
		}
	}
}

// RunOnce executes every task once, in order. A failing or panicking
// task is logged and does not prevent the following tasks from running.
func (ts *TaskSet) RunOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	for _, task := range ts.tasks {
		select {
		case <-ts.stopCh:
			return
		default:
		}
		ts.runTask(ctx, task)
	}
	ts.lastRun.Store(time.Now().UnixNano())
	ts.runs.Inc()
	metrics.TaskSetRunsTotal.WithLabelValues(ts.name).Inc()
	ts.logger.Debug().Dur("duration", timer.Duration()).Msg("Taskset run complete")
}

func (ts *TaskSet) runTask(ctx context.Context, task Task) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskDuration, task.Name())

	defer func() {
		if r := recover(); r != nil {
			metrics.TaskErrorsTotal.WithLabelValues(ts.name, task.Name()).Inc()
			ts.logger.Error().
				Str("task", task.Name()).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()

	if err := task.Run(ctx); err != nil {
		metrics.TaskErrorsTotal.WithLabelValues(ts.name, task.Name()).Inc()
		ts.logger.Warn().Err(err).Str("task", task.Name()).Msg("Task failed")
	}
}
