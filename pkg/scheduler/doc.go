/*
Package scheduler runs the master's reconcilers periodically.

The master has no event-driven work: every change it reacts to is a field
in the entity store, written by the portal, the CLI, the batch layer or the
master itself. The scheduler's job is therefore only to run the handlers
often enough, in a fixed order, and to keep one misbehaving handler from
stopping the others.

# Architecture

A TaskSet owns one goroutine and an ordered list of Tasks:

	┌──────────────── TASKSET "vc3core" (every 10s) ──────────────────┐
	│                                                                 │
	│  tick (1s) ──► due? ──no──► wait for next tick                  │
	│                 │                                               │
	│                yes                                              │
	│                 ▼                                               │
	│   HandleAllocations ─► HandleHeadNodes ─► HandleRequests        │
	│                                                 │               │
	│                                                 ▼               │
	│                                   lastRun = now, runs++         │
	└─────────────────────────────────────────────────────────────────┘

Every tick the loop checks whether the polling interval has elapsed since
the previous run finished. If so it runs every task once, in order, on the
loop goroutine. The first run happens on the first tick after Start.

Measuring the interval from the end of a run means a slow cycle delays the
next one instead of piling runs up:

	interval: 10s
	run 1: 12:00:01 → 12:00:04   (3s)
	run 2: 12:00:14 → 12:00:29   (15s, the backend was slow)
	run 3: 12:00:39

# Task Sets

Several TaskSets can run side by side, each with its own interval:

	tasksets:
	  - name: fast
	    polling_interval: 2s
	    tasks: [HandleRequests]
	  - name: slow
	    polling_interval: 60s
	    tasks: [HandleAllocations, HandleHeadNodes]

TaskSets share no state and take no locks between each other. Each task
kind is a closed set resolved when the master is built (HandleAllocations,
HandleHeadNodes, HandleRequests); an unknown name in the configuration is
rejected before anything starts. A task should appear in one taskset only,
since the head-node reconciler keeps its in-flight initializations on the
goroutine that runs it.

# Tasks

A Task is a name and a Run method. TaskFunc adapts a method value:

	task := scheduler.TaskFunc("HandleRequests", requests.HandleRequests)

Run receives the context given to Start. Returning an error marks this run
of the task as failed; the reconcilers return errors only for whole-cycle
problems, such as a store that cannot be listed, and handle per-entity
problems themselves.

# Failure Isolation

A task that returns an error or panics is logged and counted:

	vc3_task_errors_total{taskset="vc3core",task="HandleHeadNodes"}

The remaining tasks of the run still execute and the loop keeps ticking.
Durations of every task, failed or not, go to vc3_task_duration_seconds and
completed runs to vc3_taskset_runs_total.

# Shutdown

Stop is cooperative: the loop notices it on the next tick, or before
starting the next task of a run, and exits. A task that is already
executing is allowed to finish. Join blocks until the goroutine has
exited. Cancelling the context passed to Start has the same effect, and
the context is also handed to the tasks so blocking backend calls return
early.

	ts, err := scheduler.New("vc3core", 10*time.Second, tasks)
	if err != nil {
		return err
	}
	ts.Start(ctx)
	...
	ts.Stop()
	ts.Join()

Start and Stop are idempotent. Join on a taskset that was never started
returns immediately.

# Observability

Running reports whether the loop goroutine is alive. The master feeds it
into the scheduler component of the health registry, so /ready fails as
soon as any taskset has exited. LastRun and Runs back the debug log line
written at the end of every run and are what tests poll on.

# Testing

RunOnce executes one synchronous run without starting the goroutine. The
master's integration tests drive whole lifecycles with it:

	for i := 0; i < 5; i++ {
		m.RunOnce(ctx)
	}

WithTick shortens the tick for tests that exercise the loop itself.
*/
package scheduler
