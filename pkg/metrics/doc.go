/*
Package metrics exposes Prometheus metrics and component health for the
master.

All metrics are registered on the default registry at package init and
served by Handler on /metrics.

# Metrics

	vc3_entities_total{kind,state}           requests, allocations and head nodes per state
	vc3_workers_requested                    workers asked for by running requests
	vc3_workers{state}                       workers by queue state (running, idle, ...)
	vc3_state_transitions_total{kind,from,to}
	vc3_headnode_probe_failures_total
	vc3_taskset_runs_total{taskset}
	vc3_task_errors_total{taskset,task}
	vc3_task_duration_seconds{task}

The gauges are refreshed by a Collector that lists the store on its own
interval, independent of the reconcilers:

	c := metrics.NewCollector(store, 15*time.Second)
	c.Start()
	defer c.Stop()

Counters are incremented inline, e.g. RecordTransition from the reconcilers
and TaskErrorsTotal from the scheduler.

# Health

Components register themselves with RegisterComponent and report with
UpdateComponent. The store and the scheduler are critical: readiness fails
while either is unhealthy. Other components (head-node backends) only
degrade the overall status.

	/health   HealthHandler    full component report
	/ready    ReadyHandler     503 until critical components are healthy
	/live     LivenessHandler  always 200 while the process runs

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskDuration, "HandleRequests")
*/
package metrics
