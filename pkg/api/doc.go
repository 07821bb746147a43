/*
Package api exposes the master's health to operators and orchestrators.

HealthServer serves, over plain HTTP:

	/health    component report, 503 while any component is unhealthy
	/ready     503 until the store and the scheduler are healthy
	/live      200 while the process runs
	/metrics   Prometheus scrape endpoint

GRPCHealth implements grpc.health.v1. Sync mirrors the component registry
of pkg/metrics into it, so `grpc_health_probe -service=store` and the
HTTP endpoints agree. The master calls Sync on the metrics collector
interval.

The master exposes no entity API: declarations are written to the store
by the CLI (vc3-master apply) or by other clients sharing the store.
*/
package api
