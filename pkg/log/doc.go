/*
Package log provides structured logging for the VC3 master using zerolog.

A single global Logger is configured once by Init from the run command's flags.
Components derive child loggers so every line carries enough context to follow
one entity through the reconcilers:

	log.WithComponent("headnodes")            component=headnodes
	log.WithTaskSet("requests")               component=scheduler taskset=requests
	log.WithRequest(logger, "myrequest")      ... request=myrequest
	log.WithAllocation(logger, "alice.uc")    ... allocation=alice.uc

Console output is the default; --json switches to JSON lines. The --log flag picks stdout, stderr or a file opened in
append mode via OpenOutput.

Levels follow the usual meaning: debug for per-cycle detail, info for
state transitions, warn for transient errors that will be retried on the next
polling cycle, error for conditions that need an operator.
*/
package log
