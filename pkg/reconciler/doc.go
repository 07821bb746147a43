/*
Package reconciler contains the state machines that turn declared virtual
clusters into running ones.

A user declares a Request: a Cluster of Nodesets to run for a Project, on
one or more Allocations, optionally with Environments layered on top of the
workers. The master never receives commands beyond the action field of an
entity; it reads what is declared, compares it with what it observed last
time and writes the next state back. Everything outside the master (the
portal, the batch layer reporting statusraw, operators running the CLI)
talks to it through the same entity store.

# Architecture

Three reconcilers share the entity store and nothing else:

	AllocationReconciler  issues credentials and validates them
	HeadNodeReconciler    boots, initializes and watches head nodes
	RequestReconciler     drives requests and publishes their configuration

Each one exposes a single pass over its entities that the scheduler runs on
every polling cycle of the taskset it belongs to:

	┌──────────────────────────────────────────────────────────────┐
	│                 TASKSET "vc3core" (every 10s)                │
	└───────┬─────────────────────┬──────────────────────┬─────────┘
	        │                     │                      │
	        ▼                     ▼                      ▼
	┌──────────────────┐  ┌──────────────────┐   ┌──────────────────┐
	│HandleAllocations │  │ HandleHeadNodes  │   │  HandleRequests  │
	└────────┬─────────┘  └────────┬─────────┘   └────────┬─────────┘
	         │                     │                      │
	   issue keys,           provision.Backend      validate, count
	   ssh validation        boot/probe/init        workers, build
	         │                     │                queues/auth conf
	         ▼                     ▼                      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                        storage.Store                         │
	│   allocations      nodesets (head nodes)        requests     │
	└──────────────────────────────────────────────────────────────┘

A pass lists its entities, decides the next state of each one in memory and
writes the entity back only when something it owns changed. Nothing is
carried between passes except the head-node initializations in flight, so a
master restarted in the middle of a cycle picks up exactly where the store
says it was.

The order inside the default taskset matters only for latency: allocations
become ready before requests validate against them, and a head node that
turned running during HandleHeadNodes moves its request to pending in the
same cycle.

# Requests

	new ──► initializing ──► pending ──► running ──► terminating ──► cleanup ──► terminated
	 │            │             │           │             ▲                          │
	 └────────────┴─────────────┴───────────┴─► failure ──┘ (terminate)              │
	 ▲                                                                               │
	 └───────────────────────────────── relaunch ────────────────────────────────────┘

One step of a request runs in this order:

 1. Preconditions, only for requests that are not finishing:
    • past its expiration     → terminating ("Request has expired.")
    • head node in failure    → failure, the head node's reason attached
 2. A terminate action moves any request that is not yet finishing, and a
    failed one, to terminating.
 3. statusinfo is recomputed from statusraw for every state past
    initializing.
 4. The handler of the current state picks the next state and reason.
 5. queuesconf and authconf are regenerated for every state except new,
    initializing and terminated, and cleared otherwise.

## State handlers

	new            validate the declaration; valid → initializing and the
	               head node name is assigned, invalid → failure
	initializing   wait for the head node; running → pending
	pending        at least one worker running → running
	running        compare the workers wanted with running + idle
	terminating    no worker left → cleanup
	cleanup        head node gone → terminated
	terminated     relaunch → new, with the head node reference cleared
	failure        stays until a terminate action

Reasons are written for people reading the portal. A reason only changes
when something the user can act on changed; the running state for instance
reports "requesting 3 more" until the batch layer catches up.

## Worker count

The number of workers asked for is the static node_number of every nodeset
in the request's cluster, split over the allocations with StaticBalanced,
and zero once the request is finishing:

	nodesets: workers (10)        allocations: a, b, c
	StaticBalanced(10, 3) = [3 3 4]

Idle workers are never drained early; the count only drops when the whole
request goes away.

## Job status

The batch layer writes statusraw, keyed by factory, nodeset and allocation.
ComputeJobStatusSummary folds it into statusinfo per nodeset, summing the
aggregated running, idle and error counts over every factory and every
allocation of the request. Queues of other allocations are ignored. A
request without statusraw has no statusinfo; pending keeps waiting and
terminating reads it as zero workers left.

## Configuration

Generator renders two INI documents per request, base64 encoded:

	queuesconf   one queue section per (nodeset, allocation) pair, with the
	             submit plugin of the resource (CondorSSH, CondorEC2,
	             CondorLocal), the pilot command line built for vc3-builder
	             and the share of workers for that allocation
	authconf     one profile per allocation with its ssh key pair

Sections follow the cluster's nodeset order, then the request's allocation
order, so an unchanged request always renders the same bytes and is not
rewritten.

# Head nodes

	new ──► booting ──► pending ──► initializing ──► running
	  └────────┴───────────┴─────────────┴──────────────┴──► failure

The head node of a request is a Nodeset named HeadNodeName(request), owned
by the master. It is created when its request is initializing and the
backend instance behind it is named <InstancePrefix><request>, so a master
that lost track of an instance finds it again instead of booting a second
one.

	new            backend FindOrCreate
	booting        wait for an address, then for the first successful probe
	pending        start the initializer (ansible playbook, kubernetes rollout)
	initializing   poll it; done → read the shared secret → running
	running        probe every cycle

## Contact timeout

Every successful probe refreshes last_contact. Once a head node has been
reached, it is failed when it stays silent for longer than MaxNoContact:

	MaxNoContact: 600s
	Last contact: 12:00:00
	Now:          12:06:00  (360 seconds elapsed, past half the window)
	Reason:       "... (Headnode could not be contacted. This may be a
	              transient error. Waiting for 240 seconds before
	              declaring failure.)"
	Now:          12:10:01  → failure

The warning replaces the previous one on every cycle instead of being
appended again.

## Teardown

Head nodes of requests in cleanup or terminated, or carrying a terminate
action, are deleted from the backend; an instance that is already gone
counts as deleted. A teardown that fails is retried on the next cycle. Once
it succeeds the nodeset is removed from the store and the request moves on
to terminated.

# Allocations

	new ──► configured ──(validate)──► ready
	 │           ▲   └──────────────► validation_failure
	 ▼           └──────(validate)──────────┘
	failure

A new allocation gets a key pair issued for its name; IssueKeys returns the
existing pair when there is one, so a lost write does not rotate keys. A
validate action on a configured allocation logs into the resource over ssh
with that key and runs a bounded command. The action is cleared when the
attempt is made, and re-armed when the store could not be read.

# Errors

	*InvalidRequestError   the declaration cannot be reconciled; the request
	                       goes to failure with every problem in its reason
	ConnectionError        the store is unreachable; the entity is skipped
	                       for this cycle and nothing is written
	provision.BackendError the backend refused; the head node goes to
	                       failure, except teardown which is retried

A finishing request never fails on its own declaration: a cluster that was
deleted after the request was created leaves it without statusinfo and
without configuration, and terminate still takes it to terminated.

# Usage

	store, _ := storage.NewBoltStore("/var/lib/vc3-master", time.Second)
	keys, _ := security.NewKeyManager("/var/lib/vc3-master/credentials", security.KeyTypeRSA)

	allocations := reconciler.NewAllocationReconciler(store, keys, sshprobe.New(10*time.Second))
	headnodes := reconciler.NewHeadNodeReconciler(store, backend, reconciler.HeadNodeConfig{
		MaxNoContact: 10 * time.Minute,
	})
	requests := reconciler.NewRequestReconciler(store, reconciler.NewGenerator("vc3-builder"))

	ts, _ := scheduler.New("vc3core", 10*time.Second, []scheduler.Task{
		scheduler.TaskFunc("HandleAllocations", allocations.HandleAllocations),
		scheduler.TaskFunc("HandleHeadNodes", headnodes.HandleHeadNodes),
		scheduler.TaskFunc("HandleRequests", requests.HandleRequests),
	})
	ts.Start(ctx)

WithClock and WithPublisher replace the time source and the event sink;
tests use both to step through the timeout policy and to assert the events
a transition publishes.
*/
package reconciler
