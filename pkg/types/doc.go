/*
Package types defines the entity model shared by every part of the VC3 master.

The entities mirror what users declare through the portal or the apply command:
compute Resources and the Allocations that grant access to them, software
Environments, Nodesets grouped into Cluster templates, Projects and their Users,
and finally Requests, the declaration of a virtual cluster.

# Entity Graph

	Request ──> Project ──> User (members)
	   │            └─────> Allocation (owned)
	   ├──> Cluster ──> Nodeset ──> Environment
	   ├──> Allocation ──> Resource
	   ├──> Environment
	   └──> HeadNode (a Nodeset with app_role head-node)

References are by name. Every entity is stored by name in its own collection.

# State Machines

Requests, Allocations and head-node Nodesets carry a typed state. Legal
transitions are listed in RequestTransitions, AllocationTransitions and
HeadNodeTransitions; reconcilers only ever move entities along these edges.

Request lifecycle:

	new ──> initializing ──> pending ──> running ──> terminating ──> cleanup ──> terminated
	 │            │             │           │             ▲                          │
	 └────────────┴─────────────┴───────────┴──> failure ─┘        relaunch: back to new

Allocation lifecycle:

	new ──> configured ──> ready
	 │          ▲  │
	 │          │  └──> validation_failure
	 │          └───────────────┘ (validate again)
	 └──> failure

Head node lifecycle:

	new ──> booting ──> pending ──> initializing ──> running
	   (any) ──> failure, (any) ──> terminated

# Status

StatusRaw is written by the batch layer and has the shape
factory -> nodeset -> allocation -> {aggregated: {running, idle, error}}.
The master folds it into StatusInfo, one NodesetStatus per nodeset of the
request's cluster. A nil StatusInfo means the counts are not available.
*/
package types
