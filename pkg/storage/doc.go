/*
Package storage provides the entity store used by the VC3 master.

The store is the only interface between the master and the rest of VC3.
The portal declares users, projects, resources, allocations, clusters and
requests in it; the batch layer reports statusraw into it; the master
writes back states, reasons, credentials and the generated configuration.
Nothing else is persisted: the master can be restarted at any time and
resumes from what the store holds.

# Architecture

	┌──────────────┐   ┌──────────────┐   ┌──────────────────────┐
	│    portal    │   │  vc3-master  │   │  batch layer         │
	│  (declares)  │   │ (reconciles) │   │  (reports statusraw) │
	└──────┬───────┘   └──────┬───────┘   └──────────┬───────────┘
	       │                  │                      │
	       └──────────────────┼──────────────────────┘
	                          ▼
	                ┌───────────────────┐
	                │   storage.Store   │
	                └─────────┬─────────┘
	                ┌─────────┴─────────┐
	                ▼                   ▼
	          ┌───────────┐      ┌────────────┐
	          │ BoltStore │      │ RedisStore │
	          └───────────┘      └────────────┘

Two backends implement the Store interface:

  - BoltStore keeps every collection in a bucket of a local BoltDB file
    (<dataDir>/vc3-master.db). It is the default for a single master and
    for development. The data directory is created on open.
  - RedisStore keeps every collection in a Redis hash. Use it when other
    processes (the portal, the batch layer writing statusraw) need to
    read and write entities while the master is running.

The driver is picked by the store section of the configuration:

	store:
	  driver: redis
	  redis:
	    addr: redis.vc3:6379
	    key_prefix: "vc3:"

# Layout

	┌──────────────── COLLECTIONS ────────────────┐
	│ requests      name -> Request JSON          │
	│ allocations   name -> Allocation JSON       │
	│ resources     name -> Resource JSON         │
	│ environments  name -> Environment JSON      │
	│ clusters      name -> Cluster JSON          │
	│ nodesets      name -> Nodeset JSON          │
	│ projects      name -> Project JSON          │
	│ users         name -> User JSON             │
	└─────────────────────────────────────────────┘

In BoltDB each collection is a bucket; in Redis it is the hash
<key_prefix><collection>, with entity names as fields:

	HGET vc3:requests req1
	{"name":"req1","owner":"alice","state":"running",...}

Values are the JSON encoding of the types package structs, so any process
that can read JSON can take part. Head-node nodesets live in the nodesets
collection next to the declared ones and are told apart by their app_role.

# Operations

Every kind has the same four operations:

	GetRequest(name)     (*types.Request, error)
	ListRequests()       ([]*types.Request, error)
	PutRequest(request)  error
	DeleteRequest(name)  error

Put is an upsert that replaces the whole entity. Delete of a missing entity
succeeds. List returns entities sorted by name from BoltDB and in no
particular order from Redis; reconcilers never depend on the order.

There are no transactions across entities. Each reconciler owns a disjoint
set of fields (the request reconciler the request's state, the head-node
reconciler the head-node nodeset) and writes an entity only when one of its
fields changed, which keeps concurrent writers from clobbering each other
more than one cycle's worth.

# Errors

Two cases are distinguished so reconcilers can react correctly:

	_, err := store.GetNodeset(name)
	switch {
	case storage.IsNotFound(err):   // expected absence, normal control flow
	case storage.IsConnection(err): // transient, skip and retry next cycle
	case err != nil:                // anything else, e.g. corrupt JSON
	}

ErrNotFound is a sentinel wrapped with the kind and name ("request
\"req1\" not found"). ConnectionError carries the failed operation and the
driver error; every Redis command failure is one.

BoltDB opens with a lock timeout; a second process opening the same file
gets a ConnectionError instead of blocking forever.

# Health

Ping checks that the backend answers: a read transaction for BoltDB, PING
for Redis. The master calls it on every health refresh and reports the
result as the store component, which /ready requires.

# Testing

Tests open a BoltStore in t.TempDir(). The Redis tests run against the
server named by VC3_TEST_REDIS_ADDR and are skipped when it is unset; each
test uses its own key prefix so runs do not interfere.
*/
package storage
