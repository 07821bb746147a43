package reconciler

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vc3-project/vc3-master/pkg/events"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/security"
	"github.com/vc3-project/vc3-master/pkg/sshprobe"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// flakyStore fails the selected operations with a connection error
type flakyStore struct {
	storage.Store
	failLists bool
	failGets  bool
	puts      int
}

var errUnreachable = errors.New("connection refused")

func (f *flakyStore) conn(op string) error {
	return &storage.ConnectionError{Op: op, Err: errUnreachable}
}

func (f *flakyStore) ListRequests() ([]*types.Request, error) {
	if f.failLists {
		return nil, f.conn("list")
	}
	return f.Store.ListRequests()
}

func (f *flakyStore) ListAllocations() ([]*types.Allocation, error) {
	if f.failLists {
		return nil, f.conn("list")
	}
	return f.Store.ListAllocations()
}

func (f *flakyStore) GetResource(name string) (*types.Resource, error) {
	if f.failGets {
		return nil, f.conn("get")
	}
	return f.Store.GetResource(name)
}

func (f *flakyStore) GetCluster(name string) (*types.Cluster, error) {
	if f.failGets {
		return nil, f.conn("get")
	}
	return f.Store.GetCluster(name)
}

func (f *flakyStore) GetNodeset(name string) (*types.Nodeset, error) {
	if f.failGets {
		return nil, f.conn("get")
	}
	return f.Store.GetNodeset(name)
}

func (f *flakyStore) PutRequest(r *types.Request) error {
	f.puts++
	return f.Store.PutRequest(r)
}

func (f *flakyStore) PutAllocation(a *types.Allocation) error {
	f.puts++
	return f.Store.PutAllocation(a)
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects published events
type recorder struct {
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.EventType {
	var out []events.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeInit struct {
	done      bool
	err       error
	secret    string
	cancelled bool
}

func (f *fakeInit) Poll(ctx context.Context) (bool, error) { return f.done, f.err }
func (f *fakeInit) Secret() (string, error)                { return f.secret, nil }
func (f *fakeInit) Cancel()                                { f.cancelled = true }

// fakeBackend is an in-memory provision.Backend
type fakeBackend struct {
	instances map[string]bool
	address   map[string]string
	bootErr   error
	probeErr  error
	deleteErr error
	inits     []provision.InitSpec
	init      *fakeInit
	deleted   []string
	probes    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		instances: make(map[string]bool),
		address:   make(map[string]string),
		init:      &fakeInit{},
	}
}

func (b *fakeBackend) Kind() provision.Kind { return provision.KindLocal }

func (b *fakeBackend) FindOrCreate(ctx context.Context, spec provision.Spec) (*provision.Instance, error) {
	if b.bootErr != nil {
		return nil, b.bootErr
	}
	created := !b.instances[spec.Name]
	b.instances[spec.Name] = true
	return &provision.Instance{Name: spec.Name, ID: spec.Name, Created: created}, nil
}

func (b *fakeBackend) Delete(ctx context.Context, name string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.instances, name)
	delete(b.address, name)
	b.deleted = append(b.deleted, name)
	return nil
}

func (b *fakeBackend) Address(ctx context.Context, name string) (string, int, error) {
	host, ok := b.address[name]
	if !ok {
		return "", 0, provision.ErrNoAddress
	}
	return host, 22, nil
}

func (b *fakeBackend) Probe(ctx context.Context, host string, port int) error {
	b.probes++
	return b.probeErr
}

func (b *fakeBackend) Initialize(ctx context.Context, spec provision.InitSpec) (provision.Initialization, error) {
	b.inits = append(b.inits, spec)
	return b.init, nil
}

type fakeKeys struct {
	err error
}

func (k *fakeKeys) IssueKeys(principal string) (*security.KeyPair, error) {
	if k.err != nil {
		return nil, k.err
	}
	return security.GenerateKeyPair(security.KeyTypeEd25519, principal)
}

type fakeProber struct {
	err     error
	targets []sshprobe.Target
}

func (p *fakeProber) Probe(ctx context.Context, target sshprobe.Target) error {
	p.targets = append(p.targets, target)
	return p.err
}

func intPtr(n int) *int { return &n }

func publicKey(t *testing.T, name string) string {
	t.Helper()
	kp, err := security.GenerateKeyPair(security.KeyTypeEd25519, name)
	require.NoError(t, err)
	return string(kp.Public)
}

// seed declares a project with two members, one batch allocation and a
// one-nodeset htcondor cluster. It returns the request, still in new.
func seed(t *testing.T, store storage.Store) *types.Request {
	t.Helper()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, store.PutUser(&types.User{Name: u, SSHPubString: publicKey(t, u)}))
	}
	require.NoError(t, store.PutProject(&types.Project{
		Name:        "proj",
		Owner:       "alice",
		Members:     []string{"alice", "bob"},
		Allocations: []string{"alice.uchicago"},
	}))
	require.NoError(t, store.PutResource(&types.Resource{
		Name:         "uchicago",
		AccessType:   types.AccessTypeBatch,
		AccessMethod: types.AccessMethodSSH,
		AccessFlavor: "slurm",
		AccessHost:   "login.uchicago.edu",
		AccessPort:   22,
		NodeInfo:     &types.NodeInfo{Cores: 4, MemoryMB: 2048, StorageMB: 10240},
	}))
	require.NoError(t, store.PutAllocation(&types.Allocation{
		Name:        "alice.uchicago",
		Owner:       "alice",
		Resource:    "uchicago",
		AccountName: "alice",
		State:       types.AllocationStateReady,
		SecType:     "ed25519",
		PubToken:    base64.StdEncoding.EncodeToString([]byte("pub")),
		PrivToken:   base64.StdEncoding.EncodeToString([]byte("priv")),
	}))
	require.NoError(t, store.PutEnvironment(&types.Environment{
		Name:        "python",
		PackageList: []string{"python", "numpy"},
		EnvMap:      map[string]string{"PYTHONPATH": "/opt/lib"},
	}))
	require.NoError(t, store.PutNodeset(&types.Nodeset{
		Name:       "workers",
		AppType:    types.AppTypeHTCondor,
		AppRole:    types.AppRoleWorkerNodes,
		NodeNumber: intPtr(10),
	}))
	require.NoError(t, store.PutCluster(&types.Cluster{Name: "condor", Nodesets: []string{"workers"}}))

	req := &types.Request{
		Name:         "req1",
		Owner:        "alice",
		Project:      "proj",
		Cluster:      "condor",
		Allocations:  []string{"alice.uchicago"},
		Environments: []string{"python"},
		State:        types.RequestStateNew,
	}
	require.NoError(t, store.PutRequest(req))
	return req
}

func getRequest(t *testing.T, store storage.Store, name string) *types.Request {
	t.Helper()
	req, err := store.GetRequest(name)
	require.NoError(t, err)
	return req
}

func statusRaw(nodeset, allocation string, running, idle int) types.StatusRaw {
	return types.StatusRaw{
		"factory": {nodeset: {allocation: {Aggregated: &types.JobCounts{Running: running, Idle: idle}}}},
	}
}
