package master

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vc3-project/vc3-master/pkg/config"
	"github.com/vc3-project/vc3-master/pkg/events"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/security"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// instantBackend boots, answers and initializes every head node at once
type instantBackend struct {
	deleted []string
	closed  bool
}

type doneInit struct{}

func (doneInit) Poll(ctx context.Context) (bool, error) { return true, nil }
func (doneInit) Secret() (string, error)                { return "c2VjcmV0", nil }
func (doneInit) Cancel()                                {}

func (b *instantBackend) Kind() provision.Kind { return provision.KindLocal }
func (b *instantBackend) FindOrCreate(ctx context.Context, spec provision.Spec) (*provision.Instance, error) {
	return &provision.Instance{Name: spec.Name, ID: spec.Name, Created: true}, nil
}
func (b *instantBackend) Delete(ctx context.Context, name string) error {
	b.deleted = append(b.deleted, name)
	return nil
}
func (b *instantBackend) Address(ctx context.Context, name string) (string, int, error) {
	return "127.0.0.1", 2222, nil
}
func (b *instantBackend) Probe(ctx context.Context, host string, port int) error { return nil }
func (b *instantBackend) Initialize(ctx context.Context, spec provision.InitSpec) (provision.Initialization, error) {
	return doneInit{}, nil
}
func (b *instantBackend) Close() error {
	b.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = t.TempDir()
	cfg.Credentials.Dir = filepath.Join(t.TempDir(), "credentials")
	cfg.Credentials.KeyType = string(security.KeyTypeEd25519)
	cfg.API = config.APIConfig{}
	return cfg
}

func newTestMaster(t *testing.T, cfg *config.Config) (*Master, *instantBackend) {
	t.Helper()
	store, err := OpenStore(cfg.Store)
	require.NoError(t, err)
	backend := &instantBackend{}
	m, err := New(context.Background(), cfg, WithStore(store), WithBackend(backend))
	require.NoError(t, err)
	return m, backend
}

func declare(t *testing.T, store storage.Store) {
	t.Helper()
	kp, err := security.GenerateKeyPair(security.KeyTypeEd25519, "alice")
	require.NoError(t, err)
	require.NoError(t, store.PutUser(&types.User{Name: "alice", SSHPubString: string(kp.Public)}))
	require.NoError(t, store.PutProject(&types.Project{
		Name: "proj", Owner: "alice", Members: []string{"alice"}, Allocations: []string{"alice.local"},
	}))
	require.NoError(t, store.PutResource(&types.Resource{
		Name:         "local",
		AccessType:   types.AccessTypeLocal,
		AccessMethod: types.AccessMethodLocal,
		NodeInfo:     &types.NodeInfo{Cores: 1, MemoryMB: 1024, StorageMB: 1024},
	}))
	require.NoError(t, store.PutAllocation(&types.Allocation{
		Name: "alice.local", Owner: "alice", Resource: "local", AccountName: "alice",
		Action: types.ActionValidate,
	}))
	n := 2
	require.NoError(t, store.PutNodeset(&types.Nodeset{
		Name: "workers", AppType: types.AppTypeHTCondor, AppRole: types.AppRoleWorkerNodes, NodeNumber: &n,
	}))
	require.NoError(t, store.PutCluster(&types.Cluster{Name: "condor", Nodesets: []string{"workers"}}))
	require.NoError(t, store.PutRequest(&types.Request{
		Name: "req1", Owner: "alice", Project: "proj", Cluster: "condor",
		Allocations: []string{"alice.local"}, State: types.RequestStateNew,
	}))
}

func TestMasterReconcilesRequest(t *testing.T) {
	m, backend := newTestMaster(t, testConfig(t))
	defer m.Stop()
	declare(t, m.Store())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.RunOnce(ctx)
	}

	alloc, err := m.Store().GetAllocation("alice.local")
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStateReady, alloc.State)
	assert.Equal(t, types.ActionNone, alloc.Action)
	assert.NotEmpty(t, alloc.PubToken)

	hn, err := m.Store().GetNodeset("headnode-for-req1")
	require.NoError(t, err)
	assert.Equal(t, types.HeadNodeStateRunning, hn.State)

	req, err := m.Store().GetRequest("req1")
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatePending, req.State)
	assert.NotEmpty(t, req.QueuesConf)
	assert.NotEmpty(t, req.AuthConf)

	// terminate tears the head node down and finishes the request
	req.Action = types.ActionTerminate
	require.NoError(t, m.Store().PutRequest(req))
	for i := 0; i < 3; i++ {
		m.RunOnce(ctx)
	}
	req, err = m.Store().GetRequest("req1")
	require.NoError(t, err)
	assert.Equal(t, types.RequestStateTerminated, req.State)
	assert.Equal(t, []string{"vc3-headnode-req1"}, backend.deleted)
}

func TestMasterTaskRegistry(t *testing.T) {
	m, _ := newTestMaster(t, testConfig(t))
	defer m.Stop()

	tasks := m.Tasks()
	for _, kind := range config.TaskKinds {
		require.Contains(t, tasks, kind)
		assert.Equal(t, kind, tasks[kind].Name())
	}
	require.Len(t, m.TaskSets(), 1)
	assert.Equal(t, []string{"HandleAllocations", "HandleHeadNodes", "HandleRequests"}, m.TaskSets()[0].Tasks())
}

func TestMasterRejectsUnknownTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.TaskSets = []config.TaskSetConfig{{Name: "core", PollingInterval: time.Second, Tasks: []string{"HandleEverything"}}}
	store, err := OpenStore(cfg.Store)
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, WithStore(store), WithBackend(&instantBackend{}))
	assert.ErrorContains(t, err, "HandleEverything")
}

func TestMasterStartStop(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.API.HTTPAddr = ln.Addr().String()
	require.NoError(t, ln.Close())

	m, backend := newTestMaster(t, cfg)
	sub := m.Broker().Subscribe()
	declare(t, m.Store())
	require.NoError(t, m.Start(context.Background()))

	select {
	case e := <-sub:
		assert.Equal(t, events.EventAllocationTransition, e.Type)
	case <-time.After(10 * time.Second):
		t.Fatal("no event published")
	}

	require.Eventually(t, func() bool {
		m.CheckHealth()
		resp, err := http.Get("http://" + cfg.API.HTTPAddr + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.True(t, backend.closed)
	for _, ts := range m.TaskSets() {
		assert.False(t, ts.Running())
	}

	m.CheckHealth()
	ready := metrics.GetReadiness()
	assert.Equal(t, "not_ready", ready.Status)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore(config.StoreConfig{Driver: "etcd"})
	assert.Error(t, err)
}

func TestNewBackendErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.HeadNodeConfig
	}{
		{"unknown kind", config.HeadNodeConfig{Backend: "vmware"}},
		{"batch without host", config.HeadNodeConfig{Backend: "batch"}},
		{"container without image", config.HeadNodeConfig{Backend: "container", Kubernetes: config.KubernetesConfig{Kubeconfig: "/nonexistent"}}},
		{"cloud without image", config.HeadNodeConfig{Backend: "cloud"}},
		{"local without image", config.HeadNodeConfig{Backend: "local"}},
		{"bad playbook args", config.HeadNodeConfig{Backend: "batch", Playbook: config.PlaybookConfig{Path: "site.yml", ExtraArgs: `"unterminated`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackend(context.Background(), tt.cfg)
			assert.Error(t, err)
			assert.Nil(t, b)
		})
	}
}

func TestNewPlaybookOptional(t *testing.T) {
	p, err := NewPlaybook(config.HeadNodeConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewPlaybook(config.HeadNodeConfig{LoginUser: "root", Playbook: config.PlaybookConfig{Path: "login.yml"}})
	require.NoError(t, err)
	assert.NotNil(t, p)
}
