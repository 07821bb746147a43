package local

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vc3-project/vc3-master/pkg/provision"
)

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*container
	specs      []containerSpec
	createErr  error
	closed     bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*container)}
}

func (f *fakeRuntime) Find(ctx context.Context, name string) (*container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRuntime) List(ctx context.Context) ([]container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec containerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.specs = append(f.specs, spec)
	f.containers[spec.Name] = &container{Name: spec.Name, Request: spec.Request, Port: spec.Port, Running: true}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) Close() error {
	f.closed = true
	return nil
}

func TestNewRequiresImage(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestFindOrCreateAllocatesPorts(t *testing.T) {
	rt := newFakeRuntime()
	b := newBackend(Config{Image: "vc3/headnode", SecretDir: "/var/lib/vc3/secrets"}, rt, nil)
	ctx := context.Background()

	first, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1", Request: "req1"})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req2", Request: "req2"})
	require.NoError(t, err)
	assert.True(t, second.Created)

	again, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1", Request: "req1"})
	require.NoError(t, err)
	assert.False(t, again.Created)

	require.Len(t, rt.specs, 2)
	assert.Equal(t, DefaultBasePort, rt.specs[0].Port)
	assert.Equal(t, DefaultBasePort+1, rt.specs[1].Port)
	assert.Contains(t, rt.specs[0].Env, "SSH_PORT=20022")
	require.Len(t, rt.specs[0].Mounts, 1)
	assert.Equal(t, "/var/lib/vc3/secrets", rt.specs[0].Mounts[0].Source)

	host, port, err := b.Address(ctx, "vc3-req2")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, DefaultBasePort+1, port)
}

func TestStoppedContainerIsReplacedOnSamePort(t *testing.T) {
	rt := newFakeRuntime()
	rt.containers["vc3-req1"] = &container{Name: "vc3-req1", Port: 20030, Running: false}
	b := newBackend(Config{Image: "vc3/headnode"}, rt, nil)
	ctx := context.Background()

	_, _, err := b.Address(ctx, "vc3-req1")
	assert.ErrorIs(t, err, provision.ErrNoAddress)

	inst, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1", Request: "req1"})
	require.NoError(t, err)
	assert.True(t, inst.Created)
	require.Len(t, rt.specs, 1)
	assert.Equal(t, 20030, rt.specs[0].Port)
}

func TestDeleteAndErrors(t *testing.T) {
	rt := newFakeRuntime()
	b := newBackend(Config{Image: "vc3/headnode"}, rt, nil)
	ctx := context.Background()
	assert.Equal(t, provision.KindLocal, b.Kind())

	require.NoError(t, b.Delete(ctx, "vc3-req1"))

	_, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1"})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "vc3-req1"))

	_, _, err = b.Address(ctx, "vc3-req1")
	assert.ErrorIs(t, err, provision.ErrNoAddress)

	rt.createErr = errors.New("image not found")
	_, err = b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1"})
	var be *provision.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, provision.KindLocal, be.Kind)

	_, err = b.Initialize(ctx, provision.InitSpec{Request: "req1", Host: "127.0.0.1"})
	assert.Error(t, err)

	require.NoError(t, b.Close())
	assert.True(t, rt.closed)
}
