package local

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for head nodes
	DefaultNamespace = "vc3"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	labelPort    = "vc3.port"
	labelRequest = "vc3.request"
)

// container is what the backend needs to know about a head-node container
type container struct {
	Name    string
	Request string
	Port    int
	Running bool
}

// containerSpec describes a head-node container to create
type containerSpec struct {
	Name    string
	Request string
	Image   string
	Port    int
	Env     []string
	Mounts  []specs.Mount
}

// runtime is the container runtime the local backend drives
type runtime interface {
	Find(ctx context.Context, name string) (*container, error)
	List(ctx context.Context) ([]container, error)
	Create(ctx context.Context, spec containerSpec) error
	Remove(ctx context.Context, name string) error
	Close() error
}

// containerdRuntime runs head nodes as containerd containers on the host
// network
type containerdRuntime struct {
	client    *containerd.Client
	namespace string
}

func newContainerdRuntime(socketPath, namespace string) (*containerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &containerdRuntime{client: client, namespace: namespace}, nil
}

func (r *containerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *containerdRuntime) describe(ctx context.Context, c containerd.Container) (*container, error) {
	labels, err := c.Labels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels of %s: %w", c.ID(), err)
	}
	port, _ := strconv.Atoi(labels[labelPort])
	info := &container{Name: c.ID(), Request: labels[labelRequest], Port: port}

	// No task means the container is not running
	task, err := c.Task(ctx, nil)
	if err != nil {
		return info, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status of %s: %w", c.ID(), err)
	}
	info.Running = status.Status == containerd.Running || status.Status == containerd.Paused
	return info, nil
}

func (r *containerdRuntime) Find(ctx context.Context, name string) (*container, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	c, err := r.client.LoadContainer(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", name, err)
	}
	return r.describe(ctx, c)
}

func (r *containerdRuntime) List(ctx context.Context) ([]container, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]container, 0, len(containers))
	for _, c := range containers {
		info, err := r.describe(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

// Create pulls the image if needed, creates the container and starts its
// task
func (r *containerdRuntime) Create(ctx context.Context, spec containerSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if errdefs.IsNotFound(err) {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	}
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	c, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			labelPort:    strconv.Itoa(spec.Port),
			labelRequest: spec.Request,
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// Remove stops the task and deletes the container and its snapshot. A
// missing container is not an error.
func (r *containerdRuntime) Remove(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	c, err := r.client.LoadContainer(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if task, err := c.Task(ctx, nil); err == nil {
		if err := stopTask(ctx, task, 10*time.Second); err != nil {
			return err
		}
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// stopTask sends SIGTERM, escalates to SIGKILL after timeout and deletes
// the task
func stopTask(ctx context.Context, task containerd.Task, timeout time.Duration) error {
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}
