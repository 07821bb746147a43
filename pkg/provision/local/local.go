// Package local runs head nodes as containers on the master's own host.
//
// Containers share the host network; each head node's sshd listens on its
// own port, allocated from BasePort upwards and remembered in a container
// label so it survives a restart of the master.
package local

import (
	"context"
	"fmt"
	"strconv"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/health"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/provision"
)

// DefaultBasePort is the first sshd port handed out
const DefaultBasePort = 20022

// Config configures the local backend
type Config struct {
	Socket       string
	Namespace    string
	Image        string
	Host         string // address the head nodes are reached on
	BasePort     int
	SecretDir    string // bind-mounted into the container
	ProbeTimeout time.Duration
}

// Backend manages head-node containers through containerd
type Backend struct {
	cfg      Config
	runtime  runtime
	checker  health.Checker
	playbook *provision.Playbook
	logger   zerolog.Logger
}

// New connects to containerd
func New(cfg Config, playbook *provision.Playbook) (*Backend, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("local backend: image is required")
	}
	rt, err := newContainerdRuntime(cfg.Socket, cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("local backend: %w", err)
	}
	return newBackend(cfg, rt, playbook), nil
}

func newBackend(cfg Config, rt runtime, playbook *provision.Playbook) *Backend {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	return &Backend{
		cfg:      cfg,
		runtime:  rt,
		checker:  health.NewTCPChecker(cfg.ProbeTimeout),
		playbook: playbook,
		logger:   log.WithComponent("local-backend"),
	}
}

// Close releases the containerd connection
func (b *Backend) Close() error {
	return b.runtime.Close()
}

// Kind returns provision.KindLocal
func (b *Backend) Kind() provision.Kind {
	return provision.KindLocal
}

// FindOrCreate returns the running container called spec.Name. A stopped
// container is replaced, keeping its port.
func (b *Backend) FindOrCreate(ctx context.Context, spec provision.Spec) (*provision.Instance, error) {
	existing, err := b.runtime.Find(ctx, spec.Name)
	if err != nil {
		return nil, b.fail("find container", err)
	}
	if existing != nil && existing.Running {
		return &provision.Instance{Name: spec.Name, ID: existing.Name, State: "running"}, nil
	}

	port := 0
	if existing != nil {
		port = existing.Port
		if err := b.runtime.Remove(ctx, spec.Name); err != nil {
			return nil, b.fail("remove stopped container", err)
		}
	}
	if port == 0 {
		if port, err = b.freePort(ctx); err != nil {
			return nil, err
		}
	}

	cs := containerSpec{
		Name:    spec.Name,
		Request: spec.Request,
		Image:   b.cfg.Image,
		Port:    port,
		Env: []string{
			"VC3_REQUEST=" + spec.Request,
			"VC3_APP_TYPE=" + string(spec.AppType),
			"SSH_PORT=" + strconv.Itoa(port),
		},
	}
	if b.cfg.SecretDir != "" {
		cs.Mounts = []specs.Mount{{
			Source:      b.cfg.SecretDir,
			Destination: "/etc/vc3/secret",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}
	}
	if err := b.runtime.Create(ctx, cs); err != nil {
		return nil, b.fail("create container", err)
	}

	b.logger.Info().
		Str("request", spec.Request).
		Str("container", spec.Name).
		Int("port", port).
		Msg("Started head node container")
	return &provision.Instance{Name: spec.Name, ID: spec.Name, State: "running", Created: true}, nil
}

func (b *Backend) freePort(ctx context.Context) (int, error) {
	containers, err := b.runtime.List(ctx)
	if err != nil {
		return 0, b.fail("list containers", err)
	}
	used := make(map[int]bool, len(containers))
	for _, c := range containers {
		used[c.Port] = true
	}
	port := b.cfg.BasePort
	for used[port] {
		port++
	}
	return port, nil
}

// Delete removes the container
func (b *Backend) Delete(ctx context.Context, name string) error {
	if err := b.runtime.Remove(ctx, name); err != nil {
		return b.fail("remove container", err)
	}
	return nil
}

// Address returns the host address and sshd port of a running container
func (b *Backend) Address(ctx context.Context, name string) (string, int, error) {
	c, err := b.runtime.Find(ctx, name)
	if err != nil {
		return "", 0, b.fail("find container", err)
	}
	if c == nil || !c.Running || c.Port == 0 {
		return "", 0, provision.ErrNoAddress
	}
	return b.cfg.Host, c.Port, nil
}

// Probe checks that the sshd port accepts connections
func (b *Backend) Probe(ctx context.Context, host string, port int) error {
	return b.checker.Check(ctx, host, port).Error()
}

// Initialize runs the playbook against the container
func (b *Backend) Initialize(ctx context.Context, spec provision.InitSpec) (provision.Initialization, error) {
	if b.playbook == nil {
		return nil, fmt.Errorf("local backend: no playbook configured")
	}
	return b.playbook.Start(spec)
}

func (b *Backend) fail(op string, err error) error {
	return &provision.BackendError{Kind: provision.KindLocal, Op: op, Err: err}
}
