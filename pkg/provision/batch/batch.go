// Package batch provides the head-node backend for a statically
// provisioned login host, typically a submit node of a batch site.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/vc3-project/vc3-master/pkg/health"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/security"
)

// Config configures the static host
type Config struct {
	Host           string
	Port           int
	LoginUser      string
	PrivateKeyFile string
	ProbeCommand   string // optional local command replacing the SSH probe
	ProbeTimeout   time.Duration
}

// Backend hands out the same login host to every request. Booting and
// teardown are no-ops; initialization runs the playbook.
type Backend struct {
	cfg      Config
	checker  health.Checker
	playbook *provision.Playbook
}

// New creates the backend
func New(cfg Config, playbook *provision.Playbook) (*Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("batch backend: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	var checker health.Checker
	if cfg.ProbeCommand != "" {
		ec, err := health.NewExecChecker(cfg.ProbeCommand, cfg.ProbeTimeout)
		if err != nil {
			return nil, fmt.Errorf("batch backend: %w", err)
		}
		checker = ec
	} else {
		signer, err := security.LoadSigner(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("batch backend: %w", err)
		}
		checker = health.NewSSHChecker(cfg.LoginUser, signer, cfg.ProbeTimeout)
	}

	return &Backend{cfg: cfg, checker: checker, playbook: playbook}, nil
}

// Kind returns provision.KindBatch
func (b *Backend) Kind() provision.Kind {
	return provision.KindBatch
}

// FindOrCreate returns the static host
func (b *Backend) FindOrCreate(ctx context.Context, spec provision.Spec) (*provision.Instance, error) {
	return &provision.Instance{Name: spec.Name, ID: b.cfg.Host, State: "static"}, nil
}

// Delete is a no-op; the host outlives requests
func (b *Backend) Delete(ctx context.Context, name string) error {
	return nil
}

// Address returns the configured host
func (b *Backend) Address(ctx context.Context, name string) (string, int, error) {
	return b.cfg.Host, b.cfg.Port, nil
}

// Probe runs the configured checker
func (b *Backend) Probe(ctx context.Context, host string, port int) error {
	return b.checker.Check(ctx, host, port).Error()
}

// Initialize runs the playbook against the host
func (b *Backend) Initialize(ctx context.Context, spec provision.InitSpec) (provision.Initialization, error) {
	if b.playbook == nil {
		return nil, fmt.Errorf("batch backend: no playbook configured")
	}
	return b.playbook.Start(spec)
}
