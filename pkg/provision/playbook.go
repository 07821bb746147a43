package provision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/log"
)

// DefaultPlaybookBinary is run when PlaybookConfig.Binary is empty
const DefaultPlaybookBinary = "ansible-playbook"

// PlaybookConfig configures the Ansible initializer
type PlaybookConfig struct {
	Binary         string
	Path           string // playbook file
	WorkDir        string
	User           string // setup user on the head node
	PrivateKeyFile string
	ExtraArgs      string // shell-quoted, appended to the command line
	LogFile        string // playbook output; discarded when empty
}

// Playbook initializes head nodes by running an Ansible playbook against
// them
type Playbook struct {
	cfg       PlaybookConfig
	extraArgs []string
	logger    zerolog.Logger
}

// NewPlaybook validates cfg and creates a playbook initializer
func NewPlaybook(cfg PlaybookConfig) (*Playbook, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("playbook path is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultPlaybookBinary
	}
	extra, err := shlex.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid playbook extra args %q: %w", cfg.ExtraArgs, err)
	}
	return &Playbook{
		cfg:       cfg,
		extraArgs: extra,
		logger:    log.WithComponent("playbook"),
	}, nil
}

// ExtraVars builds the variables passed to the playbook
func (p *Playbook) ExtraVars(spec InitSpec) map[string]interface{} {
	keys := make(map[string]string, len(spec.Members))
	users := make([]string, 0, len(spec.Members))
	for _, m := range spec.Members {
		keys[m.Name] = m.PublicKey
		users = append(users, m.Name)
	}
	vars := map[string]interface{}{
		"request_name":     spec.Request,
		"setup_user_name":  p.cfg.User,
		"app_type":         string(spec.AppType),
		"secret_file":      spec.SecretFile,
		"production_users": users,
		"production_keys":  keys,
	}
	if spec.Port != 0 {
		vars["ansible_port"] = spec.Port
	}
	if len(spec.Builder) > 0 {
		vars["builder_options"] = spec.Builder
	}
	return vars
}

// Command returns the argv used for spec
func (p *Playbook) Command(spec InitSpec) ([]string, error) {
	vars, err := json.Marshal(p.ExtraVars(spec))
	if err != nil {
		return nil, fmt.Errorf("failed to encode extra vars: %w", err)
	}
	argv := []string{
		p.cfg.Binary,
		p.cfg.Path,
		"--inventory", spec.Host + ",",
		"--extra-vars", string(vars),
	}
	if p.cfg.User != "" {
		argv = append(argv, "--user", p.cfg.User)
	}
	if p.cfg.PrivateKeyFile != "" {
		argv = append(argv, "--private-key", p.cfg.PrivateKeyFile)
	}
	return append(argv, p.extraArgs...), nil
}

// Start launches the playbook for spec and returns immediately
func (p *Playbook) Start(spec InitSpec) (Initialization, error) {
	if spec.Host == "" {
		return nil, fmt.Errorf("cannot initialize %s: no address", spec.Name)
	}
	argv, err := p.Command(spec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), "ANSIBLE_HOST_KEY_CHECKING=False")

	var out io.WriteCloser = nopWriteCloser{io.Discard}
	if p.cfg.LogFile != "" {
		f, err := os.OpenFile(p.cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open playbook log: %w", err)
		}
		out = f
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		cancel()
		out.Close()
		return nil, fmt.Errorf("failed to start %s: %w", filepath.Base(argv[0]), err)
	}

	p.logger.Info().
		Str("request", spec.Request).
		Str("host", spec.Host).
		Int("pid", cmd.Process.Pid).
		Msg("Started head node playbook")

	run := &playbookRun{
		secretFile: spec.SecretFile,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		defer out.Close()
		defer close(run.done)
		if err := cmd.Wait(); err != nil {
			run.err = fmt.Errorf("playbook for %s failed: %w", spec.Request, err)
		}
	}()
	return run, nil
}

type playbookRun struct {
	secretFile string
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	once       sync.Once
}

func (r *playbookRun) Poll(ctx context.Context) (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

func (r *playbookRun) Secret() (string, error) {
	return ReadSecret(r.secretFile)
}

func (r *playbookRun) Cancel() {
	r.once.Do(r.cancel)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// SecretFile is where the initialization job leaves the shared secret
// of a request
func SecretFile(dir, request string) string {
	return filepath.Join(dir, "secret."+request)
}

// ReadSecret reads the secret file, removes it and returns its contents
// base64 encoded
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read shared secret: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("failed to remove shared secret file: %w", err)
	}
	return EncodeSecret(strings.TrimRight(string(data), "\n")), nil
}

// EncodeSecret encodes a raw secret the way it is stored on the head node
func EncodeSecret(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
