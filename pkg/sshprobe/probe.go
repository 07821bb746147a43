package sshprobe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Defaults for Prober
const (
	DefaultTimeout = 10 * time.Second
	DefaultCommand = "/bin/true"
)

// ExitError is returned when the connection succeeded but the remote
// command exited non-zero
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command exited with status %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// Target is the host a probe logs into
type Target struct {
	Host   string
	Port   int
	User   string
	Signer ssh.Signer
}

// Addr returns host:port, defaulting the port to 22
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Prober runs a no-op command over SSH to check a host is reachable and
// accepts the given key
type Prober struct {
	Timeout time.Duration
	Command string
}

// New creates a prober with the given connect timeout
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{Timeout: timeout, Command: DefaultCommand}
}

// Probe connects to target and runs the probe command. It returns nil on
// success, *ExitError if the command ran and failed, and any other error
// if the host could not be reached or refused the key.
func (p *Prober) Probe(ctx context.Context, target Target) error {
	if target.Signer == nil {
		return fmt.Errorf("no key to log into %s", target.Addr())
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	command := p.Command
	if command == "" {
		command = DefaultCommand
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := target.Addr()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	// Bounds the handshake; cleared once the session is up
	conn.SetDeadline(time.Now().Add(timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(target.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s as %s failed: %w", addr, target.User, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()
	conn.SetDeadline(time.Time{})

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session on %s: %w", addr, err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		return fmt.Errorf("probe of %s timed out: %w", addr, ctx.Err())
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
	}
	if err != nil {
		return fmt.Errorf("probe command on %s failed: %w", addr, err)
	}
	return nil
}

// IsExitError reports whether err came from a non-zero remote exit status
func IsExitError(err error) bool {
	var e *ExitError
	return errors.As(err, &e)
}
