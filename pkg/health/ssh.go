package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vc3-project/vc3-master/pkg/sshprobe"
	"golang.org/x/crypto/ssh"
)

// SSHChecker logs into the head node and runs a no-op command
type SSHChecker struct {
	User   string
	Signer ssh.Signer
	prober *sshprobe.Prober
}

// NewSSHChecker creates an SSH checker logging in as user with signer
func NewSSHChecker(user string, signer ssh.Signer, timeout time.Duration) *SSHChecker {
	return &SSHChecker{
		User:   user,
		Signer: signer,
		prober: sshprobe.New(timeout),
	}
}

// Check runs the probe command on host:port
func (s *SSHChecker) Check(ctx context.Context, host string, port int) Result {
	start := time.Now()
	target := sshprobe.Target{Host: host, Port: port, User: s.User, Signer: s.Signer}
	if err := s.prober.Probe(ctx, target); err != nil {
		return unhealthy(start, err)
	}
	return healthy(start, fmt.Sprintf("SSH login to %s as %s successful", target.Addr(), s.User))
}

// Type returns the check type
func (s *SSHChecker) Type() CheckType {
	return CheckTypeSSH
}
