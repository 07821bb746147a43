package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// ExecChecker runs a local command against the head node, e.g.
// "condor_status -pool {host}:{port}". The placeholders {host} and {port}
// are substituted in every argument.
type ExecChecker struct {
	Command []string
	Timeout time.Duration
}

// NewExecChecker parses a shell-quoted command line
func NewExecChecker(command string, timeout time.Duration) (*ExecChecker, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid probe command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("probe command is empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecChecker{Command: argv, Timeout: timeout}, nil
}

// Check runs the command; exit status 0 means alive
func (e *ExecChecker) Check(ctx context.Context, host string, port int) Result {
	start := time.Now()

	replacer := strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(port))
	argv := make([]string, len(e.Command))
	for i, arg := range e.Command {
		argv[i] = replacer.Replace(arg)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		} else {
			err = fmt.Errorf("%s: %w", argv[0], err)
		}
		return unhealthy(start, err)
	}
	return healthy(start, fmt.Sprintf("%s succeeded", argv[0]))
}

// Type returns the check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}
