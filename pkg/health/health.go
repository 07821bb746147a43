package health

import (
	"context"
	"errors"
	"time"
)

// CheckType represents the type of liveness check
type CheckType string

const (
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeSSH  CheckType = "ssh"
	CheckTypeExec CheckType = "exec"
)

// DefaultTimeout bounds every check unless overridden
const DefaultTimeout = 10 * time.Second

// Result represents the outcome of a check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
	Err       error
}

// Error returns nil for a healthy result and the failure otherwise
func (r Result) Error() error {
	if r.Healthy {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return errors.New(r.Message)
}

// Checker probes one head node
type Checker interface {
	// Check performs the check against host:port
	Check(ctx context.Context, host string, port int) Result

	// Type returns the type of check
	Type() CheckType
}

func healthy(start time.Time, message string) Result {
	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func unhealthy(start time.Time, err error) Result {
	return Result{
		Healthy:   false,
		Message:   err.Error(),
		CheckedAt: start,
		Duration:  time.Since(start),
		Err:       err,
	}
}
