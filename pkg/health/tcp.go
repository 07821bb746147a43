package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// TCPChecker reports a head node alive when its port accepts connections
type TCPChecker struct {
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPChecker{Timeout: timeout}
}

// Check dials host:port
func (t *TCPChecker) Check(ctx context.Context, host string, port int) Result {
	start := time.Now()
	address := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return unhealthy(start, fmt.Errorf("connection to %s failed: %w", address, err))
	}
	conn.Close()

	return healthy(start, fmt.Sprintf("TCP connection to %s successful", address))
}

// Type returns the check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
