package health

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vc3-project/vc3-master/pkg/security"
	"github.com/vc3-project/vc3-master/pkg/sshprobe/sshtest"
)

func listen(t *testing.T) (string, int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

func TestTCPChecker(t *testing.T) {
	host, port, closeFn := listen(t)

	checker := NewTCPChecker(time.Second)
	assert.Equal(t, CheckTypeTCP, checker.Type())

	result := checker.Check(context.Background(), host, port)
	assert.True(t, result.Healthy)
	assert.NoError(t, result.Error())
	assert.Contains(t, result.Message, "successful")

	closeFn()
	result = checker.Check(context.Background(), host, port)
	assert.False(t, result.Healthy)
	assert.Error(t, result.Error())
	assert.Contains(t, result.Message, "connection to")
}

func TestExecChecker(t *testing.T) {
	tests := []struct {
		name    string
		command string
		healthy bool
	}{
		{"success", "/bin/sh -c 'test {host} = 10.0.0.1 && test {port} = 2222'", true},
		{"wrong substitution", "/bin/sh -c 'test {port} = 22'", false},
		{"non-zero exit", "/bin/sh -c 'echo down >&2; exit 1'", false},
		{"missing binary", "/nonexistent/probe", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker, err := NewExecChecker(tt.command, time.Second)
			require.NoError(t, err)
			assert.Equal(t, CheckTypeExec, checker.Type())

			result := checker.Check(context.Background(), "10.0.0.1", 2222)
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
		})
	}
}

func TestExecCheckerStderrInMessage(t *testing.T) {
	checker, err := NewExecChecker("/bin/sh -c 'echo collector down >&2; exit 1'", time.Second)
	require.NoError(t, err)
	result := checker.Check(context.Background(), "h", 1)
	assert.Contains(t, result.Message, "collector down")
}

func TestExecCheckerTimeout(t *testing.T) {
	checker, err := NewExecChecker("/bin/sleep 5", 50*time.Millisecond)
	require.NoError(t, err)
	start := time.Now()
	result := checker.Check(context.Background(), "h", 1)
	assert.False(t, result.Healthy)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewExecCheckerInvalid(t *testing.T) {
	_, err := NewExecChecker("", time.Second)
	assert.Error(t, err)
	_, err = NewExecChecker("probe 'unterminated", time.Second)
	assert.Error(t, err)
}

func TestSSHChecker(t *testing.T) {
	kp, err := security.GenerateKeyPair(security.KeyTypeEd25519, "probe")
	require.NoError(t, err)
	signer, err := kp.Signer()
	require.NoError(t, err)

	srv, err := sshtest.Start(nil, signer.PublicKey())
	require.NoError(t, err)
	defer srv.Close()

	checker := NewSSHChecker("root", signer, 2*time.Second)
	assert.Equal(t, CheckTypeSSH, checker.Type())
	result := checker.Check(context.Background(), srv.Host(), srv.Port())
	assert.True(t, result.Healthy, result.Message)

	failing, err := sshtest.Start(func(user, command string, stdout, stderr io.Writer) uint32 {
		return 1
	}, signer.PublicKey())
	require.NoError(t, err)
	defer failing.Close()

	result = checker.Check(context.Background(), failing.Host(), failing.Port())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "status 1")
}
