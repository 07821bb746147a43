// Package sshtest runs an in-process SSH server for tests that need a
// host to log into.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ExecFunc handles one exec request and returns its exit status
type ExecFunc func(user, command string, stdout, stderr io.Writer) uint32

// Server accepts SSH connections on a loopback port
type Server struct {
	Exec           ExecFunc
	AuthorizedKeys []ssh.PublicKey

	listener net.Listener
	mu       sync.Mutex
	commands []string
	closed   bool
}

// Start listens on 127.0.0.1 with a fresh host key. A nil exec
// succeeds for every command.
func Start(exec ExecFunc, authorized ...ssh.PublicKey) (*Server, error) {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		return nil, err
	}

	s := &Server{Exec: exec, AuthorizedKeys: authorized}
	if s.Exec == nil {
		s.Exec = func(string, string, io.Writer, io.Writer) uint32 { return 0 }
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			for _, ak := range s.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, config)
		}
	}()
	return s, nil
}

// Host returns the listening address
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Commands returns every command executed so far
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops accepting connections
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.listener.Close()
}

func (s *Server) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, chReqs, err := newch.Accept()
		if err != nil {
			return
		}
		go s.serveSession(conn.User(), ch, chReqs)
	}
}

func (s *Server) serveSession(user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	didExec := false
	for req := range reqs {
		if didExec || req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var execReq struct {
			Command string
		}
		ssh.Unmarshal(req.Payload, &execReq)
		req.Reply(true, nil)
		didExec = true

		s.mu.Lock()
		s.commands = append(s.commands, execReq.Command)
		s.mu.Unlock()

		go func() {
			var resp struct {
				Status uint32
			}
			resp.Status = s.Exec(user, execReq.Command, ch, ch.Stderr())
			ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
			ch.Close()
		}()
	}
}
