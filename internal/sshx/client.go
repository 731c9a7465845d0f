// internal/sshx/client.go

package sshx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"remotedev/internal/apperr"
	"remotedev/internal/hostcache"
	"remotedev/internal/logging"
)

var logger = logging.Component("sshx")

const dialTimeout = 10 * time.Second

// Session is a live authenticated connection to one remote host. It grants
// command execution and file-transfer rights for the lifetime of the
// underlying transport; closing it invalidates derived transfer handles.
// Not safe for concurrent use without external synchronization.
type Session struct {
	client  *ssh.Client
	hostKey string
	store   hostcache.Store
}

// Exec runs a single command on the remote host and returns captured stdout
// and stderr. The call suspends until the command finishes or ctx is done.
func (s *Session) Exec(ctx context.Context, command string) (string, string, error) {
	if s.client == nil {
		return "", "", apperr.Newf(apperr.IOError, "ssh connection is not active")
	}

	session, err := s.client.NewSession()
	if err != nil {
		return "", "", apperr.New(apperr.IOError, "failed to create session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logger.Debugf("executing remote command: %s", command)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		return "", "", apperr.New(apperr.IOError, "remote command canceled", ctx.Err())
	}

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if err != nil {
		if _, ok := err.(*ssh.ExitError); ok {
			// Nonzero exit is an outcome, not a transport failure; callers
			// classify the diagnostic text themselves.
			return out, errOut, nil
		}
		return out, errOut, apperr.New(apperr.IOError, "error executing command", err)
	}
	return out, errOut, nil
}

// Transfer opens a file-transfer handle over this session.
func (s *Session) Transfer() (*Transfer, error) {
	if s.client == nil {
		return nil, apperr.Newf(apperr.IOError, "ssh connection is not active")
	}
	return newTransfer(s.client)
}

// Client exposes the underlying transport for the interactive shell.
func (s *Session) Client() *ssh.Client {
	return s.client
}

// Alive sends a keepalive request so a stale cached connection is diagnosed
// here instead of failing downstream with a generic I/O error.
func (s *Session) Alive() error {
	if s.client == nil {
		return apperr.Newf(apperr.IOError, "ssh connection is not active")
	}
	if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return apperr.New(apperr.IOError, "stale session: keepalive failed", err)
	}
	return nil
}

// Close shuts the transport down and records the host as disconnected.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil

	if s.store != nil {
		if cacheErr := hostcache.MarkDisconnected(s.store, s.hostKey); cacheErr != nil {
			logger.Warnf("failed to record disconnect for %s: %v", s.hostKey, cacheErr)
		}
	}

	logger.Info("SSH connection closed")
	if err != nil {
		return fmt.Errorf("client close error: %v", err)
	}
	return nil
}

// keyAuth loads a private key file and turns it into an auth method.
func keyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %v", err)
	}
	return ssh.PublicKeys(signer), nil
}

// isAuthFailure reports whether a dial error means every offered method was
// rejected, as opposed to a transport or host-key problem.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
