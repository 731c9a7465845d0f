// internal/sshx/interactive_windows.go
//go:build windows
// +build windows

package sshx

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// InteractiveState reports where an interactive session is in its lifecycle.
type InteractiveState int

const (
	StateDisconnected InteractiveState = iota
	StateConnecting
	StateConnected
	StateError
)

// Interactive relays bytes between the local terminal and a PTY-backed
// remote command until either side closes. Windows consoles have no
// SIGWINCH, so the remote PTY keeps its initial size.
type Interactive struct {
	client            *ssh.Client
	session           *ssh.Session
	state             InteractiveState
	lastError         error
	termWidth         int
	termHeight        int
	keepAlive         time.Duration
	stopChan          chan struct{}
	stateMutex        sync.RWMutex
	originalTermState *term.State
}

// NewInteractive prepares a PTY session over an established transport.
func NewInteractive(session *Session) (*Interactive, error) {
	client := session.Client()
	if client == nil {
		return nil, fmt.Errorf("ssh connection is not active")
	}

	sshSession, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %v", err)
	}

	fd := int(os.Stdout.Fd())
	width, height, err := term.GetSize(fd)
	if err != nil {
		width, height = 80, 24
	}

	return &Interactive{
		client:     client,
		session:    sshSession,
		state:      StateConnecting,
		termWidth:  width,
		termHeight: height,
		keepAlive:  30 * time.Second,
		stopChan:   make(chan struct{}),
	}, nil
}

func (s *Interactive) requestPty(termType string) error {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
		ssh.VINTR:         3,  // Ctrl+C
		ssh.VQUIT:         28, // Ctrl+\
		ssh.VERASE:        127,
		ssh.VKILL:         21, // Ctrl+U
		ssh.VEOF:          4,  // Ctrl+D
		ssh.VWERASE:       23, // Ctrl+W
		ssh.VLNEXT:        22, // Ctrl+V
		ssh.VSUSP:         26, // Ctrl+Z
	}

	if err := s.session.RequestPty(termType, s.termHeight, s.termWidth, modes); err != nil {
		return fmt.Errorf("failed to request PTY: %v", err)
	}
	return nil
}

// Run executes command under a PTY and wires it to the local terminal.
func (s *Interactive) Run(command string) error {
	// The Windows console renders best with this terminal type.
	if err := s.requestPty("xterm-256color"); err != nil {
		return err
	}

	s.session.Stdin = os.Stdin
	s.session.Stdout = os.Stdout
	s.session.Stderr = os.Stderr

	var err error
	s.originalTermState, err = term.GetState(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to get terminal state: %v", err)
	}

	go s.handleSignals()

	if s.keepAlive > 0 {
		go s.keepAliveLoop()
	}

	rawState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw terminal: %v", err)
	}

	defer func(raw *term.State) {
		s.setState(StateDisconnected)
		if err := term.Restore(int(os.Stdin.Fd()), raw); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to restore terminal state: %v\n", err)
		}
	}(rawState)

	if err := s.session.Start(command); err != nil {
		return fmt.Errorf("failed to start remote command: %v", err)
	}

	s.setState(StateConnected)

	if err := s.session.Wait(); err != nil {
		// Ordinary exits arrive as errors too.
		errStr := err.Error()
		if !strings.Contains(errStr, "exit status") &&
			!strings.Contains(errStr, "signal: terminated") &&
			!strings.Contains(errStr, "signal: interrupt") {
			return fmt.Errorf("session ended with error: %v", err)
		}
	}
	return nil
}

func (s *Interactive) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-sigChan:
			s.Close()
			return
		case <-s.stopChan:
			return
		}
	}
}

func (s *Interactive) keepAliveLoop() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				s.setError(fmt.Errorf("keepalive failed: %v", err))
				s.Close()
				return
			}
		case <-s.stopChan:
			return
		}
	}
}

// Close tears the PTY session down. The underlying transport stays open; it
// belongs to the Session that created us.
func (s *Interactive) Close() error {
	select {
	case <-s.stopChan:
		// Already closed.
	default:
		close(s.stopChan)
	}

	if s.originalTermState != nil {
		if err := term.Restore(int(os.Stdin.Fd()), s.originalTermState); err != nil {
			fmt.Fprintf(os.Stderr, "failed to restore terminal state: %v\n", err)
		}
	}

	if s.session != nil {
		if err := s.session.Close(); err != nil && err.Error() != "EOF" {
			s.setState(StateDisconnected)
			return fmt.Errorf("session close error: %v", err)
		}
		s.session = nil
	}

	s.setState(StateDisconnected)
	return nil
}

func (s *Interactive) setState(state InteractiveState) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.state = state
}

func (s *Interactive) setError(err error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.lastError = err
	s.state = StateError
}

// State returns the current session state.
func (s *Interactive) State() InteractiveState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// LastError returns the last asynchronous error, if any.
func (s *Interactive) LastError() error {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.lastError
}
