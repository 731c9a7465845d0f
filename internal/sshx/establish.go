// internal/sshx/establish.go

package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"remotedev/internal/apperr"
	"remotedev/internal/config"
	"remotedev/internal/hostcache"
	"remotedev/internal/prompt"
)

const sshPort = "22"

// Establisher produces authenticated sessions, bootstrapping trust and key
// pairing as needed. Credential and trust decisions go through the Prompter
// so the flow itself never assumes a terminal.
type Establisher struct {
	Store    hostcache.Store
	Prompter prompt.Prompter

	// Overridable for tests.
	knownHosts string
	port       string
	dial       func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)
	fetch      func(addr, user string) (*capturedHostKey, error)
}

func NewEstablisher(store hostcache.Store, prompter prompt.Prompter) *Establisher {
	return &Establisher{
		Store:    store,
		Prompter: prompter,
		dial:     ssh.Dial,
		fetch:    fetchHostKey,
	}
}

// Establish returns a live session for the configured host, reusing cached
// credentials where possible. The pairing step runs at most once per host:
// the first connection authenticates with a password or a fresh key, and
// only after it succeeds is the public key installed remotely.
func (e *Establisher) Establish(ctx context.Context, cfg *config.Config) (*Session, error) {
	hostKeyID := cfg.HostKey()
	port := e.port
	if port == "" {
		port = sshPort
	}
	addr := net.JoinHostPort(cfg.Host(), port)
	user := cfg.User()

	record, _, err := e.Store.Get(hostKeyID)
	if err != nil {
		return nil, err
	}

	khPath := e.knownHosts
	if khPath == "" {
		khPath, err = KnownHostsPath()
		if err != nil {
			return nil, apperr.New(apperr.IOError, "failed to locate known_hosts", err)
		}
	}
	if err := ensureKnownHostsFile(khPath); err != nil {
		return nil, apperr.New(apperr.IOError, "failed to prepare known_hosts", err)
	}
	hostKeyCallback, err := knownhosts.New(khPath)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "failed to read known_hosts", err)
	}

	keyPath := record.PrivateKeyPath
	haveKey := keyPath != "" && fileExists(keyPath)

	// Warm path: a record marked connected with a surviving key file is
	// reused optimistically, with a keepalive probe to catch staleness.
	if record.Status == hostcache.StatusConnected && haveKey {
		logger.Infof("reusing cached connection for %s with key %s", hostKeyID, keyPath)
		if client, err := e.connectWithKey(ctx, addr, user, keyPath, hostKeyCallback); err == nil {
			session := &Session{client: client, hostKey: hostKeyID, store: e.Store}
			if err := session.Alive(); err == nil {
				return e.finish(ctx, session, record, keyPath)
			}
			logger.Warnf("cached connection for %s is stale, reconnecting", hostKeyID)
			session.Close()
		} else {
			logger.Warnf("cached connection reuse failed: %v", err)
		}
	}

	logger.Infof("establishing new SSH connection for %s", hostKeyID)

	trustRetried := false
	for {
		client, err := e.coldConnect(ctx, addr, user, keyPath, hostKeyCallback)
		if err == nil {
			session := &Session{client: client, hostKey: hostKeyID, store: e.Store}
			return e.finish(ctx, session, record, keyPath)
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && !trustRetried {
			hostKeyCallback, err = e.negotiateTrust(addr, user, cfg.Host(), khPath, keyErr)
			if err != nil {
				return nil, err
			}
			trustRetried = true
			continue
		}

		if isAuthFailure(err) {
			return nil, apperr.New(apperr.AuthError,
				"authentication failed, check your username, password, and SSH keys", err)
		}
		return nil, apperr.New(apperr.IOError, "connection failed", err)
	}
}

// negotiateTrust captures the unknown or changed host identity, offers it
// for interactive approval, and persists it when accepted. Decline is
// terminal; there is no silent acceptance.
func (e *Establisher) negotiateTrust(addr, user, hostname, khPath string, keyErr *knownhosts.KeyError) (ssh.HostKeyCallback, error) {
	if len(keyErr.Want) > 0 {
		logger.Warnf("host key for %s has changed", hostname)
	} else {
		logger.Warnf("host key for %s is unknown", hostname)
	}

	captured, err := e.fetch(addr, user)
	if err != nil {
		return nil, apperr.New(apperr.TrustError,
			"host key was not captured during connection attempt", err)
	}

	approved, err := e.Prompter.ConfirmHostKey(hostname, captured.key.Type(), captured.fingerprint())
	if err != nil {
		return nil, apperr.New(apperr.TrustError, "trust decision failed", err)
	}
	if !approved {
		return nil, apperr.Newf(apperr.TrustError,
			"host key verification failed, connection rejected")
	}

	if err := saveHostKey(khPath, captured); err != nil {
		return nil, apperr.New(apperr.TrustError, "failed to record host key", err)
	}
	logger.Infof("added host key for %s to %s", hostname, khPath)

	callback, err := knownhosts.New(khPath)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "failed to reload known_hosts", err)
	}
	return callback, nil
}

// coldConnect tries key authentication first and degrades to an interactive
// password prompt; a host-key failure short-circuits so trust negotiation
// happens before any password is asked for.
func (e *Establisher) coldConnect(ctx context.Context, addr, user, keyPath string, cb ssh.HostKeyCallback) (*ssh.Client, error) {
	if keyPath != "" && fileExists(keyPath) {
		client, err := e.connectWithKey(ctx, addr, user, keyPath, cb)
		if err == nil {
			return client, nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			return nil, err
		}
		logger.Errorf("connection failed with key: %v", err)
		logger.Debug("attempting SSH connection with password after key failure")
	}

	password, err := e.Prompter.Password(fmt.Sprintf("Enter password for %s@%s", user, addr))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %v", err)
	}
	return e.connectOnce(ctx, addr, user, ssh.Password(password), cb)
}

func (e *Establisher) connectWithKey(ctx context.Context, addr, user, keyPath string, cb ssh.HostKeyCallback) (*ssh.Client, error) {
	auth, err := keyAuth(keyPath)
	if err != nil {
		return nil, err
	}
	logger.Debugf("attempting SSH connection with key: %s", keyPath)
	return e.connectOnce(ctx, addr, user, auth, cb)
}

func (e *Establisher) connectOnce(ctx context.Context, addr, user string, auth ssh.AuthMethod, cb ssh.HostKeyCallback) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: cb,
		Timeout:         dialTimeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultChan := make(chan dialResult, 1)
	go func() {
		client, err := e.dial("tcp", addr, sshConfig)
		resultChan <- dialResult{client, err}
	}()

	select {
	case res := <-resultChan:
		return res.client, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resultChan; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection canceled: %v", ctx.Err())
	}
}

// finish performs the pairing step on a fresh session and stamps the record.
// Any failure closes the session before returning.
func (e *Establisher) finish(ctx context.Context, session *Session, record hostcache.HostRecord, keyPath string) (*Session, error) {
	if !record.SSHPaired && keyPath != "" {
		if err := installPublicKey(ctx, session, keyPath+".pub"); err != nil {
			session.Close()
			return nil, err
		}
		if _, err := e.Store.Update(session.hostKey, func(r *hostcache.HostRecord) {
			r.SSHPaired = true
		}); err != nil {
			session.Close()
			return nil, err
		}
		logger.Info("public key installed and ssh_paired recorded")
	} else if record.SSHPaired {
		logger.Debug("skipping public key copy, host already paired")
	}

	if err := hostcache.MarkConnected(e.Store, session.hostKey); err != nil {
		session.Close()
		return nil, err
	}

	logger.Info("SSH connection established")
	return session, nil
}

// installPublicKey appends the local public key to the remote authorized-key
// list over the already-authenticated session.
func installPublicKey(ctx context.Context, session *Session, publicKeyPath string) error {
	publicKey, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return apperr.New(apperr.BootstrapError, "failed to read public key", err)
	}

	command := fmt.Sprintf(
		"mkdir -p -m 700 ~/.ssh && "+
			"touch ~/.ssh/authorized_keys && "+
			"echo '%s' >> ~/.ssh/authorized_keys && "+
			"chmod 600 ~/.ssh/authorized_keys",
		strings.TrimSpace(string(publicKey)))

	_, errOut, err := session.Exec(ctx, command)
	if err != nil {
		return apperr.New(apperr.BootstrapError, "failed to install public key", err)
	}
	if errOut != "" {
		return apperr.Newf(apperr.BootstrapError, "failed to install public key: %s", errOut)
	}
	logger.Debug("public key copied to remote authorized_keys")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
