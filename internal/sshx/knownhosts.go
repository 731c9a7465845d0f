// internal/sshx/knownhosts.go

package sshx

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const knownHostsFileName = "known_hosts"

// KnownHostsPath returns the app-scoped known_hosts file, next to the rest
// of the per-user state so we never mutate the operator's ~/.ssh copy.
func KnownHostsPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get home directory: %v", err)
	}
	return filepath.Join(homeDir, ".config", "rdev", "ssh", knownHostsFileName), nil
}

// ensureKnownHostsFile creates an empty known_hosts file if none exists, so
// the knownhosts callback can be constructed before any host is trusted.
func ensureKnownHostsFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %v", filepath.Dir(path), err)
	}
	return os.WriteFile(path, nil, 0600)
}

// capturedHostKey is the identity presented by a remote host that is not yet
// trusted: the raw key, its algorithm, and the address it came from. This is
// the object offered for interactive approval.
type capturedHostKey struct {
	// address in knownhosts normalized form, e.g. "10.0.0.5" or "[10.0.0.5]:2222"
	address string
	key     ssh.PublicKey
}

func (c *capturedHostKey) fingerprint() string {
	return ssh.FingerprintSHA256(c.key)
}

// fetchHostKey dials the host with no auth methods just to run the handshake
// far enough to capture the presented host key. The dial itself is expected
// to fail with an auth error; the key is recorded by the callback first.
func fetchHostKey(addr, user string) (*capturedHostKey, error) {
	hostKeyChan := make(chan ssh.PublicKey, 1)

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyChan <- key
			return nil
		},
		Timeout: 10 * time.Second,
	}

	if conn, err := ssh.Dial("tcp", addr, config); err == nil {
		conn.Close()
	}

	close(hostKeyChan)
	key, ok := <-hostKeyChan
	if !ok || key == nil {
		return nil, fmt.Errorf("could not retrieve host key from %s", addr)
	}

	return &capturedHostKey{address: knownhosts.Normalize(addr), key: key}, nil
}

// saveHostKey persists an approved host key, replacing any previous entry
// for the same address so a changed identity does not leave stale lines
// behind.
func saveHostKey(knownHostsPath string, captured *capturedHostKey) error {
	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %v", filepath.Dir(knownHostsPath), err)
	}

	newLine := knownhosts.Line([]string{captured.address}, captured.key)

	var kept []string
	if content, err := os.ReadFile(knownHostsPath); err == nil {
		scanner := bufio.NewScanner(strings.NewReader(string(content)))
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) > 0 && fields[0] == captured.address {
				continue
			}
			kept = append(kept, line)
		}
	}

	kept = append(kept, newLine)
	content := strings.Join(kept, "\n") + "\n"

	if err := os.WriteFile(knownHostsPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write known_hosts file %s: %v", knownHostsPath, err)
	}
	return nil
}
