// internal/keys/keys.go

package keys

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"remotedev/internal/apperr"
	"remotedev/internal/hostcache"
	"remotedev/internal/logging"
)

var logger = logging.Component("keys")

// Generator produces an asymmetric key pair at the given path, writing the
// public half next to it with a .pub suffix.
type Generator interface {
	Generate(privateKeyPath string) error
}

// KeygenTool shells out to ssh-keygen for ed25519 keys, the same tool the
// operator would use by hand.
type KeygenTool struct{}

func (KeygenTool) Generate(privateKeyPath string) error {
	cmd := exec.Command("ssh-keygen", "-t", "ed25519", "-f", privateKeyPath, "-N", "")
	logger.Debugf("running: %s", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return apperr.New(apperr.BootstrapError,
				"ssh-keygen not found, install openssh-client", err)
		}
		return apperr.New(apperr.BootstrapError,
			fmt.Sprintf("ssh-keygen failed: %s", strings.TrimSpace(string(output))), err)
	}
	logger.Debugf("ssh-keygen output: %s", strings.TrimSpace(string(output)))
	return nil
}

// DeriveKeyPath builds the deterministic key location for a user: the key
// lives under ~/.ssh and is named <user>_<YYYYMMDD>_ed25519.
func DeriveKeyPath(user string, now time.Time) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", apperr.New(apperr.IOError, "could not get home directory", err)
	}
	name := fmt.Sprintf("%s_%s_ed25519", user, now.Format("20060102"))
	return filepath.Join(homeDir, ".ssh", name), nil
}

// EnsurePair guarantees a usable key pair exists for hostKey and that its
// location is recorded in the host cache. A recorded key that still exists on
// disk is trusted as-is; otherwise a key is generated only when the derived
// pair is not already present. Generation failure is fatal to the setup flow.
func EnsurePair(store hostcache.Store, hostKey string, gen Generator) (string, error) {
	record, _, err := store.Get(hostKey)
	if err != nil {
		return "", err
	}

	if record.PrivateKeyPath != "" && fileExists(record.PrivateKeyPath) {
		logger.Infof("using existing SSH key at %s", record.PrivateKeyPath)
		return record.PrivateKeyPath, nil
	}

	user, _, _ := strings.Cut(hostKey, "@")
	privateKeyPath, err := DeriveKeyPath(user, time.Now())
	if err != nil {
		return "", err
	}
	publicKeyPath := privateKeyPath + ".pub"

	if fileExists(privateKeyPath) && fileExists(publicKeyPath) {
		logger.Infof("SSH key pair found at %s, skipping generation", privateKeyPath)
	} else {
		logger.Warn("no SSH key pair found, starting key setup")
		if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0700); err != nil {
			return "", apperr.New(apperr.BootstrapError, "failed to create ~/.ssh", err)
		}
		if err := gen.Generate(privateKeyPath); err != nil {
			return "", err
		}
		logger.Info("SSH key pair generated successfully")
	}

	_, err = store.Update(hostKey, func(r *hostcache.HostRecord) {
		r.PrivateKeyPath = privateKeyPath
	})
	if err != nil {
		return "", err
	}
	return privateKeyPath, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
