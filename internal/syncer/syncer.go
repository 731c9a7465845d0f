// internal/syncer/syncer.go

package syncer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"remotedev/internal/apperr"
	"remotedev/internal/config"
	"remotedev/internal/hostcache"
	"remotedev/internal/logging"
	"remotedev/internal/provision"
)

var logger = logging.Component("syncer")

// DefaultInterval is the pause between mirror passes in interval mode.
const DefaultInterval = 5 * time.Second

// Syncer mirrors the local project directory into the remote workspace
// with rsync. The remote side is a disposable mirror, so deletions
// propagate and host key checking is relaxed for the rsync transport.
type Syncer struct {
	Store hostcache.Store

	// run invokes rsync; replaceable in tests.
	run func(ctx context.Context, args []string) (string, error)
}

func New(store hostcache.Store) *Syncer {
	return &Syncer{
		Store: store,
		run:   runRsync,
	}
}

func runRsync(ctx context.Context, args []string) (string, error) {
	out, err := exec.CommandContext(ctx, "rsync", args...).CombinedOutput()
	return string(out), err
}

// Sync performs one mirror pass.
func (s *Syncer) Sync(ctx context.Context, cfg *config.Config) error {
	args, err := s.rsyncArgs(cfg)
	if err != nil {
		return err
	}

	logger.Debugf("rsync %s", strings.Join(args, " "))
	out, err := s.run(ctx, args)
	if err != nil {
		return apperr.New(apperr.IOError,
			fmt.Sprintf("rsync failed: %s", strings.TrimSpace(out)), err)
	}
	logger.Infof("project synchronized to %s", cfg.RemoteHost)
	return nil
}

// Loop mirrors on a fixed interval until the context is cancelled. A failed
// pass is logged and the loop keeps going.
func (s *Syncer) Loop(ctx context.Context, cfg *config.Config, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sync(ctx, cfg); err != nil {
				logger.Warnf("sync pass failed: %v", err)
			}
		}
	}
}

// rsyncArgs builds the rsync invocation for a config. The trailing slash on
// the source makes rsync mirror directory contents rather than nesting the
// directory itself.
func (s *Syncer) rsyncArgs(cfg *config.Config) ([]string, error) {
	if cfg.LocalDir == "" {
		return nil, apperr.Newf(apperr.ValidationError, "local project directory is not set")
	}

	record, ok, err := s.Store.Get(cfg.HostKey())
	if err != nil {
		return nil, err
	}
	if !ok || record.PrivateKeyPath == "" {
		return nil, apperr.Newf(apperr.ValidationError,
			"no ssh key recorded for %s, connect first", cfg.HostKey())
	}

	transport := fmt.Sprintf(
		"ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null",
		record.PrivateKeyPath)

	return []string{
		"-avz",
		"--delete",
		"-e", transport,
		strings.TrimRight(cfg.LocalDir, "/") + "/",
		fmt.Sprintf("%s:%s", cfg.RemoteHost, provision.WorkspaceDir(cfg)),
	}, nil
}
