// internal/relay/relay.go

package relay

import (
	"context"
	"fmt"
	"strings"

	"remotedev/internal/apperr"
	"remotedev/internal/config"
	"remotedev/internal/hostcache"
	"remotedev/internal/logging"
	"remotedev/internal/provision"
	"remotedev/internal/sshx"
)

var logger = logging.Component("relay")

// Runner executes commands on the remote host.
type Runner interface {
	Exec(ctx context.Context, command string) (stdout, stderr string, err error)
}

// Relay forwards commands into the provisioned devcontainer. Its failures
// are non-fatal: a failed relayed command leaves the session and container
// untouched.
type Relay struct {
	Store hostcache.Store
}

func New(store hostcache.Store) *Relay {
	return &Relay{Store: store}
}

// Run executes argv inside the container workspace and returns its combined
// output. The container is resolved by name on every call so a container
// restarted out-of-band is still found.
func (r *Relay) Run(ctx context.Context, runner Runner, cfg *config.Config, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", apperr.Newf(apperr.RelayError, "no command given")
	}

	cid, err := r.resolveContainer(ctx, runner, cfg)
	if err != nil {
		return "", err
	}

	command := fmt.Sprintf("docker exec %s bash -c %q",
		cid, fmt.Sprintf("cd %s && %s", provision.WorkspaceDir(cfg), strings.Join(argv, " ")))
	logger.Debugf("relaying command: %s", command)

	out, errOut, err := runner.Exec(ctx, command)
	if err != nil {
		return "", apperr.New(apperr.RelayError, "error executing command in devcontainer", err)
	}
	if errOut != "" {
		logger.Debugf("relayed command stderr: %s", errOut)
	}
	return out, nil
}

// Shell attaches an interactive shell inside the container over the given
// session's transport. It blocks until the shell exits.
func (r *Relay) Shell(session *sshx.Session, cfg *config.Config) error {
	record, ok, err := r.Store.Get(cfg.HostKey())
	if err != nil {
		return err
	}
	if !ok || record.ContainerID == "" {
		return apperr.Newf(apperr.RelayError, "no devcontainer provisioned for %s", cfg.HostKey())
	}

	interactive, err := sshx.NewInteractive(session)
	if err != nil {
		return apperr.New(apperr.RelayError, "error opening interactive session", err)
	}
	defer interactive.Close()

	command := fmt.Sprintf(
		`docker exec -it $(docker ps -q --filter "name=%s" | head -n 1) bash`,
		record.ContainerID)
	if err := interactive.Run(command); err != nil {
		return apperr.New(apperr.RelayError, "interactive devcontainer shell failed", err)
	}
	return nil
}

// resolveContainer maps the cached container name to a live container id.
func (r *Relay) resolveContainer(ctx context.Context, runner Runner, cfg *config.Config) (string, error) {
	record, ok, err := r.Store.Get(cfg.HostKey())
	if err != nil {
		return "", err
	}
	if !ok || record.ContainerID == "" {
		return "", apperr.Newf(apperr.RelayError, "no devcontainer provisioned for %s", cfg.HostKey())
	}

	command := fmt.Sprintf(`docker ps -q --filter "name=%s" | head -n 1`, record.ContainerID)
	out, errOut, err := runner.Exec(ctx, command)
	if err != nil {
		return "", apperr.New(apperr.RelayError, "error looking up devcontainer", err)
	}
	if errOut != "" {
		return "", apperr.Newf(apperr.RelayError, "error looking up devcontainer: %s", errOut)
	}

	cid := strings.TrimSpace(out)
	if cid == "" {
		return "", apperr.Newf(apperr.RelayError, "devcontainer %s is not running", record.ContainerID)
	}
	return cid, nil
}
