// internal/provision/provision.go

package provision

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"

	"remotedev/internal/apperr"
	"remotedev/internal/config"
	"remotedev/internal/hostcache"
	"remotedev/internal/logging"
)

var logger = logging.Component("provision")

// Fixed subdirectories under the configured remote root.
const (
	DevcontainerDirName = ".devcontainer"
	DockerDirName       = "docker"
	WorkspaceDirName    = "workspace"
)

// Runner executes commands on the remote host.
type Runner interface {
	Exec(ctx context.Context, command string) (stdout, stderr string, err error)
}

// Uploader is the slice of the file-transfer handle provisioning needs.
type Uploader interface {
	Exists(remotePath string) bool
	MkdirIfMissing(remotePath string) error
	PutBytes(ctx context.Context, content []byte, remotePath string) error
	UploadDir(localDir, remoteDir string, skip func(name string) bool) (int, error)
}

// Provisioner reconciles the remote filesystem and container state with the
// desired configuration. Every step is idempotent: repeat runs create
// nothing twice and never overwrite what is already remote.
type Provisioner struct {
	Store hostcache.Store

	// NewID mints container identifiers; replaceable in tests.
	NewID func() string
}

func New(store hostcache.Store) *Provisioner {
	return &Provisioner{
		Store: store,
		NewID: uuid.NewString,
	}
}

// WorkspaceDir returns the remote workspace path for a config.
func WorkspaceDir(cfg *config.Config) string {
	return path.Join(cfg.RemoteDir, WorkspaceDirName)
}

// Reconcile drives the full provisioning flow: directory layout, rendered
// artifacts, project contents, container runtime, and a running container.
func (p *Provisioner) Reconcile(ctx context.Context, runner Runner, up Uploader, cfg *config.Config) error {
	if err := p.ensureRemoteRoot(ctx, runner, cfg.RemoteDir); err != nil {
		return err
	}

	devcontainerDir := path.Join(cfg.RemoteDir, DevcontainerDirName)
	dockerDir := path.Join(cfg.RemoteDir, DockerDirName)
	workspaceDir := path.Join(cfg.RemoteDir, WorkspaceDirName)

	for _, dir := range []string{devcontainerDir, dockerDir, workspaceDir} {
		if err := up.MkdirIfMissing(dir); err != nil {
			return apperr.New(apperr.ProvisionError, "failed to create remote directory", err)
		}
	}

	containerID, err := p.EnsureContainerID(cfg.HostKey())
	if err != nil {
		return err
	}

	for _, artifact := range artifactsFor(cfg, containerID) {
		if err := uploadArtifact(ctx, up, artifact); err != nil {
			return err
		}
	}

	logger.Infof("copying project from %s to %s", cfg.LocalDir, workspaceDir)
	uploaded, err := up.UploadDir(cfg.LocalDir, workspaceDir, config.Ignored)
	if err != nil {
		return apperr.New(apperr.ProvisionError, "failed to copy project to remote workspace", err)
	}
	logger.Debugf("project copied, %d new files uploaded", uploaded)

	if err := ensureDockerRuntime(ctx, runner); err != nil {
		return err
	}

	return buildAndStart(ctx, runner, dockerDir, containerID)
}

// ensureRemoteRoot creates the remote root over exec so intermediate path
// components are created too (sftp mkdir is not recursive).
func (p *Provisioner) ensureRemoteRoot(ctx context.Context, runner Runner, remoteDir string) error {
	logger.Infof("ensuring remote directory exists: %s", remoteDir)
	command := fmt.Sprintf("[ -d %s ] || mkdir -p %s", remoteDir, remoteDir)
	_, errOut, err := runner.Exec(ctx, command)
	if err != nil {
		return apperr.New(apperr.ProvisionError, "failed to ensure remote directory", err)
	}
	if errOut != "" {
		return apperr.Newf(apperr.ProvisionError, "failed to create remote directory: %s", errOut)
	}
	return nil
}

// EnsureContainerID returns the stable container identifier for a host,
// minting and persisting one on first use. The identifier is written to the
// cache before it is ever used remotely, so a crash after minting never
// orphans an unresolvable container name.
func (p *Provisioner) EnsureContainerID(hostKey string) (string, error) {
	record, _, err := p.Store.Get(hostKey)
	if err != nil {
		return "", err
	}
	if record.ContainerID != "" {
		logger.Debugf("reusing container name for %s: %s", hostKey, record.ContainerID)
		return record.ContainerID, nil
	}

	containerID := p.NewID()
	if _, err := p.Store.Update(hostKey, func(r *hostcache.HostRecord) {
		r.ContainerID = containerID
	}); err != nil {
		return "", err
	}
	logger.Infof("generated new container name for %s: %s", hostKey, containerID)
	return containerID, nil
}

// buildAndStart builds the image and starts the container detached, scoped
// under the container identifier as the compose project name.
func buildAndStart(ctx context.Context, runner Runner, dockerDir, containerID string) error {
	command := fmt.Sprintf(
		"cd %s && docker compose -p %s build && docker compose -p %s up -d",
		dockerDir, containerID, containerID)

	out, errOut, err := runner.Exec(ctx, command)
	if err != nil {
		return apperr.New(apperr.ProvisionError, "failed to start devcontainer", err)
	}

	switch outcome := classifyComposeDiag(errOut); outcome {
	case outcomeStarted:
		logger.Info("devcontainer started successfully")
		logger.Debugf("devcontainer start output: %s", out)
	case outcomeAlreadyCreated, outcomeAlreadyRunning, outcomeAlreadyStarting:
		logger.Infof("devcontainer already %s", outcome)
	case outcomeFailed:
		return apperr.Newf(apperr.ProvisionError, "error starting devcontainer: %s", errOut)
	}
	return nil
}
