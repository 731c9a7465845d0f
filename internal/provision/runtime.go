// internal/provision/runtime.go

package provision

import (
	"context"
	"strings"

	"remotedev/internal/apperr"
)

const composeDownloadCommand = `curl -sL "https://github.com/docker/compose/releases/latest/download/docker-compose-$(uname -s)-$(uname -m)" -o ~/.local/bin/docker-compose`

// ensureDockerRuntime verifies the container engine and its compose tool on
// the remote host, installing whichever is missing and re-verifying after.
func ensureDockerRuntime(ctx context.Context, runner Runner) error {
	installed, version, err := checkDocker(ctx, runner)
	if err != nil {
		return err
	}
	if !installed {
		logger.Warn("docker is not installed, attempting to install")
		if err := installDocker(ctx, runner); err != nil {
			return err
		}
		if installed, version, err = checkDocker(ctx, runner); err != nil {
			return err
		}
		if !installed {
			return apperr.Newf(apperr.ProvisionError, "docker installation failed")
		}
	}
	logger.Infof("docker is installed (version %s)", version)

	installed, version, err = checkCompose(ctx, runner)
	if err != nil {
		return err
	}
	if !installed {
		logger.Warn("docker compose is not installed, attempting to install")
		if err := installCompose(ctx, runner); err != nil {
			return err
		}
		if installed, version, err = checkCompose(ctx, runner); err != nil {
			return err
		}
		if !installed {
			return apperr.Newf(apperr.ProvisionError, "docker compose installation failed")
		}
	}
	logger.Infof("docker compose is installed (version %s)", version)

	return nil
}

func checkDocker(ctx context.Context, runner Runner) (bool, string, error) {
	out, errOut, err := runner.Exec(ctx, "docker --version")
	if err != nil {
		return false, "", apperr.New(apperr.ProvisionError, "error checking docker version", err)
	}
	if errOut != "" {
		logger.Debugf("docker not installed: %s", errOut)
		return false, "", nil
	}
	return true, parseVersionLine(out, "version "), nil
}

func checkCompose(ctx context.Context, runner Runner) (bool, string, error) {
	out, errOut, err := runner.Exec(ctx, "docker compose version")
	if err != nil {
		return false, "", apperr.New(apperr.ProvisionError, "error checking docker compose version", err)
	}
	if errOut != "" {
		logger.Debugf("docker compose not installed: %s", errOut)
		return false, "", nil
	}
	return true, parseVersionLine(out, "version "), nil
}

// parseVersionLine extracts the trailing version token from a tool banner
// like "Docker version 27.0.3, build abcdef".
func parseVersionLine(out, marker string) string {
	line, _, _ := strings.Cut(out, "\n")
	if _, rest, ok := strings.Cut(line, marker); ok {
		version, _, _ := strings.Cut(rest, ",")
		return strings.TrimSpace(version)
	}
	return strings.TrimSpace(line)
}

// installDocker installs the engine via the package manager (Debian family).
func installDocker(ctx context.Context, runner Runner) error {
	steps := []struct {
		command  string
		critical bool
	}{
		{"apt-get update", true},
		{"apt-get install -y docker.io", true},
		{"systemctl start docker", false},
	}

	for _, step := range steps {
		_, errOut, err := runner.Exec(ctx, step.command)
		if err != nil {
			return apperr.New(apperr.ProvisionError, "error installing docker", err)
		}
		if errOut != "" {
			if step.critical {
				return apperr.Newf(apperr.ProvisionError, "error installing docker: %s", errOut)
			}
			logger.Warnf("non-critical step %q: %s", step.command, errOut)
		}
	}
	logger.Info("docker installed successfully")
	return nil
}

// installCompose downloads the compose binary into the remote user's
// ~/.local/bin and registers it on PATH. The PATH registration is
// best-effort; the download and permission steps are not.
func installCompose(ctx context.Context, runner Runner) error {
	steps := []struct {
		command  string
		critical bool
	}{
		{"mkdir -p ~/.local/bin", true},
		{composeDownloadCommand, true},
		{"chmod +x ~/.local/bin/docker-compose", true},
		{`if ! grep -q .local/bin ~/.profile; then echo 'export PATH=$PATH:~/.local/bin' >> ~/.profile; fi`, false},
		{". ~/.profile", false},
	}

	for _, step := range steps {
		_, errOut, err := runner.Exec(ctx, step.command)
		if err != nil {
			return apperr.New(apperr.ProvisionError, "error installing docker compose", err)
		}
		if errOut != "" {
			if step.critical {
				return apperr.Newf(apperr.ProvisionError, "error installing docker compose: %s", errOut)
			}
			logger.Warnf("non-critical step %q: %s", step.command, errOut)
		}
	}
	logger.Info("docker compose installed in ~/.local/bin")
	return nil
}
