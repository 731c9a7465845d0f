// internal/config/config.go

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"remotedev/internal/apperr"
)

const (
	DefaultConfigFileName = "config.json"
	DefaultConfigDir      = ".config/rdev"
	DefaultFilePerms      = 0600
)

// Config describes one remote development target. It is loaded from a JSON
// file supplied on the command line; LocalDir is injected from the --path
// flag and written back so later standalone invocations see the same value.
type Config struct {
	RemoteHost            string   `json:"remote_host"` // user@host
	RemoteDir             string   `json:"remote_dir"`
	DockerImage           string   `json:"docker_image"`
	PortMappings          []string `json:"port_mappings,omitempty"`
	DevcontainerTemplate  string   `json:"devcontainer_template"`
	DockerfileTemplate    string   `json:"dockerfile_template"`
	DockerComposeTemplate string   `json:"docker_compose_template"`
	DockerignoreTemplate  string   `json:"dockerignore_template"`
	LocalDir              string   `json:"local_dir,omitempty"`
}

// User returns the login part of remote_host.
func (c *Config) User() string {
	user, _, _ := strings.Cut(c.RemoteHost, "@")
	return user
}

// Host returns the address part of remote_host.
func (c *Config) Host() string {
	_, host, _ := strings.Cut(c.RemoteHost, "@")
	return host
}

// HostKey is the identifier host records are cached under.
func (c *Config) HostKey() string {
	return c.RemoteHost
}

type Manager struct {
	configPath string
	config     *Config
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		config:     &Config{},
	}
}

// Load reads the configuration from file.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.Newf(apperr.ConfigError, "config file not found at %s", m.configPath)
		}
		return apperr.New(apperr.ConfigError, "failed to read config file", err)
	}

	if err := json.Unmarshal(data, m.config); err != nil {
		return apperr.New(apperr.ConfigError, "invalid JSON in config file", err)
	}

	return nil
}

// Save writes the configuration back to its file.
func (m *Manager) Save() error {
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return apperr.New(apperr.ConfigError, "failed to marshal config", err)
	}

	if err := os.WriteFile(m.configPath, data, DefaultFilePerms); err != nil {
		return apperr.New(apperr.ConfigError, "failed to write config file", err)
	}

	return nil
}

func (m *Manager) Config() *Config {
	return m.config
}

// SetLocalDir resolves and records the project directory, persisting the
// updated configuration.
func (m *Manager) SetLocalDir(path string) error {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return apperr.New(apperr.ConfigError, "failed to resolve project path", err)
		}
		path = abs
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return apperr.Newf(apperr.ConfigError, "invalid project path: %s is not a directory", path)
	}

	m.config.LocalDir = path
	return m.Save()
}

// Validate checks the configuration values before any remote work starts.
func (m *Manager) Validate() error {
	c := m.config

	if c.RemoteHost == "" {
		return apperr.Newf(apperr.ValidationError, "missing remote_host in config")
	}
	parts := strings.Split(c.RemoteHost, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return apperr.Newf(apperr.ValidationError, "remote_host %q is not in user@host format", c.RemoteHost)
	}
	if net.ParseIP(parts[1]) == nil {
		return apperr.Newf(apperr.ValidationError, "remote_host address %q is not a valid IP", parts[1])
	}
	if err := probeHostReachable(parts[1]); err != nil {
		return apperr.New(apperr.ValidationError,
			fmt.Sprintf("remote host %s is not reachable", parts[1]), err)
	}

	if c.RemoteDir == "" {
		return apperr.Newf(apperr.ValidationError, "missing remote_dir in config")
	}
	if c.DockerImage == "" {
		return apperr.Newf(apperr.ValidationError, "missing docker_image in config")
	}

	for _, mapping := range c.PortMappings {
		local, _, ok := strings.Cut(mapping, ":")
		if !ok {
			return apperr.Newf(apperr.ValidationError, "invalid port mapping %q", mapping)
		}
		port, err := strconv.Atoi(local)
		if err != nil || port < 1 || port > 65535 {
			return apperr.Newf(apperr.ValidationError, "invalid local port in mapping %q", mapping)
		}
		if err := probeLocalPort(port); err != nil {
			return apperr.New(apperr.ValidationError,
				fmt.Sprintf("local port %d is not available", port), err)
		}
	}

	return nil
}

// ignoredArtifacts are build and cache entries never copied into the remote
// workspace, skipped at every directory level.
var ignoredArtifacts = map[string]struct{}{
	".venv":                      {},
	".cache":                     {},
	".mypy_cache":                {},
	"__pycache__":                {},
	".pytest_cache":              {},
	".tox":                       {},
	".eggs":                      {},
	".egg-info":                  {},
	"dist":                       {},
	"build":                      {},
	"buck-out":                   {},
	"coverage.xml":               {},
	"nosetests.xml":              {},
	"htmlcov":                    {},
	"coverage_html_report":       {},
	"nose2.html-report":          {},
	"nose2.junit-xml-report":     {},
	"nose2.junit-xml-report.xml": {},
}

// Ignored reports whether a file or directory name is a build artifact that
// should never reach the remote workspace.
func Ignored(name string) bool {
	_, ok := ignoredArtifacts[name]
	return ok
}

// probeHostReachable sends a single ICMP echo to the remote address. Hosts
// that drop the probe fail validation before any SSH work starts. Skipped
// when no ping binary is available locally.
var probeHostReachable = func(host string) error {
	ping, err := exec.LookPath("ping")
	if err != nil {
		return nil
	}
	out, err := exec.Command(ping, "-c", "1", "-W", "2", host).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ping failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// probeLocalPort checks that a local port can still be bound.
func probeLocalPort(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

// GetDefaultConfigPath returns the per-user config file location, creating
// the directory if needed.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get home directory: %v", err)
	}

	configDir := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("could not create config directory: %v", err)
	}

	return filepath.Join(configDir, DefaultConfigFileName), nil
}
