// internal/provision/artifacts.go

package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"remotedev/internal/apperr"
	"remotedev/internal/config"
)

// artifact is one templated configuration file destined for the remote
// host. An artifact already present remotely is authoritative and is never
// overwritten by this flow.
type artifact struct {
	templatePath string
	remotePath   string
	description  string
	vars         map[string]string

	// structured artifacts are authored as YAML and uploaded as JSON.
	structured bool
}

// artifactsFor lists the files provisioning maintains under the remote root.
func artifactsFor(cfg *config.Config, containerID string) []artifact {
	devcontainerDir := path.Join(cfg.RemoteDir, DevcontainerDirName)
	dockerDir := path.Join(cfg.RemoteDir, DockerDirName)
	workspaceDir := path.Join(cfg.RemoteDir, WorkspaceDirName)

	return []artifact{
		{
			templatePath: cfg.DevcontainerTemplate,
			remotePath:   path.Join(devcontainerDir, "devcontainer.json"),
			description:  "devcontainer.json",
			vars: map[string]string{
				"project_id": containerID,
			},
			structured: true,
		},
		{
			templatePath: cfg.DockerfileTemplate,
			remotePath:   path.Join(dockerDir, "Dockerfile"),
			description:  "Dockerfile",
			vars: map[string]string{
				"from":    cfg.DockerImage,
				"workdir": workspaceDir,
			},
		},
		{
			templatePath: cfg.DockerComposeTemplate,
			remotePath:   path.Join(dockerDir, "docker-compose.yml"),
			description:  "docker-compose.yml",
			vars: map[string]string{
				"workspace_dir": workspaceDir,
				"port_mappings": formatPortMappings(cfg.PortMappings),
			},
		},
		{
			templatePath: cfg.DockerignoreTemplate,
			remotePath:   path.Join(dockerDir, ".dockerignore"),
			description:  ".dockerignore",
		},
	}
}

// formatPortMappings renders the mapping list as YAML sequence entries at
// the indentation the compose template expects.
func formatPortMappings(mappings []string) string {
	entries := make([]string, 0, len(mappings))
	for _, m := range mappings {
		entries = append(entries, fmt.Sprintf("- %s", m))
	}
	return strings.Join(entries, "\n      ")
}

// renderArtifact substitutes the named variables into the template and, for
// structured artifacts, converts the YAML result to JSON. An unresolved
// variable or parse error aborts provisioning.
func renderArtifact(a artifact) ([]byte, error) {
	raw, err := os.ReadFile(a.templatePath)
	if err != nil {
		return nil, apperr.New(apperr.ProvisionError,
			fmt.Sprintf("template for %s not found at %s", a.description, a.templatePath), err)
	}

	tmpl, err := template.New(a.description).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, apperr.New(apperr.ProvisionError,
			fmt.Sprintf("invalid template for %s", a.description), err)
	}

	vars := a.vars
	if vars == nil {
		vars = map[string]string{}
	}

	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, vars); err != nil {
		return nil, apperr.New(apperr.ProvisionError,
			fmt.Sprintf("error rendering template for %s", a.description), err)
	}

	if !a.structured {
		return rendered.Bytes(), nil
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(rendered.Bytes(), &doc); err != nil {
		return nil, apperr.New(apperr.ProvisionError,
			fmt.Sprintf("error parsing %s as YAML", a.description), err)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, apperr.New(apperr.ProvisionError,
			fmt.Sprintf("error serializing %s as JSON", a.description), err)
	}
	return out, nil
}

// uploadArtifact renders and uploads one artifact unless the remote copy
// already exists.
func uploadArtifact(ctx context.Context, up Uploader, a artifact) error {
	content, err := renderArtifact(a)
	if err != nil {
		return err
	}

	if up.Exists(a.remotePath) {
		logger.Infof("%s already exists at %s, skipping upload", a.description, a.remotePath)
		return nil
	}

	logger.Infof("uploading %s to %s", a.description, a.remotePath)
	if err := up.PutBytes(ctx, content, a.remotePath); err != nil {
		return apperr.New(apperr.ProvisionError,
			fmt.Sprintf("error uploading %s", a.description), err)
	}
	return nil
}
