package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"remotedev/internal/apperr"
	"remotedev/internal/config"
	"remotedev/internal/hostcache"
)

type execResult struct {
	out    string
	errOut string
	err    error
}

// fakeRunner answers remote commands from a prefix table and records every
// command it saw.
type fakeRunner struct {
	commands  []string
	responses map[string]execResult
}

func (r *fakeRunner) Exec(ctx context.Context, command string) (string, string, error) {
	r.commands = append(r.commands, command)
	for prefix, result := range r.responses {
		if strings.HasPrefix(command, prefix) {
			return result.out, result.errOut, result.err
		}
	}
	return "", "", nil
}

func (r *fakeRunner) saw(prefix string) bool {
	for _, c := range r.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// fakeRemote is an in-memory remote filesystem implementing Uploader with
// the same existence-gated semantics as the real transfer handle.
type fakeRemote struct {
	files   map[string][]byte
	dirs    map[string]bool
	uploads int
	mkdirs  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (f *fakeRemote) Exists(remotePath string) bool {
	if _, ok := f.files[remotePath]; ok {
		return true
	}
	return f.dirs[remotePath]
}

func (f *fakeRemote) MkdirIfMissing(remotePath string) error {
	if f.dirs[remotePath] {
		return nil
	}
	f.dirs[remotePath] = true
	f.mkdirs++
	return nil
}

func (f *fakeRemote) PutBytes(ctx context.Context, content []byte, remotePath string) error {
	f.files[remotePath] = content
	f.uploads++
	return nil
}

func (f *fakeRemote) UploadDir(localDir, remoteDir string, skip func(string) bool) (int, error) {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if skip != nil && skip(name) {
			continue
		}
		localItem := filepath.Join(localDir, name)
		remoteItem := path.Join(remoteDir, name)
		if entry.IsDir() {
			if err := f.MkdirIfMissing(remoteItem); err != nil {
				return uploaded, err
			}
			n, err := f.UploadDir(localItem, remoteItem, skip)
			uploaded += n
			if err != nil {
				return uploaded, err
			}
			continue
		}
		if f.Exists(remoteItem) {
			continue
		}
		content, err := os.ReadFile(localItem)
		if err != nil {
			return uploaded, err
		}
		f.files[remoteItem] = content
		f.uploads++
		uploaded++
	}
	return uploaded, nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	full := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return full
}

func makeTestConfig(t *testing.T) *config.Config {
	t.Helper()
	tmplDir := t.TempDir()
	localDir := t.TempDir()

	writeFile(t, localDir, "main.py", "print('hello')\n")
	writeFile(t, localDir, filepath.Join("pkg", "util.py"), "x = 1\n")
	writeFile(t, localDir, filepath.Join("__pycache__", "junk.pyc"), "binary")

	return &config.Config{
		RemoteHost:   "alice@10.0.0.5",
		RemoteDir:    "/srv/rdev",
		DockerImage:  "python:3.12-slim",
		PortMappings: []string{"8080:80"},
		DevcontainerTemplate: writeFile(t, tmplDir, "devcontainer.yml",
			"name: rdev\nproject: \"{{.project_id}}\"\n"),
		DockerfileTemplate: writeFile(t, tmplDir, "Dockerfile.tmpl",
			"FROM {{.from}}\nWORKDIR {{.workdir}}\n"),
		DockerComposeTemplate: writeFile(t, tmplDir, "compose.tmpl",
			"services:\n  dev:\n    build: .\n    ports:\n      {{.port_mappings}}\n"),
		DockerignoreTemplate: writeFile(t, tmplDir, "dockerignore.tmpl",
			".git\n__pycache__\n"),
		LocalDir: localDir,
	}
}

func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	store, err := hostcache.NewFileStore(filepath.Join(t.TempDir(), "hosts.json"))
	if err != nil {
		t.Fatal(err)
	}
	p := New(store)
	count := 0
	p.NewID = func() string {
		count++
		return fmt.Sprintf("c-%d", count)
	}
	return p
}

func healthyRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]execResult{
		"docker --version":       {out: "Docker version 27.0.3, build 7d4bcd8"},
		"docker compose version": {out: "Docker Compose version v2.29.1"},
	}}
}

func TestReconcileIdempotent(t *testing.T) {
	p := newTestProvisioner(t)
	cfg := makeTestConfig(t)
	remote := newFakeRemote()
	runner := healthyRunner()

	if err := p.Reconcile(context.Background(), runner, remote, cfg); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	firstUploads := remote.uploads
	if firstUploads == 0 {
		t.Fatal("first run uploaded nothing")
	}
	if remote.Exists(path.Join(cfg.RemoteDir, "workspace", "__pycache__", "junk.pyc")) {
		t.Error("ignored artifact reached the remote workspace")
	}

	firstID, err := p.EnsureContainerID(cfg.HostKey())
	if err != nil {
		t.Fatal(err)
	}

	// Second run against the same remote state: the compose tool now says
	// the container is already running.
	runner.responses["cd "+path.Join(cfg.RemoteDir, "docker")] = execResult{
		errOut: "Container rdev-dev-1  Running",
	}
	if err := p.Reconcile(context.Background(), runner, remote, cfg); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if remote.uploads != firstUploads {
		t.Errorf("second run re-uploaded files: %d -> %d", firstUploads, remote.uploads)
	}

	secondID, err := p.EnsureContainerID(cfg.HostKey())
	if err != nil {
		t.Fatal(err)
	}
	if firstID != secondID {
		t.Errorf("container id changed across runs: %s -> %s", firstID, secondID)
	}
}

func TestEnsureContainerIDPersistsBeforeUse(t *testing.T) {
	p := newTestProvisioner(t)

	id, err := p.EnsureContainerID("alice@10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if id != "c-1" {
		t.Errorf("unexpected id %q", id)
	}

	record, ok, err := p.Store.Get("alice@10.0.0.5")
	if err != nil || !ok {
		t.Fatalf("record not persisted: ok=%v err=%v", ok, err)
	}
	if record.ContainerID != id {
		t.Errorf("persisted id %q != returned id %q", record.ContainerID, id)
	}

	again, err := p.EnsureContainerID("alice@10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("id not stable: %s -> %s", id, again)
	}
}

func TestReconcileSkipsExistingArtifacts(t *testing.T) {
	p := newTestProvisioner(t)
	cfg := makeTestConfig(t)
	remote := newFakeRemote()

	// The remote already carries a hand-edited compose file; it must win.
	composePath := path.Join(cfg.RemoteDir, "docker", "docker-compose.yml")
	remote.files[composePath] = []byte("hand edited")

	if err := p.Reconcile(context.Background(), healthyRunner(), remote, cfg); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if string(remote.files[composePath]) != "hand edited" {
		t.Error("existing remote artifact was overwritten")
	}
}

func TestReconcileInstallsMissingDocker(t *testing.T) {
	p := newTestProvisioner(t)
	cfg := makeTestConfig(t)

	runner := &fakeRunner{responses: map[string]execResult{
		"docker --version":       {errOut: "docker: command not found"},
		"docker compose version": {out: "Docker Compose version v2.29.1"},
	}}
	// After the install commands run, the version check succeeds.
	installed := false
	base := runner.responses
	stateful := &statefulRunner{inner: runner, onExec: func(command string) {
		if strings.HasPrefix(command, "apt-get install") {
			installed = true
			base["docker --version"] = execResult{out: "Docker version 27.0.3, build 7d4bcd8"}
		}
	}}

	if err := p.Reconcile(context.Background(), stateful, newFakeRemote(), cfg); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !installed {
		t.Fatal("docker install never attempted")
	}
	if !runner.saw("apt-get update") || !runner.saw("systemctl start docker") {
		t.Errorf("expected full install sequence, got %v", runner.commands)
	}
}

type statefulRunner struct {
	inner  *fakeRunner
	onExec func(command string)
}

func (s *statefulRunner) Exec(ctx context.Context, command string) (string, string, error) {
	out, errOut, err := s.inner.Exec(ctx, command)
	s.onExec(command)
	return out, errOut, err
}

func TestReconcileFailsOnUnknownComposeDiag(t *testing.T) {
	p := newTestProvisioner(t)
	cfg := makeTestConfig(t)
	runner := healthyRunner()
	runner.responses["cd "+path.Join(cfg.RemoteDir, "docker")] = execResult{
		errOut: "no space left on device",
	}

	err := p.Reconcile(context.Background(), runner, newFakeRemote(), cfg)
	if err == nil {
		t.Fatal("expected failure")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.ProvisionError {
		t.Errorf("expected provision error, got %v", err)
	}
}

func TestClassifyComposeDiag(t *testing.T) {
	cases := []struct {
		diag string
		want outcome
	}{
		{"", outcomeStarted},
		{"Container dev-1  Created", outcomeAlreadyCreated},
		{"Container dev-1  Running", outcomeAlreadyRunning},
		{"Container dev-1  Starting", outcomeAlreadyStarting},
		{"error: no such image", outcomeFailed},
		{"permission denied", outcomeFailed},
	}
	for _, tc := range cases {
		if got := classifyComposeDiag(tc.diag); got != tc.want {
			t.Errorf("classifyComposeDiag(%q) = %v, want %v", tc.diag, got, tc.want)
		}
	}
}

func TestRenderArtifactStructuredYAMLToJSON(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "devcontainer.yml", "name: rdev\nproject: \"{{.project_id}}\"\n")

	content, err := renderArtifact(artifact{
		templatePath: tmpl,
		description:  "devcontainer.json",
		vars:         map[string]string{"project_id": "c-1"},
		structured:   true,
	})
	if err != nil {
		t.Fatalf("renderArtifact: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, content)
	}
	if doc["project"] != "c-1" {
		t.Errorf("variable not substituted: %v", doc)
	}
}

func TestRenderArtifactUnresolvedVariableFails(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "Dockerfile.tmpl", "FROM {{.from}}\n")

	_, err := renderArtifact(artifact{
		templatePath: tmpl,
		description:  "Dockerfile",
		vars:         map[string]string{},
	})
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.ProvisionError {
		t.Errorf("expected provision error, got %v", err)
	}
}

func TestRenderArtifactMissingTemplateFails(t *testing.T) {
	_, err := renderArtifact(artifact{
		templatePath: "/nonexistent/template",
		description:  ".dockerignore",
	})
	if err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestFormatPortMappings(t *testing.T) {
	got := formatPortMappings([]string{"8080:80", "5432:5432"})
	want := "- 8080:80\n      - 5432:5432"
	if got != want {
		t.Errorf("formatPortMappings = %q, want %q", got, want)
	}
	if formatPortMappings(nil) != "" {
		t.Error("empty mappings should render empty")
	}
}
