package keys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"remotedev/internal/apperr"
	"remotedev/internal/hostcache"
)

type fakeGenerator struct {
	calls []string
	err   error
}

func (g *fakeGenerator) Generate(privateKeyPath string) error {
	g.calls = append(g.calls, privateKeyPath)
	if g.err != nil {
		return g.err
	}
	if err := os.WriteFile(privateKeyPath, []byte("PRIVATE"), 0600); err != nil {
		return err
	}
	return os.WriteFile(privateKeyPath+".pub", []byte("ssh-ed25519 AAAA test"), 0644)
}

func newStore(t *testing.T) hostcache.Store {
	t.Helper()
	store, err := hostcache.NewFileStore(filepath.Join(t.TempDir(), "hosts.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestDeriveKeyPath(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	path, err := DeriveKeyPath("alice", now)
	if err != nil {
		t.Fatalf("DeriveKeyPath: %v", err)
	}
	if filepath.Base(path) != "alice_20240101_ed25519" {
		t.Errorf("unexpected key name: %s", filepath.Base(path))
	}
	if !strings.Contains(path, ".ssh") {
		t.Errorf("key not under .ssh: %s", path)
	}
}

func TestEnsurePairReusesRecordedKey(t *testing.T) {
	store := newStore(t)
	keyPath := filepath.Join(t.TempDir(), "existing_key")
	if err := os.WriteFile(keyPath, []byte("PRIVATE"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("alice@10.0.0.5", hostcache.HostRecord{PrivateKeyPath: keyPath}); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{}
	got, err := EnsurePair(store, "alice@10.0.0.5", gen)
	if err != nil {
		t.Fatalf("EnsurePair: %v", err)
	}
	if got != keyPath {
		t.Errorf("expected recorded key %s, got %s", keyPath, got)
	}
	if len(gen.calls) != 0 {
		t.Errorf("generator invoked despite existing key: %v", gen.calls)
	}
}

func TestEnsurePairGeneratesWhenRecordedKeyMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	store := newStore(t)

	// Recorded path points at a file that was deleted out from under us.
	if err := store.Set("alice@10.0.0.5", hostcache.HostRecord{
		PrivateKeyPath: "/nonexistent/key",
		ContainerID:    "c-1",
	}); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{}
	got, err := EnsurePair(store, "alice@10.0.0.5", gen)
	if err != nil {
		t.Fatalf("EnsurePair: %v", err)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("expected one generation call, got %v", gen.calls)
	}

	record, ok, err := store.Get("alice@10.0.0.5")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if record.PrivateKeyPath != got {
		t.Errorf("record not updated: %+v", record)
	}
	// Unrelated fields survive the key update.
	if record.ContainerID != "c-1" {
		t.Errorf("container_id clobbered: %+v", record)
	}
}

func TestEnsurePairGenerationFailureIsFatal(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	store := newStore(t)

	gen := &fakeGenerator{err: apperr.Newf(apperr.BootstrapError, "ssh-keygen not found")}
	_, err := EnsurePair(store, "alice@10.0.0.5", gen)
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.BootstrapError {
		t.Errorf("expected bootstrap error, got %v", err)
	}

	// A failed bootstrap must not record a key path.
	record, _, _ := store.Get("alice@10.0.0.5")
	if record.PrivateKeyPath != "" {
		t.Errorf("key path recorded despite failure: %+v", record)
	}
}

func TestEnsurePairSkipsGenerationForExistingDerivedPair(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	store := newStore(t)

	derived, err := DeriveKeyPath("alice", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(derived), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(derived, []byte("PRIVATE"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(derived+".pub", []byte("PUB"), 0644); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{err: errors.New("should not be called")}
	got, err := EnsurePair(store, "alice@10.0.0.5", gen)
	if err != nil {
		t.Fatalf("EnsurePair: %v", err)
	}
	if got != derived {
		t.Errorf("expected derived path %s, got %s", derived, got)
	}
}
