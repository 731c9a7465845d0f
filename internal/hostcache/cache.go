// internal/hostcache/cache.go

package hostcache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"remotedev/internal/apperr"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"

	defaultCacheFileName = "hosts.json"
	cacheLocationEnv     = "RDEV_CACHE"
)

// HostRecord is the persisted per-host state, keyed by user@host. All fields
// are optional; a record for an unknown host materializes empty.
//
// Status is advisory only: the session it refers to may have died since it
// was written. ContainerID, once assigned, never changes for a host.
type HostRecord struct {
	PrivateKeyPath string     `json:"private_key_path,omitempty"`
	SSHPaired      bool       `json:"ssh_paired,omitempty"`
	Status         string     `json:"status,omitempty"`
	LastConnected  *time.Time `json:"last_connected,omitempty"`
	ContainerID    string     `json:"container_id,omitempty"`
}

// Store is the host-record cache shared by every component. Implementations
// are safe for one process's sequential operations; concurrent processes are
// not coordinated and the last writer's merge wins.
type Store interface {
	Get(hostKey string) (HostRecord, bool, error)
	Set(hostKey string, record HostRecord) error
	Delete(hostKey string) error

	// Update applies a partial mutation under read-merge-write: the current
	// record is fetched, mutated in place, and written back, so unrelated
	// fields are never clobbered.
	Update(hostKey string, mutate func(*HostRecord)) (HostRecord, error)
}

// fileStore keeps all records in one JSON document on disk, reloaded on
// every operation so sequential invocations observe each other's writes.
type fileStore struct {
	path string
}

// NewFileStore opens the store at path. An empty path picks the default
// location: $RDEV_CACHE if set, otherwise ~/.config/rdev/hosts.json.
func NewFileStore(path string) (Store, error) {
	if path == "" {
		if env := os.Getenv(cacheLocationEnv); env != "" {
			path = env
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, apperr.New(apperr.IOError, "could not get home directory", err)
			}
			path = filepath.Join(homeDir, ".config", "rdev", defaultCacheFileName)
		}
	}
	return &fileStore{path: path}, nil
}

func (s *fileStore) load() (map[string]HostRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]HostRecord{}, nil
		}
		return nil, apperr.New(apperr.IOError, "failed to read host cache", err)
	}

	cache := map[string]HostRecord{}
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, apperr.New(apperr.IOError, "corrupt host cache", err)
	}
	return cache, nil
}

func (s *fileStore) save(cache map[string]HostRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return apperr.New(apperr.IOError, "failed to create cache directory", err)
	}

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return apperr.New(apperr.IOError, "failed to marshal host cache", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return apperr.New(apperr.IOError, "failed to write host cache", err)
	}
	return nil
}

func (s *fileStore) Get(hostKey string) (HostRecord, bool, error) {
	cache, err := s.load()
	if err != nil {
		return HostRecord{}, false, err
	}
	record, ok := cache[hostKey]
	return record, ok, nil
}

func (s *fileStore) Set(hostKey string, record HostRecord) error {
	cache, err := s.load()
	if err != nil {
		return err
	}
	cache[hostKey] = record
	return s.save(cache)
}

func (s *fileStore) Delete(hostKey string) error {
	cache, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := cache[hostKey]; !ok {
		return nil
	}
	delete(cache, hostKey)
	return s.save(cache)
}

func (s *fileStore) Update(hostKey string, mutate func(*HostRecord)) (HostRecord, error) {
	cache, err := s.load()
	if err != nil {
		return HostRecord{}, err
	}
	record := cache[hostKey]
	mutate(&record)
	cache[hostKey] = record
	if err := s.save(cache); err != nil {
		return HostRecord{}, err
	}
	return record, nil
}

// MarkConnected stamps the record after a successful session establishment.
func MarkConnected(store Store, hostKey string) error {
	now := time.Now()
	_, err := store.Update(hostKey, func(r *HostRecord) {
		r.Status = StatusConnected
		r.LastConnected = &now
	})
	return err
}

// MarkDisconnected records that the session for hostKey was closed.
func MarkDisconnected(store Store, hostKey string) error {
	_, err := store.Update(hostKey, func(r *HostRecord) {
		r.Status = StatusDisconnected
	})
	return err
}
