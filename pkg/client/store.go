package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/platinummonkey/entitle/pkg/entitlements"
)

// SnapshotStore persists the last good snapshot across restarts. The stored
// value is opaque to the store.
type SnapshotStore interface {
	// Load returns the stored snapshot, or nil when there is none
	Load(ctx context.Context, key string) (*entitlements.Snapshot, error)
	Save(ctx context.Context, key string, snap *entitlements.Snapshot) error
	Delete(ctx context.Context, key string) error
}

// SessionKey identifies one user's snapshot within a tenant
func SessionKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// FileStore keeps one JSON file per session in a directory. Writes go to a
// temporary file that is renamed into place, so a crash never leaves a torn
// snapshot behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

// Load reads a snapshot
func (s *FileStore) Load(ctx context.Context, key string) (*entitlements.Snapshot, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap entitlements.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// corrupt data is worthless; drop it
		os.Remove(s.path(key))
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Save writes a snapshot atomically
func (s *FileStore) Save(ctx context.Context, key string, snap *entitlements.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return nil
}

// Delete removes a snapshot; a missing one is not an error
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
