// internal/state/snapshot.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/wealthflow/internal/types"
)

// FileStore is a JSON-file-backed snapshot store. Each user key gets one
// record at snapshots/<escaped key>.json, written atomically so a reader
// never observes a stage without its paired session ID.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a new file-backed FileStore rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) snapshotsDir() string {
	return filepath.Join(s.root, "snapshots")
}

func (s *FileStore) path(key types.UserKey) string {
	return filepath.Join(s.snapshotsDir(), url.PathEscape(string(key))+".json")
}

// Load reads the snapshot for the given key. Missing or corrupt records
// yield (nil, nil); the caller treats that as a cold start.
func (s *FileStore) Load(_ context.Context, key types.UserKey) (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("discarding corrupt snapshot", "key", string(key), "error", err)
		return nil, nil
	}
	if snap.Stage == "" {
		return nil, nil
	}
	return &snap, nil
}

// Save writes the snapshot atomically (temp file + rename).
func (s *FileStore) Save(_ context.Context, key types.UserKey, snap *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(s.snapshotsDir(), 0o755); err != nil {
		return fmt.Errorf("create snapshots dir: %w", err)
	}

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot. Clearing an absent snapshot is not an error.
func (s *FileStore) Clear(_ context.Context, key types.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// Entry pairs a stored snapshot with its key, for listing.
type Entry struct {
	Key      types.UserKey
	Snapshot types.Snapshot
	ModTime  time.Time
}

// List returns all stored snapshots. Corrupt records are skipped.
func (s *FileStore) List() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirents, err := os.ReadDir(s.snapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshots dir: %w", err)
	}

	var entries []*Entry
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rawKey, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.snapshotsDir(), name))
		if err != nil {
			continue
		}
		var snap types.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, &Entry{
			Key:      types.UserKey(rawKey),
			Snapshot: snap,
			ModTime:  info.ModTime(),
		})
	}
	return entries, nil
}

// Sweep removes snapshots last written before the cutoff age. Abandoned
// sessions accumulate snapshots that the Complete-transition clear never
// reaches; this is their retention path.
func (s *FileStore) Sweep(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirents, err := os.ReadDir(s.snapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshots dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.snapshotsDir(), de.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("sweep remove failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
