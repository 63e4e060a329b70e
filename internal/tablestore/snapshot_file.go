package tablestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

// FileSnapshotStore keeps one cache_<subscriptionID>.json object per
// subscription under a data directory. Reads fail open: a missing or corrupt
// object is an empty snapshot, which forces a full resync diff instead of
// blocking the cycle.
type FileSnapshotStore struct {
	dir string
}

func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) Get(ctx context.Context, subscriptionID string) (tablesync.Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(subscriptionID))
	if err != nil {
		return tablesync.Snapshot{}, nil
	}
	var snapshot tablesync.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil || snapshot == nil {
		return tablesync.Snapshot{}, nil
	}
	return snapshot, nil
}

func (s *FileSnapshotStore) Put(ctx context.Context, subscriptionID string, snapshot tablesync.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.snapshotPath(subscriptionID), data, 0o644)
}

func (s *FileSnapshotStore) Delete(ctx context.Context, subscriptionID string) error {
	err := os.Remove(s.snapshotPath(subscriptionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileSnapshotStore) snapshotPath(subscriptionID string) string {
	return filepath.Join(s.dir, "cache_"+sanitizeKey(subscriptionID)+".json")
}

func sanitizeKey(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(key)
}

// writeFileAtomic writes through a temp file and renames it into place, so a
// concurrent read never observes a partially written snapshot.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
