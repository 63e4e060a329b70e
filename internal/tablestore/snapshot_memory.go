package tablestore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

// MemorySnapshotStore holds snapshots in process memory. Used by tests and
// the memory:// profile.
type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: map[string][]byte{}}
}

func (s *MemorySnapshotStore) Get(ctx context.Context, subscriptionID string) (tablesync.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.snapshots[subscriptionID]
	if !ok {
		return tablesync.Snapshot{}, nil
	}
	var snapshot tablesync.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil || snapshot == nil {
		return tablesync.Snapshot{}, nil
	}
	return snapshot, nil
}

func (s *MemorySnapshotStore) Put(ctx context.Context, subscriptionID string, snapshot tablesync.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[subscriptionID] = data
	return nil
}

func (s *MemorySnapshotStore) Delete(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, subscriptionID)
	return nil
}
