package tablestore

import (
	"strings"
	"sync"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

type SnapshotStoreFactory func(dsn string) (tablesync.SnapshotStore, error)
type RegistryFactory func(dsn string) (tablesync.SubscriptionRegistry, error)

var storeFactoryRegistry = struct {
	mu                sync.RWMutex
	snapshotFactories map[string]SnapshotStoreFactory
	registryFactories map[string]RegistryFactory
}{
	snapshotFactories: map[string]SnapshotStoreFactory{},
	registryFactories: map[string]RegistryFactory{},
}

// RegisterSnapshotStoreFactory installs a custom DSN scheme for snapshot
// stores. Registered schemes take precedence over the built-ins.
func RegisterSnapshotStoreFactory(scheme string, factory SnapshotStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.snapshotFactories[scheme] = factory
}

func RegisterRegistryFactory(scheme string, factory RegistryFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.registryFactories[scheme] = factory
}

func lookupSnapshotStoreFactory(scheme string) (SnapshotStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.snapshotFactories[scheme]
	return factory, ok
}

func lookupRegistryFactory(scheme string) (RegistryFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.registryFactories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
