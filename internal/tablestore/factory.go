package tablestore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

// BuildSnapshotStoreFromDSN resolves a snapshot store from a DSN:
// file://<dir>, memory://, or postgres://. A bare path counts as file.
func BuildSnapshotStoreFromDSN(dsn string) (tablesync.SnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("snapshot store dsn is required")
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupSnapshotStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		return NewFileSnapshotStore(dsnPath(dsn))
	case "memory", "mem", "inmem":
		return NewMemorySnapshotStore(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported snapshot store scheme: %s", scheme)
	}
}

// BuildRegistryFromDSN resolves a subscription registry from a DSN:
// file://<path> (YAML) or postgres://. The source-hosted registry is built
// separately since it rides on the source client.
func BuildRegistryFromDSN(dsn string, logger tablesync.Logger) (tablesync.SubscriptionRegistry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("registry dsn is required")
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupRegistryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		return NewFileRegistry(dsnPath(dsn), logger)
	case "postgres", "postgresql":
		return NewPostgresRegistry(dsn)
	default:
		return nil, fmt.Errorf("unsupported registry scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parsed.Scheme))
}

// dsnPath strips an optional file:// prefix; everything after it, including
// relative paths, is used verbatim.
func dsnPath(dsn string) string {
	trimmed := strings.TrimPrefix(dsn, "file://")
	return strings.TrimSpace(trimmed)
}
