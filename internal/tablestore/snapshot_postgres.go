package tablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

const (
	postgresSnapshotTableName = "tablerelay_snapshots"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSnapshotStore keeps one snapshot row per subscription. The table is
// created lazily on first use.
type PostgresSnapshotStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSnapshotStore(dsn string) (*PostgresSnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &PostgresSnapshotStore{
		dsn:       dsn,
		tableName: postgresSnapshotTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresSnapshotStore) Get(ctx context.Context, subscriptionID string) (tablesync.Snapshot, error) {
	if err := s.ensureReady(); err != nil {
		return tablesync.Snapshot{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE subscription_id = $1", quoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, subscriptionID).Scan(&payload)
	if err != nil {
		// Missing and unreadable both degrade to a full resync diff.
		return tablesync.Snapshot{}, nil
	}
	var snapshot tablesync.Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil || snapshot == nil {
		return tablesync.Snapshot{}, nil
	}
	return snapshot, nil
}

func (s *PostgresSnapshotStore) Put(ctx context.Context, subscriptionID string, snapshot tablesync.Snapshot) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (subscription_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subscription_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, subscriptionID, string(payload))
	return err
}

func (s *PostgresSnapshotStore) Delete(ctx context.Context, subscriptionID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE subscription_id = $1", quoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func (s *PostgresSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresSnapshotStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				subscription_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
