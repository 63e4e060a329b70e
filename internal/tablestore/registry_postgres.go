package tablestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

const postgresHooksTableName = "tablerelay_hooks"

// PostgresRegistry stores subscriptions in a single table and applies status
// write-backs in one transaction.
type PostgresRegistry struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRegistry(dsn string) (*PostgresRegistry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &PostgresRegistry{
		dsn:       dsn,
		tableName: postgresHooksTableName,
		openDB:    sql.Open,
	}, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]tablesync.Subscription, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, source_id, table_id, callback_url, auth_token,
		       can_read, can_write, hook_name, status, payload_schema
		FROM %s
		ORDER BY id`, quoteIdentifier(r.tableName))
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subscriptions []tablesync.Subscription
	for rows.Next() {
		var sub tablesync.Subscription
		if err := rows.Scan(
			&sub.ID, &sub.SourceID, &sub.TableID, &sub.CallbackURL, &sub.AuthToken,
			&sub.CanRead, &sub.CanWrite, &sub.HookName, &sub.LastStatus, &sub.PayloadSchema,
		); err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, rows.Err()
}

func (r *PostgresRegistry) UpdateStatuses(ctx context.Context, updates []tablesync.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf("UPDATE %s SET status = $1 WHERE id = $2", quoteIdentifier(r.tableName))
	for _, update := range updates {
		if _, err := tx.ExecContext(ctx, query, update.Status, update.SubscriptionID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (r *PostgresRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRegistry) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source_id TEXT NOT NULL,
				table_id TEXT NOT NULL,
				callback_url TEXT NOT NULL,
				auth_token TEXT NOT NULL DEFAULT '',
				can_read BOOLEAN NOT NULL DEFAULT FALSE,
				can_write BOOLEAN NOT NULL DEFAULT FALSE,
				hook_name TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT '',
				payload_schema TEXT NOT NULL DEFAULT ''
			)`, quoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}
