package tablestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

const defaultHooksTable = "Hooks"

// RowUpdater is the write-back half of the source API used by the
// source-hosted registry. HTTPSourceClient satisfies it.
type RowUpdater interface {
	Update(ctx context.Context, sourceID, tableID, rowID string, fields map[string]any) error
}

type SourceRegistryOptions struct {
	Source       tablesync.SourceClient
	Updater      RowUpdater
	ConfigSource string
	HooksTable   string
}

// SourceRegistry is the reference deployment layout: the subscriptions live
// in a table of the data API itself, one row per hook, with the columns the
// original configuration base used.
type SourceRegistry struct {
	source       tablesync.SourceClient
	updater      RowUpdater
	configSource string
	hooksTable   string
}

func NewSourceRegistry(opts SourceRegistryOptions) (*SourceRegistry, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source client is required")
	}
	if opts.Updater == nil {
		return nil, fmt.Errorf("row updater is required")
	}
	configSource := strings.TrimSpace(opts.ConfigSource)
	if configSource == "" {
		return nil, fmt.Errorf("config source is required")
	}
	hooksTable := strings.TrimSpace(opts.HooksTable)
	if hooksTable == "" {
		hooksTable = defaultHooksTable
	}
	return &SourceRegistry{
		source:       opts.Source,
		updater:      opts.Updater,
		configSource: configSource,
		hooksTable:   hooksTable,
	}, nil
}

func (r *SourceRegistry) List(ctx context.Context) ([]tablesync.Subscription, error) {
	rows, err := r.source.FetchAll(ctx, r.configSource, r.hooksTable)
	if err != nil {
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	subscriptions := make([]tablesync.Subscription, 0, len(rows))
	for _, row := range rows {
		subscriptions = append(subscriptions, tablesync.Subscription{
			ID:            row.ID,
			SourceID:      stringField(row.Fields, "Base"),
			TableID:       stringField(row.Fields, "Table"),
			CallbackURL:   stringField(row.Fields, "Callback URL"),
			AuthToken:     stringField(row.Fields, "Webhook Auth Token"),
			CanRead:       boolField(row.Fields, "Can Read"),
			CanWrite:      boolField(row.Fields, "Can Write"),
			HookName:      stringField(row.Fields, "Hook Name"),
			PayloadSchema: stringField(row.Fields, "Payload Schema"),
			LastStatus:    stringField(row.Fields, "Status"),
		})
	}
	return subscriptions, nil
}

// UpdateStatuses patches the Status column of each changed hook row. All
// updates are attempted; failures are joined into one error.
func (r *SourceRegistry) UpdateStatuses(ctx context.Context, updates []tablesync.StatusUpdate) error {
	var errs []error
	for _, update := range updates {
		fields := map[string]any{"Status": update.Status}
		if err := r.updater.Update(ctx, r.configSource, r.hooksTable, update.SubscriptionID, fields); err != nil {
			errs = append(errs, fmt.Errorf("status for %s: %w", update.SubscriptionID, err))
		}
	}
	return errors.Join(errs...)
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}

// boolField accepts the shapes checkbox-style columns come back in: real
// booleans, "true"/"checked" strings, or nonzero numbers.
func boolField(fields map[string]any, key string) bool {
	switch typed := fields[key].(type) {
	case bool:
		return typed
	case string:
		normalized := strings.ToLower(strings.TrimSpace(typed))
		return normalized == "true" || normalized == "checked" || normalized == "yes" || normalized == "1"
	case float64:
		return typed != 0
	default:
		return false
	}
}
