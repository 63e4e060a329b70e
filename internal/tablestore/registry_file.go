package tablestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

type fileRegistryDoc struct {
	Subscriptions []fileSubscription `yaml:"subscriptions"`
}

type fileSubscription struct {
	ID            string `yaml:"id"`
	Source        string `yaml:"source"`
	Table         string `yaml:"table"`
	CallbackURL   string `yaml:"callbackUrl"`
	AuthToken     string `yaml:"authToken"`
	CanRead       bool   `yaml:"canRead"`
	CanWrite      bool   `yaml:"canWrite"`
	HookName      string `yaml:"hookName"`
	Status        string `yaml:"status,omitempty"`
	PayloadSchema string `yaml:"payloadSchema,omitempty"`
}

// FileRegistry reads subscriptions from a human-edited YAML file and writes
// statuses back into the same file atomically. Watch reloads the cached copy
// when the file changes on disk.
type FileRegistry struct {
	path   string
	logger tablesync.Logger

	mu     sync.Mutex
	loaded bool
	doc    fileRegistryDoc
}

func NewFileRegistry(path string, logger tablesync.Logger) (*FileRegistry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("registry file path is required")
	}
	return &FileRegistry{path: path, logger: logger}, nil
}

func (r *FileRegistry) List(ctx context.Context) ([]tablesync.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		if err := r.loadLocked(); err != nil {
			return nil, err
		}
	}
	subscriptions := make([]tablesync.Subscription, 0, len(r.doc.Subscriptions))
	for _, entry := range r.doc.Subscriptions {
		subscriptions = append(subscriptions, tablesync.Subscription{
			ID:            entry.ID,
			SourceID:      entry.Source,
			TableID:       entry.Table,
			CallbackURL:   entry.CallbackURL,
			AuthToken:     entry.AuthToken,
			CanRead:       entry.CanRead,
			CanWrite:      entry.CanWrite,
			HookName:      entry.HookName,
			PayloadSchema: entry.PayloadSchema,
			LastStatus:    entry.Status,
		})
	}
	return subscriptions, nil
}

func (r *FileRegistry) UpdateStatuses(ctx context.Context, updates []tablesync.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-read before writing so concurrent human edits are not clobbered.
	if err := r.loadLocked(); err != nil {
		return err
	}
	byID := make(map[string]string, len(updates))
	for _, update := range updates {
		byID[update.SubscriptionID] = update.Status
	}
	for i, entry := range r.doc.Subscriptions {
		if status, ok := byID[entry.ID]; ok {
			r.doc.Subscriptions[i].Status = status
		}
	}
	data, err := yaml.Marshal(r.doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(r.path, data, 0o644)
}

// Watch blocks until ctx is done, reloading the registry whenever the file is
// rewritten. The directory is watched rather than the file so atomic
// rename-into-place writes are seen.
func (r *FileRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	target, err := filepath.Abs(r.path)
	if err != nil {
		target = r.path
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, absErr := filepath.Abs(event.Name)
			if absErr != nil {
				name = event.Name
			}
			if name != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			r.mu.Lock()
			if err := r.loadLocked(); err != nil {
				r.logf("registry reload failed: %v", err)
			} else {
				r.logf("registry reloaded from %s", r.path)
			}
			r.mu.Unlock()
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logf("registry watcher error: %v", watchErr)
		}
	}
}

func (r *FileRegistry) loadLocked() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	var doc fileRegistryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}
	r.doc = doc
	r.loaded = true
	return nil
}

func (r *FileRegistry) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
