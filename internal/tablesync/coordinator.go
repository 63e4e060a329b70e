package tablesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry status values written back for a subscription.
const (
	StatusWorking      = "working"
	StatusFailedToPost = "failed to post"
)

// Subscription is one registered interest in a table's changes. The engine
// reads it as an immutable copy per cycle and writes back only LastStatus.
type Subscription struct {
	ID            string
	SourceID      string
	TableID       string
	CallbackURL   string
	AuthToken     string
	CanRead       bool
	CanWrite      bool
	HookName      string
	PayloadSchema string
	LastStatus    string
}

type StatusUpdate struct {
	SubscriptionID string
	Status         string
}

// SourceClient fetches and writes rows of the external tabular data API.
type SourceClient interface {
	FetchAll(ctx context.Context, sourceID, tableID string) ([]Row, error)
	Create(ctx context.Context, sourceID, tableID string, fields map[string]any) (string, error)
}

// SnapshotStore persists the last-delivered row set per subscription.
// Implementations fail open on Get: a missing or unreadable snapshot comes
// back empty, which forces a full resync diff rather than blocking the cycle.
type SnapshotStore interface {
	Get(ctx context.Context, subscriptionID string) (Snapshot, error)
	Put(ctx context.Context, subscriptionID string, snapshot Snapshot) error
	Delete(ctx context.Context, subscriptionID string) error
}

// SubscriptionRegistry lists the registered subscriptions and persists status
// changes back in one batched call.
type SubscriptionRegistry interface {
	List(ctx context.Context) ([]Subscription, error)
	UpdateStatuses(ctx context.Context, updates []StatusUpdate) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type CoordinatorOptions struct {
	Source     SourceClient
	Snapshots  SnapshotStore
	Registry   SubscriptionRegistry
	Dispatcher *Dispatcher
	Logger     Logger
}

// Coordinator runs one full sync cycle: load subscriptions, fetch each
// distinct table once, diff and dispatch per subscription concurrently,
// advance snapshots on success, and reconcile statuses.
type Coordinator struct {
	source     SourceClient
	snapshots  SnapshotStore
	registry   SubscriptionRegistry
	dispatcher *Dispatcher
	logger     Logger
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source client is required")
	}
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("subscription registry is required")
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(DispatcherOptions{})
	}
	return &Coordinator{
		source:     opts.Source,
		snapshots:  opts.Snapshots,
		registry:   opts.Registry,
		dispatcher: dispatcher,
		logger:     opts.Logger,
	}, nil
}

type CycleReport struct {
	CycleID       string               `json:"cycleId"`
	StartedAt     time.Time            `json:"startedAt"`
	FinishedAt    time.Time            `json:"finishedAt"`
	Subscriptions int                  `json:"subscriptions"`
	StatusUpdates int                  `json:"statusUpdates"`
	Results       []SubscriptionResult `json:"results"`
}

type SubscriptionResult struct {
	SubscriptionID string  `json:"subscriptionId"`
	HookName       string  `json:"hookName,omitempty"`
	Outcome        Outcome `json:"outcome"`
	Added          int     `json:"added"`
	Updated        int     `json:"updated"`
	Deleted        int     `json:"deleted"`
	SkipReason     string  `json:"skipReason,omitempty"`
	Error          string  `json:"error,omitempty"`
}

type fetchResult struct {
	rows []Row
	err  error
}

func tableKey(sourceID, tableID string) string {
	return sourceID + ":" + tableID
}

// RunCycle executes one cycle. It is re-entrant: already-delivered state
// yields empty diffs, undelivered diffs are recomputed and resent. Only a
// registry failure is fatal; every per-table and per-subscription failure is
// contained in the report.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	subscriptions, err := c.registry.List(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("load subscriptions: %w", err)
	}
	report.Subscriptions = len(subscriptions)

	// Fetch each distinct (source, table) pair exactly once, concurrently.
	// Each key has a single writer goroutine; readers wait for the whole
	// phase, so the map needs no lock after launch.
	fetches := map[string]*fetchResult{}
	for _, sub := range subscriptions {
		if !sub.CanRead {
			continue
		}
		key := tableKey(sub.SourceID, sub.TableID)
		if _, ok := fetches[key]; !ok {
			fetches[key] = &fetchResult{}
		}
	}
	var fetchWG sync.WaitGroup
	launched := map[string]struct{}{}
	for _, sub := range subscriptions {
		if !sub.CanRead {
			continue
		}
		key := tableKey(sub.SourceID, sub.TableID)
		if _, ok := launched[key]; ok {
			continue
		}
		launched[key] = struct{}{}
		result := fetches[key]
		fetchWG.Add(1)
		go func(sourceID, tableID string, result *fetchResult) {
			defer fetchWG.Done()
			rows, fetchErr := c.source.FetchAll(ctx, sourceID, tableID)
			if fetchErr != nil {
				result.err = fetchErr
				c.logf("fetch %s:%s failed: %v", sourceID, tableID, fetchErr)
				return
			}
			result.rows = rows
		}(sub.SourceID, sub.TableID, result)
	}
	fetchWG.Wait()

	// One task per subscription; failures settle independently and never
	// cancel siblings.
	results := make([]SubscriptionResult, len(subscriptions))
	var subWG sync.WaitGroup
	for i, sub := range subscriptions {
		if !sub.CanRead {
			results[i] = SubscriptionResult{
				SubscriptionID: sub.ID,
				HookName:       sub.HookName,
				Outcome:        OutcomeSkipped,
				SkipReason:     "subscription is not readable",
			}
			continue
		}
		subWG.Add(1)
		go func(i int, sub Subscription) {
			defer subWG.Done()
			results[i] = c.handleSubscription(ctx, sub, fetches[tableKey(sub.SourceID, sub.TableID)])
		}(i, sub)
	}
	subWG.Wait()
	report.Results = results

	// Stage a status write only when the outcome changed something, then
	// flush the batch in a single registry call.
	var updates []StatusUpdate
	for i, sub := range subscriptions {
		status := ""
		switch results[i].Outcome {
		case OutcomeWorking:
			status = StatusWorking
		case OutcomeFailedToPost:
			status = StatusFailedToPost
		default:
			// Skipped cycles carry no signal about the subscriber.
			continue
		}
		if status != sub.LastStatus {
			updates = append(updates, StatusUpdate{SubscriptionID: sub.ID, Status: status})
		}
	}
	report.StatusUpdates = len(updates)
	report.FinishedAt = time.Now().UTC()
	if len(updates) > 0 {
		if err := c.registry.UpdateStatuses(ctx, updates); err != nil {
			return report, fmt.Errorf("update subscription statuses: %w", err)
		}
	}
	return report, nil
}

// handleSubscription runs the strictly sequential per-subscription path:
// snapshot read, diff, dispatch, snapshot write.
func (c *Coordinator) handleSubscription(ctx context.Context, sub Subscription, fetch *fetchResult) SubscriptionResult {
	result := SubscriptionResult{
		SubscriptionID: sub.ID,
		HookName:       sub.HookName,
	}
	if fetch == nil || fetch.err != nil {
		// A failed fetch is not the same as an empty table: diffing
		// against nothing would report every row as deleted. Skip the
		// subscription until the source recovers.
		result.Outcome = OutcomeSkipped
		if fetch != nil {
			result.SkipReason = fmt.Sprintf("source unavailable: %v", fetch.err)
		} else {
			result.SkipReason = "source unavailable"
		}
		return result
	}

	previous, err := c.snapshots.Get(ctx, sub.ID)
	if err != nil || previous == nil {
		previous = Snapshot{}
	}
	current := SnapshotFromRows(fetch.rows)
	diff := DiffSnapshots(previous, current)
	result.Added = len(diff.Added)
	result.Updated = len(diff.Updated)
	result.Deleted = len(diff.Deleted)

	result.Outcome = c.dispatcher.Deliver(ctx, diff, sub.CallbackURL)
	if result.Outcome == OutcomeWorking && !diff.Empty() {
		if err := c.snapshots.Put(ctx, sub.ID, current); err != nil {
			// The delivery succeeded but the snapshot did not advance;
			// the next cycle resends the same diff. At-least-once holds.
			result.Error = fmt.Sprintf("snapshot write failed: %v", err)
			c.logf("snapshot write for %s failed: %v", sub.ID, err)
		}
	}
	return result
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
