package tablesync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeliverEmptyDiffSkipsNetwork(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	dispatcher := NewDispatcher(DispatcherOptions{})
	outcome := dispatcher.Deliver(context.Background(), Diff{}, server.URL)

	if outcome != OutcomeWorking {
		t.Fatalf("expected working for empty diff, got %q", outcome)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no network call for empty diff, got %d", calls.Load())
	}
}

func TestDeliverPostsDiffAndClassifiesSuccess(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	diff := DiffSnapshots(Snapshot{}, SnapshotFromRows([]Row{{ID: "r1", Fields: map[string]any{"name": "x"}}}))
	dispatcher := NewDispatcher(DispatcherOptions{})
	outcome := dispatcher.Deliver(context.Background(), diff, server.URL)

	if outcome != OutcomeWorking {
		t.Fatalf("expected working, got %q", outcome)
	}
	var payload struct {
		Added   []map[string]any `json:"added"`
		Updated []map[string]any `json:"updated"`
		Deleted []string         `json:"deleted"`
	}
	if err := json.Unmarshal(received, &payload); err != nil {
		t.Fatalf("decode delivered payload failed: %v", err)
	}
	if len(payload.Added) != 1 || payload.Added[0]["id"] != "r1" || payload.Added[0]["name"] != "x" {
		t.Fatalf("unexpected delivered payload: %s", received)
	}
}

func TestDeliverNon2xxIsFailedToPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	diff := DiffSnapshots(Snapshot{}, SnapshotFromRows([]Row{{ID: "r1", Fields: map[string]any{}}}))
	dispatcher := NewDispatcher(DispatcherOptions{})

	if outcome := dispatcher.Deliver(context.Background(), diff, server.URL); outcome != OutcomeFailedToPost {
		t.Fatalf("expected failed to post, got %q", outcome)
	}
}

func TestDeliverTimeoutIsFailedToPost(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	diff := DiffSnapshots(Snapshot{}, SnapshotFromRows([]Row{{ID: "r1", Fields: map[string]any{}}}))
	dispatcher := NewDispatcher(DispatcherOptions{Timeout: 50 * time.Millisecond})

	if outcome := dispatcher.Deliver(context.Background(), diff, server.URL); outcome != OutcomeFailedToPost {
		t.Fatalf("expected failed to post on timeout, got %q", outcome)
	}
}

func TestDeliverUnreachableHostIsFailedToPost(t *testing.T) {
	diff := DiffSnapshots(Snapshot{}, SnapshotFromRows([]Row{{ID: "r1", Fields: map[string]any{}}}))
	dispatcher := NewDispatcher(DispatcherOptions{Timeout: 200 * time.Millisecond})

	if outcome := dispatcher.Deliver(context.Background(), diff, "http://127.0.0.1:1"); outcome != OutcomeFailedToPost {
		t.Fatalf("expected failed to post for unreachable host, got %q", outcome)
	}
}
