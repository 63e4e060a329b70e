package tablesync

import (
	"context"
	"testing"
)

func newTestGateway(t *testing.T, source *fakeSource, snapshots *fakeSnapshots, registry *fakeRegistry) *Gateway {
	t.Helper()
	gateway, err := NewGateway(GatewayOptions{
		Registry:  registry,
		Source:    source,
		Snapshots: snapshots,
	})
	if err != nil {
		t.Fatalf("new gateway failed: %v", err)
	}
	return gateway
}

func writableHook() Subscription {
	return Subscription{
		ID:        "hook_1",
		SourceID:  "app1",
		TableID:   "Tasks",
		AuthToken: "secret",
		CanWrite:  true,
		HookName:  "tasks",
	}
}

func TestCreateRowHappyPath(t *testing.T) {
	source := newFakeSource()
	registry := &fakeRegistry{subs: []Subscription{writableHook()}}
	gateway := newTestGateway(t, source, newFakeSnapshots(), registry)

	rowID, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "secret", []byte(`{"name":"x"}`))
	if gwErr != nil {
		t.Fatalf("expected success, got %v", gwErr)
	}
	if rowID != "rec_new" {
		t.Fatalf("expected created row id, got %q", rowID)
	}
	if len(source.created) != 1 || source.created[0]["name"] != "x" {
		t.Fatalf("expected row forwarded upstream, got %+v", source.created)
	}
}

func TestCreateRowRejectsNonJSONContentType(t *testing.T) {
	source := newFakeSource()
	registry := &fakeRegistry{subs: []Subscription{writableHook()}}
	gateway := newTestGateway(t, source, newFakeSnapshots(), registry)

	_, gwErr := gateway.CreateRow(context.Background(), "tasks", "text/plain", "secret", []byte(`{"name":"x"}`))
	if gwErr == nil || gwErr.Status != 400 || gwErr.Code != "content_type_header_not_json" {
		t.Fatalf("expected content type rejection, got %v", gwErr)
	}
	if len(source.created) != 0 {
		t.Fatalf("expected no upstream create, got %+v", source.created)
	}
}

func TestCreateRowUnknownHookIsNotFound(t *testing.T) {
	registry := &fakeRegistry{subs: []Subscription{writableHook()}}
	gateway := newTestGateway(t, newFakeSource(), newFakeSnapshots(), registry)

	_, gwErr := gateway.CreateRow(context.Background(), "nope", "application/json", "secret", []byte(`{}`))
	if gwErr == nil || gwErr.Status != 404 || gwErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", gwErr)
	}
}

func TestCreateRowReadOnlyHookLooksMissing(t *testing.T) {
	hook := writableHook()
	hook.CanWrite = false
	registry := &fakeRegistry{subs: []Subscription{hook}}
	gateway := newTestGateway(t, newFakeSource(), newFakeSnapshots(), registry)

	_, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "secret", []byte(`{}`))
	if gwErr == nil || gwErr.Status != 404 || gwErr.Code != "not_found" {
		t.Fatalf("expected read-only hook to answer not_found, got %v", gwErr)
	}
}

func TestCreateRowWrongTokenIsRejectedWithoutUpstreamWrite(t *testing.T) {
	source := newFakeSource()
	registry := &fakeRegistry{subs: []Subscription{writableHook()}}
	gateway := newTestGateway(t, source, newFakeSnapshots(), registry)

	_, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "wrong", []byte(`{"name":"x"}`))
	if gwErr == nil || gwErr.Status != 401 || gwErr.Code != "bad_auth" {
		t.Fatalf("expected bad_auth, got %v", gwErr)
	}
	if len(source.created) != 0 {
		t.Fatalf("expected no row created upstream, got %+v", source.created)
	}
}

func TestCreateRowEmptyConfiguredTokenNeverMatches(t *testing.T) {
	hook := writableHook()
	hook.AuthToken = ""
	registry := &fakeRegistry{subs: []Subscription{hook}}
	gateway := newTestGateway(t, newFakeSource(), newFakeSnapshots(), registry)

	_, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "", []byte(`{}`))
	if gwErr == nil || gwErr.Code != "bad_auth" {
		t.Fatalf("expected unset token to close the hook, got %v", gwErr)
	}
}

func TestCreateRowMalformedBodyIsBadFormat(t *testing.T) {
	registry := &fakeRegistry{subs: []Subscription{writableHook()}}
	gateway := newTestGateway(t, newFakeSource(), newFakeSnapshots(), registry)

	for _, body := range []string{`not json`, `[1,2,3]`, `"scalar"`} {
		_, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "secret", []byte(body))
		if gwErr == nil || gwErr.Status != 400 || gwErr.Code != "bad format" {
			t.Fatalf("expected bad format for %q, got %v", body, gwErr)
		}
	}
}

func TestCreateRowUpstreamRejectionIsBadFormat(t *testing.T) {
	source := newFakeSource()
	source.createErr = ErrInvalidPayload
	registry := &fakeRegistry{subs: []Subscription{writableHook()}}
	gateway := newTestGateway(t, source, newFakeSnapshots(), registry)

	_, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "secret", []byte(`{"name":"x"}`))
	if gwErr == nil || gwErr.Status != 400 || gwErr.Code != "bad format" {
		t.Fatalf("expected bad format for upstream rejection, got %v", gwErr)
	}
}

func TestCreateRowValidatesConfiguredPayloadSchema(t *testing.T) {
	hook := writableHook()
	hook.PayloadSchema = `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`
	source := newFakeSource()
	registry := &fakeRegistry{subs: []Subscription{hook}}
	gateway := newTestGateway(t, source, newFakeSnapshots(), registry)

	if _, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "secret", []byte(`{"name":"x"}`)); gwErr != nil {
		t.Fatalf("expected valid payload to pass, got %v", gwErr)
	}
	_, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "secret", []byte(`{"count":1}`))
	if gwErr == nil || gwErr.Code != "bad format" {
		t.Fatalf("expected schema violation to be bad format, got %v", gwErr)
	}
	if len(source.created) != 1 {
		t.Fatalf("expected only the valid payload upstream, got %+v", source.created)
	}
}

func TestCreateRowBrokenSchemaFailsOpen(t *testing.T) {
	hook := writableHook()
	hook.PayloadSchema = `{not valid json`
	source := newFakeSource()
	registry := &fakeRegistry{subs: []Subscription{hook}}
	gateway := newTestGateway(t, source, newFakeSnapshots(), registry)

	if _, gwErr := gateway.CreateRow(context.Background(), "tasks", "application/json", "secret", []byte(`{"name":"x"}`)); gwErr != nil {
		t.Fatalf("expected broken schema to be ignored, got %v", gwErr)
	}
	if len(source.created) != 1 {
		t.Fatalf("expected write to pass through, got %+v", source.created)
	}
}

func TestResetDeletesSnapshot(t *testing.T) {
	hook := writableHook()
	registry := &fakeRegistry{subs: []Subscription{hook}}
	snapshots := newFakeSnapshots()
	snapshots.data["hook_1"] = SnapshotFromRows([]Row{{ID: "r1", Fields: map[string]any{}}})
	gateway := newTestGateway(t, newFakeSource(), snapshots, registry)

	if gwErr := gateway.Reset(context.Background(), "tasks", "secret"); gwErr != nil {
		t.Fatalf("expected reset to succeed, got %v", gwErr)
	}
	if stored, _ := snapshots.Get(context.Background(), "hook_1"); len(stored) != 0 {
		t.Fatalf("expected snapshot cleared, got %d rows", len(stored))
	}
}

func TestResetWrongTokenIsRejected(t *testing.T) {
	registry := &fakeRegistry{subs: []Subscription{writableHook()}}
	snapshots := newFakeSnapshots()
	snapshots.data["hook_1"] = SnapshotFromRows([]Row{{ID: "r1", Fields: map[string]any{}}})
	gateway := newTestGateway(t, newFakeSource(), snapshots, registry)

	if gwErr := gateway.Reset(context.Background(), "tasks", "wrong"); gwErr == nil || gwErr.Code != "bad_auth" {
		t.Fatalf("expected bad_auth, got %v", gwErr)
	}
	if stored, _ := snapshots.Get(context.Background(), "hook_1"); len(stored) != 1 {
		t.Fatalf("expected snapshot untouched, got %d rows", len(stored))
	}
}
