package boltstore_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/domain/session"
	"telegram-relay/internal/infra/boltstore"
)

func int64Ptr(v int64) *int64 { return &v }

func openStore(t *testing.T) *boltstore.Store {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "relay.bbolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := boltstore.Open("  "); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestOpenCreatesMissingDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "deeper", "relay.bbolt")
	store, err := boltstore.Open(path)
	if err != nil {
		t.Fatalf("open with missing dirs: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	key := session.Key{Topic: session.MakeTopicKey(100, int64Ptr(42)), Workspace: "/ws"}
	if rec, err := store.GetSession(key); err != nil || rec != nil {
		t.Fatalf("absent session = %+v, %v; want nil, nil", rec, err)
	}

	lastUsed := time.Date(2026, 3, 1, 15, 30, 0, 123456789, time.UTC)
	if err := store.UpsertSession(session.Persisted{
		Key:               key,
		ProviderSessionID: "ses-123",
		LastUsedAt:        lastUsed,
		Status:            session.StatusActive,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := store.GetSession(key)
	if err != nil || rec == nil {
		t.Fatalf("get: %+v, %v", rec, err)
	}
	if rec.ProviderSessionID != "ses-123" || rec.Status != session.StatusActive {
		t.Fatalf("record = %+v", rec)
	}
	if !rec.LastUsedAt.Equal(lastUsed) {
		t.Fatalf("lastUsedAt = %v, want %v", rec.LastUsedAt, lastUsed)
	}
}

func TestMarkStale(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	key := session.Key{Topic: session.MakeTopicKey(100, nil), Workspace: "/ws"}
	if err := store.UpsertSession(session.Persisted{
		Key:               key,
		ProviderSessionID: "ses-1",
		LastUsedAt:        time.Now(),
		Status:            session.StatusActive,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := store.MarkStale(key, ts); err != nil {
		t.Fatalf("mark stale: %v", err)
	}

	rec, err := store.GetSession(key)
	if err != nil || rec == nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != session.StatusStale || rec.ProviderSessionID != "ses-1" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestMarkStaleAbsentCreatesStaleRecord(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	key := session.Key{Topic: session.MakeTopicKey(7, nil), Workspace: "/ws"}
	if err := store.MarkStale(key, time.Now()); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	rec, err := store.GetSession(key)
	if err != nil || rec == nil {
		t.Fatalf("get: %+v, %v", rec, err)
	}
	if rec.Status != session.StatusStale {
		t.Fatalf("status = %q, want stale", rec.Status)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	for chat := int64(1); chat <= 3; chat++ {
		if err := store.UpsertSession(session.Persisted{
			Key:               session.Key{Topic: session.MakeTopicKey(chat, nil), Workspace: "/ws"},
			ProviderSessionID: "ses",
			LastUsedAt:        time.Now(),
			Status:            session.StatusActive,
		}); err != nil {
			t.Fatalf("upsert %d: %v", chat, err)
		}
	}

	recs, err := store.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("listed %d sessions, want 3", len(recs))
	}
}

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	if cursor, err := store.GetCursor(); err != nil || cursor != 0 {
		t.Fatalf("fresh cursor = %d, %v", cursor, err)
	}
	if err := store.SetCursor(12345); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cursor, err := store.GetCursor(); err != nil || cursor != 12345 {
		t.Fatalf("cursor = %d, %v", cursor, err)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	topic := session.MakeTopicKey(100, int64Ptr(5))
	if ws, err := store.GetTopicWorkspace(topic); err != nil || ws != "" {
		t.Fatalf("absent workspace = %q, %v", ws, err)
	}

	if err := store.SetTopicWorkspace(topic, "/srv/projects/alpha"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ws, err := store.GetTopicWorkspace(topic); err != nil || ws != "/srv/projects/alpha" {
		t.Fatalf("workspace = %q, %v", ws, err)
	}

	// Touch не меняет путь; отсутствующий топик — no-op.
	if err := store.TouchTopicWorkspace(topic); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := store.TouchTopicWorkspace(session.MakeTopicKey(999, nil)); err != nil {
		t.Fatalf("touch absent: %v", err)
	}

	all, err := store.ListTopicWorkspaces()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[topic] != "/srv/projects/alpha" {
		t.Fatalf("workspaces = %v", all)
	}
}

func TestStartupAckLifecycle(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	if ack, err := store.GetPendingStartupAck(); err != nil || ack != nil {
		t.Fatalf("fresh ack = %+v, %v", ack, err)
	}

	requested := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	if err := store.UpsertPendingStartupAck(relay.PendingStartupAck{
		ChatID:       100,
		Thread:       int64Ptr(42),
		RequestedAt:  requested,
		AttemptCount: 1,
		LastError:    "bad gateway",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ack, err := store.GetPendingStartupAck()
	if err != nil || ack == nil {
		t.Fatalf("get: %+v, %v", ack, err)
	}
	if ack.ChatID != 100 || ack.Thread == nil || *ack.Thread != 42 {
		t.Fatalf("ack = %+v", ack)
	}
	if !ack.RequestedAt.Equal(requested) || ack.AttemptCount != 1 || ack.LastError != "bad gateway" {
		t.Fatalf("ack = %+v", ack)
	}

	if err := store.ClearPendingStartupAck(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ack, err := store.GetPendingStartupAck(); err != nil || ack != nil {
		t.Fatalf("cleared ack = %+v, %v", ack, err)
	}
	// Повторная очистка безопасна.
	if err := store.ClearPendingStartupAck(); err != nil {
		t.Fatalf("repeated clear: %v", err)
	}
}

func TestTurnEventsOrderAndLimit(t *testing.T) {
	t.Parallel()
	store := openStore(t)

	kinds := []string{relay.TurnEventReceived, relay.TurnEventDispatched, relay.TurnEventFailed, relay.TurnEventRetry, relay.TurnEventDelivered}
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	for i, kind := range kinds {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		if err := store.AppendTurnEvent(relay.TurnEvent{
			TurnID:     "turn-1",
			SessionKey: `["100:root","/ws"]`,
			At:         base.Add(time.Duration(i) * time.Second),
			Kind:       kind,
			Payload:    payload,
		}); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}

	all, err := store.ListTurnEvents(0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != len(kinds) {
		t.Fatalf("listed %d events, want %d", len(all), len(kinds))
	}
	for i, ev := range all {
		if ev.Kind != kinds[i] {
			t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, kinds[i])
		}
	}

	last, err := store.ListTurnEvents(2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(last) != 2 || last[0].Kind != relay.TurnEventRetry || last[1].Kind != relay.TurnEventDelivered {
		t.Fatalf("limited events = %+v", last)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.bbolt")
	store, err := boltstore.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	key := session.Key{Topic: session.MakeTopicKey(100, nil), Workspace: "/ws"}
	if err := store.UpsertSession(session.Persisted{
		Key:               key,
		ProviderSessionID: "ses-persisted",
		LastUsedAt:        time.Now(),
		Status:            session.StatusActive,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetCursor(77); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := boltstore.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.GetSession(key)
	if err != nil || rec == nil || rec.ProviderSessionID != "ses-persisted" {
		t.Fatalf("session after reopen = %+v, %v", rec, err)
	}
	if cursor, err := reopened.GetCursor(); err != nil || cursor != 77 {
		t.Fatalf("cursor after reopen = %d, %v", cursor, err)
	}
}
