package relay_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/buildinfo"
)

func TestFlushStartupAckNothingPending(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	store := newFakeStore()

	err := relay.FlushPendingStartupAck(context.Background(), store,
		relay.NewMessenger(chat), relay.NewWorkerContext(), buildinfo.Info{Version: "v1"})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if chat.sentCount() != 0 {
		t.Fatal("nothing pending but a message was sent")
	}
}

func TestFlushStartupAckDeliversAndClears(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	store := newFakeStore()
	if err := store.UpsertPendingStartupAck(relay.PendingStartupAck{
		ChatID:      100,
		Thread:      int64Ptr(42),
		RequestedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed ack: %v", err)
	}

	err := relay.FlushPendingStartupAck(context.Background(), store,
		relay.NewMessenger(chat), relay.NewWorkerContext(), buildinfo.Info{Version: "v2.0.0"})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := chat.sentCopy()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Text, "Restart complete") || !strings.Contains(sent[0].Text, "v2.0.0") {
		t.Fatalf("ack text = %q", sent[0].Text)
	}
	if sent[0].Thread == nil || *sent[0].Thread != 42 {
		t.Fatalf("ack thread = %v, want 42", sent[0].Thread)
	}
	if store.pendingAck() != nil {
		t.Fatal("delivered ack was not cleared")
	}
}

func TestFlushStartupAckKeepsMarkOnFailure(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{
		sendHook: func(int, int64, *int64, string) error {
			return &relay.TransportAPIError{StatusCode: 502, Method: "sendMessage", Description: "bad gateway"}
		},
	}
	store := newFakeStore()
	if err := store.UpsertPendingStartupAck(relay.PendingStartupAck{
		ChatID:      100,
		RequestedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed ack: %v", err)
	}

	err := relay.FlushPendingStartupAck(context.Background(), store,
		relay.NewMessenger(chat), relay.NewWorkerContext(), buildinfo.Info{Version: "v1"})
	if err == nil {
		t.Fatal("delivery failure was swallowed")
	}

	ack := store.pendingAck()
	if ack == nil {
		t.Fatal("ack lost after failed delivery")
	}
	if ack.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", ack.AttemptCount)
	}
	if !strings.Contains(ack.LastError, "502") {
		t.Fatalf("last error = %q", ack.LastError)
	}
}

func TestFlushStartupAckAccumulatesAttempts(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{
		sendHook: func(int, int64, *int64, string) error {
			return &relay.TransportAPIError{StatusCode: 502, Method: "sendMessage"}
		},
	}
	store := newFakeStore()
	if err := store.UpsertPendingStartupAck(relay.PendingStartupAck{
		ChatID:       100,
		RequestedAt:  time.Now(),
		AttemptCount: 2,
		LastError:    "previous failure",
	}); err != nil {
		t.Fatalf("seed ack: %v", err)
	}

	_ = relay.FlushPendingStartupAck(context.Background(), store,
		relay.NewMessenger(chat), relay.NewWorkerContext(), buildinfo.Info{Version: "v1"})

	ack := store.pendingAck()
	if ack == nil || ack.AttemptCount != 3 {
		t.Fatalf("ack = %+v, want attemptCount 3", ack)
	}
}
