package relay_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/domain/session"
	"telegram-relay/internal/infra/buildinfo"
)

type commandsRig struct {
	chat     *fakeChat
	store    *fakeStore
	wctx     *relay.WorkerContext
	commands *relay.Commands

	mu       sync.Mutex
	restarts []int64
}

func newCommandsRig(t *testing.T) *commandsRig {
	t.Helper()
	rig := &commandsRig{
		chat:  &fakeChat{},
		store: newFakeStore(),
		wctx:  relay.NewWorkerContext(),
	}
	commands, err := relay.NewCommands(relay.CommandsOptions{
		Messenger: relay.NewMessenger(rig.chat),
		Store:     rig.store,
		Build:     buildinfo.Info{Version: "v9.9.9"},
		OnRestart: func(chatID int64, _ *int64) {
			rig.mu.Lock()
			rig.restarts = append(rig.restarts, chatID)
			rig.mu.Unlock()
		},
		Clock: func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new commands: %v", err)
	}
	rig.commands = commands
	return rig
}

func (r *commandsRig) handle(t *testing.T, text string) bool {
	t.Helper()
	handled, err := r.commands.Handle(context.Background(), r.wctx, &relay.InboundMessage{
		ChatID: 100,
		Text:   text,
	})
	if err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	return handled
}

func TestCommandsStartBannerOnce(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)

	if !rig.handle(t, "/start") {
		t.Fatal("/start not handled")
	}
	if !rig.handle(t, "/start") {
		t.Fatal("repeated /start not handled")
	}

	sent := rig.chat.sentCopy()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want exactly one banner", len(sent))
	}
	if !strings.Contains(sent[0].Text, "Ready") {
		t.Fatalf("banner text = %q", sent[0].Text)
	}
}

func TestCommandsStartAfterTrafficIsSilent(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)

	// Обычное сообщение уже учтено счётчиком чата — баннер не положен.
	if rig.handle(t, "hello there") {
		t.Fatal("plain text must not be handled as a command")
	}
	if !rig.handle(t, "/start") {
		t.Fatal("/start not handled")
	}
	if rig.chat.sentCount() != 0 {
		t.Fatal("late /start produced a banner")
	}
}

func TestCommandsRestartIntentForms(t *testing.T) {
	t.Parallel()

	for _, form := range []string{"/restart", "restart", "Restart Assistant", "  RESTART  "} {
		form := form
		t.Run(form, func(t *testing.T) {
			t.Parallel()
			rig := newCommandsRig(t)

			if !rig.handle(t, form) {
				t.Fatalf("%q not handled as restart", form)
			}

			sent := rig.chat.sentCopy()
			if len(sent) != 1 || !strings.Contains(strings.ToLower(sent[0].Text), "restarting") {
				t.Fatalf("restart reply = %+v", sent)
			}

			ack := rig.store.pendingAck()
			if ack == nil {
				t.Fatal("pending startup ack not persisted")
			}
			if ack.ChatID != 100 || ack.AttemptCount != 0 {
				t.Fatalf("ack = %+v", ack)
			}
			if ack.RequestedAt.IsZero() {
				t.Fatal("ack requestedAt not set")
			}

			rig.mu.Lock()
			defer rig.mu.Unlock()
			if len(rig.restarts) != 1 || rig.restarts[0] != 100 {
				t.Fatalf("restart hook calls = %v", rig.restarts)
			}
		})
	}
}

func TestCommandsRestartAckPersistsEvenIfReplyFails(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)
	rig.chat.sendHook = func(int, int64, *int64, string) error {
		return &relay.TransportAPIError{StatusCode: 500, Method: "sendMessage"}
	}

	if !rig.handle(t, "/restart") {
		t.Fatal("/restart not handled")
	}
	if rig.store.pendingAck() == nil {
		t.Fatal("ack lost when the restarting reply failed")
	}
}

func TestCommandsVersion(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)

	if !rig.handle(t, "/version") {
		t.Fatal("/version not handled")
	}
	sent := rig.chat.sentCopy()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "v9.9.9") {
		t.Fatalf("version reply = %+v", sent)
	}
}

func TestCommandsWorkspaceSwitchAndShow(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)
	topic := session.MakeTopicKey(100, nil)

	if !rig.handle(t, "/workspace /srv/projects/alpha") {
		t.Fatal("/workspace switch not handled")
	}
	if ws, ok := rig.wctx.ActiveWorkspace(topic); !ok || ws != "/srv/projects/alpha" {
		t.Fatalf("active workspace = %q %v", ws, ok)
	}
	if stored, _ := rig.store.GetTopicWorkspace(topic); stored != "/srv/projects/alpha" {
		t.Fatalf("persisted workspace = %q", stored)
	}

	if !rig.handle(t, "/workspace") {
		t.Fatal("/workspace show not handled")
	}

	sent := rig.chat.sentCopy()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if !strings.Contains(sent[0].Text, "fresh session") {
		t.Fatalf("switch confirmation = %q", sent[0].Text)
	}
	if !strings.Contains(sent[1].Text, "/srv/projects/alpha") {
		t.Fatalf("show reply = %q", sent[1].Text)
	}
}

func TestCommandsWorkspaceShowWithoutActive(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)

	if !rig.handle(t, "/workspace") {
		t.Fatal("/workspace not handled")
	}
	sent := rig.chat.sentCopy()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "No active workspace") {
		t.Fatalf("reply = %+v", sent)
	}
}

func TestCommandsUnknownSlash(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)

	if !rig.handle(t, "/frobnicate now") {
		t.Fatal("unknown slash command not handled")
	}
	sent := rig.chat.sentCopy()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Unknown slash command") {
		t.Fatalf("reply = %+v", sent)
	}
}

func TestCommandsPlainTextPassesThrough(t *testing.T) {
	t.Parallel()
	rig := newCommandsRig(t)

	if rig.handle(t, "please summarize the logs") {
		t.Fatal("plain text was swallowed by the command handler")
	}
	if rig.chat.sentCount() != 0 {
		t.Fatal("plain text produced a command reply")
	}
	if got := rig.wctx.MessageCount(100); got != 1 {
		t.Fatalf("message count = %d, want 1", got)
	}
}
