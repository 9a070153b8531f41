// Данный файл реализует детерминированные управляющие команды, исполняемые до
// обращения к модели: /start (однократный баннер готовности), намерение рестарта
// с долговечной отметкой подтверждения, /version, /workspace и заглушка для
// неизвестных слэш-команд. Модель при обработке команд не вызывается никогда.
package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-relay/internal/domain/session"
	"telegram-relay/internal/infra/buildinfo"
	"telegram-relay/internal/infra/logger"
)

// Тексты ответов управляющих команд.
const (
	readyBannerText    = "Ready. Send a message and I will relay it to the assistant."
	restartingText     = "Restarting… I'll confirm here once I'm back."
	unknownCommandText = "Unknown slash command. Available: /start, /restart, /version, /workspace."
)

// restartIntent — каноническая форма намерения рестарта после развёртки /restart.
const restartIntent = "restart assistant"

// Commands — обработчик управляющих команд.
type Commands struct {
	messenger *Messenger
	store     Store
	build     buildinfo.Info
	onRestart func(chatID int64, thread *int64)
	clock     func() time.Time
}

// CommandsOptions — зависимости обработчика. Messenger и Store обязательны;
// OnRestart и Clock могут быть nil (рестарт тогда лишь фиксируется в хранилище).
type CommandsOptions struct {
	Messenger *Messenger
	Store     Store
	Build     buildinfo.Info
	OnRestart func(chatID int64, thread *int64)
	Clock     func() time.Time
}

// NewCommands создаёт обработчик команд.
func NewCommands(opts CommandsOptions) (*Commands, error) {
	if opts.Messenger == nil {
		return nil, errors.New("commands: messenger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("commands: store is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Commands{
		messenger: opts.Messenger,
		store:     opts.Store,
		build:     opts.Build,
		onRestart: opts.OnRestart,
		clock:     clock,
	}, nil
}

// Handle разбирает входящее сообщение как управляющую команду. Возвращает true,
// если сообщение обработано (дальше к модели идти не надо). Счётчик сообщений
// чата инкрементируется здесь для каждого входящего — на нём держится
// однократность баннера /start.
func (c *Commands) Handle(ctx context.Context, wctx *WorkerContext, msg *InboundMessage) (bool, error) {
	prevCount := wctx.BumpMessageCount(msg.ChatID)
	text := strings.TrimSpace(msg.Text)
	thread := ThreadPtr(msg.Thread)

	// /restart в слэш-форме разворачивается в каноническое намерение, чтобы обе
	// формы имели идентичный эффект.
	normalized := strings.ToLower(text)
	if normalized == "/restart" {
		normalized = restartIntent
	}

	switch {
	case normalized == "/start":
		if prevCount > 0 {
			logger.Debugf("commands: chat %d: repeated /start ignored", msg.ChatID)
			return true, nil
		}
		return true, c.messenger.Send(ctx, wctx, msg.ChatID, thread, readyBannerText, "")

	case isRestartIntent(normalized):
		return true, c.handleRestart(ctx, wctx, msg, thread)

	case normalized == "/version":
		return true, c.messenger.Send(ctx, wctx, msg.ChatID, thread, c.build.String(), "")

	case strings.HasPrefix(normalized, "/workspace"):
		return true, c.handleWorkspace(ctx, wctx, msg, text, thread)

	case strings.HasPrefix(text, "/"):
		return true, c.messenger.Send(ctx, wctx, msg.ChatID, thread, unknownCommandText, "")

	default:
		return false, nil
	}
}

// isRestartIntent распознаёт намерение рестарта: "restart" либо "restart
// assistant", без учёта регистра, после обрезки пробелов.
func isRestartIntent(normalized string) bool {
	return normalized == "restart" || normalized == restartIntent
}

// handleRestart подтверждает рестарт, пишет долговечную отметку и дёргает хук.
// Отметка пишется до хука: супервизор может убить процесс сразу после вызова.
func (c *Commands) handleRestart(ctx context.Context, wctx *WorkerContext, msg *InboundMessage, thread ThreadRef) error {
	if err := c.messenger.Send(ctx, wctx, msg.ChatID, thread, restartingText, ""); err != nil {
		logger.Warnf("commands: chat %d: restarting reply failed: %v", msg.ChatID, err)
	}
	if err := c.store.UpsertPendingStartupAck(PendingStartupAck{
		ChatID:      msg.ChatID,
		Thread:      msg.Thread,
		RequestedAt: c.clock(),
	}); err != nil {
		return errors.Wrap(err, "persist pending startup ack")
	}
	if c.onRestart != nil {
		c.onRestart(msg.ChatID, msg.Thread)
	}
	return nil
}

// handleWorkspace показывает или переключает активную рабочую директорию топика.
// Форма "/workspace" — показать активную и историю; "/workspace <path>" —
// назначить новую (с записью в хранилище, чтобы пережить рестарт).
func (c *Commands) handleWorkspace(ctx context.Context, wctx *WorkerContext, msg *InboundMessage, text string, thread ThreadRef) error {
	topic := session.MakeTopicKey(msg.ChatID, msg.Thread)
	// Префикс проверен без учёта регистра, поэтому режем по длине.
	arg := strings.TrimSpace(text[len("/workspace"):])

	if arg == "" {
		active, ok := wctx.ActiveWorkspace(topic)
		if !ok {
			if stored, err := c.store.GetTopicWorkspace(topic); err == nil && stored != "" {
				active, ok = stored, true
			}
		}
		reply := "No active workspace for this topic; the default path is used."
		if ok {
			history := wctx.WorkspaceHistory(topic)
			sort.Strings(history)
			reply = fmt.Sprintf("Active workspace: %s", active)
			if len(history) > 1 {
				reply += fmt.Sprintf("\nPreviously used: %s", strings.Join(history, ", "))
			}
		}
		return c.messenger.Send(ctx, wctx, msg.ChatID, thread, reply, "")
	}

	wctx.SetActiveWorkspace(topic, arg)
	if err := c.store.SetTopicWorkspace(topic, arg); err != nil {
		logger.Warnf("commands: topic %s: persist workspace failed: %v", topic, err)
	}
	return c.messenger.Send(ctx, wctx, msg.ChatID, thread,
		fmt.Sprintf("Workspace switched to %s. The next turn starts a fresh session there.", arg), "")
}
