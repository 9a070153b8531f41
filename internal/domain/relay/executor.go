// Данный файл содержит Executor — конечный автомат одного хода:
// RESOLVE (топик → workspace → ключ сессии → возобновляемый идентификатор) →
// DISPATCH (вызов модели под таймаутом и пейсером прогресса) → анализ исхода
// (успех / ретрай со свежей сессией / текст сбоя) → DELIVER. Любой исход хода
// доставляется пользователю текстом; наружу (в очередь топика) ошибки хода не
// поднимаются.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"telegram-relay/internal/domain/session"
	"telegram-relay/internal/infra/concurrency"
	"telegram-relay/internal/infra/logger"
)

// errEmptyOutput синтезируется при пустом ответе модели; текст совпадает с
// паттерном класса empty_output.
var errEmptyOutput = errors.New("model returned no user-facing text output")

// ExecutorConfig — рабочие параметры исполнителя ходов.
type ExecutorConfig struct {
	RelayTimeout     time.Duration
	RetryAttempts    int
	Progress         ProgressConfig
	DefaultWorkspace string
}

// Executor исполняет ходы модели для входящих сообщений.
type Executor struct {
	model     ModelPort
	messenger *Messenger
	sessions  *session.Cache
	store     Store
	cfg       ExecutorConfig
	clock     func() time.Time
}

// ExecutorOptions — зависимости исполнителя. Model, Messenger, Sessions и Store
// обязательны; Clock может быть nil.
type ExecutorOptions struct {
	Model     ModelPort
	Messenger *Messenger
	Sessions  *session.Cache
	Store     Store
	Config    ExecutorConfig
	Clock     func() time.Time
}

// NewExecutor создаёт исполнителя ходов.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Model == nil {
		return nil, errors.New("executor: model port is required")
	}
	if opts.Messenger == nil {
		return nil, errors.New("executor: messenger is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("executor: session cache is required")
	}
	if opts.Store == nil {
		return nil, errors.New("executor: store is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Executor{
		model:     opts.Model,
		messenger: opts.Messenger,
		sessions:  opts.Sessions,
		store:     opts.Store,
		cfg:       opts.Config,
		clock:     clock,
	}, nil
}

// HandleTurn исполняет один ход: разрешает сессию, вызывает модель и доставляет
// исход. Возвращаемая ошибка — только сбой доставки (для onError-хука очереди);
// сбои модели в ней не отражаются, они уже доставлены текстом.
func (e *Executor) HandleTurn(ctx context.Context, wctx *WorkerContext, msg *InboundMessage) error {
	topic := session.MakeTopicKey(msg.ChatID, msg.Thread)
	workspace := e.resolveWorkspace(wctx, topic)
	key := session.Key{Topic: topic, Workspace: workspace}
	thread := ThreadPtr(msg.Thread)
	turnID := fmt.Sprintf("%s-%d", topic, e.clock().UnixNano())

	sessionID, resumed, err := e.sessions.LoadSessionID(key)
	if err != nil {
		logger.Warnf("turn %s: session lookup failed, starting fresh: %v", turnID, err)
		sessionID, resumed = "", false
	}

	e.appendEvent(turnID, key, TurnEventReceived, map[string]any{
		"chat_id": msg.ChatID,
		"resumed": resumed,
	})

	retriesLeft := e.cfg.RetryAttempts
	for {
		e.appendEvent(turnID, key, TurnEventDispatched, map[string]any{"session_id": sessionID})

		reply, dispatchErr := e.dispatch(ctx, wctx, msg, thread, sessionID, workspace)
		if dispatchErr == nil && (reply == nil || reply.ReplyText == "") {
			dispatchErr = errEmptyOutput
		}

		if dispatchErr == nil {
			if reply.SessionID != "" {
				if err := e.sessions.PersistSessionID(key, reply.SessionID); err != nil {
					logger.Errorf("turn %s: persist session failed: %v", turnID, err)
				}
			}
			e.appendEvent(turnID, key, TurnEventDelivered, map[string]any{
				"chars":      len([]rune(reply.ReplyText)),
				"session_id": reply.SessionID,
			})
			return e.deliver(ctx, wctx, msg.ChatID, thread, reply.ReplyText)
		}

		class := Classify(dispatchErr)
		logger.Warnf("turn %s: model call failed (class=%s): %v", turnID, class, dispatchErr)
		e.appendEvent(turnID, key, TurnEventFailed, map[string]any{
			"class": string(class),
			"error": dispatchErr.Error(),
		})

		switch {
		case class == FailureTimeout:
			// Сессия при таймауте не помечается stale: она может быть жива.
			deliverErr := e.deliver(ctx, wctx, msg.ChatID, thread, class.UserText(dispatchErr, e.cfg.RelayTimeout))
			if retriesLeft > 0 && resumed {
				retriesLeft--
				sessionID, resumed = "", false
				e.appendEvent(turnID, key, TurnEventRetry, map[string]any{"reason": string(class)})
				continue
			}
			return deliverErr

		case class.DiscardsSession() && retriesLeft > 0 && resumed:
			if err := e.sessions.Discard(key); err != nil {
				logger.Errorf("turn %s: discard session failed: %v", turnID, err)
			}
			if resetter, ok := e.model.(SessionResetter); ok {
				if err := resetter.ResetSession(ctx, key); err != nil {
					logger.Warnf("turn %s: adapter reset failed: %v", turnID, err)
				}
			}
			retriesLeft--
			sessionID, resumed = "", false
			e.appendEvent(turnID, key, TurnEventRetry, map[string]any{"reason": string(class)})
			continue

		default:
			return e.deliver(ctx, wctx, msg.ChatID, thread, class.UserText(dispatchErr, e.cfg.RelayTimeout))
		}
	}
}

// dispatch вызывает модель под таймаутом хода и пейсером прогресса. Сбой
// прогресс-уведомления глотается пейсером; сбой отправки логируется внутри
// колбэка.
func (e *Executor) dispatch(
	ctx context.Context,
	wctx *WorkerContext,
	msg *InboundMessage,
	thread ThreadRef,
	sessionID, workspace string,
) (*ModelReply, error) {
	req := ModelRequest{
		ChatID:        msg.ChatID,
		Thread:        msg.Thread,
		Text:          msg.Text,
		SessionID:     sessionID,
		WorkspacePath: workspace,
	}

	onProgress := func(count int) {
		text := fmt.Sprintf("Still working… (%d)", count)
		if err := e.messenger.Send(ctx, wctx, msg.ChatID, thread, text, ""); err != nil {
			logger.Warnf("chat %d: progress notification failed: %v", msg.ChatID, err)
		}
	}

	return concurrency.RunWithDeadline(ctx, e.cfg.RelayTimeout,
		func() {
			// Хук таймаута: контекст вызова отменяется сразу после него; адаптер,
			// уважающий отмену, прервёт ход провайдера.
			logger.Warnf("chat %d: model call exceeded %s", msg.ChatID, e.cfg.RelayTimeout)
		},
		func(callCtx context.Context) (*ModelReply, error) {
			return RunWithProgress(callCtx, e.cfg.Progress, onProgress,
				func(taskCtx context.Context) (*ModelReply, error) {
					return e.model.Respond(taskCtx, req)
				})
		})
}

// deliver отправляет текст исхода пользователю. Сбой доставки — единственная
// ошибка, которую ход поднимает наружу.
func (e *Executor) deliver(ctx context.Context, wctx *WorkerContext, chatID int64, thread ThreadRef, text string) error {
	if err := e.messenger.Send(ctx, wctx, chatID, thread, text, ""); err != nil {
		return errors.Wrap(err, "deliver turn outcome")
	}
	return nil
}

// resolveWorkspace выбирает рабочую директорию топика: процессное состояние →
// хранилище (с поднятием в состояние) → директория по умолчанию.
func (e *Executor) resolveWorkspace(wctx *WorkerContext, topic session.TopicKey) string {
	if ws, ok := wctx.ActiveWorkspace(topic); ok {
		return ws
	}
	if ws, err := e.store.GetTopicWorkspace(topic); err == nil && ws != "" {
		wctx.SetActiveWorkspace(topic, ws)
		if err := e.store.TouchTopicWorkspace(topic); err != nil {
			logger.Debugf("topic %s: touch workspace failed: %v", topic, err)
		}
		return ws
	}
	return e.cfg.DefaultWorkspace
}

// appendEvent пишет запись журнала ходов; сбой журнала никогда не влияет на ход.
func (e *Executor) appendEvent(turnID string, key session.Key, kind string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	if err := e.store.AppendTurnEvent(TurnEvent{
		TurnID:     turnID,
		SessionKey: key.Encode(),
		At:         e.clock(),
		Kind:       kind,
		Payload:    raw,
	}); err != nil {
		logger.Debugf("turn %s: append event %s failed: %v", turnID, kind, err)
	}
}
