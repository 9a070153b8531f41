// Данный файл содержит Worker — оркестратор relay: цикл длинного опроса
// транспорта, продвижение курсора, диспетчеризация входящих через очереди
// топиков под глобальным семафором, периодическое вытеснение простаивающих
// сессий и аккуратная остановка с дожиданием незавершённых ходов.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-relay/internal/domain/session"
	"telegram-relay/internal/infra/concurrency"
	"telegram-relay/internal/infra/logger"
)

// pollRetryDelay — пауза перед повтором после сбоя длинного опроса.
const pollRetryDelay = 3 * time.Second

// evictInterval — период вытеснения простаивающих сессий.
const evictInterval = time.Minute

// WorkerConfig — рабочие параметры оркестратора.
type WorkerConfig struct {
	MaxConcurrentTopics  int
	SemaphoreQueueSize   int
	SessionIdleTimeout   time.Duration
	SessionMaxConcurrent int
}

// Worker — оркестратор relay. Владеет WorkerContext, очередями топиков и
// семафором; компоненты получают состояние по ссылке на каждый вызов.
type Worker struct {
	port     ChatPort
	store    Store
	sessions *session.Cache
	commands *Commands
	executor *Executor
	cfg      WorkerConfig

	wctx   *WorkerContext
	sem    *concurrency.Semaphore
	queues *concurrency.TopicQueueMap
}

// WorkerOptions — зависимости оркестратора; все обязательны.
type WorkerOptions struct {
	Port     ChatPort
	Store    Store
	Sessions *session.Cache
	Commands *Commands
	Executor *Executor
	Config   WorkerConfig
}

// NewWorker создаёт оркестратор.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Port == nil {
		return nil, errors.New("worker: chat port is required")
	}
	if opts.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("worker: session cache is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("worker: commands handler is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("worker: executor is required")
	}
	w := &Worker{
		port:     opts.Port,
		store:    opts.Store,
		sessions: opts.Sessions,
		commands: opts.Commands,
		executor: opts.Executor,
		cfg:      opts.Config,
		wctx:     NewWorkerContext(),
	}
	w.sem = concurrency.NewSemaphore(opts.Config.MaxConcurrentTopics, opts.Config.SemaphoreQueueSize)
	w.queues = concurrency.NewTopicQueueMap(func(key string, err error) {
		logger.Errorf("worker: topic %s: task failed: %v", key, err)
	})
	return w, nil
}

// Context возвращает процессное состояние воркера (для стартового протокола и
// админских поверхностей).
func (w *Worker) Context() *WorkerContext { return w.wctx }

// Stats — срез загрузки для админских поверхностей.
type Stats struct {
	Topics        int
	PendingTasks  int
	FreePermits   int
	WaitingTurns  int
	CachedSession int
}

// Stats возвращает текущую загрузку воркера.
func (w *Worker) Stats() Stats {
	return Stats{
		Topics:        w.queues.Len(),
		PendingTasks:  w.queues.Pending(),
		FreePermits:   w.sem.Available(),
		WaitingTurns:  w.sem.Pending(),
		CachedSession: w.sessions.Len(),
	}
}

// EvictIdleSessions запускает внеплановое вытеснение (админские поверхности).
func (w *Worker) EvictIdleSessions() (int, error) {
	return w.sessions.EvictIdle(w.cfg.SessionIdleTimeout, w.cfg.SessionMaxConcurrent)
}

// Run крутит цикл длинного опроса до отмены контекста. На выходе дожидается
// опустошения очередей топиков: незавершённые ходы доигрываются под своими
// таймаутами (дожидание ограничено переданным drainCtx у остановки выше).
func (w *Worker) Run(ctx context.Context) error {
	cursor, err := w.store.GetCursor()
	if err != nil {
		return errors.Wrap(err, "read update cursor")
	}
	logger.Infof("worker: polling from cursor %d", cursor)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.evictLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		updates, err := w.port.ReceiveUpdates(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			logger.Warnf("worker: poll failed: %v", err)
			select {
			case <-time.After(pollRetryDelay):
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= cursor {
				cursor = upd.UpdateID + 1
			}
			if upd.Message != nil {
				w.dispatch(upd.Message)
			}
		}
		if len(updates) > 0 {
			if err := w.store.SetCursor(cursor); err != nil {
				logger.Errorf("worker: persist cursor %d failed: %v", cursor, err)
			}
		}
	}
}

// Drain дожидается опустошения очередей топиков (используется при остановке).
func (w *Worker) Drain(ctx context.Context) error {
	return w.queues.DrainAll(ctx)
}

// dispatch ставит ход в очередь топика сообщения. Глобальный семафор берётся
// уже внутри задачи: очередь топика сохраняет FIFO, а переполнение очереди
// ожидания семафора превращается в сброс нагрузки (ход отбрасывается с warn).
func (w *Worker) dispatch(msg *InboundMessage) {
	topic := session.MakeTopicKey(msg.ChatID, msg.Thread)
	w.wctx.SetLastThread(msg.ChatID, msg.Thread)

	w.queues.Enqueue(context.Background(), string(topic), func(taskCtx context.Context) error {
		if err := w.sem.Acquire(taskCtx); err != nil {
			if errors.Is(err, concurrency.ErrQueueFull) {
				logger.Warnf("worker: topic %s: load shed, dropping turn: %v", topic, err)
				return nil
			}
			return errors.Wrap(err, "acquire turn permit")
		}
		defer w.sem.Release()

		handled, err := w.commands.Handle(taskCtx, w.wctx, msg)
		if err != nil {
			return errors.Wrap(err, "control command")
		}
		if handled {
			return nil
		}
		return w.executor.HandleTurn(taskCtx, w.wctx, msg)
	})
}

// evictLoop периодически вытесняет простаивающие и лишние сессии.
func (w *Worker) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := w.sessions.EvictIdle(w.cfg.SessionIdleTimeout, w.cfg.SessionMaxConcurrent)
			if err != nil {
				logger.Warnf("worker: session eviction: %v", err)
			}
			if evicted > 0 {
				logger.Infof("worker: evicted %d idle session(s)", evicted)
			}
		}
	}
}
