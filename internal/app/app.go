// Package app реализует верхний уровень управления жизненным циклом relay-воркера.
// Здесь собираются зависимости (хранилище, транспорт, адаптер модели, ядро),
// сервисы запускаются в правильном порядке, выполняется стартовый протокол
// подтверждения рестарта, и организуется корректный graceful shutdown: сначала
// останавливается опрос, затем дожидаются незавершённые ходы, потом гасятся
// админские поверхности и закрывается база.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"telegram-relay/internal/adapters/botapi"
	"telegram-relay/internal/adapters/cli"
	openaiadapter "telegram-relay/internal/adapters/openai"
	"telegram-relay/internal/adapters/web"
	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/domain/session"
	"telegram-relay/internal/infra/boltstore"
	"telegram-relay/internal/infra/buildinfo"
	"telegram-relay/internal/infra/config"
	"telegram-relay/internal/infra/logger"
)

const (
	webServerShutdownTimeout = 10 * time.Second
	startupAckTimeout        = 30 * time.Second
)

// App инкапсулирует сценарий запуска и остановки relay-воркера.
type App struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown (используется из узлов).

	store     *boltstore.Store
	chat      *botapi.Client
	model     relay.ModelPort
	sessions  *session.Cache
	messenger *relay.Messenger
	worker    *relay.Worker

	cliService *cli.Service
	webServer  *web.Server
}

// NewApp возвращает пустое приложение; зависимости собирает Init.
func NewApp() *App {
	return &App{}
}

// Init собирает зависимости по конфигурации. Порядок: хранилище → транспорт →
// адаптер модели → кэш сессий → ядро relay. Ошибка любой ступени — фатальна
// для запуска.
func (a *App) Init(mainCtx context.Context, mainCancel context.CancelFunc) error {
	a.mainCtx = mainCtx
	a.mainCancel = mainCancel
	env := config.Env()

	store, err := boltstore.Open(env.StorePath)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	a.store = store

	chat, err := botapi.NewClient(botapi.Options{
		Token:       env.BotToken,
		TestDC:      env.BotAPITest,
		RPS:         env.BotAPIRPS,
		PollTimeout: env.PollTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "init chat transport")
	}
	a.chat = chat

	model, err := openaiadapter.New(openaiadapter.Options{
		APIKey:  env.OpenAIAPIKey,
		BaseURL: env.OpenAIBaseURL,
		Model:   env.OpenAIModel,
	})
	if err != nil {
		return errors.Wrap(err, "init model adapter")
	}
	a.model = model

	a.sessions = session.NewCache(store, nil)
	a.messenger = relay.NewMessenger(chat)

	commandsHandler, err := relay.NewCommands(relay.CommandsOptions{
		Messenger: a.messenger,
		Store:     store,
		Build:     buildinfo.Get(),
		OnRestart: func(chatID int64, _ *int64) {
			// Супервизор перезапустит процесс; наша задача — мягко завершиться.
			logger.Infof("restart requested from chat %d, shutting down", chatID)
			mainCancel()
		},
	})
	if err != nil {
		return errors.Wrap(err, "init commands")
	}

	executor, err := relay.NewExecutor(relay.ExecutorOptions{
		Model:     model,
		Messenger: a.messenger,
		Sessions:  a.sessions,
		Store:     store,
		Config: relay.ExecutorConfig{
			RelayTimeout:  env.RelayTimeout,
			RetryAttempts: env.SessionRetries,
			Progress: relay.ProgressConfig{
				First:    env.ProgressFirst,
				Every:    env.ProgressEvery,
				MaxCount: env.ProgressMaxCount,
			},
			DefaultWorkspace: env.DefaultWorkspacePath,
		},
	})
	if err != nil {
		return errors.Wrap(err, "init executor")
	}

	worker, err := relay.NewWorker(relay.WorkerOptions{
		Port:     chat,
		Store:    store,
		Sessions: a.sessions,
		Commands: commandsHandler,
		Executor: executor,
		Config: relay.WorkerConfig{
			MaxConcurrentTopics:  env.MaxConcurrentTopics,
			SemaphoreQueueSize:   env.SemaphoreQueueSize,
			SessionIdleTimeout:   env.SessionIdleTimeout,
			SessionMaxConcurrent: env.SessionMaxConc,
		},
	})
	if err != nil {
		return errors.Wrap(err, "init worker")
	}
	a.worker = worker

	return nil
}

// Run — главный цикл relay. Выполняет стартовый протокол, запускает админские
// поверхности и цикл опроса; блокируется до shutdown. Контекст отмены приходит
// из main (сигналы) либо изнутри (команда рестарта, exit в CLI, RUN_TIMEOUT).
func (a *App) Run() error {
	env := config.Env()
	logger.Infof("Relay starting: %s", buildinfo.Get().String())

	a.flushStartupAck()
	a.announceStartup()
	a.startAdminSurfaces()

	// Автостоп supervised-прогонов: процесс мягко завершается по истечении лимита.
	if env.RunTimeoutSec > 0 {
		runTimer := time.AfterFunc(time.Duration(env.RunTimeoutSec)*time.Second, func() {
			logger.Infof("run timeout %ds reached, shutting down", env.RunTimeoutSec)
			a.mainCancel()
		})
		defer runTimer.Stop()
	}

	err := a.worker.Run(a.mainCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("worker stopped with error: %v", err)
	}

	a.stopAllServices()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// flushStartupAck доносит отложенное подтверждение рестарта. Сбой не фатален:
// отметка остаётся, следующий запуск повторит.
func (a *App) flushStartupAck() {
	ctx, cancel := context.WithTimeout(a.mainCtx, startupAckTimeout)
	defer cancel()

	if err := relay.FlushPendingStartupAck(ctx, a.store, a.messenger, a.worker.Context(), buildinfo.Get()); err != nil {
		logger.Warnf("startup ack flush: %v", err)
	}
}

// announceStartup отправляет стартовый баннер в настроенный чат (если задан).
// При неразнесённой отметке рестарта баннер не шлётся: чат уже ждёт
// подтверждение, второй сигнал о запуске был бы шумом.
func (a *App) announceStartup() {
	env := config.Env()
	if env.StartupAnnounceChatID == 0 {
		return
	}
	if ack, err := a.store.GetPendingStartupAck(); err == nil && ack != nil {
		return
	}

	thread := relay.ThreadNone()
	if env.StartupAnnounceThread != 0 {
		thread = relay.ThreadID(env.StartupAnnounceThread)
	}

	ctx, cancel := context.WithTimeout(a.mainCtx, startupAckTimeout)
	defer cancel()

	text := "Relay started: " + buildinfo.Get().String()
	if err := a.messenger.Send(ctx, a.worker.Context(), env.StartupAnnounceChatID, thread, text, ""); err != nil {
		logger.Warnf("startup announce: %v", err)
	}
}

// startAdminSurfaces запускает CLI и веб-сервер, если они включены конфигом.
func (a *App) startAdminSurfaces() {
	env := config.Env()

	if env.CLIEnable {
		logger.Debug("starting service cli")
		a.cliService = cli.NewService(a.worker, a.store, a.model, a.mainCancel)
		a.cliService.Start(a.mainCtx)
		logger.Debug("service cli started")
	}

	if env.WebServerEnable {
		logger.Debug("starting service web_server")
		a.webServer = web.NewServer(env.WebServerAddress, a.worker, a.store)
		go func() {
			if err := a.webServer.Start(); err != nil {
				logger.Errorf("web server error: %v", err)
			}
		}()
		logger.Debug("service web_server started")
	}
}

// stopAllServices останавливает сервисы в обратном порядке: сначала дожидаемся
// незавершённых ходов (под лимитом ShutdownGrace), затем гасим админские
// поверхности и закрываем базу.
func (a *App) stopAllServices() {
	env := config.Env()

	logger.Debug("draining topic queues")
	drainCtx, cancel := context.WithTimeout(context.Background(), env.ShutdownGrace)
	if err := a.worker.Drain(drainCtx); err != nil {
		logger.Warnf("drain topic queues: %v", err)
	}
	cancel()
	logger.Debug("topic queues drained")

	if a.webServer != nil {
		logger.Debug("stopping service web_server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
		if err := a.webServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("failed to stop web_server: %v", err)
		}
		cancel()
		logger.Debug("service web_server stopped")
	}

	if a.cliService != nil {
		logger.Debug("stopping service cli")
		a.cliService.Stop()
		logger.Debug("service cli stopped")
	}

	if a.store != nil {
		logger.Debug("closing store")
		if err := a.store.Close(); err != nil {
			logger.Errorf("failed to close store: %v", err)
		}
		logger.Debug("store closed")
	}
}
