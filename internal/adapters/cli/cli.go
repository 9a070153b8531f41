// Package cli — интерактивная командная консоль relay-воркера. Сервис стартует
// фоном, читает команды из readline и показывает состояние ядра: загрузку
// очередей и семафора, кэш и персистентные записи сессий, журнал ходов.
// Start/Stop идемпотентны и корректно встраиваются в останов приложения.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/buildinfo"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/pr"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "stats", description: "Show worker load (topics, queues, permits, cached sessions)"},
	{name: "sessions", description: "List persisted sessions with status"},
	{name: "workspaces", description: "List active topic workspaces"},
	{name: "turns", description: "Dump recent turn events (turns [N], default 20)"},
	{name: "evict", description: "Run idle-session eviction immediately"},
	{name: "ping", description: "Check model adapter readiness"},
	{name: "version", description: "Print relay version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в останов приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	worker    *relay.Worker
	store     relay.Store
	model     relay.ModelPort
	stopApp   context.CancelFunc
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт CLI-сервис. stopApp используется как «глобальная» остановка
// приложения (команда exit, Ctrl-C на пустой строке).
func NewService(worker *relay.Worker, store relay.Store, model relay.ModelPort, stopApp context.CancelFunc) *Service {
	return &Service{worker: worker, store: store, model: model, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop завершает CLI: прерывает readline, отменяет локальный контекст и
// дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI: подсказки, обработчики клавиш и
// построчное чтение команд.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.ReadLine()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { // Ctrl-C (ETX)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду. Возвращает true для "exit".
func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case "help":
		printCommandHelp()
	case "stats":
		s.handleStats()
	case "sessions":
		s.handleSessions()
	case "workspaces":
		s.handleWorkspaces()
	case "turns":
		s.handleTurns(arg)
	case "evict":
		s.handleEvict()
	case "ping":
		s.handlePing(ctx)
	case "version":
		pr.Println("telegram-relay", buildinfo.Get().String())
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStats печатает текущую загрузку воркера.
func (s *Service) handleStats() {
	st := s.worker.Stats()
	pr.Printf("Topics: %d (pending tasks: %d)\n", st.Topics, st.PendingTasks)
	pr.Printf("Permits: %d free, %d waiting\n", st.FreePermits, st.WaitingTurns)
	pr.Printf("Cached sessions: %d\n", st.CachedSession)
}

// handleSessions печатает персистентные записи сессий.
func (s *Service) handleSessions() {
	sessions, err := s.store.ListSessions()
	if err != nil {
		pr.ErrPrintln("sessions error:", err)
		return
	}
	if len(sessions) == 0 {
		pr.Println("No persisted sessions.")
		return
	}
	for _, rec := range sessions {
		pr.Printf("%-8s %-28s %s (last used %s)\n",
			rec.Status, rec.ProviderSessionID, rec.Key.Encode(),
			rec.LastUsedAt.Format(time.RFC3339))
	}
	pr.Printf("Total sessions: %d\n", len(sessions))
}

// handleWorkspaces печатает назначенные директории топиков.
func (s *Service) handleWorkspaces() {
	workspaces, err := s.store.ListTopicWorkspaces()
	if err != nil {
		pr.ErrPrintln("workspaces error:", err)
		return
	}
	if len(workspaces) == 0 {
		pr.Println("No topic workspaces assigned.")
		return
	}
	for topic, path := range workspaces {
		pr.Printf("%-24s %s\n", topic, path)
	}
}

// handleTurns дампит последние записи журнала ходов (pretty-печать payload).
func (s *Service) handleTurns(arg string) {
	limit := 20
	if arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil || parsed < 1 {
			pr.ErrPrintln("turns: expected a positive number, got:", arg)
			return
		}
		limit = parsed
	}

	events, err := s.store.ListTurnEvents(limit)
	if err != nil {
		pr.ErrPrintln("turns error:", err)
		return
	}
	if len(events) == 0 {
		pr.Println("Turn log is empty.")
		return
	}
	for _, ev := range events {
		pr.Printf("%s %-11s %s %s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.TurnID, ev.SessionKey)
		if len(ev.Payload) > 0 {
			pr.PP(string(ev.Payload))
		}
	}
}

// handleEvict запускает внеплановое вытеснение сессий.
func (s *Service) handleEvict() {
	evicted, err := s.worker.EvictIdleSessions()
	if err != nil {
		pr.ErrPrintln("evict error:", err)
	}
	pr.Printf("Evicted %d session(s).\n", evicted)
}

// handlePing проверяет готовность адаптера модели, если он её поддерживает.
func (s *Service) handlePing(ctx context.Context) {
	pinger, ok := s.model.(relay.Pinger)
	if !ok {
		pr.Println("Model adapter does not support ping.")
		return
	}
	const pingTimeout = 10 * time.Second
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pinger.Ping(pingCtx); err != nil {
		pr.ErrPrintln("ping failed:", err)
		return
	}
	pr.Println("Model adapter is ready.")
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-10s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
