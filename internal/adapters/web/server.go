// Package web — read-only админский веб-интерфейс relay: дашборд загрузки,
// таблицы сессий и журнала ходов, health-эндпоинт. Никаких мутаций состояния
// через HTTP — поверхность только для наблюдения.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/buildinfo"
	"telegram-relay/internal/infra/logger"

	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	defaultTurnLimit = 50
)

// Server — HTTP-сервер админского интерфейса.
type Server struct {
	srv    *http.Server
	worker *relay.Worker
	store  relay.Store
	tmpl   *template.Template
}

// NewServer собирает сервер с роутингом и шаблонами. address — адрес listen.
func NewServer(address string, worker *relay.Worker, store relay.Store) *Server {
	s := &Server{worker: worker, store: store}
	s.loadTemplates()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/turns", s.handleTurns)

	s.srv = &http.Server{
		Addr:         address,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Start запускает веб-сервер (блокирующий вызов).
func (s *Server) Start() error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает веб-сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down web server...")
	return s.srv.Shutdown(ctx)
}

// loggingMiddleware логирует каждый запрос на уровне debug.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("web request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// handleHealth отвечает JSON-снимком готовности и версии.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"status":  "ok",
		"version": buildinfo.Get().String(),
		"stats":   s.worker.Stats(),
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("web: encode health: %v", err)
	}
}

// PageData — данные для рендеринга страницы.
type PageData struct {
	Title string
	Page  string
	Data  any
}

// handleDashboard отображает главную страницу с загрузкой воркера.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.render(w, "dashboard", PageData{
		Title: "Dashboard",
		Page:  "dashboard",
		Data: struct {
			Stats   relay.Stats
			Version string
		}{s.worker.Stats(), buildinfo.Get().String()},
	})
}

// sessionRow — строка таблицы сессий.
type sessionRow struct {
	Key        string
	SessionID  string
	Status     string
	LastUsedAt string
}

// handleSessions отображает таблицу персистентных сессий.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	records, err := s.store.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rows := make([]sessionRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, sessionRow{
			Key:        rec.Key.Encode(),
			SessionID:  rec.ProviderSessionID,
			Status:     rec.Status,
			LastUsedAt: rec.LastUsedAt.Format(time.RFC3339),
		})
	}
	s.render(w, "sessions", PageData{Title: "Sessions", Page: "sessions", Data: rows})
}

// turnRow — строка таблицы журнала ходов.
type turnRow struct {
	At         string
	Kind       string
	TurnID     string
	SessionKey string
	Payload    string
}

// handleTurns отображает последние записи журнала ходов.
func (s *Server) handleTurns(w http.ResponseWriter, _ *http.Request) {
	events, err := s.store.ListTurnEvents(defaultTurnLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rows := make([]turnRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, turnRow{
			At:         ev.At.Format(time.RFC3339),
			Kind:       ev.Kind,
			TurnID:     ev.TurnID,
			SessionKey: ev.SessionKey,
			Payload:    string(ev.Payload),
		})
	}
	s.render(w, "turns", PageData{Title: "Turns", Page: "turns", Data: rows})
}

// render исполняет layout с данными страницы.
func (s *Server) render(w http.ResponseWriter, _ string, data PageData) {
	if err := s.tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		logger.Errorf("web: render %s: %v", data.Page, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// loadTemplates загружает HTML-шаблоны страниц.
func (s *Server) loadTemplates() {
	s.tmpl = template.Must(template.New("").Parse(layoutTemplate))
	template.Must(s.tmpl.Parse(dashboardTemplate))
	template.Must(s.tmpl.Parse(sessionsTemplate))
	template.Must(s.tmpl.Parse(turnsTemplate))
}
