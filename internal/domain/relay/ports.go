// Package relay — ядро relay-воркера: приём апдейтов чата, сериализация по
// топикам, исполнение хода модели с таймаутом и ретраем, доставка ответа
// частями и долговечный протокол подтверждения рестарта.
//
// Данный файл описывает порты внешних коллабораторов (транспорт чата, адаптер
// модели, хранилище) и структурированные ошибки, на которые опирается
// классификация сбоев. Порты — малые наборы способностей; необязательные
// возможности адаптера выражены отдельными интерфейсами и проверяются через
// type assertion по месту использования.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"telegram-relay/internal/domain/session"
)

// Update — один элемент ленты транспорта. Message может быть nil для служебных
// апдейтов, которые relay пропускает (но курсор всё равно продвигает).
type Update struct {
	UpdateID int64
	Message  *InboundMessage
}

// InboundMessage — входящее сообщение чата. Thread == nil — корневой разговор.
type InboundMessage struct {
	ChatID          int64
	Thread          *int64
	Text            string
	ReceivedAt      time.Time
	SourceMessageID int64
}

// ChatPort — транспорт чата: длинный опрос входящих и отправка текста.
// Send обязан возвращать *TransportAPIError для HTTP-уровневых отказов, иначе
// откат треда при 400 не сработает.
type ChatPort interface {
	ReceiveUpdates(ctx context.Context, cursor int64) ([]Update, error)
	Send(ctx context.Context, chatID int64, thread *int64, text string) error
}

// ModelRequest — один ход агентной модели. Пустой SessionID означает свежую
// сессию; непустой — просьбу возобновить состояние провайдера.
type ModelRequest struct {
	ChatID        int64
	Thread        *int64
	Text          string
	Context       []string
	SessionID     string
	WorkspacePath string
}

// ModelReply — результат хода модели. SessionID может быть пустым, если
// провайдер не поддерживает возобновление.
type ModelReply struct {
	Mode       string
	ReplyText  string
	Confidence float64
	SessionID  string
}

// ModelPort — адаптер агентной модели.
type ModelPort interface {
	Respond(ctx context.Context, req ModelRequest) (*ModelReply, error)
}

// SessionResetter — необязательная способность адаптера сбрасывать состояние
// провайдера по ключу сессии. Вызывается при восстановлении после отравленной
// сессии.
type SessionResetter interface {
	ResetSession(ctx context.Context, key session.Key) error
}

// Pinger — необязательная проверка готовности адаптера.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PendingStartupAck — долговечная отметка «рестарт запрошен, пользователю ещё
// не отправлено подтверждение». Синглтон в хранилище.
type PendingStartupAck struct {
	ChatID       int64
	Thread       *int64
	RequestedAt  time.Time
	AttemptCount int
	LastError    string
}

// TurnEvent — запись журнала ходов (админское назначение). Payload — непрозрачный
// JSON конкретного вида события.
type TurnEvent struct {
	TurnID     string
	SessionKey string
	At         time.Time
	Kind       string
	Payload    json.RawMessage
}

// Виды событий журнала ходов.
const (
	TurnEventReceived   = "received"
	TurnEventDispatched = "dispatched"
	TurnEventDelivered  = "delivered"
	TurnEventFailed     = "failed"
	TurnEventRetry      = "retry"
)

// Store — персистентный контракт relay: сессии плюс курсор транспорта,
// активные workspace топиков, синглтон подтверждения рестарта и журнал ходов.
type Store interface {
	session.Store

	GetCursor() (int64, error)
	SetCursor(cursor int64) error

	GetTopicWorkspace(topic session.TopicKey) (string, error)
	SetTopicWorkspace(topic session.TopicKey, workspace string) error
	TouchTopicWorkspace(topic session.TopicKey) error
	ListTopicWorkspaces() (map[session.TopicKey]string, error)

	GetPendingStartupAck() (*PendingStartupAck, error)
	UpsertPendingStartupAck(ack PendingStartupAck) error
	ClearPendingStartupAck() error

	AppendTurnEvent(ev TurnEvent) error
	ListTurnEvents(limit int) ([]TurnEvent, error)
}

// TransportAPIError — структурированный HTTP-отказ транспорта чата.
type TransportAPIError struct {
	StatusCode  int
	Method      string
	Description string
}

// Error форматирует отказ с методом и кодом; описание может быть пустым.
func (e *TransportAPIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("transport api %s: status %d", e.Method, e.StatusCode)
	}
	return fmt.Sprintf("transport api %s: status %d: %s", e.Method, e.StatusCode, e.Description)
}

// Классификации структурированных ошибок адаптера модели.
const (
	ModelClassBilling   = "billing"
	ModelClassAuth      = "auth"
	ModelClassInternal  = "internal"
	ModelClassMaxSteps  = "max_steps"
	ModelClassAborted   = "aborted"
	ModelClassRateLimit = "rate_limit"
	ModelClassCapacity  = "capacity"
)

// ModelError — структурированный отказ адаптера модели: классификация плюс
// сырой текст провайдера. Классификатор предпочитает это строковому матчингу.
type ModelError struct {
	Classification string
	Upstream       string
}

// Error включает и классификацию, и сырой текст — строковые паттерны
// классификатора работают поверх полного текста.
func (e *ModelError) Error() string {
	return fmt.Sprintf("model error (%s): %s", e.Classification, e.Upstream)
}
