// Данный файл описывает персистентный контракт сессий: статусы, формат записи
// и интерфейс хранилища. Инвариант хранения: сессия со статусом stale никогда
// не возобновляется — следующий ход топика начинает свежую сессию провайдера.
package session

import "time"

// Статусы персистентной сессии.
const (
	StatusActive = "active"
	StatusStale  = "stale"
)

// Persisted — запись сессии в хранилище. LastUsedAt сериализуется адаптером
// хранилища в ISO-8601 UTC.
type Persisted struct {
	Key               Key
	ProviderSessionID string
	LastUsedAt        time.Time
	Status            string
}

// Store — контракт хранилища сессий. Семантика at-least-once: повторный upsert
// с теми же данными безопасен. Отсутствие записи — (nil, nil), не ошибка.
type Store interface {
	GetSession(key Key) (*Persisted, error)
	UpsertSession(rec Persisted) error
	MarkStale(key Key, ts time.Time) error
	ListSessions() ([]Persisted, error)
}
