// Package boltstore — персистентное хранилище relay на bbolt. Один файл базы,
// именованные бакеты, значения в JSON:
//   - sessions: ключ сессии → запись сессии провайдера;
//   - cursor: позиция длинного опроса транспорта;
//   - workspaces: топик → активная рабочая директория;
//   - startup_ack: синглтон долговечного подтверждения рестарта;
//   - turn_events: журнал ходов (append-only, последовательные ключи).
//
// Семантика at-least-once: повторная запись тех же данных безопасна; отсутствие
// записи — (nil, nil), не ошибка.
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/domain/session"
)

const (
	dbOpenTimeout             = time.Second
	dbFileMode    os.FileMode = 0o600
)

var (
	sessionsBucket   = []byte("sessions")
	cursorBucket     = []byte("cursor")
	workspacesBucket = []byte("workspaces")
	startupAckBucket = []byte("startup_ack")
	turnEventsBucket = []byte("turn_events")

	cursorKey     = []byte("updates")
	startupAckKey = []byte("pending")
)

// allBuckets перечисляет бакеты, создаваемые при открытии базы.
var allBuckets = [][]byte{sessionsBucket, cursorBucket, workspacesBucket, startupAckBucket, turnEventsBucket}

// Store — реализация relay.Store поверх bbolt.
type Store struct {
	db *bbolt.DB
}

// sessionRecord — формат значения бакета sessions. Время — ISO-8601 UTC.
type sessionRecord struct {
	ProviderSessionID string `json:"provider_session_id"`
	LastUsedAt        string `json:"last_used_at"`
	Status            string `json:"status"`
}

// workspaceRecord — формат значения бакета workspaces.
type workspaceRecord struct {
	Path      string `json:"path"`
	UpdatedAt string `json:"updated_at"`
}

// ackRecord — формат значения синглтона startup_ack.
type ackRecord struct {
	ChatID       int64  `json:"chat_id"`
	Thread       *int64 `json:"thread,omitempty"`
	RequestedAt  string `json:"requested_at"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
}

// turnEventRecord — формат значения журнала ходов.
type turnEventRecord struct {
	TurnID     string          `json:"turn_id"`
	SessionKey string          `json:"session_key"`
	At         string          `json:"at"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Open открывает (или создаёт) файл базы и гарантирует наличие всех бакетов.
// Директория файла создаётся при необходимости.
func Open(path string) (*Store, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, fmt.Errorf("boltstore: db path is empty")
	}
	if err := ensureDir(clean); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(clean, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// ensureDir гарантирует наличие каталога для файла базы. Права 0o700.
func ensureDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("boltstore: create dir %s: %w", dir, err)
	}
	return nil
}

// Close закрывает файл базы данных.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetSession возвращает запись сессии; (nil, nil), если записи нет.
func (s *Store) GetSession(key session.Key) (*session.Persisted, error) {
	var rec *sessionRecord
	if err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(sessionsBucket).Get([]byte(key.Encode()))
		if len(value) == 0 {
			return nil
		}
		rec = &sessionRecord{}
		return json.Unmarshal(value, rec)
	}); err != nil {
		return nil, fmt.Errorf("boltstore: get session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	lastUsed, err := time.Parse(time.RFC3339Nano, rec.LastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("boltstore: session %s: bad timestamp %q: %w", key.Encode(), rec.LastUsedAt, err)
	}
	return &session.Persisted{
		Key:               key,
		ProviderSessionID: rec.ProviderSessionID,
		LastUsedAt:        lastUsed,
		Status:            rec.Status,
	}, nil
}

// UpsertSession записывает (или перезаписывает) запись сессии.
func (s *Store) UpsertSession(rec session.Persisted) error {
	payload, err := json.Marshal(sessionRecord{
		ProviderSessionID: rec.ProviderSessionID,
		LastUsedAt:        rec.LastUsedAt.UTC().Format(time.RFC3339Nano),
		Status:            rec.Status,
	})
	if err != nil {
		return fmt.Errorf("boltstore: marshal session: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(rec.Key.Encode()), payload)
	}); err != nil {
		return fmt.Errorf("boltstore: upsert session: %w", err)
	}
	return nil
}

// MarkStale помечает сессию stale. Отсутствующая запись создаётся сразу stale:
// инвариант «stale не возобновляется» держится и после гонки с вытеснением.
func (s *Store) MarkStale(key session.Key, ts time.Time) error {
	encoded := []byte(key.Encode())
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		rec := sessionRecord{}
		if value := bucket.Get(encoded); len(value) > 0 {
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
		}
		rec.Status = session.StatusStale
		rec.LastUsedAt = ts.UTC().Format(time.RFC3339Nano)
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(encoded, payload)
	}); err != nil {
		return fmt.Errorf("boltstore: mark stale: %w", err)
	}
	return nil
}

// ListSessions возвращает все записи сессий (админские поверхности).
func (s *Store) ListSessions() ([]session.Persisted, error) {
	var out []session.Persisted
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			key, err := session.DecodeKey(string(k))
			if err != nil {
				return err
			}
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			lastUsed, err := time.Parse(time.RFC3339Nano, rec.LastUsedAt)
			if err != nil {
				return err
			}
			out = append(out, session.Persisted{
				Key:               key,
				ProviderSessionID: rec.ProviderSessionID,
				LastUsedAt:        lastUsed,
				Status:            rec.Status,
			})
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("boltstore: list sessions: %w", err)
	}
	return out, nil
}

// GetCursor возвращает позицию длинного опроса; 0, если курсор ещё не писался.
func (s *Store) GetCursor() (int64, error) {
	var cursor int64
	if err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(cursorBucket).Get(cursorKey)
		if len(value) == 0 {
			return nil
		}
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return fmt.Errorf("decode cursor %q: %w", value, err)
		}
		cursor = parsed
		return nil
	}); err != nil {
		return 0, fmt.Errorf("boltstore: get cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor записывает позицию длинного опроса.
func (s *Store) SetCursor(cursor int64) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(cursorKey, []byte(strconv.FormatInt(cursor, 10)))
	}); err != nil {
		return fmt.Errorf("boltstore: set cursor: %w", err)
	}
	return nil
}

// GetTopicWorkspace возвращает активную директорию топика; "" — не назначена.
func (s *Store) GetTopicWorkspace(topic session.TopicKey) (string, error) {
	var path string
	if err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(workspacesBucket).Get([]byte(topic))
		if len(value) == 0 {
			return nil
		}
		var rec workspaceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		path = rec.Path
		return nil
	}); err != nil {
		return "", fmt.Errorf("boltstore: get workspace: %w", err)
	}
	return path, nil
}

// SetTopicWorkspace назначает активную директорию топика.
func (s *Store) SetTopicWorkspace(topic session.TopicKey, workspace string) error {
	return s.putWorkspace(topic, workspace)
}

// TouchTopicWorkspace обновляет отметку времени записи топика, не меняя путь.
// Отсутствующая запись — no-op.
func (s *Store) TouchTopicWorkspace(topic session.TopicKey) error {
	current, err := s.GetTopicWorkspace(topic)
	if err != nil || current == "" {
		return err
	}
	return s.putWorkspace(topic, current)
}

// putWorkspace записывает директорию топика с текущей отметкой времени.
func (s *Store) putWorkspace(topic session.TopicKey, workspace string) error {
	payload, err := json.Marshal(workspaceRecord{
		Path:      workspace,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("boltstore: marshal workspace: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(workspacesBucket).Put([]byte(topic), payload)
	}); err != nil {
		return fmt.Errorf("boltstore: put workspace: %w", err)
	}
	return nil
}

// ListTopicWorkspaces возвращает все назначенные директории топиков.
func (s *Store) ListTopicWorkspaces() (map[session.TopicKey]string, error) {
	out := make(map[session.TopicKey]string)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(workspacesBucket).ForEach(func(k, v []byte) error {
			var rec workspaceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[session.TopicKey(k)] = rec.Path
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("boltstore: list workspaces: %w", err)
	}
	return out, nil
}

// GetPendingStartupAck возвращает синглтон-отметку рестарта; (nil, nil) — нет.
func (s *Store) GetPendingStartupAck() (*relay.PendingStartupAck, error) {
	var rec *ackRecord
	if err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(startupAckBucket).Get(startupAckKey)
		if len(value) == 0 {
			return nil
		}
		rec = &ackRecord{}
		return json.Unmarshal(value, rec)
	}); err != nil {
		return nil, fmt.Errorf("boltstore: get startup ack: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	requestedAt, err := time.Parse(time.RFC3339Nano, rec.RequestedAt)
	if err != nil {
		return nil, fmt.Errorf("boltstore: startup ack: bad timestamp %q: %w", rec.RequestedAt, err)
	}
	return &relay.PendingStartupAck{
		ChatID:       rec.ChatID,
		Thread:       rec.Thread,
		RequestedAt:  requestedAt,
		AttemptCount: rec.AttemptCount,
		LastError:    rec.LastError,
	}, nil
}

// UpsertPendingStartupAck записывает синглтон-отметку рестарта.
func (s *Store) UpsertPendingStartupAck(ack relay.PendingStartupAck) error {
	payload, err := json.Marshal(ackRecord{
		ChatID:       ack.ChatID,
		Thread:       ack.Thread,
		RequestedAt:  ack.RequestedAt.UTC().Format(time.RFC3339Nano),
		AttemptCount: ack.AttemptCount,
		LastError:    ack.LastError,
	})
	if err != nil {
		return fmt.Errorf("boltstore: marshal startup ack: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(startupAckBucket).Put(startupAckKey, payload)
	}); err != nil {
		return fmt.Errorf("boltstore: upsert startup ack: %w", err)
	}
	return nil
}

// ClearPendingStartupAck удаляет синглтон-отметку рестарта.
func (s *Store) ClearPendingStartupAck() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(startupAckBucket).Delete(startupAckKey)
	}); err != nil {
		return fmt.Errorf("boltstore: clear startup ack: %w", err)
	}
	return nil
}

// AppendTurnEvent дописывает запись журнала ходов под монотонным ключом.
func (s *Store) AppendTurnEvent(ev relay.TurnEvent) error {
	payload, err := json.Marshal(turnEventRecord{
		TurnID:     ev.TurnID,
		SessionKey: ev.SessionKey,
		At:         ev.At.UTC().Format(time.RFC3339Nano),
		Kind:       ev.Kind,
		Payload:    ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("boltstore: marshal turn event: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(turnEventsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, payload)
	}); err != nil {
		return fmt.Errorf("boltstore: append turn event: %w", err)
	}
	return nil
}

// ListTurnEvents возвращает последние limit записей журнала в хронологическом
// порядке. limit <= 0 — весь журнал.
func (s *Store) ListTurnEvents(limit int) ([]relay.TurnEvent, error) {
	var out []relay.TurnEvent
	if err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(turnEventsBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec turnEventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			at, err := time.Parse(time.RFC3339Nano, rec.At)
			if err != nil {
				return err
			}
			out = append(out, relay.TurnEvent{
				TurnID:     rec.TurnID,
				SessionKey: rec.SessionKey,
				At:         at,
				Kind:       rec.Kind,
				Payload:    rec.Payload,
			})
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("boltstore: list turn events: %w", err)
	}

	// Обход шёл с хвоста; возвращаем в хронологическом порядке.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
