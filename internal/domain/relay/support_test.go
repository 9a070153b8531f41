package relay_test

import (
	"context"
	"sync"
	"time"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/domain/session"
)

func int64Ptr(v int64) *int64 { return &v }

// sentMessage — одна успешная отправка фейкового транспорта.
type sentMessage struct {
	ChatID int64
	Thread *int64
	Text   string
}

// fakeChat — транспорт чата в памяти. sendHook (если задан) вызывается перед
// записью; возвращённая им ошибка отдаётся вызывающему, отправка не фиксируется.
type fakeChat struct {
	mu       sync.Mutex
	sent     []sentMessage
	sendHook func(call int, chatID int64, thread *int64, text string) error
	calls    int

	batches [][]relay.Update
}

func (c *fakeChat) Send(_ context.Context, chatID int64, thread *int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.sendHook != nil {
		if err := c.sendHook(c.calls, chatID, thread, text); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, sentMessage{ChatID: chatID, Thread: thread, Text: text})
	return nil
}

// ReceiveUpdates отдаёт заранее подготовленные пачки; когда пачки кончились,
// блокируется до отмены контекста (имитация длинного опроса).
func (c *fakeChat) ReceiveUpdates(ctx context.Context, _ int64) ([]relay.Update, error) {
	c.mu.Lock()
	if len(c.batches) > 0 {
		batch := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return batch, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeChat) sentCopy() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeChat) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeModel — адаптер модели со сценарием в respond. Реализует SessionResetter.
type fakeModel struct {
	mu      sync.Mutex
	reqs    []relay.ModelRequest
	resets  []session.Key
	respond func(ctx context.Context, req relay.ModelRequest) (*relay.ModelReply, error)
}

func (m *fakeModel) Respond(ctx context.Context, req relay.ModelRequest) (*relay.ModelReply, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	return m.respond(ctx, req)
}

func (m *fakeModel) ResetSession(_ context.Context, key session.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, key)
	return nil
}

func (m *fakeModel) requests() []relay.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]relay.ModelRequest, len(m.reqs))
	copy(out, m.reqs)
	return out
}

// fakeStore — relay.Store в памяти.
type fakeStore struct {
	mu         sync.Mutex
	sessions   map[string]session.Persisted
	staleMarks []string
	cursor     int64
	workspaces map[session.TopicKey]string
	ack        *relay.PendingStartupAck
	events     []relay.TurnEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:   make(map[string]session.Persisted),
		workspaces: make(map[session.TopicKey]string),
	}
}

func (s *fakeStore) GetSession(key session.Key) (*session.Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[key.Encode()]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *fakeStore) UpsertSession(rec session.Persisted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.Key.Encode()] = rec
	return nil
}

func (s *fakeStore) MarkStale(key session.Key, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.sessions[key.Encode()]
	rec.Key = key
	rec.Status = session.StatusStale
	rec.LastUsedAt = ts
	s.sessions[key.Encode()] = rec
	s.staleMarks = append(s.staleMarks, key.Encode())
	return nil
}

func (s *fakeStore) ListSessions() ([]session.Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Persisted, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) GetCursor() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *fakeStore) SetCursor(cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

func (s *fakeStore) GetTopicWorkspace(topic session.TopicKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[topic], nil
}

func (s *fakeStore) SetTopicWorkspace(topic session.TopicKey, workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[topic] = workspace
	return nil
}

func (s *fakeStore) TouchTopicWorkspace(session.TopicKey) error { return nil }

func (s *fakeStore) ListTopicWorkspaces() (map[session.TopicKey]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[session.TopicKey]string, len(s.workspaces))
	for topic, ws := range s.workspaces {
		out[topic] = ws
	}
	return out, nil
}

func (s *fakeStore) GetPendingStartupAck() (*relay.PendingStartupAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ack == nil {
		return nil, nil
	}
	out := *s.ack
	return &out, nil
}

func (s *fakeStore) UpsertPendingStartupAck(ack relay.PendingStartupAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = &ack
	return nil
}

func (s *fakeStore) ClearPendingStartupAck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = nil
	return nil
}

func (s *fakeStore) AppendTurnEvent(ev relay.TurnEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) ListTurnEvents(limit int) ([]relay.TurnEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]relay.TurnEvent, len(s.events))
	copy(out, s.events)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) sessionRecord(key session.Key) (session.Persisted, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[key.Encode()]
	return rec, ok
}

func (s *fakeStore) staleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staleMarks)
}

func (s *fakeStore) pendingAck() *relay.PendingStartupAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ack == nil {
		return nil
	}
	out := *s.ack
	return &out
}

func (s *fakeStore) eventKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}
