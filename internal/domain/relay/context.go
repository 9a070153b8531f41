// Данный файл содержит WorkerContext — процессное изменяемое состояние воркера:
// счётчики сообщений чатов, активные workspace топиков с историей и последний
// виденный тред каждого чата. Единственный экземпляр принадлежит воркеру и
// передаётся компонентам по ссылке на каждый вызов; никто не удерживает его
// между вызовами. Доступ защищён мьютексом: ходы разных топиков идут параллельно.
package relay

import (
	"sync"

	"telegram-relay/internal/domain/session"
)

// WorkerContext — изменяемое состояние воркера. Все поля приватны; доступ
// только через методы, каждый из которых атомарен.
type WorkerContext struct {
	mu               sync.Mutex
	chatMessageCount map[int64]int
	activeWorkspace  map[session.TopicKey]string
	workspaceHistory map[session.TopicKey]map[string]struct{}
	lastThread       map[int64]*int64
}

// NewWorkerContext создаёт пустое состояние воркера.
func NewWorkerContext() *WorkerContext {
	return &WorkerContext{
		chatMessageCount: make(map[int64]int),
		activeWorkspace:  make(map[session.TopicKey]string),
		workspaceHistory: make(map[session.TopicKey]map[string]struct{}),
		lastThread:       make(map[int64]*int64),
	}
}

// MessageCount возвращает число учтённых сообщений чата.
func (c *WorkerContext) MessageCount(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatMessageCount[chatID]
}

// BumpMessageCount учитывает одно сообщение чата и возвращает значение счётчика
// до инкремента (нуль — первое сообщение чата).
func (c *WorkerContext) BumpMessageCount(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.chatMessageCount[chatID]
	c.chatMessageCount[chatID] = prev + 1
	return prev
}

// ActiveWorkspace возвращает активную рабочую директорию топика, если задана.
func (c *WorkerContext) ActiveWorkspace(topic session.TopicKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.activeWorkspace[topic]
	return ws, ok
}

// SetActiveWorkspace назначает активную директорию топика и дополняет историю.
func (c *WorkerContext) SetActiveWorkspace(topic session.TopicKey, workspace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkspace[topic] = workspace
	history, ok := c.workspaceHistory[topic]
	if !ok {
		history = make(map[string]struct{})
		c.workspaceHistory[topic] = history
	}
	history[workspace] = struct{}{}
}

// WorkspaceHistory возвращает копию множества директорий, когда-либо активных
// в топике.
func (c *WorkerContext) WorkspaceHistory(topic session.TopicKey) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.workspaceHistory[topic]
	out := make([]string, 0, len(history))
	for ws := range history {
		out = append(out, ws)
	}
	return out
}

// LastThread возвращает последний виденный тред чата. Второй результат false —
// чат ещё не присылал сообщений; nil при true — последнее сообщение было в корне.
func (c *WorkerContext) LastThread(chatID int64) (*int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	thread, ok := c.lastThread[chatID]
	return thread, ok
}

// SetLastThread запоминает тред последнего входящего сообщения чата.
func (c *WorkerContext) SetLastThread(chatID int64, thread *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastThread[chatID] = thread
}

// Snapshot — срез состояния для админских поверхностей.
type Snapshot struct {
	Chats      int
	Topics     int
	Workspaces map[session.TopicKey]string
}

// Snap возвращает копию состояния без внутренних ссылок.
func (c *WorkerContext) Snap() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	workspaces := make(map[session.TopicKey]string, len(c.activeWorkspace))
	for topic, ws := range c.activeWorkspace {
		workspaces[topic] = ws
	}
	return Snapshot{
		Chats:      len(c.chatMessageCount),
		Topics:     len(c.activeWorkspace),
		Workspaces: workspaces,
	}
}
