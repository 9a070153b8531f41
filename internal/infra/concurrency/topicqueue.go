// Данный файл содержит TopicQueue и TopicQueueMap — сериализацию задач по ключу
// топика. Каждая очередь исполняет свои задачи строго по одной, в порядке
// постановки; карта очередей создаёт их лениво и автоматически убирает опустевшие.
// Ошибки задач не прерывают дренирование: они передаются в onError-хук, и очередь
// продолжает со следующей задачи.

package concurrency

import (
	"context"
	"fmt"
	"sync"
)

// Task — единица работы очереди. Возвращённая ошибка уходит в onError-хук
// очереди; паника внутри задачи перехватывается и тоже превращается в ошибку.
type Task func(ctx context.Context) error

// TopicQueue исполняет задачи последовательно. Инварианты:
//   - в любой момент исполняется не более одной задачи очереди;
//   - задачи стартуют строго в порядке Enqueue;
//   - ожидающие WhenIdle получают сигнал в порядке подписки, когда очередь
//     опустела и дренирование остановилось;
//   - onIdle вызывается ровно один раз на каждый переход «есть работа → пусто»,
//     после чего очередь закрыта и новые задачи не принимает.
type TopicQueue struct {
	mu          sync.Mutex
	tasks       []Task
	running     bool
	closed      bool
	idleWaiters []chan struct{}
	onIdle      func()
	onError     func(error)
}

// NewTopicQueue создаёт очередь с необязательными хуками. onIdle вызывается при
// опустошении (используется картой для самоудаления), onError — при ошибке или
// панике задачи. Любой из хуков может быть nil.
func NewTopicQueue(onIdle func(), onError func(error)) *TopicQueue {
	return &TopicQueue{onIdle: onIdle, onError: onError}
}

// Enqueue ставит задачу в хвост и при необходимости запускает цикл дренирования.
// Возвращает false, если очередь уже закрыта (опустела и была снята с карты):
// вызывающий обязан создать свежий экземпляр.
func (q *TopicQueue) Enqueue(ctx context.Context, task Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	if q.running {
		q.mu.Unlock()
		return true
	}
	q.running = true
	q.mu.Unlock()

	go q.drain(ctx)
	return true
}

// WhenIdle возвращает канал, закрываемый при ближайшем опустошении очереди.
// Если очередь уже пуста и не дренируется, канал закрыт сразу. Подписчики
// получают закрытие в порядке подписки.
func (q *TopicQueue) WhenIdle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	done := make(chan struct{})
	if !q.running && len(q.tasks) == 0 {
		close(done)
		return done
	}
	q.idleWaiters = append(q.idleWaiters, done)
	return done
}

// Len возвращает число ожидающих задач (без учёта исполняемой).
func (q *TopicQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// drain — цикл дренирования: снимает голову, исполняет до завершения, ошибки
// отдаёт в onError и продолжает. При опустошении синхронно (под mu) фиксирует
// переход в idle, закрывает каналы ожидающих по порядку и вызывает onIdle.
func (q *TopicQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.closed = true
			waiters := q.idleWaiters
			q.idleWaiters = nil
			onIdle := q.onIdle
			q.mu.Unlock()

			for _, w := range waiters {
				close(w)
			}
			if onIdle != nil {
				onIdle()
			}
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runTask(ctx, task)
	}
}

// runTask исполняет одну задачу с перехватом паники. Ошибка или паника никогда
// не прерывает очередь: дренирование продолжается со следующей задачи.
func (q *TopicQueue) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.reportError(fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := task(ctx); err != nil {
		q.reportError(err)
	}
}

// reportError отдаёт ошибку в onError-хук, если он задан.
func (q *TopicQueue) reportError(err error) {
	if q.onError != nil {
		q.onError(err)
	}
}

// TopicQueueMap — ленивое множество очередей по строковому ключу топика.
// Очередь удаляется из карты ровно один раз — когда опустела и остановилась;
// задача, пришедшая после удаления, получает свежий экземпляр.
type TopicQueueMap struct {
	mu      sync.Mutex
	queues  map[string]*TopicQueue
	onError func(key string, err error)
}

// NewTopicQueueMap создаёт карту очередей. onError получает ключ топика и ошибку
// упавшей задачи; может быть nil.
func NewTopicQueueMap(onError func(key string, err error)) *TopicQueueMap {
	return &TopicQueueMap{
		queues:  make(map[string]*TopicQueue),
		onError: onError,
	}
}

// Enqueue ставит задачу в очередь ключа key, создавая очередь при необходимости.
// Гонка с самоудалением очереди разрешается повтором: закрытая очередь
// отвергает задачу, и карта создаёт новый экземпляр.
func (m *TopicQueueMap) Enqueue(ctx context.Context, key string, task Task) {
	for {
		m.mu.Lock()
		q, ok := m.queues[key]
		if !ok {
			q = m.newQueueLocked(key)
			m.queues[key] = q
		}
		m.mu.Unlock()

		if q.Enqueue(ctx, task) {
			return
		}
		// Очередь успела закрыться между выборкой и постановкой — выкидываем
		// устаревший экземпляр и пробуем ещё раз.
		m.remove(key, q)
	}
}

// newQueueLocked собирает очередь с onIdle-самоудалением. Вызывается под m.mu.
func (m *TopicQueueMap) newQueueLocked(key string) *TopicQueue {
	var q *TopicQueue
	q = NewTopicQueue(
		func() { m.remove(key, q) },
		func(err error) {
			if m.onError != nil {
				m.onError(key, err)
			}
		},
	)
	return q
}

// remove удаляет очередь из карты, только если там лежит тот же экземпляр.
// Защищает от удаления очереди-наследника, созданной после самоудаления.
func (m *TopicQueueMap) remove(key string, q *TopicQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.queues[key]; ok && current == q {
		delete(m.queues, key)
	}
}

// Len возвращает число живых очередей.
func (m *TopicQueueMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Pending возвращает суммарное число ожидающих задач по всем очередям.
func (m *TopicQueueMap) Pending() int {
	m.mu.Lock()
	queues := make([]*TopicQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	total := 0
	for _, q := range queues {
		total += q.Len()
	}
	return total
}

// DrainAll дожидается опустошения всех очередей, существующих на момент вызова.
// Задачи, поставленные после снимка, не учитываются. Возвращает ошибку контекста,
// если ожидание прервано.
func (m *TopicQueueMap) DrainAll(ctx context.Context) error {
	m.mu.Lock()
	queues := make([]*TopicQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		select {
		case <-q.WhenIdle():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
