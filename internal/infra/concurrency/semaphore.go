// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Данный файл содержит Semaphore — счётный семафор с ограниченной FIFO-очередью
// ожидания. Используется как глобальный лимит одновременно исполняемых ходов
// relay: топики конкурируют за разрешения, а переполнение очереди ожидания
// превращается в немедленный отказ (сброс нагрузки), а не в рост памяти.

package concurrency

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull возвращается из Acquire, когда очередь ожидания уже заполнена.
// Вызывающий код трактует это как сигнал сброса нагрузки.
var ErrQueueFull = errors.New("semaphore: wait queue is full")

// defaultMaxQueueSize — ёмкость очереди ожидания по умолчанию.
const defaultMaxQueueSize = 100

// Semaphore — счётный семафор с ограниченной очередью ожидания.
// Инварианты:
//   - available + выданные разрешения = capacity в любой момент;
//   - ожидающие получают разрешения строго в порядке постановки (FIFO);
//   - Release никогда не возвращает ошибку и не теряет разрешение при гонке
//     с отменой ожидающего.
type Semaphore struct {
	mu        sync.Mutex
	capacity  int
	maxQueue  int
	available int
	waiters   []chan struct{} // FIFO; канал буферизован на 1, чтобы Release не блокировался
}

// NewSemaphore создаёт семафор на capacity разрешений с очередью ожидания
// maxQueue. Неположительный maxQueue заменяется значением по умолчанию (100).
func NewSemaphore(capacity, maxQueue int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	if maxQueue < 1 {
		maxQueue = defaultMaxQueueSize
	}
	return &Semaphore{
		capacity:  capacity,
		maxQueue:  maxQueue,
		available: capacity,
	}
}

// Acquire берёт разрешение. Если свободных нет и очередь ожидания уже содержит
// maxQueue ожидающих — немедленно возвращает ErrQueueFull. Иначе блокируется до
// получения разрешения либо отмены контекста.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.available > 0 {
		s.available--
		s.mu.Unlock()
		return nil
	}
	if len(s.waiters) >= s.maxQueue {
		s.mu.Unlock()
		return ErrQueueFull
	}
	ready := make(chan struct{}, 1)
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		// Гонка: Release мог уже передать разрешение в ready. Если мы ещё в
		// очереди — просто выходим из неё; если нет — разрешение получено и его
		// нужно вернуть, иначе оно потеряется.
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		select {
		case <-ready:
			s.Release()
		default:
		}
		return ctx.Err()
	}
}

// Release возвращает разрешение. Если есть ожидающие — разрешение передаётся
// голове очереди (строгий FIFO), счётчик available не меняется. Иначе счётчик
// увеличивается, но не выше capacity.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 {
		head := s.waiters[0]
		s.waiters = s.waiters[1:]
		head <- struct{}{} // буфер 1: отправка не блокирует
		return
	}
	if s.available < s.capacity {
		s.available++
	}
}

// Available возвращает число свободных разрешений.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Pending возвращает длину очереди ожидания.
func (s *Semaphore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
