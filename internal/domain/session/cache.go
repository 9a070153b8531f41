// Данный файл реализует оперативный кэш сессий поверх Store. Кэш ускоряет
// горячий путь (возобновление сессии без чтения диска), продлевает lastUsedAt
// при каждом обращении и вытесняет простаивающие и лишние сессии, помечая их
// stale в хранилище. Потокобезопасен: все операции под одним мьютексом.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry — оперативная запись кэша.
type Entry struct {
	ProviderSessionID string
	LastUsedAt        time.Time
}

// Cache — кэш соответствий «ключ сессии → сессия провайдера» поверх Store.
// Clock внедряется для детерминированных тестов; по умолчанию time.Now.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry // ключ — Key.Encode()
	store   Store
	clock   func() time.Time
}

// NewCache создаёт кэш поверх хранилища. Clock может быть nil.
func NewCache(store Store, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		entries: make(map[string]*Entry),
		store:   store,
		clock:   clock,
	}
}

// LoadSessionID возвращает идентификатор сессии провайдера для ключа.
// Порядок: оперативный кэш (с продлением lastUsedAt) → хранилище. Записи со
// статусом stale не возобновляются и не поднимаются в кэш. Второй результат
// false — возобновлять нечего, требуется свежая сессия.
func (c *Cache) LoadSessionID(key Key) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	encoded := key.Encode()
	if entry, ok := c.entries[encoded]; ok {
		entry.LastUsedAt = c.clock()
		return entry.ProviderSessionID, true, nil
	}

	rec, err := c.store.GetSession(key)
	if err != nil {
		return "", false, fmt.Errorf("load session %s: %w", encoded, err)
	}
	if rec == nil || rec.Status == StatusStale || rec.ProviderSessionID == "" {
		return "", false, nil
	}

	c.entries[encoded] = &Entry{
		ProviderSessionID: rec.ProviderSessionID,
		LastUsedAt:        c.clock(),
	}
	return rec.ProviderSessionID, true, nil
}

// PersistSessionID фиксирует сессию провайдера и в кэше, и в хранилище
// (status=active). Вызывается после каждого успешного хода модели.
func (c *Cache) PersistSessionID(key Key, providerSessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	c.entries[key.Encode()] = &Entry{
		ProviderSessionID: providerSessionID,
		LastUsedAt:        now,
	}
	if err := c.store.UpsertSession(Persisted{
		Key:               key,
		ProviderSessionID: providerSessionID,
		LastUsedAt:        now,
		Status:            StatusActive,
	}); err != nil {
		return fmt.Errorf("persist session %s: %w", key.Encode(), err)
	}
	return nil
}

// Discard помечает сессию stale в хранилище и убирает её из кэша. Используется
// при восстановлении после отравленной/протухшей сессии провайдера.
func (c *Cache) Discard(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key.Encode())
	if err := c.store.MarkStale(key, c.clock()); err != nil {
		return fmt.Errorf("mark stale %s: %w", key.Encode(), err)
	}
	return nil
}

// EvictIdle вытесняет сессии в два прохода:
//  1. все записи, простаивающие дольше idleTimeout, удаляются из кэша и
//     помечаются stale в хранилище;
//  2. если записей всё ещё больше maxConcurrent, удаляются самые старые
//     (по возрастанию lastUsedAt) до достижения лимита.
//
// Возвращает число вытесненных сессий. Ошибки хранилища логировать решает
// вызывающий: первая ошибка возвращается, но вытеснение не прерывается.
func (c *Cache) EvictIdle(idleTimeout time.Duration, maxConcurrent int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	evicted := 0
	var firstErr error

	for encoded, entry := range c.entries {
		if now.Sub(entry.LastUsedAt) > idleTimeout {
			if err := c.markStaleLocked(encoded); err != nil && firstErr == nil {
				firstErr = err
			}
			delete(c.entries, encoded)
			evicted++
		}
	}

	if maxConcurrent > 0 && len(c.entries) > maxConcurrent {
		type aged struct {
			encoded string
			at      time.Time
		}
		ordered := make([]aged, 0, len(c.entries))
		for encoded, entry := range c.entries {
			ordered = append(ordered, aged{encoded: encoded, at: entry.LastUsedAt})
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].at.Before(ordered[j].at) })

		excess := len(c.entries) - maxConcurrent
		for _, victim := range ordered[:excess] {
			if err := c.markStaleLocked(victim.encoded); err != nil && firstErr == nil {
				firstErr = err
			}
			delete(c.entries, victim.encoded)
			evicted++
		}
	}

	return evicted, firstErr
}

// markStaleLocked помечает запись stale в хранилище. Вызывается под c.mu.
func (c *Cache) markStaleLocked(encoded string) error {
	key, err := DecodeKey(encoded)
	if err != nil {
		return err
	}
	return c.store.MarkStale(key, c.clock())
}

// Len возвращает число записей в оперативном кэше.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot возвращает копию кэша для админских поверхностей (CLI/web).
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Entry, len(c.entries))
	for encoded, entry := range c.entries {
		out[encoded] = *entry
	}
	return out
}
