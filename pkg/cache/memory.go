package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/lightfold/difftune/pkg/errors"
)

// Memory is an in-process LRU reward cache. Expired entries are dropped
// lazily on access; rewards are a few floats each, so there is no cleanup
// goroutine.
type Memory struct {
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
	stats   Stats
}

type memoryEntry struct {
	key       string
	reward    []float64
	expiresAt time.Time
}

// NewMemory returns a memory cache holding at most maxEntries rewards;
// maxEntries of 0 or less means unbounded.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (c *Memory) Get(ctx context.Context, key string) ([]float64, bool, error) {
	if err := errors.CheckContext(ctx, "cache get"); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.LastAccess = time.Now()

	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeLocked(elem, entry)
		c.stats.Misses++
		return nil, false, nil
	}

	c.order.MoveToFront(elem)
	c.stats.Hits++
	return append([]float64(nil), entry.reward...), true, nil
}

func (c *Memory) Set(ctx context.Context, key string, reward []float64, ttl time.Duration) error {
	if err := errors.CheckContext(ctx, "cache set"); err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	stored := append([]float64(nil), reward...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.LastAccess = time.Now()
	c.stats.Sets++

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.reward = stored
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, reward: stored, expiresAt: expiresAt})
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest, oldest.Value.(*memoryEntry))
		c.stats.Evictions++
	}
	return nil
}

func (c *Memory) Clear(ctx context.Context) error {
	if err := errors.CheckContext(ctx, "cache clear"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
	c.stats = Stats{}
	return nil
}

func (c *Memory) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Entries = int64(len(c.entries))
	return out
}

// Close is a no-op; the memory cache holds no external resources.
func (c *Memory) Close() error {
	return nil
}

func (c *Memory) removeLocked(elem *list.Element, entry *memoryEntry) {
	c.order.Remove(elem)
	delete(c.entries, entry.key)
}
