package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache mirrors the redis behavior in process memory, including timer
// TTL expiry and change-log trimming. Tests and dev runs use it.
type MemoryCache struct {
	mu     sync.RWMutex
	window int
	turns  map[string]TurnRecord
	timers map[string]timerEntry
	logs   map[string][]Change
}

type timerEntry struct {
	timer     TurnTimer
	expiresAt time.Time
}

func NewMemoryCache(window int) *MemoryCache {
	if window <= 0 {
		window = 256
	}
	return &MemoryCache{
		window: window,
		turns:  make(map[string]TurnRecord),
		timers: make(map[string]timerEntry),
		logs:   make(map[string][]Change),
	}
}

func (c *MemoryCache) SetTurnRecord(ctx context.Context, sessionID string, rec TurnRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[sessionID] = rec
	return nil
}

func (c *MemoryCache) GetTurnRecord(ctx context.Context, sessionID string) (TurnRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.turns[sessionID]
	if !ok {
		return TurnRecord{}, ErrMiss
	}
	return rec, nil
}

func (c *MemoryCache) ClearTurnRecord(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, sessionID)
	return nil
}

func (c *MemoryCache) SetTimer(ctx context.Context, sessionID string, timer TurnTimer, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[sessionID] = timerEntry{timer: timer, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) GetTimer(ctx context.Context, sessionID string) (TurnTimer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.timers[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return TurnTimer{}, ErrMiss
	}
	return entry.timer, nil
}

func (c *MemoryCache) ClearTimer(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, sessionID)
	return nil
}

func (c *MemoryCache) AppendChange(ctx context.Context, sessionID string, change Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := append(c.logs[sessionID], change)
	if len(log) > c.window {
		log = log[len(log)-c.window:]
	}
	c.logs[sessionID] = log
	return nil
}

func (c *MemoryCache) ChangesSince(ctx context.Context, sessionID string, since time.Time) ([]Change, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	log := c.logs[sessionID]

	var out []Change
	for _, change := range log {
		if change.At.After(since) {
			out = append(out, change)
		}
	}
	truncated := len(log) >= c.window && len(log) > 0 && log[0].At.After(since)
	return out, truncated, nil
}

func (c *MemoryCache) Purge(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, sessionID)
	delete(c.timers, sessionID)
	delete(c.logs, sessionID)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
