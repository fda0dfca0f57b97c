package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Turn records outlive any single turn but not an abandoned session.
const turnRecordTTL = 24 * time.Hour

type RedisCache struct {
	rdb    *redis.Client
	window int64
}

func NewRedisCache(rdb *redis.Client, window int) *RedisCache {
	if window <= 0 {
		window = 256
	}
	return &RedisCache{rdb: rdb, window: int64(window)}
}

func turnKey(sessionID string) string    { return "session:" + sessionID + ":turn" }
func timerKey(sessionID string) string   { return "session:" + sessionID + ":timer" }
func changesKey(sessionID string) string { return "session:" + sessionID + ":changes" }

func (c *RedisCache) SetTurnRecord(ctx context.Context, sessionID string, rec TurnRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, turnKey(sessionID), raw, turnRecordTTL).Err()
}

func (c *RedisCache) GetTurnRecord(ctx context.Context, sessionID string) (TurnRecord, error) {
	raw, err := c.rdb.Get(ctx, turnKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TurnRecord{}, ErrMiss
	}
	if err != nil {
		return TurnRecord{}, fmt.Errorf("reading turn record: %w", err)
	}
	var rec TurnRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return TurnRecord{}, fmt.Errorf("decoding turn record: %w", err)
	}
	return rec, nil
}

func (c *RedisCache) ClearTurnRecord(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, turnKey(sessionID)).Err()
}

func (c *RedisCache) SetTimer(ctx context.Context, sessionID string, timer TurnTimer, ttl time.Duration) error {
	raw, err := json.Marshal(timer)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, timerKey(sessionID), raw, ttl).Err()
}

func (c *RedisCache) GetTimer(ctx context.Context, sessionID string) (TurnTimer, error) {
	raw, err := c.rdb.Get(ctx, timerKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TurnTimer{}, ErrMiss
	}
	if err != nil {
		return TurnTimer{}, fmt.Errorf("reading timer: %w", err)
	}
	var timer TurnTimer
	if err := json.Unmarshal(raw, &timer); err != nil {
		return TurnTimer{}, fmt.Errorf("decoding timer: %w", err)
	}
	return timer, nil
}

func (c *RedisCache) ClearTimer(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, timerKey(sessionID)).Err()
}

func (c *RedisCache) AppendChange(ctx context.Context, sessionID string, change Change) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, changesKey(sessionID), raw)
	pipe.LTrim(ctx, changesKey(sessionID), 0, c.window-1)
	pipe.Expire(ctx, changesKey(sessionID), turnRecordTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ChangesSince(ctx context.Context, sessionID string, since time.Time) ([]Change, bool, error) {
	raws, err := c.rdb.LRange(ctx, changesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reading change log: %w", err)
	}

	// Newest first on the wire; walk backwards to return oldest first.
	var out []Change
	var oldest time.Time
	for i := len(raws) - 1; i >= 0; i-- {
		var change Change
		if err := json.Unmarshal([]byte(raws[i]), &change); err != nil {
			return nil, false, fmt.Errorf("decoding change: %w", err)
		}
		if oldest.IsZero() {
			oldest = change.At
		}
		if change.At.After(since) {
			out = append(out, change)
		}
	}

	// A full window whose oldest entry is newer than the requested point
	// means entries may have been trimmed away.
	truncated := int64(len(raws)) >= c.window && oldest.After(since)
	return out, truncated, nil
}

func (c *RedisCache) Purge(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, turnKey(sessionID), timerKey(sessionID), changesKey(sessionID)).Err()
}

var _ Cache = (*RedisCache)(nil)
