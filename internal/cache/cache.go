// Package cache is the fast shared layer for turn state. It is the source
// of truth for "whose turn is it": the durable store's combat fields are
// advisory, readers must come here.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache miss")

// TurnRecord points into the initiative order for one session.
type TurnRecord struct {
	Order []string `json:"order"`
	Index int      `json:"index"`
	Round int      `json:"round"`
}

func (t TurnRecord) Current() string {
	if t.Index < 0 || t.Index >= len(t.Order) {
		return ""
	}
	return t.Order[t.Index]
}

// TurnTimer is the live per-turn deadline. At most one exists per session;
// its presence means combat is active and ParticipantID is on the clock.
type TurnTimer struct {
	ParticipantID string        `json:"participantId"`
	StartedAt     time.Time     `json:"startedAt"`
	Deadline      time.Time     `json:"deadline"`
	Duration      time.Duration `json:"duration"`
}

func (t TurnTimer) Expired(now time.Time) bool {
	return now.After(t.Deadline)
}

type ChangeKind string

const (
	ChangePosition ChangeKind = "position"
	ChangeHealth   ChangeKind = "health"
	ChangeAP       ChangeKind = "ap"
	ChangeDeath    ChangeKind = "death"
	ChangeCombat   ChangeKind = "combat-state"
)

// Change is one logged, broadcastable state mutation.
type Change struct {
	Kind          ChangeKind      `json:"kind"`
	ParticipantID string          `json:"participantId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	At            time.Time       `json:"at"`
}

// Cache is the fast-cache contract: JSON blobs with TTL, a bounded append
// log, and delete. Writers hold the session's runner exclusion, so
// last-writer-wins per key is enough.
type Cache interface {
	SetTurnRecord(ctx context.Context, sessionID string, rec TurnRecord) error
	GetTurnRecord(ctx context.Context, sessionID string) (TurnRecord, error)
	ClearTurnRecord(ctx context.Context, sessionID string) error

	SetTimer(ctx context.Context, sessionID string, timer TurnTimer, ttl time.Duration) error
	GetTimer(ctx context.Context, sessionID string) (TurnTimer, error)
	ClearTimer(ctx context.Context, sessionID string) error

	// AppendChange appends and trims the log to the retained window.
	AppendChange(ctx context.Context, sessionID string, c Change) error
	// ChangesSince returns retained changes with At after since, oldest
	// first. truncated reports that the window may no longer reach back to
	// since, in which case the caller falls back to a full snapshot.
	ChangesSince(ctx context.Context, sessionID string, since time.Time) (changes []Change, truncated bool, err error)

	// Purge removes every cache-resident record for the session.
	Purge(ctx context.Context, sessionID string) error
}
