// Package syncproto keeps viewers consistent: full snapshots for joins and
// reconnects, bounded delta batches for cheap catch-up, and the single
// record-and-broadcast choke point every mutation goes through.
package syncproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/protocol"
	"github.com/dustline/tactics-server/internal/store"
)

// Broadcaster is the slice of the connection registry this package needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, env protocol.Envelope, exclude string)
}

type Handler struct {
	log   *zap.Logger
	store store.Store
	cache cache.Cache
	reg   Broadcaster
	now   func() time.Time
}

func New(log *zap.Logger, st store.Store, ca cache.Cache, reg Broadcaster) *Handler {
	return &Handler{log: log, store: st, cache: ca, reg: reg, now: time.Now}
}

// RecordAndBroadcast appends the change to the session's log and fans the
// envelope out to current subscribers. Callers hold the session's runner
// exclusion, which is what makes broadcast order == log order == mutation
// order. A failed append is logged, not returned: the live session matters
// more than one delta entry, and the viewer falls back to a full snapshot.
func (h *Handler) RecordAndBroadcast(ctx context.Context, sessionID string, change cache.Change, env protocol.Envelope, exclude string) {
	if change.At.IsZero() {
		change.At = h.now()
	}
	if err := h.cache.AppendChange(ctx, sessionID, change); err != nil {
		h.log.Warn("appending change record",
			zap.String("session", sessionID),
			zap.String("kind", string(change.Kind)),
			zap.Error(err))
	}
	h.reg.Broadcast(ctx, sessionID, env, exclude)
}

// Broadcast fans out an envelope without logging a change record, for events
// that are not participant-state mutations (chat, lobby notices).
func (h *Handler) Broadcast(ctx context.Context, sessionID string, env protocol.Envelope, exclude string) {
	h.reg.Broadcast(ctx, sessionID, env, exclude)
}

// SessionView and ParticipantView carry the public fields a viewer may see.
type SessionView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Visibility  string `json:"visibility"`
	Capacity    int    `json:"capacity"`
	MinLevel    int    `json:"minLevel"`
	MaxLevel    int    `json:"maxLevel"`
	MapID       string `json:"mapId"`
	TurnSeconds int    `json:"turnSeconds"`
	Status      string `json:"status"`
	InCombat    bool   `json:"inCombat"`
	CombatRound int    `json:"combatRound"`
	HostUserID  string `json:"hostUserId"`
}

type ParticipantView struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	CharacterID string `json:"characterId,omitempty"`
	IsHost      bool   `json:"isHost"`
	IsBot       bool   `json:"isBot"`
	Ready       bool   `json:"ready"`
	Connected   bool   `json:"connected"`
	TileIndex   int    `json:"tileIndex"`
	Elevation   int    `json:"elevation"`
	Rotation    int    `json:"rotation"`
	CurrentHP   int    `json:"currentHp"`
	MaxHP       int    `json:"maxHp"`
	CurrentAP   int    `json:"currentAp"`
	MaxAP       int    `json:"maxAp"`
	InCombat    bool   `json:"inCombat"`
	Dead        bool   `json:"isDead"`
}

type TurnView struct {
	Order       []string  `json:"order"`
	Index       int       `json:"index"`
	Round       int       `json:"round"`
	Current     string    `json:"current"`
	Deadline    time.Time `json:"deadline"`
	RemainingMS int64     `json:"remainingMs"`
}

type Snapshot struct {
	Session      SessionView       `json:"session"`
	Participants []ParticipantView `json:"participants"`
	Turn         *TurnView         `json:"turn,omitempty"`
	GeneratedAt  time.Time         `json:"generatedAt"`
}

type Delta struct {
	Changes   []cache.Change `json:"changes"`
	Truncated bool           `json:"truncated"`
	Now       time.Time      `json:"now"`
}

// FullSnapshot assembles the baseline a viewer uses after joining or
// reconnecting: session fields, every participant's public fields, and the
// live turn record with remaining time when combat is active.
func (h *Handler) FullSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	parts, err := h.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}

	snap := &Snapshot{
		Session: SessionView{
			ID:          sess.ID,
			Name:        sess.Name,
			Visibility:  string(sess.Visibility),
			Capacity:    sess.Capacity,
			MinLevel:    sess.MinLevel,
			MaxLevel:    sess.MaxLevel,
			MapID:       sess.MapID,
			TurnSeconds: sess.TurnSeconds,
			Status:      string(sess.Status),
			InCombat:    sess.InCombat,
			CombatRound: sess.CombatRound,
			HostUserID:  sess.HostUserID,
		},
		GeneratedAt: h.now(),
	}
	for _, p := range parts {
		snap.Participants = append(snap.Participants, ParticipantView{
			ID:          p.ID,
			UserID:      p.UserID,
			Username:    p.Username,
			CharacterID: p.CharacterID,
			IsHost:      p.IsHost,
			IsBot:       p.IsBot,
			Ready:       p.Ready,
			Connected:   p.Connected,
			TileIndex:   p.TileIndex,
			Elevation:   p.Elevation,
			Rotation:    p.Rotation,
			CurrentHP:   p.HP,
			MaxHP:       p.MaxHP,
			CurrentAP:   p.AP,
			MaxAP:       p.MaxAP,
			InCombat:    p.InCombat,
			Dead:        p.Dead,
		})
	}

	// The cache decides whether combat is live; the session row's combat
	// fields are advisory and can lag.
	rec, err := h.cache.GetTurnRecord(ctx, sessionID)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("loading turn record: %w", err)
	}
	if err == nil {
		view := &TurnView{
			Order:   rec.Order,
			Index:   rec.Index,
			Round:   rec.Round,
			Current: rec.Current(),
		}
		if timer, err := h.cache.GetTimer(ctx, sessionID); err == nil {
			view.Deadline = timer.Deadline
			if remaining := timer.Deadline.Sub(h.now()); remaining > 0 {
				view.RemainingMS = remaining.Milliseconds()
			}
		}
		snap.Turn = view
	}
	return snap, nil
}

// DeltaSince returns every retained change after the given time, oldest
// first. Truncated means the window no longer reaches back that far and the
// caller should take a full snapshot instead.
func (h *Handler) DeltaSince(ctx context.Context, sessionID string, since time.Time) (*Delta, error) {
	changes, truncated, err := h.cache.ChangesSince(ctx, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("loading change log: %w", err)
	}
	return &Delta{Changes: changes, Truncated: truncated, Now: h.now()}, nil
}
