// Package combat drives the turn state machine for active sessions: it runs
// engine commands under the session's runner exclusion, keeps the cache turn
// record and timer current, and funnels every visible mutation through the
// sync handler.
package combat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/engine"
	"github.com/dustline/tactics-server/internal/hub"
	"github.com/dustline/tactics-server/internal/protocol"
	"github.com/dustline/tactics-server/internal/session"
	"github.com/dustline/tactics-server/internal/store"
	"github.com/dustline/tactics-server/internal/syncproto"
)

var ErrNotParticipant = errors.New("not a session participant")

type Options struct {
	// FireBuffer pads the wall-clock callback past the deadline so a punctual
	// end-turn wins the race against its own timer.
	FireBuffer time.Duration
	// TimerGrace pads the cache TTL past the deadline.
	TimerGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.FireBuffer <= 0 {
		o.FireBuffer = time.Second
	}
	if o.TimerGrace <= 0 {
		o.TimerGrace = 5 * time.Second
	}
}

type Controller struct {
	log    *zap.Logger
	store  store.Store
	cache  cache.Cache
	hub    *hub.Hub
	sync   *syncproto.Handler
	opts   Options
	now    func() time.Time
	timers *timerSet
}

func NewController(log *zap.Logger, st store.Store, ca cache.Cache, h *hub.Hub, sy *syncproto.Handler, opts Options) *Controller {
	opts.withDefaults()
	return &Controller{
		log:    log,
		store:  st,
		cache:  ca,
		hub:    h,
		sync:   sy,
		opts:   opts,
		now:    time.Now,
		timers: newTimerSet(),
	}
}

var _ session.CombatStarter = (*Controller)(nil)

// BeginCombat computes initiative and opens a combat bout.
func (c *Controller) BeginCombat(ctx context.Context, sessionID string) error {
	return c.hub.Ensure(sessionID).Do(ctx, func(ctx context.Context) error {
		sess, parts, state, err := c.loadState(ctx, sessionID)
		if err != nil {
			return err
		}
		events, next, err := engine.Apply(state, engine.Command{Type: engine.CmdBeginCombat})
		if err != nil {
			return err
		}
		return c.commit(ctx, sess, parts, next, events)
	})
}

// EndTurn is the manual advance: only the current turn holder may call it.
func (c *Controller) EndTurn(ctx context.Context, sessionID string, who session.Identity) error {
	ended := false
	err := c.hub.Ensure(sessionID).Do(ctx, func(ctx context.Context) error {
		sess, parts, state, err := c.loadState(ctx, sessionID)
		if err != nil {
			return err
		}
		actor := participantOf(parts, who.UserID)
		if actor == nil {
			return ErrNotParticipant
		}
		events, next, err := engine.Apply(state, engine.Command{Type: engine.CmdEndTurn, ActorID: actor.ID})
		if err != nil {
			return err
		}
		ended = engine.ContainsEvent(events, engine.EvtCombatEnded)
		return c.commit(ctx, sess, parts, next, events)
	})
	if err == nil && ended {
		c.release(sessionID)
	}
	return err
}

// onTimerFired is the wall-clock path. The generation check drops callbacks
// cancelled by an earlier manual end-turn, and the cache re-read drops the
// ones that lost the race anyway.
func (c *Controller) onTimerFired(sessionID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner := c.hub.Get(sessionID)
	if runner == nil {
		return // session already released
	}

	ended := false
	err := runner.Do(ctx, func(ctx context.Context) error {
		if !c.timers.isCurrent(sessionID, gen) {
			return nil
		}
		timer, err := c.cache.GetTimer(ctx, sessionID)
		if errors.Is(err, cache.ErrMiss) {
			return nil // turn already ended, record gone
		}
		if err != nil {
			return err
		}
		if !timer.Expired(c.now()) {
			return nil // a fresh timer replaced the one we were armed for
		}

		c.log.Info("turn timer expired",
			zap.String("session", sessionID),
			zap.String("participant", timer.ParticipantID))

		sess, parts, state, err := c.loadState(ctx, sessionID)
		if err != nil {
			return err
		}
		events, next, err := engine.Apply(state, engine.Command{Type: engine.CmdEndTurn, Timeout: true})
		if err != nil {
			return err
		}
		ended = engine.ContainsEvent(events, engine.EvtCombatEnded)
		return c.commit(ctx, sess, parts, next, events)
	})
	if err != nil {
		c.log.Warn("timeout advance failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	if ended {
		c.release(sessionID)
	}
}

// ApplyStateUpdate ingests a client's report of its own participant and
// logs the per-aspect deltas. A report that marks the participant dead also
// re-runs the win check so the session does not wait for the next round
// rollover to finish.
func (c *Controller) ApplyStateUpdate(ctx context.Context, sessionID string, who session.Identity, upd protocol.StateUpdate) error {
	ended := false
	err := c.hub.Ensure(sessionID).Do(ctx, func(ctx context.Context) error {
		p, err := c.store.FindParticipant(ctx, sessionID, who.UserID)
		if err != nil {
			return err
		}

		moved := p.TileIndex != upd.TileIndex || p.Elevation != upd.Elevation || p.Rotation != upd.Rotation
		hurt := p.HP != upd.CurrentHP || p.MaxHP != upd.MaxHP
		spent := p.AP != upd.CurrentAP || p.MaxAP != upd.MaxAP
		died := !p.Dead && upd.IsDead

		p.TileIndex = upd.TileIndex
		p.Elevation = upd.Elevation
		p.Rotation = upd.Rotation
		p.HP = upd.CurrentHP
		p.MaxHP = upd.MaxHP
		p.AP = upd.CurrentAP
		p.MaxAP = upd.MaxAP
		p.Dead = p.Dead || upd.IsDead
		if err := c.store.UpdateParticipant(ctx, p); err != nil {
			return err
		}

		at := c.now()
		if moved {
			c.appendChange(ctx, sessionID, cache.ChangePosition, p.ID, map[string]any{
				"tileIndex": p.TileIndex, "elevation": p.Elevation, "rotation": p.Rotation,
			}, at)
		}
		if hurt {
			c.appendChange(ctx, sessionID, cache.ChangeHealth, p.ID, map[string]any{
				"currentHp": p.HP, "maxHp": p.MaxHP,
			}, at)
		}
		if spent {
			c.appendChange(ctx, sessionID, cache.ChangeAP, p.ID, map[string]any{
				"currentAp": p.AP, "maxAp": p.MaxAP,
			}, at)
		}
		if died {
			c.appendChange(ctx, sessionID, cache.ChangeDeath, p.ID, map[string]any{
				"isDead": true,
			}, at)
		}

		out := upd
		out.SessionID = sessionID
		out.ParticipantID = p.ID
		c.sync.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgStateUpdate, out), who.UserID)

		if died {
			var werr error
			ended, werr = c.checkWinAfterDeath(ctx, sessionID)
			return werr
		}
		return nil
	})
	if err == nil && ended {
		c.release(sessionID)
	}
	return err
}

// RelayAction fans a turn-holder's action out to the other viewers. The
// server does not resolve combat math; the acting client reports outcomes
// through state updates.
func (c *Controller) RelayAction(ctx context.Context, sessionID string, who session.Identity, action string, payload json.RawMessage) error {
	return c.hub.Ensure(sessionID).Do(ctx, func(ctx context.Context) error {
		p, err := c.store.FindParticipant(ctx, sessionID, who.UserID)
		if err != nil {
			return err
		}
		rec, err := c.cache.GetTurnRecord(ctx, sessionID)
		if err == nil && rec.Current() != p.ID {
			return engine.ErrNotYourTurn
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			return err
		}

		c.sync.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgRemoteAction, protocol.RemoteAction{
			SessionID:     sessionID,
			ParticipantID: p.ID,
			Action:        action,
			Payload:       payload,
		}), who.UserID)
		return nil
	})
}

// CurrentTurn reads the live turn pointer. The cache is the source of truth
// here; the store's combat fields are advisory.
func (c *Controller) CurrentTurn(ctx context.Context, sessionID string) (cache.TurnRecord, error) {
	return c.cache.GetTurnRecord(ctx, sessionID)
}

// checkWinAfterDeath reports whether it closed the bout so the caller can
// release the session's runner once its own closure has returned.
func (c *Controller) checkWinAfterDeath(ctx context.Context, sessionID string) (bool, error) {
	sess, parts, state, err := c.loadState(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !state.InCombat {
		return false, nil
	}
	humans, bots := 0, 0
	for _, p := range parts {
		if p.Dead {
			continue
		}
		if p.IsBot {
			bots++
		} else {
			humans++
		}
	}
	if humans > 1 || bots > 0 {
		return false, nil
	}

	winner := ""
	for _, p := range parts {
		if !p.Dead {
			winner = p.ID
			break
		}
	}
	events, next, err := engine.Apply(state, engine.Command{Type: engine.CmdEndCombat, Winner: winner})
	if err != nil {
		return false, err
	}
	if err := c.commit(ctx, sess, parts, next, events); err != nil {
		return false, err
	}
	return true, nil
}

// loadState assembles the engine's view: roster from the durable store in
// join order, turn pointer from the cache.
func (c *Controller) loadState(ctx context.Context, sessionID string) (*store.Session, []*store.Participant, engine.State, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, engine.State{}, fmt.Errorf("loading session: %w", err)
	}
	parts, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, nil, engine.State{}, fmt.Errorf("loading participants: %w", err)
	}

	state := engine.State{Roster: make([]engine.Participant, 0, len(parts))}
	for _, p := range parts {
		state.Roster = append(state.Roster, engine.Participant{
			ID:       p.ID,
			IsBot:    p.IsBot,
			Dead:     p.Dead,
			HP:       p.HP,
			MaxHP:    p.MaxHP,
			AP:       p.AP,
			MaxAP:    p.MaxAP,
			Sequence: p.Sequence,
			Luck:     p.Luck,
		})
	}

	rec, err := c.cache.GetTurnRecord(ctx, sessionID)
	switch {
	case err == nil:
		state.InCombat = true
		state.Order = rec.Order
		state.Index = rec.Index
		state.Round = rec.Round
	case errors.Is(err, cache.ErrMiss):
		// not in combat
	default:
		return nil, nil, engine.State{}, fmt.Errorf("loading turn record: %w", err)
	}
	return sess, parts, state, nil
}

// commit applies engine events in order: cache first (it is the source of
// truth), then the durable rows (failures logged, never blocking the
// broadcast), then record-and-broadcast.
func (c *Controller) commit(ctx context.Context, sess *store.Session, parts []*store.Participant, next engine.State, events []engine.Event) error {
	for _, event := range events {
		switch event.Type {
		case engine.EvtCombatStarted:
			if err := c.cache.SetTurnRecord(ctx, sess.ID, cache.TurnRecord{
				Order: next.Order, Index: next.Index, Round: next.Round,
			}); err != nil {
				return fmt.Errorf("writing turn record: %w", err)
			}
			sess.InCombat = true
			sess.CombatRound = next.Round
			sess.TurnIndex = next.Index
			c.updateSession(ctx, sess)
			for _, p := range parts {
				if !p.Dead {
					p.InCombat = true
					p.Initiative = indexOf(next.Order, p.ID)
					c.updateParticipant(ctx, p)
				}
			}
			c.recordAndBroadcast(ctx, sess.ID, cache.ChangeCombat, "", protocol.MsgCombatStarted, protocol.CombatStarted{
				SessionID: sess.ID,
				Order:     next.Order,
				Round:     next.Round,
			})

		case engine.EvtTurnEnded:
			c.cancelTimer(ctx, sess.ID)
			c.recordAndBroadcast(ctx, sess.ID, cache.ChangeCombat, event.ParticipantID, protocol.MsgTurnEnded, protocol.TurnEnded{
				SessionID:     sess.ID,
				ParticipantID: event.ParticipantID,
				Timeout:       event.Timeout,
			})

		case engine.EvtNewRound:
			sess.CombatRound = event.Round
			c.updateSession(ctx, sess)
			c.recordAndBroadcast(ctx, sess.ID, cache.ChangeCombat, "", protocol.MsgCombatNewRound, protocol.NewRound{
				SessionID: sess.ID,
				Round:     event.Round,
			})

		case engine.EvtAPReset:
			for _, p := range parts {
				if p.Dead {
					continue
				}
				p.AP = p.MaxAP
				c.updateParticipant(ctx, p)
				c.appendChange(ctx, sess.ID, cache.ChangeAP, p.ID, map[string]any{
					"currentAp": p.AP, "maxAp": p.MaxAP,
				}, c.now())
			}

		case engine.EvtTurnStarted:
			if err := c.cache.SetTurnRecord(ctx, sess.ID, cache.TurnRecord{
				Order: next.Order, Index: next.Index, Round: next.Round,
			}); err != nil {
				return fmt.Errorf("writing turn record: %w", err)
			}
			sess.TurnIndex = next.Index
			c.updateSession(ctx, sess)

			deadline := c.armTimer(ctx, sess, event.ParticipantID)
			ap := 0
			if p := byID(parts, event.ParticipantID); p != nil {
				ap = p.AP
			}
			c.recordAndBroadcast(ctx, sess.ID, cache.ChangeCombat, event.ParticipantID, protocol.MsgTurnStart, protocol.TurnStart{
				SessionID:     sess.ID,
				ParticipantID: event.ParticipantID,
				Round:         event.Round,
				AP:            ap,
				TimeLimit:     sess.TurnSeconds,
				Deadline:      deadline,
			})

		case engine.EvtCombatEnded:
			c.cancelTimer(ctx, sess.ID)
			if err := c.cache.ClearTurnRecord(ctx, sess.ID); err != nil {
				c.log.Warn("clearing turn record", zap.String("session", sess.ID), zap.Error(err))
			}
			sess.InCombat = false
			sess.CombatRound = 0
			sess.TurnIndex = 0
			sess.Status = store.StatusFinished
			c.updateSession(ctx, sess)

			winnerUser := ""
			var played []string
			for _, p := range parts {
				p.InCombat = false
				c.updateParticipant(ctx, p)
				if !p.IsBot {
					played = append(played, p.UserID)
				}
				if p.ID == event.Winner {
					winnerUser = p.UserID
				}
			}
			if err := c.store.RecordResult(ctx, winnerUser, played); err != nil {
				c.log.Warn("recording result", zap.String("session", sess.ID), zap.Error(err))
			}

			c.recordAndBroadcast(ctx, sess.ID, cache.ChangeCombat, event.Winner, protocol.MsgCombatEnded, protocol.CombatEnded{
				SessionID: sess.ID,
				WinnerID:  event.Winner,
			})
			c.sync.Broadcast(ctx, sess.ID, protocol.MustEnvelope(protocol.MsgGameEnded, protocol.SessionRef{
				SessionID: sess.ID,
			}), "")
			c.log.Info("combat ended",
				zap.String("session", sess.ID),
				zap.String("winner", event.Winner))
		}
	}
	return nil
}

// armTimer writes the cache timer record and schedules the wall-clock
// callback at deadline + buffer. Arming invalidates any previously scheduled
// callback for the session.
func (c *Controller) armTimer(ctx context.Context, sess *store.Session, participantID string) time.Time {
	duration := time.Duration(sess.TurnSeconds) * time.Second
	started := c.now()
	deadline := started.Add(duration)

	if err := c.cache.SetTimer(ctx, sess.ID, cache.TurnTimer{
		ParticipantID: participantID,
		StartedAt:     started,
		Deadline:      deadline,
		Duration:      duration,
	}, duration+c.opts.TimerGrace); err != nil {
		c.log.Warn("writing turn timer", zap.String("session", sess.ID), zap.Error(err))
	}

	sessionID := sess.ID
	c.timers.arm(sessionID, duration+c.opts.FireBuffer, func(gen uint64) {
		c.onTimerFired(sessionID, gen)
	})
	return deadline
}

// release drops the session's scheduling state once combat has settled: the
// timer entry and the runner both go away. Callers must invoke it after
// their runner closure returns; a runner cannot remove itself from inside
// its own job.
func (c *Controller) release(sessionID string) {
	c.timers.remove(sessionID)
	c.hub.Remove(sessionID)
}

func (c *Controller) cancelTimer(ctx context.Context, sessionID string) {
	c.timers.cancel(sessionID)
	if err := c.cache.ClearTimer(ctx, sessionID); err != nil {
		c.log.Warn("clearing turn timer", zap.String("session", sessionID), zap.Error(err))
	}
}

func (c *Controller) recordAndBroadcast(ctx context.Context, sessionID string, kind cache.ChangeKind, participantID, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("marshaling change payload", zap.Error(err))
		return
	}
	c.sync.RecordAndBroadcast(ctx, sessionID, cache.Change{
		Kind:          kind,
		ParticipantID: participantID,
		Payload:       raw,
		At:            c.now(),
	}, protocol.Envelope{Type: msgType, Payload: raw}, "")
}

func (c *Controller) appendChange(ctx context.Context, sessionID string, kind cache.ChangeKind, participantID string, payload map[string]any, at time.Time) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("marshaling change payload", zap.Error(err))
		return
	}
	if err := c.cache.AppendChange(ctx, sessionID, cache.Change{
		Kind:          kind,
		ParticipantID: participantID,
		Payload:       raw,
		At:            at,
	}); err != nil {
		c.log.Warn("appending change record", zap.String("session", sessionID), zap.Error(err))
	}
}

// Store writes after the cache are best-effort: the live session matters
// more than row durability, so failures are logged and play continues.
func (c *Controller) updateSession(ctx context.Context, sess *store.Session) {
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		c.log.Warn("updating session row", zap.String("session", sess.ID), zap.Error(err))
	}
}

func (c *Controller) updateParticipant(ctx context.Context, p *store.Participant) {
	if err := c.store.UpdateParticipant(ctx, p); err != nil {
		c.log.Warn("updating participant row", zap.String("participant", p.ID), zap.Error(err))
	}
}

func participantOf(parts []*store.Participant, userID string) *store.Participant {
	for _, p := range parts {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func byID(parts []*store.Participant, id string) *store.Participant {
	for _, p := range parts {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}
