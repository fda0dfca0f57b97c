package bot

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/protocol"
	"github.com/dustline/tactics-server/internal/session"
	"github.com/dustline/tactics-server/internal/store"
)

// TurnController is the slice of the combat controller bots drive. Bots use
// the same entry points as human clients; there is no privileged path.
type TurnController interface {
	EndTurn(ctx context.Context, sessionID string, who session.Identity) error
	ApplyStateUpdate(ctx context.Context, sessionID string, who session.Identity, upd protocol.StateUpdate) error
	RelayAction(ctx context.Context, sessionID string, who session.Identity, action string, payload json.RawMessage) error
}

type PlayerConfig struct {
	Tick        time.Duration
	CharacterID string
	// MapWidth drives tile adjacency for the exploration walk.
	MapWidth       int
	AttackCost     int
	HealCost       int
	MoveCost       int
	Reach          int
	Aggressiveness float64
	Skill          float64
}

func (c *PlayerConfig) withDefaults() {
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.MapWidth <= 0 {
		c.MapWidth = 32
	}
	if c.AttackCost <= 0 {
		c.AttackCost = 4
	}
	if c.HealCost <= 0 {
		c.HealCost = 3
	}
	if c.MoveCost <= 0 {
		c.MoveCost = 1
	}
	if c.Reach <= 0 {
		c.Reach = 6
	}
	if c.Aggressiveness == 0 {
		c.Aggressiveness = 0.6
	}
	if c.Skill == 0 {
		c.Skill = 0.75
	}
}

// PlayerBot fills seats: it finds a joinable public lobby, readies up and
// then plays its turns through the shared turn agent.
type PlayerBot struct {
	log      *zap.Logger
	store    store.Store
	sessions *session.Manager
	cfg      PlayerConfig
	agent    *turnAgent

	sessionID string
}

func NewPlayerBot(log *zap.Logger, st store.Store, ca cache.Cache, sm *session.Manager, tc TurnController, identity session.Identity, cfg PlayerConfig) *PlayerBot {
	cfg.withDefaults()
	return &PlayerBot{
		log:      log,
		store:    st,
		sessions: sm,
		cfg:      cfg,
		agent:    newTurnAgent(log, st, ca, tc, identity, cfg),
	}
}

func (b *PlayerBot) ID() string   { return b.agent.identity.UserID }
func (b *PlayerBot) Kind() string { return "player" }

func (b *PlayerBot) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.poll(ctx); err != nil {
				b.log.Debug("player bot poll", zap.String("bot", b.ID()), zap.Error(err))
			}
		}
	}
}

func (b *PlayerBot) poll(ctx context.Context) error {
	if b.sessionID == "" {
		return b.findGame(ctx)
	}

	sess, err := b.store.GetSession(ctx, b.sessionID)
	if err != nil || sess.Status == store.StatusFinished {
		b.sessionID = ""
		return err
	}
	if sess.Status == store.StatusLobby {
		return nil // waiting for the host
	}
	return b.agent.playTurn(ctx, b.sessionID)
}

func (b *PlayerBot) findGame(ctx context.Context) error {
	open, err := b.store.ListSessions(ctx, store.StatusLobby, store.VisibilityPublic)
	if err != nil {
		return err
	}
	for _, sess := range open {
		_, err := b.sessions.Join(ctx, sess.ID, b.agent.identity, session.JoinParams{
			CharacterID: b.cfg.CharacterID,
			IsBot:       true,
		})
		if err != nil {
			continue // full, level-gated, whatever; try the next one
		}
		if err := b.sessions.Ready(ctx, sess.ID, b.agent.identity, true); err != nil {
			return err
		}
		b.sessionID = sess.ID
		b.log.Info("player bot joined", zap.String("bot", b.ID()), zap.String("session", sess.ID))
		return nil
	}
	return nil
}

// turnAgent is the part both archetypes share: read the turn record the way
// a client would, and when it is this bot's turn, pick one action per poll.
type turnAgent struct {
	log      *zap.Logger
	store    store.Store
	cache    cache.Cache
	turns    TurnController
	identity session.Identity
	cfg      PlayerConfig
	combat   *CombatPolicy
	explore  *ExplorePolicy
}

func newTurnAgent(log *zap.Logger, st store.Store, ca cache.Cache, tc TurnController, identity session.Identity, cfg PlayerConfig) *turnAgent {
	return &turnAgent{
		log:      log,
		store:    st,
		cache:    ca,
		turns:    tc,
		identity: identity,
		cfg:      cfg,
		combat:   NewCombatPolicy(cfg.Aggressiveness, cfg.Skill, nil),
		explore:  NewExplorePolicy(nil),
	}
}

func (a *turnAgent) playTurn(ctx context.Context, sessionID string) error {
	self, err := a.store.FindParticipant(ctx, sessionID, a.identity.UserID)
	if err != nil {
		return err
	}
	if self.Dead {
		return nil
	}

	rec, err := a.cache.GetTurnRecord(ctx, sessionID)
	if err != nil {
		if err == cache.ErrMiss {
			return a.exploreStep(ctx, sessionID, self)
		}
		return err
	}
	if rec.Current() != self.ID {
		return nil
	}

	parts, err := a.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	return a.act(ctx, sessionID, self, parts)
}

func (a *turnAgent) act(ctx context.Context, sessionID string, self *store.Participant, parts []*store.Participant) error {
	bc := CombatContext{
		SelfHP:     self.HP,
		SelfMaxHP:  self.MaxHP,
		SelfAP:     self.AP,
		SelfTile:   self.TileIndex,
		AttackCost: a.cfg.AttackCost,
		HealCost:   a.cfg.HealCost,
		CanHeal:    self.HP < self.MaxHP,
		Reach:      a.cfg.Reach,
	}
	for _, p := range parts {
		if p.ID == self.ID || p.Dead {
			continue
		}
		bc.Targets = append(bc.Targets, TargetInfo{
			ID:        p.ID,
			CurrentHP: p.HP,
			MaxHP:     p.MaxHP,
			TileIndex: p.TileIndex,
			Distance:  tileDistance(self.TileIndex, p.TileIndex, a.cfg.MapWidth),
		})
	}

	decision := a.combat.Decide(bc)
	switch decision.Kind {
	case DecideAttack:
		payload, err := json.Marshal(protocol.ActionAttack{
			SessionID: sessionID,
			TargetID:  decision.TargetID,
			APCost:    a.cfg.AttackCost,
		})
		if err != nil {
			return err
		}
		if err := a.turns.RelayAction(ctx, sessionID, a.identity, protocol.MsgActionAttack, payload); err != nil {
			return err
		}
		return a.reportState(ctx, sessionID, self, self.TileIndex, self.HP, self.AP-a.cfg.AttackCost)

	case DecideHeal:
		payload, err := json.Marshal(protocol.ActionUseItem{
			SessionID: sessionID,
			ItemID:    "stimpak",
			APCost:    a.cfg.HealCost,
		})
		if err != nil {
			return err
		}
		if err := a.turns.RelayAction(ctx, sessionID, a.identity, protocol.MsgActionUse, payload); err != nil {
			return err
		}
		healed := self.HP + 10
		if healed > self.MaxHP {
			healed = self.MaxHP
		}
		return a.reportState(ctx, sessionID, self, self.TileIndex, healed, self.AP-a.cfg.HealCost)

	case DecideMove:
		payload, err := json.Marshal(protocol.ActionMove{
			SessionID:  sessionID,
			TargetTile: decision.TargetTile,
			APCost:     a.cfg.MoveCost,
		})
		if err != nil {
			return err
		}
		if err := a.turns.RelayAction(ctx, sessionID, a.identity, protocol.MsgActionMove, payload); err != nil {
			return err
		}
		return a.reportState(ctx, sessionID, self, decision.TargetTile, self.HP, self.AP-a.cfg.MoveCost)

	default:
		return a.turns.EndTurn(ctx, sessionID, a.identity)
	}
}

// exploreStep wanders between bouts. Sessions normally spend their whole
// playing phase in combat, so this mostly covers the start and end fringes.
func (a *turnAgent) exploreStep(ctx context.Context, sessionID string, self *store.Participant) error {
	next := a.explore.Next(self.TileIndex, adjacentTiles(self.TileIndex, a.cfg.MapWidth))
	if next == self.TileIndex {
		return nil
	}
	payload, err := json.Marshal(protocol.ActionMove{SessionID: sessionID, TargetTile: next})
	if err != nil {
		return err
	}
	if err := a.turns.RelayAction(ctx, sessionID, a.identity, protocol.MsgActionMove, payload); err != nil {
		return err
	}
	return a.reportState(ctx, sessionID, self, next, self.HP, self.AP)
}

func (a *turnAgent) reportState(ctx context.Context, sessionID string, self *store.Participant, tile, hp, ap int) error {
	if ap < 0 {
		ap = 0
	}
	return a.turns.ApplyStateUpdate(ctx, sessionID, a.identity, protocol.StateUpdate{
		SessionID: sessionID,
		TileIndex: tile,
		Elevation: self.Elevation,
		Rotation:  self.Rotation,
		CurrentHP: hp,
		MaxHP:     self.MaxHP,
		CurrentAP: ap,
		MaxAP:     self.MaxAP,
		IsDead:    hp <= 0,
	})
}

// tileDistance is Chebyshev distance on the tile grid, the coarse adjacency
// model bots use. Real range and pathing live client-side.
func tileDistance(a, b, width int) int {
	ax, ay := a%width, a/width
	bx, by := b%width, b/width
	dx, dy := ax-bx, ay-by
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

func adjacentTiles(tile, width int) []int {
	x, y := tile%width, tile/width
	out := make([]int, 0, 4)
	if x > 0 {
		out = append(out, tile-1)
	}
	if x < width-1 {
		out = append(out, tile+1)
	}
	if y > 0 {
		out = append(out, tile-width)
	}
	out = append(out, tile+width)
	return out
}
