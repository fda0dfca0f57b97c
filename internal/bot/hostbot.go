package bot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/session"
	"github.com/dustline/tactics-server/internal/store"
)

type HostConfig struct {
	Tick             time.Duration
	MinPublicLobbies int
	MinHumans        int
	// HumanWait is how long a freshly created lobby waits for a first human
	// before the bot closes it again.
	HumanWait   time.Duration
	Capacity    int
	TurnSeconds int
	MapID       string
	LobbyName   string
	Player      PlayerConfig
}

func (c *HostConfig) withDefaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.MinPublicLobbies <= 0 {
		c.MinPublicLobbies = 1
	}
	if c.MinHumans <= 0 {
		c.MinHumans = 1
	}
	if c.HumanWait <= 0 {
		c.HumanWait = 2 * time.Minute
	}
	if c.Capacity <= 0 {
		c.Capacity = 4
	}
	if c.TurnSeconds <= 0 {
		c.TurnSeconds = 30
	}
	if c.LobbyName == "" {
		c.LobbyName = "open game"
	}
	c.Player.withDefaults()
}

// HostBot keeps public lobbies available: it creates one when too few exist,
// starts it once enough ready humans have gathered, and closes it when
// nobody shows up. It stays in the roster of a session it started, so during
// play it takes its own turns like any player bot.
type HostBot struct {
	log      *zap.Logger
	store    store.Store
	sessions *session.Manager
	cfg      HostConfig
	agent    *turnAgent
	now      func() time.Time

	hosting   string
	createdAt time.Time
}

func NewHostBot(log *zap.Logger, st store.Store, ca cache.Cache, sm *session.Manager, tc TurnController, identity session.Identity, cfg HostConfig) *HostBot {
	cfg.withDefaults()
	return &HostBot{
		log:      log,
		store:    st,
		sessions: sm,
		cfg:      cfg,
		agent:    newTurnAgent(log, st, ca, tc, identity, cfg.Player),
		now:      time.Now,
	}
}

func (b *HostBot) ID() string   { return b.agent.identity.UserID }
func (b *HostBot) Kind() string { return "host" }

func (b *HostBot) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.poll(ctx); err != nil {
				b.log.Debug("host bot poll", zap.String("bot", b.ID()), zap.Error(err))
			}
		}
	}
}

func (b *HostBot) poll(ctx context.Context) error {
	if b.hosting == "" {
		return b.maybeCreate(ctx)
	}
	return b.tend(ctx)
}

func (b *HostBot) maybeCreate(ctx context.Context) error {
	open, err := b.store.ListSessions(ctx, store.StatusLobby, store.VisibilityPublic)
	if err != nil {
		return err
	}
	if len(open) >= b.cfg.MinPublicLobbies {
		return nil
	}

	sess, _, err := b.sessions.Create(ctx, b.agent.identity, session.CreateConfig{
		Name:        b.cfg.LobbyName,
		Visibility:  store.VisibilityPublic,
		Capacity:    b.cfg.Capacity,
		MapID:       b.cfg.MapID,
		TurnSeconds: b.cfg.TurnSeconds,
		CharacterID: b.cfg.Player.CharacterID,
		IsBot:       true,
	})
	if err != nil {
		return err
	}
	b.hosting = sess.ID
	b.createdAt = b.now()
	b.log.Info("host bot opened lobby", zap.String("bot", b.ID()), zap.String("session", sess.ID))
	return nil
}

func (b *HostBot) tend(ctx context.Context) error {
	sess, err := b.store.GetSession(ctx, b.hosting)
	if err != nil {
		b.hosting = ""
		return err
	}

	switch sess.Status {
	case store.StatusLobby:
		return b.tendLobby(ctx)
	case store.StatusPlaying:
		return b.agent.playTurn(ctx, b.hosting)
	default:
		b.hosting = ""
		return nil
	}
}

func (b *HostBot) tendLobby(ctx context.Context) error {
	parts, err := b.store.ListParticipants(ctx, b.hosting)
	if err != nil {
		return err
	}
	humans, ready := 0, 0
	for _, p := range parts {
		if p.IsBot {
			continue
		}
		humans++
		if p.Ready {
			ready++
		}
	}

	if humans >= b.cfg.MinHumans && ready == humans {
		if err := b.sessions.Start(ctx, b.hosting, b.agent.identity); err != nil {
			return err
		}
		b.log.Info("host bot started session", zap.String("session", b.hosting))
		return nil
	}

	if humans == 0 && b.now().Sub(b.createdAt) > b.cfg.HumanWait {
		id := b.hosting
		b.hosting = ""
		if err := b.sessions.Leave(ctx, id, b.agent.identity); err != nil {
			return err
		}
		b.log.Info("host bot closed empty lobby", zap.String("session", id))
	}
	return nil
}
