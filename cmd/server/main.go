package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dustline/tactics-server/internal/bot"
	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/combat"
	"github.com/dustline/tactics-server/internal/config"
	"github.com/dustline/tactics-server/internal/httpapi"
	"github.com/dustline/tactics-server/internal/hub"
	"github.com/dustline/tactics-server/internal/registry"
	"github.com/dustline/tactics-server/internal/session"
	"github.com/dustline/tactics-server/internal/store"
	"github.com/dustline/tactics-server/internal/syncproto"
	"github.com/dustline/tactics-server/internal/ws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := buildLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	st, err := store.OpenGorm(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	log.Info("connected to postgres")

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()
	log.Info("connected to redis")
	ca := cache.NewRedisCache(rdb, cfg.ChangeWindow)

	// No socket or bot loop survives a restart; the durable flags must not
	// claim otherwise.
	if err := st.ResetConnectedFlags(ctx); err != nil {
		return fmt.Errorf("resetting connected flags: %w", err)
	}
	if err := st.ResetBotStatuses(ctx); err != nil {
		return fmt.Errorf("resetting bot statuses: %w", err)
	}

	h := hub.NewHub(ctx)
	reg := registry.New(log)
	sy := syncproto.New(log, st, ca, reg)
	sm := session.NewManager(log, st, ca, h, sy, session.StaticCharacters{})
	cc := combat.NewController(log, st, ca, h, sy, combat.Options{
		FireBuffer: cfg.FireBuffer,
		TimerGrace: cfg.TimerGrace,
	})
	sm.SetCombatStarter(cc)

	bots := bot.NewManager(log, st)
	for i := 0; i < cfg.HostBots; i++ {
		b := bot.NewHostBot(log, st, ca, sm, cc,
			session.Identity{UserID: "host-bot-" + uuid.NewString()[:8], Username: fmt.Sprintf("Warden-%d", i+1)},
			bot.HostConfig{
				Tick:             cfg.HostBotTick,
				MinPublicLobbies: cfg.MinPublicLobbies,
				TurnSeconds:      cfg.TurnSeconds,
				Player:           bot.PlayerConfig{Tick: cfg.PlayerBotTick},
			})
		if err := bots.Start(ctx, b); err != nil {
			return fmt.Errorf("starting host bot: %w", err)
		}
	}
	for i := 0; i < cfg.PlayerBots; i++ {
		b := bot.NewPlayerBot(log, st, ca, sm, cc,
			session.Identity{UserID: "player-bot-" + uuid.NewString()[:8], Username: fmt.Sprintf("Scavenger-%d", i+1)},
			bot.PlayerConfig{Tick: cfg.PlayerBotTick})
		if err := bots.Start(ctx, b); err != nil {
			return fmt.Errorf("starting player bot: %w", err)
		}
	}

	sock := ws.NewServer(log, verifyToken, reg, sm, cc, sy)
	api := httpapi.New(log, st, sm, verifyToken)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(api, sock),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.RunHeartbeat(gctx, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		bots.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// verifyToken is a stand-in verifier for environments without the account
// service: tokens are "userID:username" pairs.
// TODO: swap in the launcher's token endpoint once it is deployed.
func verifyToken(ctx context.Context, token string) (session.Identity, error) {
	id, name, ok := strings.Cut(token, ":")
	if !ok || id == "" || name == "" {
		return session.Identity{}, errors.New("malformed token")
	}
	return session.Identity{UserID: id, Username: name}, nil
}
