package bot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/store"
)

// Bot is one autonomous participant loop. Run blocks until the context is
// cancelled; loops swallow per-poll errors and keep ticking.
type Bot interface {
	ID() string
	Kind() string
	Run(ctx context.Context)
}

// Manager supervises bot instances by id. Every start and stop transition
// is persisted so operators can see the fleet in the store; in-memory state
// never survives a restart, which is why main resets bot statuses before
// starting any.
type Manager struct {
	log   *zap.Logger
	store store.Store

	mu      sync.Mutex
	running map[string]*runningBot
}

type runningBot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(log *zap.Logger, st store.Store) *Manager {
	return &Manager{
		log:     log,
		store:   st,
		running: make(map[string]*runningBot),
	}
}

func (m *Manager) Start(ctx context.Context, b Bot) error {
	m.mu.Lock()
	if _, ok := m.running[b.ID()]; ok {
		m.mu.Unlock()
		return nil
	}
	botCtx, cancel := context.WithCancel(ctx)
	rb := &runningBot{cancel: cancel, done: make(chan struct{})}
	m.running[b.ID()] = rb
	m.mu.Unlock()

	if err := m.setStatus(ctx, b, store.BotRunning); err != nil {
		cancel()
		m.mu.Lock()
		delete(m.running, b.ID())
		m.mu.Unlock()
		return err
	}

	m.log.Info("bot started", zap.String("bot", b.ID()), zap.String("kind", b.Kind()))
	go func() {
		defer close(rb.done)
		b.Run(botCtx)

		m.mu.Lock()
		delete(m.running, b.ID())
		m.mu.Unlock()

		// The run context is gone by now; give the status write its own.
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		if err := m.setStatus(wctx, b, store.BotStopped); err != nil {
			m.log.Warn("persisting bot stop", zap.String("bot", b.ID()), zap.Error(err))
		}
		m.log.Info("bot stopped", zap.String("bot", b.ID()))
	}()
	return nil
}

func (m *Manager) Stop(id string) {
	m.mu.Lock()
	rb := m.running[id]
	m.mu.Unlock()
	if rb == nil {
		return
	}
	rb.cancel()
	<-rb.done
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	bots := make([]*runningBot, 0, len(m.running))
	for _, rb := range m.running {
		rb.cancel()
		bots = append(bots, rb)
	}
	m.mu.Unlock()
	for _, rb := range bots {
		<-rb.done
	}
}

func (m *Manager) setStatus(ctx context.Context, b Bot, status store.BotStatus) error {
	return m.store.UpsertBot(ctx, &store.BotRecord{
		ID:     b.ID(),
		Kind:   b.Kind(),
		Status: status,
	})
}
