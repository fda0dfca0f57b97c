package combat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
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

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, sessionID string, env protocol.Envelope, exclude string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, env)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, env := range b.sent {
		out[i] = env.Type
	}
	return out
}

func (b *recordingBroadcaster) last(msgType string) (protocol.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].Type == msgType {
			return b.sent[i], true
		}
	}
	return protocol.Envelope{}, false
}

type fixture struct {
	ctrl  *Controller
	store *store.MemoryStore
	cache *cache.MemoryCache
	hub   *hub.Hub
	bcast *recordingBroadcaster
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		store: store.NewMemoryStore(),
		cache: cache.NewMemoryCache(64),
		bcast: &recordingBroadcaster{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	log := zap.NewNop()
	f.hub = hub.NewHub(ctx)
	sy := syncproto.New(log, f.store, f.cache, f.bcast)
	f.ctrl = NewController(log, f.store, f.cache, f.hub, sy, Options{
		FireBuffer: time.Second,
		TimerGrace: 5 * time.Second,
	})
	f.ctrl.now = f.clock
	return f
}

// seed creates a playing session with three humans whose initiative order is
// p-fast, p-lucky, p-slow.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	err := f.store.CreateSession(ctx, &store.Session{
		ID:          "s1",
		Name:        "ruins",
		Visibility:  store.VisibilityPublic,
		Capacity:    4,
		TurnSeconds: 30,
		Status:      store.StatusPlaying,
		HostUserID:  "u-fast",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	base := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	parts := []*store.Participant{
		{ID: "p-slow", SessionID: "s1", UserID: "u-slow", Sequence: 4, Luck: 5, HP: 30, MaxHP: 30, AP: 8, MaxAP: 8, JoinedAt: base},
		{ID: "p-fast", SessionID: "s1", UserID: "u-fast", Sequence: 9, Luck: 3, HP: 30, MaxHP: 30, AP: 8, MaxAP: 8, JoinedAt: base.Add(time.Second)},
		{ID: "p-lucky", SessionID: "s1", UserID: "u-lucky", Sequence: 4, Luck: 8, HP: 30, MaxHP: 30, AP: 8, MaxAP: 8, JoinedAt: base.Add(2 * time.Second)},
	}
	for _, p := range parts {
		if err := f.store.AddParticipant(ctx, p); err != nil {
			t.Fatalf("AddParticipant(%s): %v", p.ID, err)
		}
	}
}

func TestBeginCombat(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	rec, err := f.cache.GetTurnRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTurnRecord: %v", err)
	}
	wantOrder := []string{"p-fast", "p-lucky", "p-slow"}
	if len(rec.Order) != 3 {
		t.Fatalf("order length = %d, want 3", len(rec.Order))
	}
	for i, id := range wantOrder {
		if rec.Order[i] != id {
			t.Fatalf("order[%d] = %q, want %q", i, rec.Order[i], id)
		}
	}
	if rec.Round != 1 || rec.Index != 0 {
		t.Fatalf("round/index = %d/%d, want 1/0", rec.Round, rec.Index)
	}

	if _, err := f.cache.GetTimer(ctx, "s1"); err != nil {
		t.Fatalf("expected armed timer, got %v", err)
	}

	env, ok := f.bcast.last(protocol.MsgTurnStart)
	if !ok {
		t.Fatalf("no %s broadcast, got %v", protocol.MsgTurnStart, f.bcast.types())
	}
	var ts protocol.TurnStart
	if err := json.Unmarshal(env.Payload, &ts); err != nil {
		t.Fatalf("unmarshal turn start: %v", err)
	}
	if ts.ParticipantID != "p-fast" || ts.TimeLimit != 30 {
		t.Fatalf("turn start = %+v", ts)
	}
	if got := ts.Deadline.Sub(f.clock()); got != 30*time.Second {
		t.Fatalf("deadline offset = %v, want 30s", got)
	}

	p, err := f.store.GetParticipant(ctx, "p-fast")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if !p.InCombat || p.Initiative != 0 {
		t.Fatalf("participant after start = %+v", p)
	}
}

func TestEndTurnOnlyHolder(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	err := f.ctrl.EndTurn(ctx, "s1", session.Identity{UserID: "u-slow"})
	if !errors.Is(err, engine.ErrNotYourTurn) {
		t.Fatalf("off-turn end = %v, want ErrNotYourTurn", err)
	}

	if err := f.ctrl.EndTurn(ctx, "s1", session.Identity{UserID: "u-fast"}); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	rec, err := f.cache.GetTurnRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTurnRecord: %v", err)
	}
	if rec.Current() != "p-lucky" {
		t.Fatalf("current = %q, want p-lucky", rec.Current())
	}

	env, ok := f.bcast.last(protocol.MsgTurnEnded)
	if !ok {
		t.Fatal("no turn end broadcast")
	}
	var te protocol.TurnEnded
	if err := json.Unmarshal(env.Payload, &te); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if te.ParticipantID != "p-fast" || te.Timeout {
		t.Fatalf("turn end = %+v", te)
	}
}

func TestTimeoutAdvances(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	gen := currentGen(f.ctrl, "s1")
	f.advance(31 * time.Second)
	f.ctrl.onTimerFired("s1", gen)

	rec, err := f.cache.GetTurnRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTurnRecord: %v", err)
	}
	if rec.Current() != "p-lucky" {
		t.Fatalf("current = %q, want p-lucky", rec.Current())
	}
	env, ok := f.bcast.last(protocol.MsgTurnEnded)
	if !ok {
		t.Fatal("no turn end broadcast")
	}
	var te protocol.TurnEnded
	if err := json.Unmarshal(env.Payload, &te); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !te.Timeout {
		t.Fatalf("turn end = %+v, want timeout", te)
	}
}

func TestStaleTimerCallbackIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	stale := currentGen(f.ctrl, "s1")
	if err := f.ctrl.EndTurn(ctx, "s1", session.Identity{UserID: "u-fast"}); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}

	f.advance(31 * time.Second)
	f.ctrl.onTimerFired("s1", stale)

	rec, err := f.cache.GetTurnRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTurnRecord: %v", err)
	}
	if rec.Current() != "p-lucky" {
		t.Fatalf("stale callback moved the turn: current = %q", rec.Current())
	}
}

func TestUnexpiredTimerCallbackIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	f.ctrl.onTimerFired("s1", currentGen(f.ctrl, "s1"))

	rec, err := f.cache.GetTurnRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTurnRecord: %v", err)
	}
	if rec.Current() != "p-fast" {
		t.Fatalf("early callback moved the turn: current = %q", rec.Current())
	}
}

func TestStateUpdateLogsDiffs(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}
	mark := f.clock()
	f.advance(time.Second)

	err := f.ctrl.ApplyStateUpdate(ctx, "s1", session.Identity{UserID: "u-fast"}, protocol.StateUpdate{
		TileIndex: 42,
		Rotation:  90,
		CurrentHP: 21,
		MaxHP:     30,
		CurrentAP: 5,
		MaxAP:     8,
	})
	if err != nil {
		t.Fatalf("ApplyStateUpdate: %v", err)
	}

	p, err := f.store.GetParticipant(ctx, "p-fast")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if p.TileIndex != 42 || p.HP != 21 || p.AP != 5 {
		t.Fatalf("participant = %+v", p)
	}

	changes, _, err := f.cache.ChangesSince(ctx, "s1", mark)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	kinds := map[cache.ChangeKind]bool{}
	for _, ch := range changes {
		if ch.ParticipantID == "p-fast" {
			kinds[ch.Kind] = true
		}
	}
	for _, want := range []cache.ChangeKind{cache.ChangePosition, cache.ChangeHealth, cache.ChangeAP} {
		if !kinds[want] {
			t.Fatalf("missing %s change, got %v", want, kinds)
		}
	}
	if kinds[cache.ChangeDeath] {
		t.Fatal("unexpected death change")
	}

	env, ok := f.bcast.last(protocol.MsgStateUpdate)
	if !ok {
		t.Fatal("no state update broadcast")
	}
	var upd protocol.StateUpdate
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if upd.ParticipantID != "p-fast" || upd.SessionID != "s1" {
		t.Fatalf("fanned update = %+v", upd)
	}
}

func TestDeathReportEndsCombat(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	// Down to two humans before combat so one death decides it.
	if err := f.store.RemoveParticipant(ctx, "p-lucky"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	err := f.ctrl.ApplyStateUpdate(ctx, "s1", session.Identity{UserID: "u-slow"}, protocol.StateUpdate{
		TileIndex: 7, CurrentHP: 0, MaxHP: 30, MaxAP: 8, IsDead: true,
	})
	if err != nil {
		t.Fatalf("ApplyStateUpdate: %v", err)
	}

	env, ok := f.bcast.last(protocol.MsgCombatEnded)
	if !ok {
		t.Fatalf("no combat end broadcast, got %v", f.bcast.types())
	}
	var ce protocol.CombatEnded
	if err := json.Unmarshal(env.Payload, &ce); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ce.WinnerID != "p-fast" {
		t.Fatalf("winner = %q, want p-fast", ce.WinnerID)
	}
	if _, ok := f.bcast.last(protocol.MsgGameEnded); !ok {
		t.Fatal("no game end broadcast")
	}

	if _, err := f.cache.GetTurnRecord(ctx, "s1"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("turn record after end = %v, want miss", err)
	}
	sess, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusFinished || sess.InCombat {
		t.Fatalf("session after end = %+v", sess)
	}
	acct, ok := f.store.Account("u-fast")
	if !ok || acct.Wins != 1 {
		t.Fatalf("winner account = %+v ok=%v", acct, ok)
	}
}

// A settled bout must not leave its runner goroutine or its timer entry
// behind; otherwise every session ever played leaks both.
func TestCombatEndReleasesSessionResources(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	if err := f.store.RemoveParticipant(ctx, "p-lucky"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}
	f.ctrl.timers.mu.Lock()
	_, armed := f.ctrl.timers.byID["s1"]
	f.ctrl.timers.mu.Unlock()
	if !armed {
		t.Fatal("no timer entry while combat is live")
	}

	err := f.ctrl.ApplyStateUpdate(ctx, "s1", session.Identity{UserID: "u-slow"}, protocol.StateUpdate{
		TileIndex: 7, CurrentHP: 0, MaxHP: 30, MaxAP: 8, IsDead: true,
	})
	if err != nil {
		t.Fatalf("ApplyStateUpdate: %v", err)
	}

	f.ctrl.timers.mu.Lock()
	_, armed = f.ctrl.timers.byID["s1"]
	f.ctrl.timers.mu.Unlock()
	if armed {
		t.Fatal("timer entry kept after combat ended")
	}
	if r := f.hub.Get("s1"); r != nil {
		t.Fatal("runner kept after combat ended")
	}
}

func TestRelayActionGatedByTurn(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	payload, _ := json.Marshal(protocol.ActionMove{SessionID: "s1", TargetTile: 12})
	err := f.ctrl.RelayAction(ctx, "s1", session.Identity{UserID: "u-slow"}, protocol.MsgActionMove, payload)
	if !errors.Is(err, engine.ErrNotYourTurn) {
		t.Fatalf("off-turn action = %v, want ErrNotYourTurn", err)
	}

	if err := f.ctrl.RelayAction(ctx, "s1", session.Identity{UserID: "u-fast"}, protocol.MsgActionMove, payload); err != nil {
		t.Fatalf("RelayAction: %v", err)
	}
	env, ok := f.bcast.last(protocol.MsgRemoteAction)
	if !ok {
		t.Fatal("no remote action broadcast")
	}
	var ra protocol.RemoteAction
	if err := json.Unmarshal(env.Payload, &ra); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ra.ParticipantID != "p-fast" || ra.Action != protocol.MsgActionMove {
		t.Fatalf("remote action = %+v", ra)
	}
}

func TestRoundRolloverResetsAP(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	// Spend AP, then walk a full round.
	err := f.ctrl.ApplyStateUpdate(ctx, "s1", session.Identity{UserID: "u-fast"}, protocol.StateUpdate{
		CurrentHP: 30, MaxHP: 30, CurrentAP: 2, MaxAP: 8,
	})
	if err != nil {
		t.Fatalf("ApplyStateUpdate: %v", err)
	}
	for _, user := range []string{"u-fast", "u-lucky", "u-slow"} {
		if err := f.ctrl.EndTurn(ctx, "s1", session.Identity{UserID: user}); err != nil {
			t.Fatalf("EndTurn(%s): %v", user, err)
		}
	}

	rec, err := f.cache.GetTurnRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTurnRecord: %v", err)
	}
	if rec.Round != 2 || rec.Current() != "p-fast" {
		t.Fatalf("after rollover round=%d current=%q", rec.Round, rec.Current())
	}
	if _, ok := f.bcast.last(protocol.MsgCombatNewRound); !ok {
		t.Fatal("no new round broadcast")
	}
	p, err := f.store.GetParticipant(ctx, "p-fast")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if p.AP != p.MaxAP {
		t.Fatalf("AP after rollover = %d, want %d", p.AP, p.MaxAP)
	}
}

func currentGen(c *Controller, sessionID string) uint64 {
	c.timers.mu.Lock()
	defer c.timers.mu.Unlock()
	if st := c.timers.byID[sessionID]; st != nil {
		return st.gen
	}
	return 0
}
