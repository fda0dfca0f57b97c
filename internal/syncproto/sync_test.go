package syncproto

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/protocol"
	"github.com/dustline/tactics-server/internal/store"
)

type captureBroadcaster struct {
	sent []protocol.Envelope
}

func (b *captureBroadcaster) Broadcast(ctx context.Context, sessionID string, env protocol.Envelope, exclude string) {
	b.sent = append(b.sent, env)
}

func newTestHandler(t *testing.T) (*Handler, *store.MemoryStore, *cache.MemoryCache, *captureBroadcaster) {
	t.Helper()
	st := store.NewMemoryStore()
	ca := cache.NewMemoryCache(4)
	bc := &captureBroadcaster{}
	h := New(zap.NewNop(), st, ca, bc)
	return h, st, ca, bc
}

func seedSession(t *testing.T, st *store.MemoryStore, inCombat bool) {
	t.Helper()
	ctx := context.Background()
	err := st.CreateSession(ctx, &store.Session{
		ID:          "s1",
		Name:        "crater run",
		Visibility:  store.VisibilityPublic,
		Capacity:    4,
		TurnSeconds: 30,
		Status:      store.StatusPlaying,
		InCombat:    inCombat,
		CombatRound: 2,
		HostUserID:  "u1",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	err = st.AddParticipant(ctx, &store.Participant{
		ID: "p1", SessionID: "s1", UserID: "u1", Username: "ada",
		HP: 17, MaxHP: 30, AP: 3, MaxAP: 8, TileIndex: 42, InCombat: inCombat,
	})
	if err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
}

func TestFullSnapshotCarriesTurnState(t *testing.T) {
	h, st, ca, _ := newTestHandler(t)
	ctx := context.Background()
	seedSession(t, st, true)

	err := ca.SetTurnRecord(ctx, "s1", cache.TurnRecord{Order: []string{"p1"}, Index: 0, Round: 2})
	if err != nil {
		t.Fatalf("SetTurnRecord: %v", err)
	}
	deadline := time.Now().Add(20 * time.Second)
	err = ca.SetTimer(ctx, "s1", cache.TurnTimer{
		ParticipantID: "p1", Deadline: deadline, Duration: 30 * time.Second,
	}, time.Minute)
	if err != nil {
		t.Fatalf("SetTimer: %v", err)
	}

	snap, err := h.FullSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("FullSnapshot: %v", err)
	}
	if snap.Session.ID != "s1" || snap.Session.CombatRound != 2 {
		t.Fatalf("session view = %+v", snap.Session)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].CurrentHP != 17 {
		t.Fatalf("participants = %+v", snap.Participants)
	}
	if snap.Turn == nil {
		t.Fatal("no turn view on an in-combat snapshot")
	}
	if snap.Turn.Current != "p1" || snap.Turn.Round != 2 {
		t.Fatalf("turn view = %+v", snap.Turn)
	}
	if snap.Turn.RemainingMS <= 0 || snap.Turn.RemainingMS > 20_000 {
		t.Fatalf("remaining = %dms", snap.Turn.RemainingMS)
	}
}

func TestFullSnapshotOutsideCombatHasNoTurn(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedSession(t, st, false)

	snap, err := h.FullSnapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FullSnapshot: %v", err)
	}
	if snap.Turn != nil {
		t.Fatalf("turn view present outside combat: %+v", snap.Turn)
	}
}

func TestFullSnapshotTurnViewFollowsCache(t *testing.T) {
	h, st, ca, _ := newTestHandler(t)
	ctx := context.Background()
	seedSession(t, st, false)

	// Session row lags behind: it still says no combat, but the cache
	// holds a live turn record.
	err := ca.SetTurnRecord(ctx, "s1", cache.TurnRecord{Order: []string{"p1"}, Index: 0, Round: 1})
	if err != nil {
		t.Fatalf("SetTurnRecord: %v", err)
	}

	snap, err := h.FullSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("FullSnapshot: %v", err)
	}
	if snap.Turn == nil {
		t.Fatalf("turn view missing despite cached turn record")
	}
	if snap.Turn.Current != "p1" || snap.Turn.Round != 1 {
		t.Fatalf("turn view = %+v, want current p1 round 1", snap.Turn)
	}
}

func TestDeltaSinceFlagsTruncation(t *testing.T) {
	h, _, ca, _ := newTestHandler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Window is 4; six appends push the two oldest out.
	for i := 0; i < 6; i++ {
		err := ca.AppendChange(ctx, "s1", cache.Change{
			Kind: cache.ChangePosition,
			At:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendChange: %v", err)
		}
	}

	fresh, err := h.DeltaSince(ctx, "s1", base.Add(3*time.Second))
	if err != nil {
		t.Fatalf("DeltaSince: %v", err)
	}
	if fresh.Truncated {
		t.Fatal("recent request flagged truncated")
	}
	if len(fresh.Changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(fresh.Changes))
	}

	stale, err := h.DeltaSince(ctx, "s1", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("DeltaSince: %v", err)
	}
	if !stale.Truncated {
		t.Fatal("evicted-window request not flagged truncated")
	}
}

func TestRecordAndBroadcastAppendsThenFans(t *testing.T) {
	h, _, ca, bc := newTestHandler(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]int{"tileIndex": 7})
	h.RecordAndBroadcast(ctx, "s1", cache.Change{
		Kind:          cache.ChangePosition,
		ParticipantID: "p1",
		Payload:       payload,
	}, protocol.Envelope{Type: protocol.MsgStateUpdate, Payload: payload}, "")

	changes, _, err := ca.ChangesSince(ctx, "s1", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 1 || changes[0].ParticipantID != "p1" {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].At.IsZero() {
		t.Fatal("append did not stamp a time")
	}
	if len(bc.sent) != 1 || bc.sent[0].Type != protocol.MsgStateUpdate {
		t.Fatalf("broadcasts = %+v", bc.sent)
	}
}
