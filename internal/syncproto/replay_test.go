package syncproto_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/combat"
	"github.com/dustline/tactics-server/internal/hub"
	"github.com/dustline/tactics-server/internal/protocol"
	"github.com/dustline/tactics-server/internal/session"
	"github.com/dustline/tactics-server/internal/store"
	"github.com/dustline/tactics-server/internal/syncproto"
)

type nullBroadcaster struct{}

func (nullBroadcaster) Broadcast(ctx context.Context, sessionID string, env protocol.Envelope, exclude string) {
}

// Replaying the change log since time t onto a snapshot taken at t must
// reproduce a fresh full snapshot. This is the contract a reconnecting
// client leans on when it asks for a delta instead of the full state.
func TestDeltaReplayMatchesFreshSnapshot(t *testing.T) {
	hctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctx := context.Background()

	log := zap.NewNop()
	st := store.NewMemoryStore()
	ca := cache.NewMemoryCache(64)
	sy := syncproto.New(log, st, ca, nullBroadcaster{})
	ctrl := combat.NewController(log, st, ca, hub.NewHub(hctx), sy, combat.Options{})

	err := st.CreateSession(ctx, &store.Session{
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
	joined := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	parts := []*store.Participant{
		{ID: "p-slow", SessionID: "s1", UserID: "u-slow", Sequence: 4, Luck: 5, HP: 30, MaxHP: 30, AP: 8, MaxAP: 8, JoinedAt: joined},
		{ID: "p-fast", SessionID: "s1", UserID: "u-fast", Sequence: 9, Luck: 3, HP: 30, MaxHP: 30, AP: 8, MaxAP: 8, JoinedAt: joined.Add(time.Second)},
		{ID: "p-lucky", SessionID: "s1", UserID: "u-lucky", Sequence: 4, Luck: 8, HP: 30, MaxHP: 30, AP: 8, MaxAP: 8, JoinedAt: joined.Add(2 * time.Second)},
	}
	for _, p := range parts {
		if err := st.AddParticipant(ctx, p); err != nil {
			t.Fatalf("AddParticipant(%s): %v", p.ID, err)
		}
	}
	if err := ctrl.BeginCombat(ctx, "s1"); err != nil {
		t.Fatalf("BeginCombat: %v", err)
	}

	// Snapshot at t, then mutate strictly after t.
	time.Sleep(5 * time.Millisecond)
	base, err := sy.FullSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("FullSnapshot: %v", err)
	}
	since := time.Now()
	time.Sleep(5 * time.Millisecond)

	err = ctrl.ApplyStateUpdate(ctx, "s1", session.Identity{UserID: "u-fast"}, protocol.StateUpdate{
		TileIndex: 12, Elevation: 1, Rotation: 3,
		CurrentHP: 21, MaxHP: 30, CurrentAP: 5, MaxAP: 8,
	})
	if err != nil {
		t.Fatalf("ApplyStateUpdate: %v", err)
	}
	if err := ctrl.EndTurn(ctx, "s1", session.Identity{UserID: "u-fast"}); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}

	delta, err := sy.DeltaSince(ctx, "s1", since)
	if err != nil {
		t.Fatalf("DeltaSince: %v", err)
	}
	if delta.Truncated {
		t.Fatal("delta truncated, window too small for the test")
	}
	if len(delta.Changes) == 0 {
		t.Fatal("no changes since the snapshot")
	}

	replayed := &syncproto.Snapshot{
		Session:      base.Session,
		Participants: append([]syncproto.ParticipantView(nil), base.Participants...),
	}
	if base.Turn != nil {
		tv := *base.Turn
		replayed.Turn = &tv
	}
	replay(t, replayed, delta.Changes)

	fresh, err := sy.FullSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("fresh FullSnapshot: %v", err)
	}
	if replayed.Session != fresh.Session {
		t.Fatalf("session view diverged:\nreplayed %+v\nfresh    %+v", replayed.Session, fresh.Session)
	}
	if !reflect.DeepEqual(replayed.Participants, fresh.Participants) {
		t.Fatalf("participant views diverged:\nreplayed %+v\nfresh    %+v", replayed.Participants, fresh.Participants)
	}
	if replayed.Turn == nil || fresh.Turn == nil {
		t.Fatalf("turn view missing: replayed %v fresh %v", replayed.Turn, fresh.Turn)
	}
	if replayed.Turn.Current != fresh.Turn.Current ||
		replayed.Turn.Round != fresh.Turn.Round ||
		replayed.Turn.Index != fresh.Turn.Index ||
		!reflect.DeepEqual(replayed.Turn.Order, fresh.Turn.Order) {
		t.Fatalf("turn view diverged:\nreplayed %+v\nfresh    %+v", replayed.Turn, fresh.Turn)
	}
}

// replay applies logged changes onto a snapshot the way a client would.
func replay(t *testing.T, snap *syncproto.Snapshot, changes []cache.Change) {
	t.Helper()
	for _, ch := range changes {
		switch ch.Kind {
		case cache.ChangePosition:
			var p struct {
				TileIndex int `json:"tileIndex"`
				Elevation int `json:"elevation"`
				Rotation  int `json:"rotation"`
			}
			mustDecode(t, ch.Payload, &p)
			if v := viewOf(snap, ch.ParticipantID); v != nil {
				v.TileIndex, v.Elevation, v.Rotation = p.TileIndex, p.Elevation, p.Rotation
			}
		case cache.ChangeHealth:
			var p struct {
				CurrentHP int `json:"currentHp"`
				MaxHP     int `json:"maxHp"`
			}
			mustDecode(t, ch.Payload, &p)
			if v := viewOf(snap, ch.ParticipantID); v != nil {
				v.CurrentHP, v.MaxHP = p.CurrentHP, p.MaxHP
			}
		case cache.ChangeAP:
			var p struct {
				CurrentAP int `json:"currentAp"`
				MaxAP     int `json:"maxAp"`
			}
			mustDecode(t, ch.Payload, &p)
			if v := viewOf(snap, ch.ParticipantID); v != nil {
				v.CurrentAP, v.MaxAP = p.CurrentAP, p.MaxAP
			}
		case cache.ChangeDeath:
			if v := viewOf(snap, ch.ParticipantID); v != nil {
				v.Dead = true
			}
		case cache.ChangeCombat:
			var p struct {
				ParticipantID string    `json:"participantId"`
				Round         int       `json:"round"`
				Order         []string  `json:"order"`
				Deadline      time.Time `json:"deadline"`
			}
			mustDecode(t, ch.Payload, &p)
			switch {
			case len(p.Order) > 0: // combat opened
				snap.Session.InCombat = true
				snap.Session.CombatRound = p.Round
				snap.Turn = &syncproto.TurnView{Order: p.Order, Round: p.Round, Current: p.Order[0]}
			case !p.Deadline.IsZero(): // a turn started
				if snap.Turn != nil {
					snap.Turn.Current = p.ParticipantID
					snap.Turn.Round = p.Round
					for i, id := range snap.Turn.Order {
						if id == p.ParticipantID {
							snap.Turn.Index = i
						}
					}
				}
			case p.ParticipantID != "": // a turn ended, no view change
			case p.Round > 0: // new round
				snap.Session.CombatRound = p.Round
				if snap.Turn != nil {
					snap.Turn.Round = p.Round
				}
			}
		}
	}
}

func viewOf(snap *syncproto.Snapshot, participantID string) *syncproto.ParticipantView {
	for i := range snap.Participants {
		if snap.Participants[i].ID == participantID {
			return &snap.Participants[i]
		}
	}
	return nil
}

func mustDecode(t *testing.T, raw json.RawMessage, into any) {
	t.Helper()
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("decoding change payload %s: %v", raw, err)
	}
}
