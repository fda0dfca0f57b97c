// Package session manages lobby lifecycle: create, join, leave, ready,
// start and kick, plus host migration. All mutations for a session run on
// its hub runner.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/dustline/tactics-server/internal/hub"
	"github.com/dustline/tactics-server/internal/protocol"
	"github.com/dustline/tactics-server/internal/store"
)

var ErrNotJoinable = errors.New("session not joinable")
var ErrFull = errors.New("session full")
var ErrForbidden = errors.New("forbidden")
var ErrAlreadyJoined = errors.New("already joined")
var ErrLevelOutOfRange = errors.New("character level out of range")
var ErrNotReady = errors.New("not all participants ready")
var ErrAlreadyStarted = errors.New("session already started")

// Identity is a verified user, produced by the opaque token verifier.
type Identity struct {
	UserID   string
	Username string
}

// Character is the slice of a character record this core consumes. Where
// characters live and what else they carry is someone else's problem.
type Character struct {
	Level    int
	Sequence int
	Luck     int
	MaxHP    int
	MaxAP    int
}

type CharacterSource interface {
	Character(ctx context.Context, characterID string) (Character, error)
}

// CombatStarter is how a freshly started session is handed to the turn
// controller. Implemented by the combat package; an interface here keeps
// the dependency one-directional.
type CombatStarter interface {
	BeginCombat(ctx context.Context, sessionID string) error
}

// Notifier fans lobby events out to subscribers. Implemented by syncproto.
type Notifier interface {
	Broadcast(ctx context.Context, sessionID string, env protocol.Envelope, exclude string)
}

// CachePurger removes a finished session's cache-resident state.
type CachePurger interface {
	Purge(ctx context.Context, sessionID string) error
}

type CreateConfig struct {
	Name        string
	Visibility  store.Visibility
	Password    string
	Capacity    int
	MinLevel    int
	MaxLevel    int
	MapID       string
	TurnSeconds int
	CharacterID string
	IsBot       bool
}

type JoinParams struct {
	Password    string
	CharacterID string
	IsBot       bool
}

type Manager struct {
	log    *zap.Logger
	store  store.Store
	cache  CachePurger
	hub    *hub.Hub
	notify Notifier
	chars  CharacterSource
	combat CombatStarter
	now    func() time.Time
}

func NewManager(log *zap.Logger, st store.Store, ca CachePurger, h *hub.Hub, notify Notifier, chars CharacterSource) *Manager {
	return &Manager{
		log:    log,
		store:  st,
		cache:  ca,
		hub:    h,
		notify: notify,
		chars:  chars,
		now:    time.Now,
	}
}

// SetCombatStarter wires the turn controller in after construction; the two
// reference each other and one side has to go second.
func (m *Manager) SetCombatStarter(cs CombatStarter) { m.combat = cs }

// Create makes a new lobby with the creator as its ready host.
func (m *Manager) Create(ctx context.Context, who Identity, cfg CreateConfig) (*store.Session, *store.Participant, error) {
	char, err := m.chars.Character(ctx, cfg.CharacterID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving character: %w", err)
	}

	var hash []byte
	if cfg.Visibility == store.VisibilityPrivate {
		hash, err = bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hashing password: %w", err)
		}
	}

	sess := &store.Session{
		ID:           uuid.NewString(),
		Name:         cfg.Name,
		Visibility:   cfg.Visibility,
		PasswordHash: hash,
		Capacity:     cfg.Capacity,
		MinLevel:     cfg.MinLevel,
		MaxLevel:     cfg.MaxLevel,
		MapID:        cfg.MapID,
		TurnSeconds:  cfg.TurnSeconds,
		Status:       store.StatusLobby,
		HostUserID:   who.UserID,
		CreatedAt:    m.now(),
	}
	host := newParticipant(sess.ID, who, cfg.CharacterID, char, m.now())
	host.IsHost = true
	host.IsBot = cfg.IsBot
	host.Ready = true
	host.Connected = true

	runner := m.hub.Ensure(sess.ID)
	err = runner.Do(ctx, func(ctx context.Context) error {
		if err := m.store.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		if err := m.store.AddParticipant(ctx, host); err != nil {
			return fmt.Errorf("adding host: %w", err)
		}
		return m.store.EnsureAccount(ctx, who.UserID, who.Username)
	})
	if err != nil {
		return nil, nil, err
	}
	m.log.Info("session created",
		zap.String("session", sess.ID),
		zap.String("host", who.UserID),
		zap.String("visibility", string(sess.Visibility)))
	return sess, host, nil
}

// Join validates the gate conditions and adds a participant.
func (m *Manager) Join(ctx context.Context, sessionID string, who Identity, params JoinParams) (*store.Participant, error) {
	char, err := m.chars.Character(ctx, params.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("resolving character: %w", err)
	}

	var joined *store.Participant
	runner := m.hub.Ensure(sessionID)
	err = runner.Do(ctx, func(ctx context.Context) error {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != store.StatusLobby {
			return ErrNotJoinable
		}
		parts, err := m.store.ListParticipants(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(parts) >= sess.Capacity {
			return ErrFull
		}
		if sess.Visibility == store.VisibilityPrivate {
			if bcrypt.CompareHashAndPassword(sess.PasswordHash, []byte(params.Password)) != nil {
				return ErrForbidden
			}
		}
		for _, p := range parts {
			if p.UserID == who.UserID {
				return ErrAlreadyJoined
			}
		}
		if char.Level < sess.MinLevel || (sess.MaxLevel > 0 && char.Level > sess.MaxLevel) {
			return ErrLevelOutOfRange
		}

		p := newParticipant(sessionID, who, params.CharacterID, char, m.now())
		p.IsBot = params.IsBot
		p.Connected = true
		if err := m.store.AddParticipant(ctx, p); err != nil {
			return fmt.Errorf("adding participant: %w", err)
		}
		if err := m.store.EnsureAccount(ctx, who.UserID, who.Username); err != nil {
			return err
		}
		joined = p

		m.notify.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgPlayerConnected, protocol.ParticipantRef{
			SessionID:     sessionID,
			ParticipantID: p.ID,
		}), who.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// Reconnect re-attaches an existing participant after a socket drop. Works
// in any session status; returns ErrNotFound when the caller never joined.
func (m *Manager) Reconnect(ctx context.Context, sessionID string, who Identity) (*store.Participant, error) {
	var p *store.Participant
	runner := m.hub.Ensure(sessionID)
	err := runner.Do(ctx, func(ctx context.Context) error {
		found, err := m.store.FindParticipant(ctx, sessionID, who.UserID)
		if err != nil {
			return err
		}
		found.Connected = true
		if err := m.store.UpdateParticipant(ctx, found); err != nil {
			return err
		}
		p = found
		m.notify.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgPlayerConnected, protocol.ParticipantRef{
			SessionID:     sessionID,
			ParticipantID: found.ID,
		}), who.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Leave removes a lobby participant; the host role migrates to the earliest
// joined human, and a lobby with no humans left is finished and its cache
// state purged. During play a leave is just a disconnect: the clock keeps
// running.
func (m *Manager) Leave(ctx context.Context, sessionID string, who Identity) error {
	runner := m.hub.Ensure(sessionID)
	closed := false
	err := runner.Do(ctx, func(ctx context.Context) error {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		leaver, err := m.store.FindParticipant(ctx, sessionID, who.UserID)
		if err != nil {
			return err
		}

		if sess.Status != store.StatusLobby {
			leaver.Connected = false
			leaver.Ready = false
			if err := m.store.UpdateParticipant(ctx, leaver); err != nil {
				return err
			}
			m.notify.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgPlayerDisconnected, protocol.ParticipantRef{
				SessionID:     sessionID,
				ParticipantID: leaver.ID,
			}), who.UserID)
			return nil
		}

		if err := m.store.RemoveParticipant(ctx, leaver.ID); err != nil {
			return err
		}
		m.notify.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgPlayerLeft, protocol.ParticipantRef{
			SessionID:     sessionID,
			ParticipantID: leaver.ID,
		}), who.UserID)

		if !leaver.IsHost {
			return nil
		}
		var merr error
		closed, merr = m.migrateHost(ctx, sess, leaver)
		return merr
	})
	if err == nil && closed {
		// The runner must not remove itself from inside its own closure.
		m.hub.Remove(sessionID)
	}
	return err
}

// migrateHost hands the host role to the earliest joined human, or closes
// the session when none remain. The second case is reported so the caller
// can release the session's runner.
func (m *Manager) migrateHost(ctx context.Context, sess *store.Session, old *store.Participant) (bool, error) {
	parts, err := m.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	for _, p := range parts { // join order; earliest human wins
		if p.IsBot {
			continue
		}
		if err := m.store.TransferHost(ctx, sess.ID, old.ID, p.ID); err != nil {
			return false, fmt.Errorf("transferring host: %w", err)
		}
		m.log.Info("host migrated", zap.String("session", sess.ID), zap.String("to", p.ID))
		m.notify.Broadcast(ctx, sess.ID, protocol.MustEnvelope(protocol.MsgHostChanged, protocol.ParticipantRef{
			SessionID:     sess.ID,
			ParticipantID: p.ID,
		}), "")
		return false, nil
	}

	// No humans left: close out the session and drop its cache state.
	sess.Status = store.StatusFinished
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return false, err
	}
	if err := m.cache.Purge(ctx, sess.ID); err != nil {
		m.log.Warn("purging finished session cache", zap.String("session", sess.ID), zap.Error(err))
	}
	m.log.Info("session closed, no humans remain", zap.String("session", sess.ID))
	return true, nil
}

// Ready flips a participant's readiness and tells the room.
func (m *Manager) Ready(ctx context.Context, sessionID string, who Identity, ready bool) error {
	runner := m.hub.Ensure(sessionID)
	return runner.Do(ctx, func(ctx context.Context) error {
		p, err := m.store.FindParticipant(ctx, sessionID, who.UserID)
		if err != nil {
			return err
		}
		p.Ready = ready
		if err := m.store.UpdateParticipant(ctx, p); err != nil {
			return err
		}
		m.notify.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgPlayerReadyChanged, protocol.ReadyChanged{
			SessionID:     sessionID,
			ParticipantID: p.ID,
			Ready:         ready,
		}), "")
		return nil
	})
}

// Start moves a lobby to Playing and hands off to the turn controller.
func (m *Manager) Start(ctx context.Context, sessionID string, who Identity) error {
	runner := m.hub.Ensure(sessionID)
	err := runner.Do(ctx, func(ctx context.Context) error {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.HostUserID != who.UserID {
			return ErrForbidden
		}
		if sess.Status != store.StatusLobby {
			return ErrAlreadyStarted
		}
		parts, err := m.store.ListParticipants(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if !p.Ready {
				return ErrNotReady
			}
		}
		sess.Status = store.StatusPlaying
		return m.store.UpdateSession(ctx, sess)
	})
	if err != nil {
		return err
	}

	m.log.Info("session started", zap.String("session", sessionID))
	if m.combat != nil {
		if err := m.combat.BeginCombat(ctx, sessionID); err != nil {
			return fmt.Errorf("entering combat: %w", err)
		}
	}
	return nil
}

// Kick removes a participant at the host's request. The host cannot be
// kicked, not even by themselves.
func (m *Manager) Kick(ctx context.Context, sessionID string, who Identity, targetParticipantID string) error {
	runner := m.hub.Ensure(sessionID)
	return runner.Do(ctx, func(ctx context.Context) error {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.HostUserID != who.UserID {
			return ErrForbidden
		}
		target, err := m.store.GetParticipant(ctx, targetParticipantID)
		if err != nil || target.SessionID != sessionID {
			return store.ErrNotFound
		}
		if target.IsHost {
			return ErrForbidden
		}
		if err := m.store.RemoveParticipant(ctx, target.ID); err != nil {
			return err
		}
		m.notify.Broadcast(ctx, sessionID, protocol.MustEnvelope(protocol.MsgPlayerKicked, protocol.ParticipantRef{
			SessionID:     sessionID,
			ParticipantID: target.ID,
		}), "")
		return nil
	})
}

// MarkConnected flips the durable connectivity flag; the registry is the
// live truth, this is the viewers' copy.
func (m *Manager) MarkConnected(ctx context.Context, sessionID string, who Identity, connected bool) error {
	runner := m.hub.Ensure(sessionID)
	return runner.Do(ctx, func(ctx context.Context) error {
		p, err := m.store.FindParticipant(ctx, sessionID, who.UserID)
		if err != nil {
			return err
		}
		p.Connected = connected
		if err := m.store.UpdateParticipant(ctx, p); err != nil {
			return err
		}
		msgType := protocol.MsgPlayerConnected
		if !connected {
			msgType = protocol.MsgPlayerDisconnected
		}
		m.notify.Broadcast(ctx, sessionID, protocol.MustEnvelope(msgType, protocol.ParticipantRef{
			SessionID:     sessionID,
			ParticipantID: p.ID,
		}), who.UserID)
		return nil
	})
}

func newParticipant(sessionID string, who Identity, characterID string, char Character, joinedAt time.Time) *store.Participant {
	return &store.Participant{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		UserID:      who.UserID,
		Username:    who.Username,
		CharacterID: characterID,
		Level:       char.Level,
		HP:          char.MaxHP,
		MaxHP:       char.MaxHP,
		AP:          char.MaxAP,
		MaxAP:       char.MaxAP,
		Sequence:    char.Sequence,
		Luck:        char.Luck,
		JoinedAt:    joinedAt,
	}
}

// StaticCharacters is a fixed in-memory character source for tests and dev.
type StaticCharacters map[string]Character

func (s StaticCharacters) Character(ctx context.Context, characterID string) (Character, error) {
	if c, ok := s[characterID]; ok {
		return c, nil
	}
	// Unknown ids get a baseline fighter rather than an error; character
	// validity is the character service's concern, not ours.
	return Character{Level: 1, Sequence: 5, Luck: 5, MaxHP: 30, MaxAP: 8}, nil
}
