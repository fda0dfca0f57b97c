// Package protocol defines the typed envelopes exchanged over the real-time
// transport. Field names match what the game client sends and expects.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	MsgAuth         = "auth"
	MsgSessionJoin  = "session:join"
	MsgSessionLeave = "session:leave"
	MsgSessionReady = "session:ready"
	MsgSessionStart = "session:start"
	MsgSessionKick  = "session:kick"
	MsgActionMove   = "action:move"
	MsgActionAttack = "action:attack"
	MsgActionUse    = "action:use-item"
	MsgActionTouch  = "action:interact"
	MsgTurnEnd      = "turn:end"
	MsgStateUpdate  = "state:update"
	MsgSyncRequest  = "sync:request"
	MsgChat         = "chat:message"
)

// Outbound message types.
const (
	MsgAuthSuccess        = "auth:success"
	MsgAuthError          = "auth:error"
	MsgSessionJoined      = "session:joined"
	MsgPlayerConnected    = "player:connected"
	MsgPlayerDisconnected = "player:disconnected"
	MsgPlayerReadyChanged = "player:ready-changed"
	MsgPlayerLeft         = "player:left"
	MsgPlayerKicked       = "player:kicked"
	MsgHostChanged        = "player:host-changed"
	MsgTurnStart          = "turn:start"
	MsgTurnEnded          = "turn:end"
	MsgCombatStarted      = "combat:started"
	MsgCombatNewRound     = "combat:new-round"
	MsgCombatEnded        = "combat:ended"
	MsgGameEnded          = "game:ended"
	MsgSyncFullState      = "sync:full-state"
	MsgSyncDelta          = "sync:delta"
	MsgRemoteAction       = "remote-action"
	MsgSuperseded         = "connection:superseded"
	MsgError              = "error"
)

// Envelope is the wire frame: a type tag plus a type-specific payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// MustEnvelope is for payload structs defined in this package, which always
// marshal.
func MustEnvelope(msgType string, payload any) Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

type Auth struct {
	Token string `json:"token"`
}

type AuthSuccess struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type SessionJoin struct {
	SessionID   string `json:"sessionId"`
	Password    string `json:"password,omitempty"`
	CharacterID string `json:"characterId,omitempty"`
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type SessionReady struct {
	SessionID string `json:"sessionId"`
	Ready     bool   `json:"ready"`
}

type SessionKick struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

type ParticipantRef struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

type ReadyChanged struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Ready         bool   `json:"ready"`
}

// ActionMove and friends mirror the client's action payloads.
type ActionMove struct {
	SessionID  string `json:"sessionId"`
	TargetTile int    `json:"targetTile"`
	APCost     int    `json:"apCost,omitempty"`
}

type ActionAttack struct {
	SessionID     string `json:"sessionId"`
	TargetID      string `json:"targetId"`
	WeaponMode    string `json:"weaponMode,omitempty"`
	AimedLocation string `json:"aimedLocation,omitempty"`
	APCost        int    `json:"apCost,omitempty"`
}

type ActionUseItem struct {
	SessionID string `json:"sessionId"`
	ItemID    string `json:"itemId"`
	TargetID  string `json:"targetId,omitempty"`
	APCost    int    `json:"apCost,omitempty"`
}

type ActionInteract struct {
	SessionID  string `json:"sessionId"`
	TargetTile int    `json:"targetTile"`
	ObjectID   string `json:"objectId,omitempty"`
}

// RemoteAction is the fan-out form of any action: the original payload plus
// who performed it.
type RemoteAction struct {
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// StateUpdate is the client's authoritative report of its own participant.
type StateUpdate struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId,omitempty"`
	TileIndex     int    `json:"tileIndex"`
	Elevation     int    `json:"elevation"`
	Rotation      int    `json:"rotation"`
	CurrentHP     int    `json:"currentHp"`
	MaxHP         int    `json:"maxHp"`
	CurrentAP     int    `json:"currentAp"`
	MaxAP         int    `json:"maxAp"`
	IsDead        bool   `json:"isDead"`
}

type TurnEnd struct {
	SessionID string `json:"sessionId"`
}

type TurnStart struct {
	SessionID     string    `json:"sessionId"`
	ParticipantID string    `json:"participantId"`
	Round         int       `json:"round"`
	AP            int       `json:"ap"`
	TimeLimit     int       `json:"timeLimit"` // seconds
	Deadline      time.Time `json:"deadline"`
}

type TurnEnded struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Timeout       bool   `json:"timeout"`
}

type CombatStarted struct {
	SessionID string   `json:"sessionId"`
	Order     []string `json:"order"`
	Round     int      `json:"round"`
}

type NewRound struct {
	SessionID string `json:"sessionId"`
	Round     int    `json:"round"`
}

type CombatEnded struct {
	SessionID string `json:"sessionId"`
	WinnerID  string `json:"winnerId,omitempty"`
}

type SyncRequest struct {
	SessionID string    `json:"sessionId"`
	Since     time.Time `json:"since,omitempty"`
	Full      bool      `json:"full,omitempty"`
}

type Chat struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
