// Package store is the durable record layer: sessions, participants,
// accounts and bot records. Turn-state lives in the cache, not here; the
// copies of combat fields on these rows are advisory.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

type SessionStatus string

const (
	StatusLobby    SessionStatus = "lobby"
	StatusPlaying  SessionStatus = "playing"
	StatusFinished SessionStatus = "finished"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Session struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	Visibility   Visibility
	PasswordHash []byte
	Capacity     int
	MinLevel     int
	MaxLevel     int
	MapID        string
	TurnSeconds  int
	Status       SessionStatus `gorm:"index"`
	InCombat     bool
	CombatRound  int
	TurnIndex    int
	HostUserID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Participant struct {
	ID          string `gorm:"primaryKey"`
	SessionID   string `gorm:"index"`
	UserID      string `gorm:"index"`
	Username    string
	CharacterID string
	Level       int
	IsHost      bool
	IsBot       bool
	Ready       bool
	Connected   bool
	TileIndex   int
	Elevation   int
	Rotation    int
	HP          int
	MaxHP       int
	AP          int
	MaxAP       int
	InCombat    bool
	Dead        bool
	Sequence    int
	Luck        int
	Initiative  int
	JoinedAt    time.Time
}

type Account struct {
	UserID   string `gorm:"primaryKey"`
	Username string
	Wins     int
	Played   int
}

type BotStatus string

const (
	BotIdle    BotStatus = "idle"
	BotRunning BotStatus = "running"
	BotStopped BotStatus = "stopped"
)

type BotRecord struct {
	ID        string `gorm:"primaryKey"`
	Kind      string
	Status    BotStatus
	UpdatedAt time.Time
}

// Store is the durable-store contract the core consumes: keyed CRUD, a few
// query shapes, and one atomic multi-row update (host transfer).
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, status SessionStatus, visibility Visibility) ([]*Session, error)

	AddParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	FindParticipant(ctx context.Context, sessionID, userID string) (*Participant, error)
	// ListParticipants returns the roster in join order.
	ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error
	RemoveParticipant(ctx context.Context, id string) error

	// TransferHost flips the host flag from one participant to another and
	// updates the session's host reference in a single transaction.
	TransferHost(ctx context.Context, sessionID, fromID, toID string) error

	EnsureAccount(ctx context.Context, userID, username string) error
	RecordResult(ctx context.Context, winnerID string, playedIDs []string) error

	UpsertBot(ctx context.Context, b *BotRecord) error
	ListBots(ctx context.Context) ([]*BotRecord, error)

	// Startup recovery: no socket survives a restart, and no bot loop does
	// either.
	ResetConnectedFlags(ctx context.Context) error
	ResetBotStatuses(ctx context.Context) error
}
