package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore backs the Store contract with Postgres.
type GormStore struct {
	db *gorm.DB
}

func OpenGorm(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &Participant{}, &Account{}, &BotRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (g *GormStore) CreateSession(ctx context.Context, s *Session) error {
	return g.db.WithContext(ctx).Create(s).Error
}

func (g *GormStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := g.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (g *GormStore) UpdateSession(ctx context.Context, s *Session) error {
	return g.db.WithContext(ctx).Save(s).Error
}

func (g *GormStore) ListSessions(ctx context.Context, status SessionStatus, visibility Visibility) ([]*Session, error) {
	q := g.db.WithContext(ctx).Model(&Session{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if visibility != "" {
		q = q.Where("visibility = ?", visibility)
	}
	var out []*Session
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GormStore) AddParticipant(ctx context.Context, p *Participant) error {
	return g.db.WithContext(ctx).Create(p).Error
}

func (g *GormStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	var p Participant
	if err := g.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (g *GormStore) FindParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	var p Participant
	err := g.db.WithContext(ctx).
		First(&p, "session_id = ? AND user_id = ?", sessionID, userID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (g *GormStore) ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error) {
	var out []*Participant
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GormStore) UpdateParticipant(ctx context.Context, p *Participant) error {
	return g.db.WithContext(ctx).Save(p).Error
}

func (g *GormStore) RemoveParticipant(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&Participant{}, "id = ?", id).Error
}

func (g *GormStore) TransferHost(ctx context.Context, sessionID, fromID, toID string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if fromID != "" {
			if err := tx.Model(&Participant{}).
				Where("id = ?", fromID).
				Update("is_host", false).Error; err != nil {
				return err
			}
		}
		var to Participant
		if err := tx.First(&to, "id = ?", toID).Error; err != nil {
			return translate(err)
		}
		if err := tx.Model(&Participant{}).
			Where("id = ?", toID).
			Update("is_host", true).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("id = ?", sessionID).
			Update("host_user_id", to.UserID).Error
	})
}

func (g *GormStore) EnsureAccount(ctx context.Context, userID, username string) error {
	acct := Account{UserID: userID, Username: username}
	return g.db.WithContext(ctx).FirstOrCreate(&acct, "user_id = ?", userID).Error
}

func (g *GormStore) RecordResult(ctx context.Context, winnerID string, playedIDs []string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(playedIDs) > 0 {
			if err := tx.Model(&Account{}).
				Where("user_id IN ?", playedIDs).
				Update("played", gorm.Expr("played + 1")).Error; err != nil {
				return err
			}
		}
		if winnerID == "" {
			return nil
		}
		return tx.Model(&Account{}).
			Where("user_id = ?", winnerID).
			Update("wins", gorm.Expr("wins + 1")).Error
	})
}

func (g *GormStore) UpsertBot(ctx context.Context, b *BotRecord) error {
	return g.db.WithContext(ctx).Save(b).Error
}

func (g *GormStore) ListBots(ctx context.Context) ([]*BotRecord, error) {
	var out []*BotRecord
	if err := g.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GormStore) ResetConnectedFlags(ctx context.Context) error {
	return g.db.WithContext(ctx).Model(&Participant{}).
		Where("connected = ?", true).
		Update("connected", false).Error
}

func (g *GormStore) ResetBotStatuses(ctx context.Context) error {
	return g.db.WithContext(ctx).Model(&BotRecord{}).
		Where("status <> ?", BotIdle).
		Update("status", BotIdle).Error
}
