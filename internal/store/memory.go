package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps every record in process memory. Used by tests and
// single-node dev runs; it honors the same contract as GormStore.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	participants map[string]Participant
	accounts     map[string]Account
	bots         map[string]BotRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]Session),
		participants: make(map[string]Participant),
		accounts:     make(map[string]Account),
		bots:         make(map[string]BotRecord),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, status SessionStatus, visibility Visibility) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if status != "" && s.Status != status {
			continue
		}
		if visibility != "" && s.Visibility != visibility {
			continue
		}
		cp := s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AddParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := p
	return &out, nil
}

func (m *MemoryStore) FindParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.UserID == userID {
			out := p
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Participant
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[p.ID]; !ok {
		return ErrNotFound
	}
	m.participants[p.ID] = *p
	return nil
}

func (m *MemoryStore) RemoveParticipant(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, id)
	return nil
}

func (m *MemoryStore) TransferHost(ctx context.Context, sessionID, fromID, toID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to, ok := m.participants[toID]
	if !ok {
		return ErrNotFound
	}
	if from, ok := m.participants[fromID]; ok {
		from.IsHost = false
		m.participants[fromID] = from
	}
	to.IsHost = true
	m.participants[toID] = to

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.HostUserID = to.UserID
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, userID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; !ok {
		m.accounts[userID] = Account{UserID: userID, Username: username}
	}
	return nil
}

func (m *MemoryStore) RecordResult(ctx context.Context, winnerID string, playedIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range playedIDs {
		a := m.accounts[id]
		a.UserID = id
		a.Played++
		m.accounts[id] = a
	}
	if winnerID != "" {
		a := m.accounts[winnerID]
		a.UserID = winnerID
		a.Wins++
		m.accounts[winnerID] = a
	}
	return nil
}

// Account is a test helper; the gorm store has no equivalent.
func (m *MemoryStore) Account(userID string) (Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	return a, ok
}

func (m *MemoryStore) UpsertBot(ctx context.Context, b *BotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[b.ID] = *b
	return nil
}

func (m *MemoryStore) ListBots(ctx context.Context) ([]*BotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*BotRecord
	for _, b := range m.bots {
		cp := b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ResetConnectedFlags(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.participants {
		p.Connected = false
		m.participants[id] = p
	}
	return nil
}

func (m *MemoryStore) ResetBotStatuses(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.bots {
		if b.Status != BotIdle {
			b.Status = BotIdle
			m.bots[id] = b
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*GormStore)(nil)
