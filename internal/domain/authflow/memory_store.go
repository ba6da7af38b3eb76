package authflow

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore — Store в памяти процесса. Состояние теряется при перезапуске.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, chatID int64) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return Session{}, ErrNoSession
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ChatID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, chatID)
	return nil
}

// List возвращает сессии, упорядоченные по ChatID.
func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	slices.SortFunc(out, func(a, b Session) int { return cmp.Compare(a.ChatID, b.ChatID) })
	return out, nil
}

// cloneSession копирует Account, чтобы вызывающий не менял хранимое значение.
func cloneSession(s Session) Session {
	if s.Account != nil {
		acc := *s.Account
		s.Account = &acc
	}
	return s
}
