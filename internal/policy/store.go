package policy

import (
	"context"
	"sync"
)

// Persisted is everything the Store holds.
type Persisted struct {
	Global *Setting
	Users  []Setting
	Tiers  *TierConfig // nil when never saved
}

// Store persists settings. Implementations must be safe for concurrent use.
type Store interface {
	LoadPolicy(ctx context.Context) (Persisted, error)
	SaveSetting(ctx context.Context, s Setting) error
	DeleteSetting(ctx context.Context, scope Scope, userID string) error
	SaveTierConfig(ctx context.Context, tc TierConfig, setBy string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	global *Setting
	users  map[string]Setting
	tiers  *TierConfig
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]Setting)}
}

func (m *MemoryStore) LoadPolicy(ctx context.Context) (Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var p Persisted
	if m.global != nil {
		g := *m.global
		p.Global = &g
	}
	for _, s := range m.users {
		p.Users = append(p.Users, s)
	}
	if m.tiers != nil {
		tc := *m.tiers
		p.Tiers = &tc
	}
	return p, nil
}

func (m *MemoryStore) SaveSetting(ctx context.Context, s Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Scope == ScopeGlobal {
		m.global = &s
		return nil
	}
	m.users[s.UserID] = s
	return nil
}

func (m *MemoryStore) DeleteSetting(ctx context.Context, scope Scope, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scope == ScopeGlobal {
		m.global = nil
		return nil
	}
	delete(m.users, userID)
	return nil
}

func (m *MemoryStore) SaveTierConfig(ctx context.Context, tc TierConfig, setBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers = &tc
	return nil
}
