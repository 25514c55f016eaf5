package intents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory intent store for demo/development mode.
type MemoryStore struct {
	intents map[string]*Intent
	pending map[string]string // referenceID → intent id
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
		pending: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, intent *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[intent.ReferenceID]; ok {
		return ErrIntentPending
	}
	m.intents[intent.ID] = intent.clone()
	m.pending[intent.ReferenceID] = intent.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return intent.clone(), nil
}

func (m *MemoryStore) FindPending(_ context.Context, referenceID string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pending[referenceID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.intents[id].clone(), nil
}

func (m *MemoryStore) Complete(_ context.Context, id, settlementID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if intent.Status != StatusPending {
		return ErrNotPending
	}
	m.resolve(intent, StatusCompleted, at)
	intent.SettlementID = settlementID
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if !intent.Due(now) {
		return ErrNotPending
	}
	m.resolve(intent, StatusExpired, now)
	return nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time, limit int) ([]*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Intent
	for _, id := range m.pending {
		if intent := m.intents[id]; intent.Due(now) {
			due = append(due, intent)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	result := make([]*Intent, 0, len(due))
	for _, intent := range due {
		m.resolve(intent, StatusExpired, now)
		result = append(result, intent.clone())
	}
	return result, nil
}

// resolve applies a terminal status. Caller holds m.mu.
func (m *MemoryStore) resolve(intent *Intent, status Status, at time.Time) {
	intent.Status = status
	t := at
	intent.ResolvedAt = &t
	delete(m.pending, intent.ReferenceID)
}
