package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/splitpay/internal/idgen"
)

// MemoryOutbox is an in-memory outbox for demo/development mode.
type MemoryOutbox struct {
	messages     map[string]*Message
	bySettlement map[string]string
	mu           sync.RWMutex
}

var _ Outbox = (*MemoryOutbox)(nil)

// NewMemoryOutbox creates a new in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		messages:     make(map[string]*Message),
		bySettlement: make(map[string]string),
	}
}

func (m *MemoryOutbox) Enqueue(_ context.Context, n Notification, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySettlement[n.SettlementID]; ok {
		return nil
	}
	msg := &Message{
		ID:            idgen.WithPrefix("nt_"),
		Payload:       n,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	m.messages[msg.ID] = msg
	m.bySettlement[n.SettlementID] = msg.ID
	return nil
}

func (m *MemoryOutbox) Due(_ context.Context, now time.Time, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Message
	for _, msg := range m.messages {
		if msg.Status == StatusPending && !msg.NextAttemptAt.After(now) {
			due = append(due, copyMessage(msg))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = StatusDelivered
	msg.Attempts++
	msg.LastError = ""
	t := at
	msg.DeliveredAt = &t
	return nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id string, errMsg string, next time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Attempts++
	msg.LastError = errMsg
	msg.NextAttemptAt = next
	if dead {
		msg.Status = StatusDead
	}
	return nil
}

func (m *MemoryOutbox) Get(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// BySettlement returns the message for a settlement.
func (m *MemoryOutbox) BySettlement(ctx context.Context, settlementID string) (*Message, error) {
	m.mu.RLock()
	id, ok := m.bySettlement[settlementID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryOutbox) PendingCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, msg := range m.messages {
		if msg.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	if msg.DeliveredAt != nil {
		t := *msg.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}
