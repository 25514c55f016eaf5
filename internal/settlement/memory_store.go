package settlement

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/splitpay/internal/pagination"
)

type logKey struct {
	tx    common.Hash
	index uint
}

// MemoryStore is an in-memory settlement store for demo/development mode.
type MemoryStore struct {
	records     map[string]*Record
	byLog       map[logKey]string
	shares      map[string][]Share
	checkpoints map[int64]uint64
	mu          sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*Record),
		byLog:       make(map[logKey]string),
		shares:      make(map[string][]Share),
		checkpoints: make(map[int64]uint64),
	}
}

func (m *MemoryStore) Record(_ context.Context, rec *Record, shares []Share) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := logKey{rec.TxHash, rec.LogIndex}
	if _, ok := m.byLog[key]; ok {
		return false, nil
	}
	m.records[rec.ID] = rec.clone()
	m.byLog[key] = rec.ID
	m.shares[rec.ID] = copyShares(shares)
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) GetByLog(_ context.Context, txHash common.Hash, logIndex uint) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byLog[logKey{txHash, logIndex}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.records[id].clone(), nil
}

func (m *MemoryStore) ListByTx(_ context.Context, txHash common.Hash) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.TxHash == txHash {
			result = append(result, rec.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LogIndex < result[j].LogIndex })
	return result, nil
}

func (m *MemoryStore) ListByReference(_ context.Context, referenceID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.ReferenceID == referenceID {
			result = append(result, rec.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].BlockNumber != result[j].BlockNumber {
			return result[i].BlockNumber > result[j].BlockNumber
		}
		return result[i].LogIndex > result[j].LogIndex
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListRecent(_ context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if after != nil && !olderThan(rec, after) {
			continue
		}
		result = append(result, rec.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RecordedAt.Equal(result[j].RecordedAt) {
			return result[i].RecordedAt.After(result[j].RecordedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThan reports whether rec sorts after the cursor position.
func olderThan(rec *Record, c *pagination.Cursor) bool {
	if rec.RecordedAt.Equal(c.CreatedAt) {
		return rec.ID < c.ID
	}
	return rec.RecordedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) Shares(_ context.Context, settlementID string) ([]Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shares, ok := m.shares[settlementID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyShares(shares), nil
}

func (m *MemoryStore) LastProcessed(_ context.Context, chainID int64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	block, ok := m.checkpoints[chainID]
	return block, ok, nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, chainID int64, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[chainID] = block
	return nil
}

func copyShares(in []Share) []Share {
	out := make([]Share, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Amount = new(big.Int).Set(s.Amount)
	}
	return out
}
