package dispute

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; ok {
		return errors.New("dispute: duplicate id")
	}
	for _, other := range m.disputes {
		if other.EscrowID == d.EscrowID && other.ArchivedAt == nil {
			return ErrActiveDisputeExists
		}
	}
	d.Version = 1
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Version != d.Version {
		return ErrVersionConflict
	}
	d.Version++
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[id]; !ok {
		return ErrDisputeNotFound
	}
	delete(m.disputes, id)
	return nil
}

// GetByEscrow returns the escrow's active dispute, or its latest archived
// one.
func (m *MemoryStore) GetByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Dispute
	for _, d := range m.disputes {
		if d.EscrowID != escrowID {
			continue
		}
		if d.ArchivedAt == nil {
			return d.Clone(), nil
		}
		if found == nil || d.CreatedAt.After(found.CreatedAt) {
			found = d
		}
	}
	if found == nil {
		return nil, ErrDisputeNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if due(d, now) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func due(d *Dispute, now time.Time) bool {
	if d.ArchivedAt != nil {
		return false
	}
	return d.Status == StatusResolved || !d.Deadline.After(now)
}
