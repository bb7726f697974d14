package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
)

// MemoryStore is an in-memory task store for demo/development mode.
type MemoryStore struct {
	tasks map[string]*Task
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory recovery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, escrowID string, op escrow.Operation) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskKey(escrowID, op)]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Upsert(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[taskKey(t.EscrowID, t.Operation)] = t.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, escrowID string, op escrow.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := taskKey(escrowID, op)
	if _, ok := m.tasks[key]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, key)
	return nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Task
	for _, t := range m.tasks {
		if t.EscrowID == escrowID {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ListDue returns pending tasks with nextRetryAt <= now, oldest due first.
func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Task
	for _, t := range m.tasks {
		if t.Status == StatusPending && !t.NextRetryAt.After(now) {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextRetryAt.Before(result[j].NextRetryAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Counts(_ context.Context) (pending, escalated int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tasks {
		if t.Status == StatusEscalated {
			escalated++
		} else {
			pending++
		}
	}
	return pending, escalated, nil
}
