package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// It enforces the same version checks as the postgres store.
type MemoryStore struct {
	escrows map[string]*Escrow
	byKey   map[string]string // idempotency key -> escrow ID
	mu      sync.RWMutex

	// failSaves makes the next n Save calls fail; tests use it to model a
	// database outage after a ledger call.
	failSaves int
	failErr   error
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byKey:   make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, ok := m.byKey[e.IdempotencyKey]; ok {
			return ErrDuplicateIdempotencyKey
		}
		m.byKey[e.IdempotencyKey] = e.ID
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) LoadByIdempotencyKey(_ context.Context, key string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.escrows[id].Clone(), nil
}

// Save stores e if its version is current and bumps e.Version.
func (m *MemoryStore) Save(ctx context.Context, e *Escrow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSaves > 0 {
		m.failSaves--
		return m.failErr
	}
	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Version != e.Version {
		return ErrVersionConflict
	}
	e.Version++
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, from, to Status, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != from || cur.Version != version {
		return ErrVersionConflict
	}
	cur.Status = to
	cur.Version++
	cur.UpdatedAt = time.Now()
	return nil
}

// ListByParty returns the newest escrows first.
func (m *MemoryStore) ListByParty(_ context.Context, addr string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if (e.BuyerAddr == addr || e.SellerAddr == addr) && after.Before(e.CreatedAt, e.ID) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// FailNextSaves makes the next n Save calls return err.
func (m *MemoryStore) FailNextSaves(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = n
	m.failErr = err
}
