// Package listing is the read model of marketplace listings that escrows
// are opened against. The catalogue itself lives elsewhere; this package
// only answers "does the listing exist, who sells it, is it active".
package listing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrListingNotFound = errors.New("listing not found")

// Listing is the slice of a marketplace listing the escrow engine needs.
type Listing struct {
	ID         string    `json:"id"`
	SellerAddr string    `json:"sellerAddr"`
	Title      string    `json:"title,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Directory looks listings up.
type Directory interface {
	Get(ctx context.Context, id string) (*Listing, error)
}

// Store is a writable Directory.
type Store interface {
	Directory
	Put(ctx context.Context, l *Listing) error
	SetActive(ctx context.Context, id string, active bool) error
}

// MemoryStore is an in-memory listing store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	cp.SellerAddr = strings.ToLower(cp.SellerAddr)
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	l.Active = active
	l.UpdatedAt = time.Now()
	return nil
}
