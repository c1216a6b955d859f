package receipts

import (
	"context"
	"sort"
	"sync"

	"github.com/fredagent/x402proxy/internal/pagination"
)

// MemoryStore is an in-memory receipt store for development and tests.
type MemoryStore struct {
	receipts map[string]*Receipt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ID]; ok {
		return nil
	}
	cp := *r
	m.receipts[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, payer string, limit int, after *pagination.Cursor) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.Payer == payer && below(r, after) {
			cp := *r
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// below reports whether r sorts after the cursor position.
func below(r *Receipt, after *pagination.Cursor) bool {
	if after == nil {
		return true
	}
	if r.CreatedAt.Equal(after.CreatedAt) {
		return r.ID > after.ID
	}
	return r.CreatedAt.Before(after.CreatedAt)
}

var _ Store = (*MemoryStore)(nil)
