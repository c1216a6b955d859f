package nonces

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory nonce set for development and tests. It
// does not survive a restart.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.Mutex
	opts    options
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory nonce store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		opts:    buildOptions(opts),
		now:     time.Now,
	}
}

func key(payer, nonce string) string {
	return payer + "|" + nonce
}

func (m *MemoryStore) Reserve(_ context.Context, r *Record) error {
	payer, nonce := normalize(r.Payer, r.Nonce)
	k := key(payer, nonce)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[k]; ok {
		if existing.Status != StatusReleased {
			return ErrAlreadyUsed
		}
		existing.Status = StatusPending
		existing.UpdatedAt = now
		return nil
	}

	cp := *r
	cp.Payer, cp.Nonce = payer, nonce
	cp.Status = StatusPending
	cp.Releases = 0
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.records[k] = &cp
	return nil
}

func (m *MemoryStore) Commit(_ context.Context, payer, nonce string) error {
	payer, nonce = normalize(payer, nonce)

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key(payer, nonce)]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusPending {
		return ErrNotPending
	}
	r.Status = StatusConsumed
	r.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Release(_ context.Context, payer, nonce string) (bool, error) {
	payer, nonce = normalize(payer, nonce)

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key(payer, nonce)]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != StatusPending {
		return false, ErrNotPending
	}
	retryable := r.Releases < m.opts.maxReleases
	if retryable {
		r.Status = StatusReleased
	} else {
		r.Status = StatusConsumed
	}
	r.Releases++
	r.UpdatedAt = m.now()
	return retryable, nil
}

func (m *MemoryStore) Get(_ context.Context, payer, nonce string) (*Record, error) {
	payer, nonce = normalize(payer, nonce)

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key(payer, nonce)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, r := range m.records {
		if r.ValidBefore.Before(before) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Pruner = (*MemoryStore)(nil)
)
