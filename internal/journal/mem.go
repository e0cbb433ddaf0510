package journal

import (
	"context"
	"sync"
)

const defaultMemCapacity = 10000

// memStore keeps the most recent records in a ring.
type memStore struct {
	mu     sync.RWMutex
	recs   []Record
	next   int
	full   bool
	closed bool
}

// NewMemStore returns an in-memory store holding up to capacity records.
func NewMemStore(capacity int) Store {
	if capacity <= 0 {
		capacity = defaultMemCapacity
	}
	return &memStore{recs: make([]Record, capacity)}
}

func (m *memStore) Append(ctx context.Context, recs ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, r := range recs {
		m.recs[m.next] = r
		m.next = (m.next + 1) % len(m.recs)
		if m.next == 0 {
			m.full = true
		}
	}
	return nil
}

func (m *memStore) List(ctx context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	n := m.next
	if m.full {
		n = len(m.recs)
	}
	limit := q.limit()
	var out []Record
	for i := 1; i <= n && len(out) < limit; i++ {
		r := m.recs[(m.next-i+len(m.recs))%len(m.recs)]
		if q.match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
