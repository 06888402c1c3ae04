package correlation

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the correlation graph in process memory.
// Data is lost when the process exits. Expired entries are dropped lazily on
// read and eagerly by Purge.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	forward map[uuid.UUID]*memForward
	reverse map[uuid.UUID]*memReverse
	closed  bool
}

type memForward struct {
	parents    []uuid.UUID
	recordedAt time.Time
	metadata   map[string]any
	expiresAt  time.Time
}

type memReverse struct {
	children  map[uuid.UUID]struct{}
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := newStoreOptions(opts)
	return &MemoryStore{
		now:     o.now,
		forward: make(map[uuid.UUID]*memForward),
		reverse: make(map[uuid.UUID]*memReverse),
	}
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Link implements Store.
func (m *MemoryStore) Link(ctx context.Context, rec Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	now := m.now()
	expiresAt := now.Add(ttl)

	fwd, ok := m.forward[rec.EventID]
	if !ok || !now.Before(fwd.expiresAt) {
		fwd = &memForward{recordedAt: rec.RecordedAt}
		m.forward[rec.EventID] = fwd
	}
	for _, p := range rec.Parents {
		if !slices.Contains(fwd.parents, p) {
			fwd.parents = append(fwd.parents, p)
		}
	}
	if len(rec.Metadata) > 0 {
		fwd.metadata = maps.Clone(rec.Metadata)
	}
	fwd.expiresAt = expiresAt

	for _, p := range rec.Parents {
		rev, ok := m.reverse[p]
		if !ok || !now.Before(rev.expiresAt) {
			rev = &memReverse{children: make(map[uuid.UUID]struct{})}
			m.reverse[p] = rev
		}
		rev.children[rec.EventID] = struct{}{}
		rev.expiresAt = expiresAt
	}
	return nil
}

// Parents implements Store.
func (m *MemoryStore) Parents(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	fwd, ok := m.forward[id]
	if !ok || !m.now().Before(fwd.expiresAt) {
		return []uuid.UUID{}, nil
	}
	return slices.Clone(fwd.parents), nil
}

// Children implements Store.
func (m *MemoryStore) Children(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	rev, ok := m.reverse[id]
	if !ok || !m.now().Before(rev.expiresAt) {
		return []uuid.UUID{}, nil
	}
	return slices.Collect(maps.Keys(rev.children)), nil
}

// Record implements Store.
func (m *MemoryStore) Record(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	fwd, ok := m.forward[id]
	if !ok || !m.now().Before(fwd.expiresAt) {
		return nil, ErrNotFound
	}
	return &Record{
		EventID:    id,
		Parents:    slices.Clone(fwd.parents),
		RecordedAt: fwd.recordedAt,
		Metadata:   maps.Clone(fwd.metadata),
	}, nil
}

// Purge drops expired entries and returns how many were removed.
func (m *MemoryStore) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	now := m.now()
	removed := 0
	for id, fwd := range m.forward {
		if !now.Before(fwd.expiresAt) {
			delete(m.forward, id)
			removed++
		}
	}
	for id, rev := range m.reverse {
		if !now.Before(rev.expiresAt) {
			delete(m.reverse, id)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.forward = nil
	m.reverse = nil
	return nil
}

// Len returns the number of live forward records.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	count := 0
	for _, fwd := range m.forward {
		if now.Before(fwd.expiresAt) {
			count++
		}
	}
	return count
}
