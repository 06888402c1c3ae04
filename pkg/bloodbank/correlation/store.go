// Package correlation tracks causal links between published events.
//
// A Tracker records, for every child event, the parent events that caused it,
// and answers ancestry and descendant queries over that graph. Tracking is
// best-effort: the Tracker absorbs every backing-store failure, logs a
// throttled warning, and answers with an empty result. Entries expire after a
// retention window and are never deleted explicitly.
package correlation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store persists the correlation graph. It is owned exclusively by one Tracker.
// Implementations must be safe for concurrent use.
type Store interface {
	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Link records rec.Parents as parents of rec.EventID and adds rec.EventID
	// to the reverse set of every parent. Parent lists are merged with any
	// existing record, never overwritten. The first RecordedAt wins; a
	// non-empty Metadata replaces the stored metadata. Every touched entry
	// gets its expiry pushed to now+ttl. A single call is atomic.
	Link(ctx context.Context, rec Record, ttl time.Duration) error

	// Parents returns the recorded parents of id in insertion order.
	// Returns an empty slice (not error) for unknown ids.
	Parents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

	// Children returns the recorded children of id in unspecified order.
	// Returns an empty slice (not error) for unknown ids.
	Children(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

	// Record returns the forward record of id.
	// Returns ErrNotFound if no parents were ever recorded for id.
	Record(ctx context.Context, id uuid.UUID) (*Record, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Record is the forward entry for one child event.
type Record struct {
	EventID    uuid.UUID
	Parents    []uuid.UUID
	RecordedAt time.Time
	Metadata   map[string]any
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no forward record exists for an event.
	ErrNotFound = errors.New("correlation record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("correlation store closed")
)

// DefaultKeyPrefix namespaces every key the Redis store writes.
const DefaultKeyPrefix = "bloodbank:correlation:"

// StoreOption configures a store implementation.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now    func() time.Time
	prefix string
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{
		now:    time.Now,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the clock used for expiry by MemoryStore and SQLiteStore.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithKeyPrefix overrides the key prefix used by RedisStore.
func WithKeyPrefix(prefix string) StoreOption {
	return func(o *storeOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}
