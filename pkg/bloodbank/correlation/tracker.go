package correlation

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank/observability"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTTL            = 30 * 24 * time.Hour
	DefaultOpTimeout      = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxDepth       = 100
	DefaultWarnInterval   = time.Second
)

// Config configures a Tracker.
type Config struct {
	// TTL is how long correlation entries live after their last write.
	TTL time.Duration

	// OpTimeout bounds each individual store call.
	OpTimeout time.Duration

	// ConnectTimeout bounds the reachability check in Start.
	ConnectTimeout time.Duration

	// MaxDepth is the default hop limit for Chain.
	MaxDepth int

	// WarnInterval is the minimum spacing between degraded-operation
	// warnings. Suppressed warnings are counted and reported with the next one.
	WarnInterval time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = DefaultWarnInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return c
}

// State is the lifecycle state of a Tracker.
type State int32

const (
	// StateNotStarted is the initial state, and the state after a failed Start.
	StateNotStarted State = iota
	// StateStarted means the store answered a ping and operations are live.
	StateStarted
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tracker maintains the causal graph over event ids.
//
// Every public method is safe for concurrent use and never returns a store
// error: failures are logged, counted, and answered with an empty value.
// Outside StateStarted every method is a no-op.
type Tracker struct {
	store Store
	cfg   Config

	mu    sync.Mutex // serializes Start and Close
	state atomic.Int32

	warnLimiter *rate.Limiter
	suppressed  atomic.Int64
	now         func() time.Time
}

// New creates a Tracker over store. The Tracker takes ownership of store and
// closes it on Close.
func New(store Store, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		store:       store,
		cfg:         cfg,
		warnLimiter: rate.NewLimiter(rate.Every(cfg.WarnInterval), 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// Started reports whether the tracker is live.
func (t *Tracker) Started() bool {
	return t.State() == StateStarted
}

// Start pings the store within ConnectTimeout. On failure the tracker logs the
// error and stays in StateNotStarted; Start may be called again later.
// Calling Start on a started or closed tracker does nothing.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateNotStarted {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	if err := t.store.Ping(ctx); err != nil {
		t.cfg.Logger.Error("correlation store unreachable, tracking disabled",
			slog.String("error", err.Error()))
		t.cfg.Metrics.RecordCorrelationFailure(context.WithoutCancel(ctx), "start", errors.Is(err, context.DeadlineExceeded))
		return
	}

	t.state.Store(int32(StateStarted))
	t.cfg.Logger.Info("correlation tracking started")
}

// Close releases the store. It is idempotent and safe on a tracker that was
// never started.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() == StateClosed {
		return
	}
	t.state.Store(int32(StateClosed))

	if err := t.store.Close(); err != nil {
		t.cfg.Logger.Warn("closing correlation store",
			slog.String("error", err.Error()))
	}
}

// AddCorrelation records parents as causes of child. Parents are deduplicated
// and a parent equal to child is dropped. With no parents left this is a no-op.
func (t *Tracker) AddCorrelation(ctx context.Context, child uuid.UUID, parents []uuid.UUID, metadata map[string]any) {
	if !t.Started() {
		t.cfg.Logger.Debug("correlation tracking not started, skipping",
			slog.String("event_id", child.String()))
		return
	}

	parents = normalizeParents(child, parents)
	if len(parents) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()

	rec := Record{
		EventID:    child,
		Parents:    parents,
		RecordedAt: t.now(),
		Metadata:   maps.Clone(metadata),
	}
	if err := t.store.Link(ctx, rec, t.cfg.TTL); err != nil {
		t.degraded(ctx, "add_correlation", child, err)
	}
}

// Parents returns the immediate parents of id in the order they were recorded.
func (t *Tracker) Parents(ctx context.Context, id uuid.UUID) []uuid.UUID {
	if !t.Started() {
		return []uuid.UUID{}
	}
	ids, err := t.neighbors(ctx, id, Ancestors)
	if err != nil {
		t.degraded(ctx, "get_parents", id, err)
		return []uuid.UUID{}
	}
	return ids
}

// Children returns the immediate children of id, sorted.
func (t *Tracker) Children(ctx context.Context, id uuid.UUID) []uuid.UUID {
	if !t.Started() {
		return []uuid.UUID{}
	}
	ids, err := t.neighbors(ctx, id, Descendants)
	if err != nil {
		t.degraded(ctx, "get_children", id, err)
		return []uuid.UUID{}
	}
	return ids
}

// Metadata returns the metadata stored with the forward record of id, or nil.
func (t *Tracker) Metadata(ctx context.Context, id uuid.UUID) map[string]any {
	rec := t.record(ctx, id, "get_metadata")
	if rec == nil {
		return nil
	}
	return rec.Metadata
}

func (t *Tracker) record(ctx context.Context, id uuid.UUID, op string) *Record {
	if !t.Started() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()

	rec, err := t.store.Record(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		t.degraded(ctx, op, id, err)
		return nil
	}
	return rec
}

// neighbors fetches one hop in direction dir. Children are sorted so
// traversals are deterministic.
func (t *Tracker) neighbors(ctx context.Context, id uuid.UUID, dir Direction) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()

	if dir == Ancestors {
		return t.store.Parents(ctx, id)
	}

	ids, err := t.store.Children(ctx, id)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return cmp.Compare(a.String(), b.String())
	})
	return ids, nil
}

// degraded logs and counts an absorbed failure. Warnings are rate limited.
func (t *Tracker) degraded(ctx context.Context, op string, id uuid.UUID, err error) {
	t.cfg.Metrics.RecordCorrelationFailure(context.WithoutCancel(ctx), op, errors.Is(err, context.DeadlineExceeded))

	if !t.warnLimiter.Allow() {
		t.suppressed.Add(1)
		return
	}

	logger := t.cfg.Logger
	if n := t.suppressed.Swap(0); n > 0 {
		logger = logger.With(slog.Int64("suppressed", n))
	}
	observability.LogCorrelationDegraded(logger, op, id.String(), err)
}

func normalizeParents(child uuid.UUID, parents []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(parents))
	for _, p := range parents {
		if p == child || p == uuid.Nil || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
