package bloodbank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank/broker"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/correlation"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/envelope"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/identity"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/observability"
)

// Publisher is the single entry point for publishing events.
// It is safe for concurrent use once started.
type Publisher struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	source  envelope.Source
	ids     identity.Generator

	mu      sync.RWMutex
	broker  broker.Broker
	store   correlation.Store
	tracker *correlation.Tracker
	started bool
	closed  bool
}

// New creates a Publisher. No I/O happens until Start.
func New(cfg Config, opts ...Option) *Publisher {
	if cfg.CorrelationTimeout <= 0 {
		cfg.CorrelationTimeout = DefaultCorrelationTimeout
	}

	p := &Publisher{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		ids:     identity.NewGenerator(cfg.Namespace),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.source.Host == "" {
		p.source = envelope.DefaultSource(cfg.App)
	}
	return p
}

// Start connects to the broker and, when tracking is enabled, starts the
// correlation tracker. Broker failures are returned as *ConnectionError;
// tracker failures are logged and leave tracking degraded. Start is
// idempotent.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return usage("start", ErrClosed)
	}
	if p.started {
		return nil
	}

	if p.broker == nil {
		bcfg := p.cfg.Broker
		if bcfg.Logger == nil {
			bcfg.Logger = p.logger
		}
		m, err := broker.Connect(ctx, bcfg)
		if err != nil {
			return &ConnectionError{
				Op:  "start",
				URL: observability.RedactURL(bcfg.URL),
				Err: err,
			}
		}
		p.broker = m
	}

	if p.cfg.EnableCorrelationTracking {
		if p.store == nil {
			p.store = correlation.DialRedis(p.cfg.Redis)
		}
		tcfg := p.cfg.Correlation
		if tcfg.Logger == nil {
			tcfg.Logger = p.logger
		}
		if tcfg.Metrics == nil {
			tcfg.Metrics = p.metrics
		}
		p.tracker = correlation.New(p.store, tcfg)
		p.tracker.Start(ctx)
	}

	p.started = true
	return nil
}

// Publish wraps payload in an envelope with event type routingKey and
// publishes it, waiting for the broker confirmation. It returns the event id
// so callers can chain correlated publishes.
//
// With tracking enabled and parents given, the parent links are recorded
// before publishing, bounded by CorrelationTimeout; that step never fails the
// publish.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any, opts ...PublishOption) (uuid.UUID, error) {
	if err := validateRoutingKey(routingKey); err != nil {
		return uuid.Nil, usage("publish", err)
	}

	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}

	id := po.eventID
	if id == uuid.Nil {
		id = identity.Random()
	}
	src := p.source
	if po.source != nil {
		src = *po.source
	}

	env, err := envelope.New(routingKey, src, payload,
		envelope.WithEventID(id),
		envelope.WithCorrelationIDs(po.parents...),
		envelope.WithAgentContext(po.agentContext),
	)
	if err != nil {
		return uuid.Nil, usage("publish", err)
	}
	return p.publish(ctx, env, po)
}

// PublishEnvelope publishes a prebuilt envelope under its own event type.
// Its CorrelationIDs are the parents recorded by the tracker. Only
// WithCorrelationMetadata is honoured among opts.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *envelope.Envelope, opts ...PublishOption) (uuid.UUID, error) {
	if env == nil {
		return uuid.Nil, usage("publish", errors.New("nil envelope"))
	}
	if err := validateRoutingKey(env.EventType); err != nil {
		return uuid.Nil, usage("publish", err)
	}

	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}
	return p.publish(ctx, env, po)
}

func (p *Publisher) publish(ctx context.Context, env *envelope.Envelope, po publishOptions) (uuid.UUID, error) {
	if err := env.Validate(); err != nil {
		return uuid.Nil, usage("publish", err)
	}

	b, tracker, err := p.live()
	if err != nil {
		return uuid.Nil, err
	}

	routingKey := env.EventType
	id := env.EventID

	ctx, span := p.spans.StartPublishSpan(ctx, routingKey, id.String())
	start := time.Now()

	if tracker != nil && len(env.CorrelationIDs) > 0 {
		metadata := map[string]any{
			"routing_key": routingKey,
			"timestamp":   env.Timestamp.Format(time.RFC3339Nano),
		}
		maps.Copy(metadata, po.metadata)
		parents := env.CorrelationIDs

		p.sideCall(ctx, "add_correlation", id, func(ctx context.Context) {
			tracker.AddCorrelation(ctx, id, parents, metadata)
		})
	}

	err = p.send(ctx, b, env)

	elapsed := time.Since(start)
	p.metrics.RecordPublish(ctx, routingKey, elapsed, err)
	p.spans.EndSpanWithError(span, err)

	if err != nil {
		observability.LogPublishError(p.logger, id.String(), routingKey, err)
		return id, err
	}
	observability.LogPublished(p.logger, id.String(), routingKey, float64(elapsed.Microseconds())/1000)
	return id, nil
}

func (p *Publisher) send(ctx context.Context, b broker.Broker, env *envelope.Envelope) error {
	body, err := envelope.Marshal(env)
	if err != nil {
		return &PublishError{EventID: env.EventID, RoutingKey: env.EventType, Err: err}
	}

	err = b.PublishConfirmed(ctx, env.EventType, broker.Message{
		MessageID:       env.EventID.String(),
		Body:            body,
		ContentType:     envelope.ContentType,
		ContentEncoding: broker.DefaultContentEncoding,
		Timestamp:       env.Timestamp,
	})
	switch {
	case err == nil:
		return nil
	case isConnectionLoss(err):
		return &ConnectionError{Op: "publish", URL: observability.RedactURL(p.cfg.Broker.URL), Err: err}
	default:
		return &PublishError{EventID: env.EventID, RoutingKey: env.EventType, Err: err}
	}
}

// live returns the broker and tracker of a started, open publisher.
func (p *Publisher) live() (broker.Broker, *correlation.Tracker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.closed:
		return nil, nil, usage("publish", ErrClosed)
	case !p.started:
		return nil, nil, usage("publish", ErrNotStarted)
	}
	return p.broker, p.tracker, nil
}

// trackerFor returns the tracker for a tracking-only operation.
func (p *Publisher) trackerFor(op string) (*correlation.Tracker, error) {
	if !p.cfg.EnableCorrelationTracking {
		return nil, usage(op, ErrTrackingDisabled)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.closed:
		return nil, usage(op, ErrClosed)
	case !p.started:
		return nil, usage(op, ErrNotStarted)
	}
	return p.tracker, nil
}

// GenerateEventID derives a deterministic event id from eventType and
// uniqueKey in the publisher's namespace. It requires correlation tracking.
func (p *Publisher) GenerateEventID(eventType, uniqueKey string) (uuid.UUID, error) {
	if !p.cfg.EnableCorrelationTracking {
		return uuid.Nil, usage("generate_event_id", ErrTrackingDisabled)
	}
	id, err := p.ids.Generate(eventType, uniqueKey)
	if err != nil {
		return uuid.Nil, usage("generate_event_id", err)
	}
	return id, nil
}

// GenerateEventIDFromFields is GenerateEventID with the unique key built from
// fields by identity.UniqueKey.
func (p *Publisher) GenerateEventIDFromFields(eventType string, fields map[string]string) (uuid.UUID, error) {
	return p.GenerateEventID(eventType, identity.UniqueKey(fields))
}

// CorrelationChain returns id and all of its ancestors or descendants.
// The result is empty when the correlation store is unavailable.
func (p *Publisher) CorrelationChain(ctx context.Context, id uuid.UUID, dir correlation.Direction) ([]uuid.UUID, error) {
	if dir != correlation.Ancestors && dir != correlation.Descendants {
		return nil, usage("correlation_chain", ErrInvalidDirection)
	}
	t, err := p.trackerFor("correlation_chain")
	if err != nil {
		return nil, err
	}
	return t.Chain(ctx, id, dir, 0), nil
}

// CorrelationParents returns the immediate parents recorded for id.
func (p *Publisher) CorrelationParents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	t, err := p.trackerFor("correlation_parents")
	if err != nil {
		return nil, err
	}
	return t.Parents(ctx, id), nil
}

// DebugCorrelation returns a diagnostic dump for id, or nil if nothing is
// recorded.
func (p *Publisher) DebugCorrelation(ctx context.Context, id uuid.UUID) (*correlation.Dump, error) {
	t, err := p.trackerFor("debug_correlation")
	if err != nil {
		return nil, err
	}
	return t.DebugDump(ctx, id), nil
}

// Tracker returns the correlation tracker, or nil before Start or when
// tracking is disabled.
func (p *Publisher) Tracker() *correlation.Tracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracker
}

// TrackingEnabled reports whether the publisher was built with correlation
// tracking.
func (p *Publisher) TrackingEnabled() bool {
	return p.cfg.EnableCorrelationTracking
}

// Close stops the tracker, then closes the broker. Safe to call multiple
// times, and on a publisher that was never started.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	switch {
	case p.tracker != nil:
		p.tracker.Close()
	case p.store != nil:
		if err := p.store.Close(); err != nil {
			p.logger.Warn("closing correlation store", slog.String("error", err.Error()))
		}
	}

	if p.broker != nil {
		if err := p.broker.Close(); err != nil {
			return &ConnectionError{Op: "close", URL: observability.RedactURL(p.cfg.Broker.URL), Err: err}
		}
	}
	return nil
}

func validateRoutingKey(key string) error {
	if key == "" {
		return ErrInvalidRoutingKey
	}
	if strings.ContainsAny(key, "*# \t\r\n") {
		return fmt.Errorf("%w: %q contains a wildcard or whitespace", ErrInvalidRoutingKey, key)
	}
	return nil
}
