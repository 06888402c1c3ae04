package bloodbank

import (
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank/broker"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/config"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/correlation"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/envelope"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/observability"
)

// DefaultCorrelationTimeout bounds the correlation side-call of one publish.
const DefaultCorrelationTimeout = time.Second

// Config configures a Publisher.
type Config struct {
	// Broker configures the RabbitMQ connection. Ignored when WithBroker is used.
	Broker broker.Config

	// EnableCorrelationTracking turns on the correlation tracker, deterministic
	// ids, and chain queries. Off by default.
	EnableCorrelationTracking bool

	// Redis configures the correlation store. Ignored when tracking is off or
	// WithCorrelationStore is used.
	Redis correlation.RedisConfig

	// Correlation tunes the tracker (TTL, per-operation timeouts, depth).
	Correlation correlation.Config

	// CorrelationTimeout bounds the correlation side-call of each publish.
	CorrelationTimeout time.Duration

	// Namespace scopes deterministic ids. Empty means identity.DefaultNamespace.
	Namespace string

	// App names the producing service in the default envelope source.
	App string
}

// ConfigFromSettings maps resolved settings onto a publisher Config.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		Broker: broker.Config{
			URL:            s.RabbitURL,
			Exchange:       s.ExchangeName,
			ConnectTimeout: s.ConnectTimeout,
			ConfirmTimeout: s.PublishTimeout,
		},
		EnableCorrelationTracking: s.EnableCorrelationTracking,
		Redis: correlation.RedisConfig{
			Addr:        s.RedisAddr(),
			Password:    s.RedisPassword,
			DB:          s.RedisDB,
			DialTimeout: correlation.DefaultConnectTimeout,
		},
		Correlation:        correlation.Config{TTL: s.CorrelationTTL},
		CorrelationTimeout: s.CorrelationTimeout,
		Namespace:          s.Namespace,
		App:                s.ServiceName,
	}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBroker publishes through b instead of dialing RabbitMQ.
// The publisher takes ownership and closes b on Close.
func WithBroker(b broker.Broker) Option {
	return func(p *Publisher) {
		p.broker = b
	}
}

// WithCorrelationStore backs the tracker with s instead of Redis.
// The tracker takes ownership and closes s on Close.
func WithCorrelationStore(s correlation.Store) Option {
	return func(p *Publisher) {
		p.store = s
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSpanManager sets the tracing span manager. Default: no-op.
func WithSpanManager(s observability.SpanManager) Option {
	return func(p *Publisher) {
		if s != nil {
			p.spans = s
		}
	}
}

// WithDefaultSource sets the source stamped on envelopes built by Publish.
func WithDefaultSource(src envelope.Source) Option {
	return func(p *Publisher) {
		p.source = src
	}
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	eventID      uuid.UUID
	parents      []uuid.UUID
	source       *envelope.Source
	agentContext *envelope.AgentContext
	metadata     map[string]any
}

// WithEventID publishes under a caller-chosen id, typically from GenerateEventID.
func WithEventID(id uuid.UUID) PublishOption {
	return func(o *publishOptions) {
		o.eventID = id
	}
}

// WithParents records the events that caused this one. They become the
// envelope's correlation ids.
func WithParents(ids ...uuid.UUID) PublishOption {
	return func(o *publishOptions) {
		o.parents = append(o.parents, ids...)
	}
}

// WithSource overrides the publisher's default source for one event.
func WithSource(src envelope.Source) PublishOption {
	return func(o *publishOptions) {
		o.source = &src
	}
}

// WithAgentContext attaches agent metadata to the envelope.
func WithAgentContext(ac *envelope.AgentContext) PublishOption {
	return func(o *publishOptions) {
		o.agentContext = ac
	}
}

// WithCorrelationMetadata adds entries to the metadata stored with the
// correlation record. routing_key and timestamp are always set.
func WithCorrelationMetadata(md map[string]any) PublishOption {
	return func(o *publishOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(md))
		}
		maps.Copy(o.metadata, md)
	}
}
