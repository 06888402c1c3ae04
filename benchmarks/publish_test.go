package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/broker"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/correlation"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/envelope"
)

// Payload is a typical small event body.
type Payload struct {
	MeetingID string            `json:"meeting_id"`
	Title     string            `json:"title"`
	Tags      []string          `json:"tags"`
	Extra     map[string]string `json:"extra"`
}

func samplePayload() Payload {
	return Payload{
		MeetingID: "abc123",
		Title:     "Weekly sync",
		Tags:      []string{"team", "weekly", "sync"},
		Extra:     map[string]string{"room": "4B", "host": "alex"},
	}
}

func newPublisher(b *testing.B, tracking bool) *bloodbank.Publisher {
	b.Helper()
	pub := bloodbank.New(bloodbank.Config{EnableCorrelationTracking: tracking},
		bloodbank.WithBroker(broker.NewMemoryExchange()),
		bloodbank.WithCorrelationStore(correlation.NewMemoryStore()),
		bloodbank.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := pub.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = pub.Close() })
	return pub
}

// BenchmarkEnvelope_Marshal measures envelope construction and encoding.
func BenchmarkEnvelope_Marshal(b *testing.B) {
	src := envelope.Source{Host: "bench", Type: envelope.TriggerManual}
	parent := uuid.New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		env, _ := envelope.New("bench.event", src, samplePayload(), envelope.WithCorrelationIDs(parent))
		_, _ = envelope.Marshal(env)
	}
}

// BenchmarkPublish_Untracked measures the publish path without tracking.
func BenchmarkPublish_Untracked(b *testing.B) {
	pub := newPublisher(b, false)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pub.Publish(ctx, "bench.event", samplePayload())
	}
}

// BenchmarkPublish_Tracked includes the correlation side-call.
func BenchmarkPublish_Tracked(b *testing.B) {
	pub := newPublisher(b, true)
	ctx := context.Background()
	parent, _ := pub.Publish(ctx, "bench.root", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pub.Publish(ctx, "bench.event", samplePayload(), bloodbank.WithParents(parent))
	}
}

// BenchmarkChain measures an ancestor walk over a 50-deep chain.
func BenchmarkChain(b *testing.B) {
	pub := newPublisher(b, true)
	ctx := context.Background()

	last, _ := pub.Publish(ctx, "bench.root", nil)
	for range 49 {
		last, _ = pub.Publish(ctx, "bench.event", nil, bloodbank.WithParents(last))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pub.CorrelationChain(ctx, last, correlation.Ancestors)
	}
}
