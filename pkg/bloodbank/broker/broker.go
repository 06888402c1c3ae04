// Package broker delivers envelopes to a durable topic exchange with
// publisher confirms.
//
// Manager is the RabbitMQ implementation: it owns one connection and one
// confirm-mode channel, reconnects in the background when either drops, and
// serializes publishes so each call waits for its own confirmation.
// MemoryExchange is an in-process stand-in with the same routing semantics.
package broker

import (
	"context"
	"errors"
	"time"
)

// Broker publishes messages and waits for the broker to take responsibility
// for them.
type Broker interface {
	// PublishConfirmed publishes msg with routingKey and returns once the
	// broker has confirmed it. A nil error means the message is durable.
	PublishConfirmed(ctx context.Context, routingKey string, msg Message) error

	// Close releases the connection. Safe to call multiple times.
	Close() error
}

// Message is one outgoing broker message.
type Message struct {
	// MessageID is the broker message identifier (the event id).
	MessageID string

	// Body is the serialized envelope.
	Body []byte

	// ContentType defaults to DefaultContentType.
	ContentType string

	// ContentEncoding defaults to DefaultContentEncoding.
	ContentEncoding string

	// Timestamp is the message creation time.
	Timestamp time.Time

	// Headers are optional application headers.
	Headers map[string]any
}

// Defaults for message properties and topology.
const (
	DefaultExchange        = "bloodbank.events.v1"
	DefaultContentType     = "application/json"
	DefaultContentEncoding = "utf-8"
)

func (m Message) withDefaults() Message {
	if m.ContentType == "" {
		m.ContentType = DefaultContentType
	}
	if m.ContentEncoding == "" {
		m.ContentEncoding = DefaultContentEncoding
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m
}

// Sentinel errors for publish operations.
var (
	// ErrNacked indicates the broker negatively acknowledged a message.
	ErrNacked = errors.New("broker nacked message")

	// ErrConfirmTimeout indicates no confirmation arrived in time.
	ErrConfirmTimeout = errors.New("timed out waiting for broker confirmation")

	// ErrNotConnected indicates there is currently no usable channel.
	ErrNotConnected = errors.New("broker not connected")

	// ErrChannelClosed indicates the channel closed while publishing.
	ErrChannelClosed = errors.New("broker channel closed")

	// ErrClosed indicates the broker has been closed by its owner.
	ErrClosed = errors.New("broker closed")
)
