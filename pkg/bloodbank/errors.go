package bloodbank

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank/broker"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/correlation"
)

// Sentinel usage errors. They are always wrapped in a *UsageError.
var (
	// ErrInvalidRoutingKey indicates an empty routing key or one containing
	// whitespace or topic wildcards.
	ErrInvalidRoutingKey = errors.New("invalid routing key")

	// ErrTrackingDisabled indicates a correlation feature was requested on a
	// publisher built without correlation tracking.
	ErrTrackingDisabled = errors.New("correlation tracking is disabled")

	// ErrNotStarted indicates Start has not been called.
	ErrNotStarted = errors.New("publisher not started")

	// ErrClosed indicates the publisher has been closed.
	ErrClosed = errors.New("publisher closed")

	// ErrInvalidDirection indicates an unknown chain direction.
	ErrInvalidDirection = correlation.ErrInvalidDirection
)

// ConnectionError reports that the broker could not be reached, either at
// Start or because the connection was lost before a publish.
type ConnectionError struct {
	// Op is the operation that failed ("start" or "publish").
	Op string

	// URL is the broker URL with credentials removed.
	URL string

	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("bloodbank %s: broker %s unavailable: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("bloodbank %s: broker unavailable: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports that the broker did not confirm a message.
type PublishError struct {
	EventID    uuid.UUID
	RoutingKey string
	Err        error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("bloodbank publish %s (%s): %v", e.RoutingKey, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PublishError) Unwrap() error { return e.Err }

// UsageError reports a caller bug detected before any I/O.
type UsageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return fmt.Sprintf("bloodbank %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *UsageError) Unwrap() error { return e.Err }

func usage(op string, err error) error {
	return &UsageError{Op: op, Err: err}
}

// Category represents how a caller should treat an error.
type Category int

const (
	// CategoryTransient indicates retrying later will likely help.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retrying will not help.
	CategoryPermanent

	// CategoryUsage indicates a caller bug.
	CategoryUsage
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Categorize classifies an error returned by a Publisher. The publisher
// never retries internally; callers use this to drive their own policy.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		return CategoryUsage
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		if errors.Is(err, broker.ErrClosed) || errors.Is(err, ErrClosed) {
			return CategoryPermanent
		}
		return CategoryTransient
	}

	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		switch {
		case errors.Is(err, broker.ErrNacked),
			errors.Is(err, broker.ErrConfirmTimeout),
			errors.Is(err, context.DeadlineExceeded):
			return CategoryTransient
		}
		return CategoryPermanent
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// isConnectionLoss reports whether a broker error means the channel is gone.
func isConnectionLoss(err error) bool {
	return errors.Is(err, broker.ErrNotConnected) ||
		errors.Is(err, broker.ErrChannelClosed) ||
		errors.Is(err, broker.ErrClosed)
}
