package bloodbank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank/observability"
)

// sideCall runs fn as a best-effort companion to a publish. fn gets at most
// CorrelationTimeout; if it has not returned by then it is abandoned (its
// context is cancelled) and the publish proceeds. Panics in fn are recovered.
// Nothing fn does can fail the caller.
func (p *Publisher) sideCall(ctx context.Context, op string, eventID uuid.UUID, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CorrelationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		fn(ctx)
		done <- nil
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		return
	}

	timedOut := errors.Is(err, context.DeadlineExceeded)
	p.metrics.RecordCorrelationFailure(context.WithoutCancel(ctx), op, timedOut)
	p.spans.AddSpanEvent(ctx, "correlation.skipped",
		attribute.String("operation", op),
		attribute.String("reason", err.Error()),
	)
	observability.LogCorrelationDegraded(p.logger.With(slog.Bool("abandoned", timedOut)), op, eventID.String(), err)
}
