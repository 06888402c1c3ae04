package correlation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	// Ancestors follows child-to-parent edges.
	Ancestors Direction = "ancestors"
	// Descendants follows parent-to-child edges.
	Descendants Direction = "descendants"
)

// ErrInvalidDirection is returned by ParseDirection for unknown values.
var ErrInvalidDirection = errors.New("invalid direction")

// ParseDirection parses a direction name. The empty string means Ancestors.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case "", Ancestors:
		return Ancestors, nil
	case Descendants:
		return Descendants, nil
	default:
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidDirection, s, Ancestors, Descendants)
	}
}

// Chain walks the graph from id in breadth-first level order and returns every
// id reached, id first, without duplicates. Expansion stops after maxDepth
// hops, which also bounds accidental cycles; maxDepth <= 0 uses the configured
// default. A store failure anywhere in the walk yields an empty result.
func (t *Tracker) Chain(ctx context.Context, id uuid.UUID, dir Direction, maxDepth int) []uuid.UUID {
	if !t.Started() {
		return []uuid.UUID{}
	}
	if maxDepth <= 0 {
		maxDepth = t.cfg.MaxDepth
	}

	chain := []uuid.UUID{id}
	seen := map[uuid.UUID]struct{}{id: {}}
	frontier := []uuid.UUID{id}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		for _, n := range frontier {
			ids, err := t.neighbors(ctx, n, dir)
			if err != nil {
				t.degraded(ctx, "get_chain", id, err)
				return []uuid.UUID{}
			}
			for _, nb := range ids {
				if _, ok := seen[nb]; ok {
					continue
				}
				seen[nb] = struct{}{}
				chain = append(chain, nb)
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return chain
}

// Dump is a diagnostic snapshot of one event's neighbourhood.
// Ancestors and Descendants exclude the event itself.
type Dump struct {
	EventID     uuid.UUID      `json:"event_id"`
	Parents     []uuid.UUID    `json:"parents"`
	Children    []uuid.UUID    `json:"children"`
	Ancestors   []uuid.UUID    `json:"ancestors"`
	Descendants []uuid.UUID    `json:"descendants"`
	Metadata    map[string]any `json:"metadata"`
	RecordedAt  *time.Time     `json:"recorded_at,omitempty"`
}

// DebugDump returns everything known about id, or nil when nothing is
// recorded for it or the tracker is not started.
func (t *Tracker) DebugDump(ctx context.Context, id uuid.UUID) *Dump {
	if !t.Started() {
		return nil
	}

	rec := t.record(ctx, id, "debug_dump")
	children := t.Children(ctx, id)
	if rec == nil && len(children) == 0 {
		return nil
	}

	d := &Dump{
		EventID:     id,
		Parents:     []uuid.UUID{},
		Children:    children,
		Ancestors:   withoutFirst(t.Chain(ctx, id, Ancestors, 0)),
		Descendants: withoutFirst(t.Chain(ctx, id, Descendants, 0)),
	}
	if rec != nil {
		d.Parents = rec.Parents
		d.Metadata = rec.Metadata
		recordedAt := rec.RecordedAt
		d.RecordedAt = &recordedAt
	}
	return d
}

func withoutFirst(ids []uuid.UUID) []uuid.UUID {
	if len(ids) <= 1 {
		return []uuid.UUID{}
	}
	return slices.Clone(ids[1:])
}

// LinkEvents records parent as the single cause of child. A non-empty reason
// is stored as metadata.
func LinkEvents(ctx context.Context, t *Tracker, parent, child uuid.UUID, reason string) {
	var metadata map[string]any
	if reason != "" {
		metadata = map[string]any{"reason": reason}
	}
	t.AddCorrelation(ctx, child, []uuid.UUID{parent}, metadata)
}
