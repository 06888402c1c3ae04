package broker

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Delivery is a message as routed by a MemoryExchange.
type Delivery struct {
	RoutingKey string
	Message    Message
}

// MemoryExchange is an in-process topic exchange. Every published message is
// retained for inspection and routed to each bound Queue whose pattern
// matches. Delivery to a full queue blocks until space frees up, ctx is done,
// or the exchange closes.
type MemoryExchange struct {
	mu        sync.RWMutex
	queues    map[int64]*Queue
	published []Delivery
	failWith  error

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

// Compile-time interface check.
var _ Broker = (*MemoryExchange)(nil)

// NewMemoryExchange creates an empty exchange.
func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{
		queues:  make(map[int64]*Queue),
		closeCh: make(chan struct{}),
	}
}

// Queue receives deliveries whose routing key matches its binding pattern.
type Queue struct {
	id         int64
	pattern    string
	deliveries chan Delivery
	ex         *MemoryExchange
}

// Bind creates a queue bound with a topic pattern. buffer <= 0 means 64.
func (e *MemoryExchange) Bind(pattern string, buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	q := &Queue{
		id:         e.nextID.Add(1),
		pattern:    pattern,
		deliveries: make(chan Delivery, buffer),
		ex:         e,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[q.id] = q
	return q
}

// C returns the delivery channel.
func (q *Queue) C() <-chan Delivery {
	return q.deliveries
}

// Pattern returns the binding pattern.
func (q *Queue) Pattern() string {
	return q.pattern
}

// Unbind stops routing to this queue.
func (q *Queue) Unbind() {
	q.ex.mu.Lock()
	defer q.ex.mu.Unlock()
	delete(q.ex.queues, q.id)
}

// FailWith makes every subsequent publish return err. Pass nil to recover.
func (e *MemoryExchange) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWith = err
}

// PublishConfirmed implements Broker.
func (e *MemoryExchange) PublishConfirmed(ctx context.Context, routingKey string, msg Message) error {
	if e.closed.Load() {
		return ErrClosed
	}

	msg = msg.withDefaults()
	msg.Body = slices.Clone(msg.Body)
	msg.Headers = maps.Clone(msg.Headers)
	d := Delivery{RoutingKey: routingKey, Message: msg}

	e.mu.Lock()
	if e.failWith != nil {
		err := e.failWith
		e.mu.Unlock()
		return err
	}
	e.published = append(e.published, d)
	var targets []*Queue
	for _, q := range e.queues {
		if MatchTopic(q.pattern, routingKey) {
			targets = append(targets, q)
		}
	}
	e.mu.Unlock()

	for _, q := range targets {
		select {
		case q.deliveries <- d:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closeCh:
			return ErrClosed
		}
	}
	return nil
}

// Published returns every message accepted so far, in publish order.
func (e *MemoryExchange) Published() []Delivery {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.published)
}

// Close implements Broker.
func (e *MemoryExchange) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.closeCh)
	return nil
}
