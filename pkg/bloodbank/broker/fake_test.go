package broker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank/broker"
)

// confirmPolicy decides how the fake broker answers a publish.
type confirmPolicy func(tag uint64) (ack, send bool)

func ackAll(uint64) (bool, bool)  { return true, true }
func nackAll(uint64) (bool, bool) { return false, true }
func silent(uint64) (bool, bool)  { return false, false }

type declaration struct {
	name, kind string
	durable    bool
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

// fakeChannel emulates a confirm-mode *amqp.Channel.
type fakeChannel struct {
	mu          sync.Mutex
	events      *eventLog
	policy      confirmPolicy
	publishErr  error
	confirmMode bool
	declared    []declaration
	published   []published
	confirms    chan amqp.Confirmation
	notifyClose []chan *amqp.Error
	nextTag     uint64
	closed      bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmMode = true
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, declaration{name, kind, durable})
	return nil
}

func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = ch
	return ch
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyClose = append(c.notifyClose, ch)
	return ch
}

func (c *fakeChannel) GetNextPublishSeqNo() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextTag
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		m := c.maxInFlight.Load()
		if n <= m || c.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange, key, msg})
	tag := c.nextTag
	c.nextTag++
	if ack, send := c.policy(tag); send {
		c.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	c.events.add("channel.close")
	for _, n := range c.notifyClose {
		close(n)
	}
	c.notifyClose = nil
	return nil
}

func (c *fakeChannel) Published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

// fakeConn emulates *amqp.Connection.
type fakeConn struct {
	mu          sync.Mutex
	events      *eventLog
	ch          *fakeChannel
	notifyClose []chan *amqp.Error
	closed      bool
}

func (c *fakeConn) Channel() (broker.Channel, error) {
	return c.ch, nil
}

func (c *fakeConn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyClose = append(c.notifyClose, ch)
	return ch
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	c.events.add("connection.close")
	for _, n := range c.notifyClose {
		close(n)
	}
	c.notifyClose = nil
	return nil
}

// drop simulates the broker forcibly closing the connection.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.notifyClose {
		n <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
		close(n)
	}
	c.notifyClose = nil
	c.closed = true

	c.ch.mu.Lock()
	c.ch.closed = true
	c.ch.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

var errDialRefused = errors.New("dial tcp: connection refused")

// fakeBroker hands out fake connections and counts dials.
type fakeBroker struct {
	mu       sync.Mutex
	policy   confirmPolicy
	failNext int
	failAll  bool
	dials    int
	conns    []*fakeConn
	events   eventLog
}

func newFakeBroker(policy confirmPolicy) *fakeBroker {
	return &fakeBroker{policy: policy}
}

func (b *fakeBroker) Dial(string, time.Duration) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failAll || b.failNext > 0 {
		if b.failNext > 0 {
			b.failNext--
		}
		return nil, errDialRefused
	}
	conn := &fakeConn{
		events: &b.events,
		ch:     &fakeChannel{events: &b.events, policy: b.policy, nextTag: 1},
	}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) Latest() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) SetFailAll(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAll = v
}
