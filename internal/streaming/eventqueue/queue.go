// Package eventqueue bridges synchronous tool execution to asynchronous
// stream subscribers.
//
// Producers call Put, which never blocks: when the bounded buffer is full the
// new event is dropped and counted. Events that fail eventabi validation are
// rejected at Put and never reach a subscriber. One dispatch goroutine drains the buffer
// and delivers each event to every subscriber in subscription order, so each
// subscriber sees events in Put order.
package eventqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiger/greenbench/api/eventabi"
	"github.com/tiger/greenbench/internal/observability/logging"
)

// ErrDisconnected marks a subscriber that has gone away. Returning an error
// wrapping it unsubscribes the subscriber without logging.
var ErrDisconnected = errors.New("subscriber disconnected")

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("event queue closed")

// Publisher accepts events without blocking.
type Publisher interface {
	Put(eventabi.Event)
}

// Subscriber receives dispatched events.
type Subscriber interface {
	Deliver(context.Context, eventabi.Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(context.Context, eventabi.Event) error

// Deliver calls f.
func (f SubscriberFunc) Deliver(ctx context.Context, e eventabi.Event) error { return f(ctx, e) }

// Config controls buffer size and per-delivery deadlines.
type Config struct {
	Capacity        int
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Capacity < 1 {
		c.Capacity = 1024
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 2 * time.Second
	}
	c.Logger = logging.OrDiscard(c.Logger)
	return c
}

// Stats captures queue counters.
type Stats struct {
	Enqueued         uint64
	Dropped          uint64
	Invalid          uint64
	Delivered        uint64
	DeliveryFailures uint64
	Disconnected     uint64
	QueueDepth       int
	Subscribers      int
}

type item struct {
	event   eventabi.Event
	barrier chan struct{}
}

type subscription struct {
	id  uint64
	sub Subscriber
}

// Queue is a bounded, non-blocking fan-out queue.
type Queue struct {
	cfg Config

	queue chan item
	stop  chan struct{}

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	// putMu orders Put against Close: a Put that saw the queue open has
	// finished its send before Close stops dispatch.
	putMu  sync.RWMutex
	closed atomic.Bool

	closeOnce sync.Once
	wg        sync.WaitGroup

	enqueued         atomic.Uint64
	dropped          atomic.Uint64
	invalid          atomic.Uint64
	delivered        atomic.Uint64
	deliveryFailures atomic.Uint64
	disconnected     atomic.Uint64
}

// New constructs and starts a queue.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:   cfg,
		queue: make(chan item, cfg.Capacity),
		stop:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Put enqueues e without blocking. Events are dropped when the buffer is full
// or the queue is closed, and rejected when they fail validation.
func (q *Queue) Put(e eventabi.Event) {
	if err := e.Validate(); err != nil {
		q.invalid.Add(1)
		q.cfg.Logger.Warn("invalid event rejected", "type", e.Type, "run_id", e.RunID, "error", err)
		return
	}
	q.putMu.RLock()
	defer q.putMu.RUnlock()
	if q.closed.Load() {
		q.dropped.Add(1)
		return
	}
	select {
	case q.queue <- item{event: e}:
		q.enqueued.Add(1)
	default:
		q.dropped.Add(1)
	}
}

// Subscribe registers s and returns a function that removes it.
func (q *Queue) Subscribe(s Subscriber) (unsubscribe func()) {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.subs = append(q.subs, subscription{id: id, sub: s})
	q.mu.Unlock()
	return func() { q.remove(id) }
}

func (q *Queue) remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subs {
		if s.id == id {
			q.subs = append(q.subs[:i:i], q.subs[i+1:]...)
			return
		}
	}
}

// Flush blocks until every event enqueued before the call has been delivered.
func (q *Queue) Flush(ctx context.Context) error {
	if q.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case q.queue <- item{barrier: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending events and stops dispatch.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.putMu.Lock()
		q.closed.Store(true)
		q.putMu.Unlock()
		close(q.stop)
		q.wg.Wait()
	})
	return nil
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	n := len(q.subs)
	q.mu.RUnlock()
	return Stats{
		Enqueued:         q.enqueued.Load(),
		Dropped:          q.dropped.Load(),
		Invalid:          q.invalid.Load(),
		Delivered:        q.delivered.Load(),
		DeliveryFailures: q.deliveryFailures.Load(),
		Disconnected:     q.disconnected.Load(),
		QueueDepth:       len(q.queue),
		Subscribers:      n,
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			for {
				select {
				case it := <-q.queue:
					q.dispatch(it)
				default:
					return
				}
			}
		case it := <-q.queue:
			q.dispatch(it)
		}
	}
}

func (q *Queue) dispatch(it item) {
	if it.barrier != nil {
		close(it.barrier)
		return
	}
	q.mu.RLock()
	subs := append([]subscription(nil), q.subs...)
	q.mu.RUnlock()

	for _, s := range subs {
		err := q.deliver(s.sub, it.event)
		switch {
		case err == nil:
			q.delivered.Add(1)
		case errors.Is(err, ErrDisconnected):
			q.disconnected.Add(1)
			q.remove(s.id)
		default:
			q.deliveryFailures.Add(1)
			q.cfg.Logger.Warn("event delivery failed", "type", it.event.Type, "run_id", it.event.RunID, "error", err)
		}
	}
}

func (q *Queue) deliver(s Subscriber, e eventabi.Event) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.Deliver(ctx, e)
}
