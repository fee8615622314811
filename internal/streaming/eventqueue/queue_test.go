package eventqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiger/greenbench/api/eventabi"
)

type blockingSubscriber struct {
	block <-chan struct{}
}

func (s blockingSubscriber) Deliver(ctx context.Context, _ eventabi.Event) error {
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toolCall(i int) eventabi.Event {
	return eventabi.NewToolCall("run-1", fmt.Sprintf("tool-%d", i), nil, int64(i))
}

func TestPutIsNonBlockingWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	q := New(Config{Capacity: 1, DeliveryTimeout: 5 * time.Millisecond})
	q.Subscribe(blockingSubscriber{block: block})
	defer func() {
		close(block)
		_ = q.Close()
	}()

	start := time.Now()
	for i := 0; i < 2000; i++ {
		q.Put(toolCall(i))
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected non-blocking put under pressure, took %s", elapsed)
	}
	if stats := q.Stats(); stats.Dropped == 0 {
		t.Fatalf("expected dropped events under queue pressure, got %+v", stats)
	}
}

func TestFIFOPerSubscriber(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 256})
	a, b := NewRecorder(), NewRecorder()
	q.Subscribe(a)
	q.Subscribe(b)

	for i := 0; i < 100; i++ {
		q.Put(toolCall(i))
	}
	if err := q.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	for _, rec := range []*Recorder{a, b} {
		events := rec.Events()
		if len(events) != 100 {
			t.Fatalf("expected 100 events, got %d", len(events))
		}
		for i, e := range events {
			if e.TimestampMS != int64(i) {
				t.Fatalf("expected FIFO order at %d, got %d", i, e.TimestampMS)
			}
		}
	}
}

func TestDisconnectedSubscriberIsRemovedSilently(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 16})
	defer q.Close()

	var calls atomic.Int32
	q.Subscribe(SubscriberFunc(func(context.Context, eventabi.Event) error {
		calls.Add(1)
		return fmt.Errorf("websocket write: %w", ErrDisconnected)
	}))
	healthy := NewRecorder()
	q.Subscribe(healthy)

	q.Put(toolCall(1))
	q.Put(toolCall(2))
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("expected disconnected subscriber called once, got %d", calls.Load())
	}
	stats := q.Stats()
	if stats.Subscribers != 1 || stats.Disconnected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(healthy.Events()) != 2 {
		t.Fatalf("expected healthy subscriber to keep receiving")
	}
}

func TestFailingSubscriberDoesNotStopDispatch(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 16})
	defer q.Close()

	q.Subscribe(SubscriberFunc(func(context.Context, eventabi.Event) error {
		return errors.New("render failed")
	}))
	q.Subscribe(SubscriberFunc(func(context.Context, eventabi.Event) error {
		panic("boom")
	}))
	rec := NewRecorder()
	q.Subscribe(rec)

	q.Put(toolCall(1))
	q.Put(toolCall(2))
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	stats := q.Stats()
	if stats.DeliveryFailures != 4 || stats.Subscribers != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(rec.Events()) != 2 {
		t.Fatalf("expected dispatch to continue past failures")
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	defer q.Close()

	rec := NewRecorder()
	unsubscribe := q.Subscribe(rec)
	q.Put(toolCall(1))
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	unsubscribe()
	unsubscribe()
	q.Put(toolCall(2))
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if got := len(rec.Events()); got != 1 {
		t.Fatalf("expected 1 event before unsubscribe, got %d", got)
	}
}

func TestPutAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	_ = q.Close()
	_ = q.Close()
	q.Put(toolCall(1))
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected event after close to be dropped")
	}
	if err := q.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPutRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 8})
	rec := NewRecorder()
	q.Subscribe(rec)
	defer q.Close()

	q.Put(eventabi.Event{Type: eventabi.EventToolCall})
	missingPayload := toolCall(1)
	missingPayload.ToolCall = nil
	q.Put(missingPayload)
	q.Put(toolCall(2))

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	stats := q.Stats()
	if stats.Invalid != 2 || stats.Enqueued != 1 || stats.Dropped != 0 {
		t.Fatalf("expected 2 invalid and 1 enqueued, got %+v", stats)
	}
	if got := rec.Events(); len(got) != 1 || got[0].ToolCall.ToolName != "tool-2" {
		t.Fatalf("expected only the valid event delivered, got %+v", got)
	}
}

func TestPutRacingCloseNeverLosesEnqueuedEvents(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 8, 200
	q := New(Config{Capacity: producers * perProducer})
	var delivered atomic.Uint64
	q.Subscribe(SubscriberFunc(func(context.Context, eventabi.Event) error {
		delivered.Add(1)
		return nil
	}))

	start := make(chan struct{})
	done := make(chan struct{}, producers)
	for p := 0; p < producers; p++ {
		go func() {
			<-start
			for i := 0; i < perProducer; i++ {
				q.Put(toolCall(i))
			}
			done <- struct{}{}
		}()
	}
	close(start)
	_ = q.Close()
	for p := 0; p < producers; p++ {
		<-done
	}

	stats := q.Stats()
	if stats.Enqueued+stats.Dropped != producers*perProducer {
		t.Fatalf("expected every put counted once, got %+v", stats)
	}
	if got := delivered.Load(); got != stats.Enqueued {
		t.Fatalf("expected %d enqueued events delivered, got %d", stats.Enqueued, got)
	}
}
