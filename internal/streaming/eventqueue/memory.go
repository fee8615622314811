package eventqueue

import (
	"context"
	"sync"

	"github.com/tiger/greenbench/api/eventabi"
)

// Recorder is a Publisher that keeps every event in memory. It also satisfies
// Subscriber, so tests can attach it to a Queue to observe dispatch order.
type Recorder struct {
	mu     sync.Mutex
	events []eventabi.Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Put records e.
func (r *Recorder) Put(e eventabi.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Deliver records e so a Recorder can also act as a Subscriber.
func (r *Recorder) Deliver(_ context.Context, e eventabi.Event) error {
	r.Put(e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []eventabi.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventabi.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []eventabi.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventabi.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
