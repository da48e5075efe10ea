package streaming

import (
	"context"
	"errors"
	"sync"
)

// ErrTerminated is returned by Send once a terminal event went through.
var ErrTerminated = errors.New("stream already terminated")

// Sink receives the events of one turn, in order. Implementations must reject everything
// after the first terminal event with ErrTerminated.
type Sink interface {
	Send(Event) error
}

// TrySender is a Sink that can drop an event instead of waiting for room.
type TrySender interface {
	TrySend(Event) bool
}

// Channel is the single ordered merge point between the producers of a turn (generation,
// enrichment, pipeline steps) and its one consumer (the SSE or websocket writer).
//
// Send is safe for concurrent use; concurrent senders are serialized so events are
// delivered in the order Send acquired the lock. The events channel is closed right after
// the terminal event, which ends the consumer's range loop.
type Channel struct {
	ctx    context.Context
	events chan Event

	mu         sync.Mutex
	terminated bool
}

// NewChannel creates a channel whose sends give up when ctx is done, so a departed
// consumer never blocks producers.
func NewChannel(ctx context.Context, buffer int) *Channel {
	if buffer < 0 {
		buffer = 0
	}
	return &Channel{
		ctx:    ctx,
		events: make(chan Event, buffer),
	}
}

// Events returns the consumer side.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Send delivers e, blocking while the buffer is full.
func (c *Channel) Send(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return ErrTerminated
	}

	var err error
	select {
	case c.events <- e:
	case <-c.ctx.Done():
		err = c.ctx.Err()
	}

	if e.IsTerminal() {
		c.terminated = true
		close(c.events)
	}

	return err
}

// TrySend delivers a non-terminal e only if that needs no waiting: no other send in
// flight and room in the buffer. It reports whether e was delivered.
func (c *Channel) TrySend(e Event) bool {
	if e.IsTerminal() || !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()

	if c.terminated {
		return false
	}

	select {
	case c.events <- e:
		return true
	default:
		return false
	}
}

// Terminated reports whether a terminal event was sent.
func (c *Channel) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Recorder is an in-memory Sink. It enforces the same terminal rule as Channel.
type Recorder struct {
	mu         sync.Mutex
	events     []Event
	terminated bool
}

func (r *Recorder) Send(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminated {
		return ErrTerminated
	}
	r.events = append(r.events, e)
	if e.IsTerminal() {
		r.terminated = true
	}
	return nil
}

// TrySend records e unless it is terminal; recording never waits.
func (r *Recorder) TrySend(e Event) bool {
	if e.IsTerminal() {
		return false
	}
	return r.Send(e) == nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events, in order.
func (r *Recorder) Kinds() []EventKind {
	events := r.Events()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}
