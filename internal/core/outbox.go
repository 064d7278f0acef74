package core

import (
	"context"
	"sync"
)

// Outbox is a FIFO of events for one client. Push never blocks, so publishers
// are never held up by a slow connection; Next blocks the client's writer.
type Outbox struct {
	mu     sync.Mutex
	queue  []*Event
	max    int
	closed bool
	reason error
	notify chan struct{}
	done   chan struct{}
}

// NewOutbox creates an outbox. limit <= 0 means no bound on pending events.
func NewOutbox(limit int) *Outbox {
	return &Outbox{
		max:    limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an event. It fails with ErrDeliveryFailed when the outbox is closed
// and with ErrSlowConsumer when the bound is exceeded, which also closes the outbox.
func (o *Outbox) Push(ev *Event) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrDeliveryFailed
	}
	if o.max > 0 && len(o.queue) >= o.max {
		o.closeLocked(ErrSlowConsumer)
		o.mu.Unlock()
		return ErrSlowConsumer
	}
	o.queue = append(o.queue, ev)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next returns the oldest pending event, waiting until one is available.
// After Close it returns ErrDeliveryFailed; pending events are discarded.
func (o *Outbox) Next(ctx context.Context) (*Event, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrDeliveryFailed
		}
		if len(o.queue) > 0 {
			ev := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return ev, nil
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-o.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of pending events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops the outbox. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closeLocked(nil)
	o.mu.Unlock()
}

// Done is closed when the outbox is closed.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Err returns why the outbox was closed: ErrSlowConsumer, or nil for a regular close.
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Outbox) closeLocked(reason error) {
	if o.closed {
		return
	}
	o.closed = true
	o.reason = reason
	o.queue = nil
	close(o.done)
}
