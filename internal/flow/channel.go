// Package flow implements the asynchronous data conduits connecting pipeline
// stages, plus the reshaping combinators that regroup items between them.
//
// A channel has exactly one producer and comes in two flavors. A Queue is an
// ordered, logically unbounded FIFO consumed once by a single reader. A
// Broadcast holds a fixed finite set of items, resolved once before any
// consumer starts, and replayed to every task instance of every consumer.
package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/strandbio/strand/internal/item"
)

// ErrClosed is returned by Send on a closed queue.
var ErrClosed = errors.New("flow: send on closed channel")

// Queue is the FIFO channel flavor. Sends never block; reads block until an
// item arrives, the queue closes, or the context is cancelled.
type Queue struct {
	mu         sync.Mutex
	items      []item.Item
	closed     bool
	subscribed bool
	// wake is closed and replaced whenever the queue's state changes, waking
	// any blocked reader.
	wake chan struct{}
}

// NewQueue returns an open, empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Send appends an item in FIFO order. It fails with ErrClosed after Close.
func (q *Queue) Send(it item.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, it)
	q.wakeLocked()
	return nil
}

// Close signals that no further items will arrive. Consumers relying on
// whole-stream semantics (group-by-key, join) unblock once the remaining
// items are drained. Closing twice is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of items sent so far.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Subscribe returns the queue's single read handle. Queue items are consumed
// at most once; the graph builder rejects configurations with more than one
// consumer per queue, so a second subscription is a programmer error.
func (q *Queue) Subscribe() *Reader {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subscribed {
		panic("flow: queue already has a subscriber")
	}
	q.subscribed = true
	return &Reader{q: q}
}

func (q *Queue) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Reader drains a queue in FIFO order.
type Reader struct {
	q   *Queue
	pos int
}

// Next returns the next item. The boolean is false once the queue is closed
// and fully drained. The error is non-nil only when the context ends first.
func (r *Reader) Next(ctx context.Context) (item.Item, bool, error) {
	for {
		r.q.mu.Lock()
		if r.pos < len(r.q.items) {
			it := r.q.items[r.pos]
			r.pos++
			r.q.mu.Unlock()
			return it, true, nil
		}
		if r.q.closed {
			r.q.mu.Unlock()
			return item.Item{}, false, nil
		}
		wake := r.q.wake
		r.q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item.Item{}, false, ctx.Err()
		case <-wake:
		}
	}
}

// Drain consumes the remainder of the stream and returns it in order.
func (r *Reader) Drain(ctx context.Context) ([]item.Item, error) {
	var out []item.Item
	for {
		it, ok, err := r.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, it)
	}
}

// Broadcast is the replay-to-all channel flavor. Its value set is resolved
// exactly once; consumers wait for resolution and then see the full set.
type Broadcast struct {
	mu       sync.Mutex
	items    []item.Item
	resolved bool
	done     chan struct{}
}

// NewBroadcast returns an unresolved broadcast channel.
func NewBroadcast() *Broadcast {
	return &Broadcast{done: make(chan struct{})}
}

// Resolve fixes the channel's value set. Resolving twice is an error; a
// broadcast channel has exactly one producer.
func (b *Broadcast) Resolve(items []item.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved {
		return errors.New("flow: broadcast channel already resolved")
	}
	b.items = make([]item.Item, len(items))
	copy(b.items, items)
	b.resolved = true
	close(b.done)
	return nil
}

// Items blocks until the channel is resolved, then returns a copy of the
// full value set.
func (b *Broadcast) Items(ctx context.Context) ([]item.Item, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]item.Item, len(b.items))
	copy(out, b.items)
	return out, nil
}

// Resolved reports whether Resolve has been called.
func (b *Broadcast) Resolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved
}
