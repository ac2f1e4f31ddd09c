package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Broadcaster: bounded, lossy, multi-reader fan-out ring
//
// Publish never blocks. Every Receiver reads independently from its own
// cursor; a reader that falls more than `capacity` messages behind skips
// forward to the oldest retained message and the skipped count is added to
// Receiver.Dropped().
// ---------------------------------------------------------------------------

// ErrClosed is returned by Recv once the broadcaster is closed and drained.
var ErrClosed = errors.New("bus: broadcaster closed")

// Broadcaster fans values of type T out to any number of receivers.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	ring     []T
	head     uint64 // sequence number of the next published value
	closed   bool
	notify   chan struct{}
	capacity uint64

	receivers atomic.Int64
	dropped   atomic.Uint64
}

// NewBroadcaster creates a broadcaster that retains the last capacity values.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		ring:     make([]T, capacity),
		notify:   make(chan struct{}),
		capacity: uint64(capacity),
	}
}

// Publish appends v to the ring, overwriting the oldest value when full.
// Publishing after Close is a no-op.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring[b.head%b.capacity] = v
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// Subscribe returns a receiver positioned at the next published value.
func (b *Broadcaster[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers.Add(1)
	return &Receiver[T]{b: b, next: b.head, done: make(chan struct{})}
}

// Close wakes every waiting receiver. Values already in the ring can still be read.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Receivers returns the number of open receivers.
func (b *Broadcaster[T]) Receivers() int {
	return int(b.receivers.Load())
}

// Published returns the total number of values ever published.
func (b *Broadcaster[T]) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Dropped returns the total number of values skipped across all receivers.
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Capacity returns the ring size.
func (b *Broadcaster[T]) Capacity() int {
	return int(b.capacity)
}

// Receiver is one independent reader of a Broadcaster.
type Receiver[T any] struct {
	b       *Broadcaster[T]
	next    uint64
	dropped atomic.Uint64
	closed  atomic.Bool
	done    chan struct{}
}

// Recv blocks until a value is available, ctx is done, or the broadcaster
// is closed and this receiver has consumed everything retained.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, ok, wait, err := r.poll()
		if ok || err != nil {
			return v, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-r.done:
		case <-wait:
		}
	}
}

// TryRecv returns the next value without blocking.
func (r *Receiver[T]) TryRecv() (T, bool) {
	v, ok, _, _ := r.poll()
	return v, ok
}

func (r *Receiver[T]) poll() (T, bool, <-chan struct{}, error) {
	var zero T
	b := r.b

	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed.Load() {
		return zero, false, nil, ErrClosed
	}

	if r.next < b.head {
		if oldest := b.head - min(b.head, b.capacity); r.next < oldest {
			lost := oldest - r.next
			r.dropped.Add(lost)
			b.dropped.Add(lost)
			r.next = oldest
		}
		v := b.ring[r.next%b.capacity]
		r.next++
		return v, true, nil, nil
	}

	if b.closed {
		return zero, false, nil, ErrClosed
	}
	return zero, false, b.notify, nil
}

// Lag returns how many published values this receiver has not read yet,
// including values that will be reported as dropped.
func (r *Receiver[T]) Lag() uint64 {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.b.head - r.next
}

// Dropped returns how many values this receiver missed because it lagged.
func (r *Receiver[T]) Dropped() uint64 {
	return r.dropped.Load()
}

// Close detaches the receiver and wakes a Recv blocked on it. Subsequent Recv
// calls return ErrClosed.
func (r *Receiver[T]) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.b.receivers.Add(-1)
		close(r.done)
	}
}
