// Package ring provides the bounded dispatch ring that decouples connection
// I/O from message processing. It is a fixed-capacity circular buffer of
// sequenced slots: producers claim sequences with a compare-and-swap, mark
// slots published with a release store, and readers follow independent
// cursors so one ring can fan out to several consumers. The slowest cursor
// gates producer progress, which is what bounds memory and produces
// backpressure instead of unbounded queuing.
package ring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Ring errors.
var (
	ErrFull   = errors.New("ring: full")
	ErrClosed = errors.New("ring: closed")
)

type slot[T any] struct {
	// published holds sequence+1 once the slot's value for that sequence
	// is visible. Zero means never written.
	published atomic.Uint64
	val       T
}

// Ring is a bounded multi-producer dispatch ring. Readers are added with
// Subscribe before any publish; each reader observes every published value
// in sequence order.
type Ring[T any] struct {
	slots []slot[T]
	mask  uint64

	next   atomic.Uint64 // next unclaimed sequence
	closed atomic.Bool

	mu      sync.Mutex
	wake    chan struct{} // closed and replaced on every state change
	done    chan struct{}
	readers []*Reader[T]
}

// Reader is a single-consumer cursor over a ring. Next must not be called
// concurrently on the same reader.
type Reader[T any] struct {
	ring     *Ring[T]
	consumed atomic.Uint64 // next sequence this reader will take
}

// New returns a ring with at least the requested capacity, rounded up to a
// power of two (minimum 2).
func New[T any](capacity int) *Ring[T] {
	size := 2
	for size < capacity {
		size <<= 1
	}
	return &Ring[T]{
		slots: make([]slot[T], size),
		mask:  uint64(size - 1),
		wake:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Cap returns the fixed slot capacity.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Len returns the number of claimed sequences not yet consumed by the
// slowest reader. With no readers it is the number of claimed sequences.
func (r *Ring[T]) Len() int {
	return int(r.next.Load() - r.minConsumed())
}

// Subscribe adds a reader cursor positioned at the current head. All
// subscriptions must happen before the first publish, otherwise the new
// reader would gate producers from a stale position.
func (r *Ring[T]) Subscribe() *Reader[T] {
	rd := &Reader[T]{ring: r}
	rd.consumed.Store(r.next.Load())
	r.mu.Lock()
	r.readers = append(r.readers, rd)
	r.mu.Unlock()
	return rd
}

func (r *Ring[T]) minConsumed() uint64 {
	r.mu.Lock()
	readers := r.readers
	r.mu.Unlock()
	if len(readers) == 0 {
		return r.next.Load()
	}
	min := readers[0].consumed.Load()
	for _, rd := range readers[1:] {
		if c := rd.consumed.Load(); c < min {
			min = c
		}
	}
	return min
}

// signal wakes everyone blocked on the ring's state.
func (r *Ring[T]) signal() {
	r.mu.Lock()
	close(r.wake)
	r.wake = make(chan struct{})
	r.mu.Unlock()
}

func (r *Ring[T]) wakeCh() <-chan struct{} {
	r.mu.Lock()
	ch := r.wake
	r.mu.Unlock()
	return ch
}

// claim attempts to reserve the next sequence without exceeding capacity.
func (r *Ring[T]) claim() (uint64, bool) {
	for {
		seq := r.next.Load()
		if seq-r.minConsumed() >= uint64(len(r.slots)) {
			return 0, false
		}
		if r.next.CompareAndSwap(seq, seq+1) {
			return seq, true
		}
	}
}

func (r *Ring[T]) publishAt(seq uint64, v T) {
	s := &r.slots[seq&r.mask]
	s.val = v
	s.published.Store(seq + 1)
	r.signal()
}

// TryPublish places v in the next slot, or reports ErrFull when the ring is
// at capacity, without blocking.
func (r *Ring[T]) TryPublish(v T) error {
	if r.closed.Load() {
		return ErrClosed
	}
	seq, ok := r.claim()
	if !ok {
		return ErrFull
	}
	r.publishAt(seq, v)
	return nil
}

// Publish places v in the next slot, blocking while the ring is at capacity.
// It returns ErrClosed if the ring closes while waiting and the context
// error if ctx is cancelled; in both cases nothing was published.
func (r *Ring[T]) Publish(ctx context.Context, v T) error {
	for {
		if r.closed.Load() {
			return ErrClosed
		}
		wake := r.wakeCh()
		seq, ok := r.claim()
		if ok {
			r.publishAt(seq, v)
			return nil
		}
		select {
		case <-wake:
		case <-r.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close marks the ring closed and wakes every blocked producer and reader.
// Values already published remain readable; readers get ErrClosed after
// draining them. Close is idempotent.
func (r *Ring[T]) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
		r.signal()
	}
}

// Closed reports whether the ring has been closed.
func (r *Ring[T]) Closed() bool { return r.closed.Load() }

// Lag returns how many published sequences this reader has not yet consumed.
func (rd *Reader[T]) Lag() int {
	return int(rd.ring.next.Load() - rd.consumed.Load())
}

// TryNext returns the next value without blocking. ok is false when the
// reader is caught up; err is ErrClosed once the ring is closed and drained.
func (rd *Reader[T]) TryNext() (v T, ok bool, err error) {
	r := rd.ring
	seq := rd.consumed.Load()
	s := &r.slots[seq&r.mask]
	if s.published.Load() != seq+1 {
		if r.closed.Load() && seq >= r.next.Load() {
			return v, false, ErrClosed
		}
		return v, false, nil
	}
	v = s.val
	rd.consumed.Store(seq + 1)
	r.signal()
	return v, true, nil
}

// Next returns the next value in sequence order, blocking until one is
// published. It returns ErrClosed once the ring is closed and fully drained,
// or the context error on cancellation.
func (rd *Reader[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		wake := rd.ring.wakeCh()
		v, ok, err := rd.TryNext()
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
		select {
		case <-wake:
		case <-rd.ring.done:
			// Drain anything published before the close.
			if v, ok, err := rd.TryNext(); err != nil {
				return zero, err
			} else if ok {
				return v, nil
			}
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
