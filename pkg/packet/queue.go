package packet

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of packets. Pushing never blocks, which lets an
// event loop hand packets to a slow consumer without stalling. Pump moves the
// queued packets into a Stream.
type Queue struct {
	mu     sync.Mutex
	items  []Packet
	closed bool
	err    error
	notify chan struct{}
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends a packet. It reports false once the queue is closed.
func (q *Queue) Push(p Packet) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.wake()
	return true
}

// Close ends the queue; Pump closes its stream after the remaining packets.
func (q *Queue) Close() {
	q.Fail(nil)
}

// Fail ends the queue with an error handed to the stream after the remaining packets.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of packets not yet pumped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close or Fail has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pump sends queued packets into s until the queue is closed and drained,
// ctx is cancelled, or the consumer of s goes away. It always closes s.
func (q *Queue) Pump(ctx context.Context, s *Stream) {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed, err := q.closed, q.err
		q.mu.Unlock()

		for _, p := range items {
			if sendErr := s.Send(ctx, p); sendErr != nil {
				if ctx.Err() != nil {
					s.CloseWithError(ctx.Err())
				} else {
					s.CloseSend()
				}
				return
			}
		}

		if len(items) > 0 {
			continue
		}
		if closed {
			if err != nil {
				s.CloseWithError(err)
			} else {
				s.CloseSend()
			}
			return
		}

		select {
		case <-q.notify:
		case <-s.Done():
			s.CloseSend()
			return
		case <-ctx.Done():
			s.CloseWithError(ctx.Err())
			return
		}
	}
}
