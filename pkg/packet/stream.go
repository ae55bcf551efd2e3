package packet

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// ErrStreamClosed is returned by Send once the stream can no longer accept packets.
var ErrStreamClosed = sdkerrors.ErrChannelClosed

// DefaultBufferSize is the channel capacity used when a caller passes zero.
const DefaultBufferSize = 64

// Stream is a finite, single-consumer sequence of packets backed by a bounded
// channel. Producers call Send and then CloseSend or CloseWithError. The
// consumer calls Recv until it returns io.EOF or an error, and calls Close
// when it stops reading early so producers can stop too.
type Stream struct {
	ch   chan Packet
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	err    error

	received atomic.Int64

	doneOnce sync.Once
}

// NewStream creates an open stream with the given channel capacity.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Stream{
		ch:   make(chan Packet, buffer),
		done: make(chan struct{}),
	}
}

// FromPackets creates a closed stream that yields the given packets in order.
func FromPackets(packets ...Packet) *Stream {
	s := NewStream(len(packets))
	for _, p := range packets {
		s.ch <- p
	}
	s.CloseSend()
	return s
}

// Empty returns a closed stream with no packets.
func Empty() *Stream {
	return FromPackets()
}

// Send delivers a packet, blocking while the buffer is full.
func (s *Stream) Send(ctx context.Context, p Packet) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStreamClosed
	}

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	select {
	case s.ch <- p:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend marks the end of the stream. Further calls are no-ops.
func (s *Stream) CloseSend() {
	s.closeWith(nil)
}

// CloseWithError ends the stream; Recv returns err once buffered packets are drained.
func (s *Stream) CloseWithError(err error) {
	s.closeWith(err)
}

func (s *Stream) closeWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Recv returns the next packet, io.EOF at a clean end, or the error the
// producer closed with.
func (s *Stream) Recv(ctx context.Context) (Packet, error) {
	select {
	case p, ok := <-s.ch:
		if !ok {
			s.mu.RLock()
			err := s.err
			s.mu.RUnlock()
			if err != nil {
				return Packet{}, err
			}
			return Packet{}, io.EOF
		}
		if !p.IsSignal() {
			s.received.Add(1)
		}
		return p, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Received counts the data packets Recv has handed out.
func (s *Stream) Received() int {
	return int(s.received.Load())
}

// Close tells producers that the consumer has gone away.
func (s *Stream) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the consumer calls Close.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Collect reads the stream to its end. The returned error is nil on a clean end.
func (s *Stream) Collect(ctx context.Context) ([]Packet, error) {
	var out []Packet
	for {
		p, err := s.Recv(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

// Go runs fn as the producer of s and closes s when fn returns. A returned
// error closes the stream with that error; a panic closes it with
// ErrOperationPanicked.
func Go(ctx context.Context, s *Stream, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.CloseWithError(sdkerrors.ErrOperationPanicked)
			}
		}()
		if err := fn(ctx); err != nil {
			s.CloseWithError(err)
			return
		}
		s.CloseSend()
	}()
}
