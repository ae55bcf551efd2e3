package packet

import (
	"context"
	"io"
	"sort"
	"sync"
)

// StreamMap groups one stream per port name.
type StreamMap struct {
	mu      sync.Mutex
	streams map[string]*Stream
	queues  map[string]*Queue
	buffer  int
}

// NewStreamMap creates an empty map whose streams use the given buffer size.
func NewStreamMap(buffer int) *StreamMap {
	return &StreamMap{
		streams: make(map[string]*Stream),
		queues:  make(map[string]*Queue),
		buffer:  buffer,
	}
}

// Stream returns the stream for port, creating it when absent.
func (m *StreamMap) Stream(port string) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[port]
	if !ok {
		s = NewStream(m.buffer)
		m.streams[port] = s
	}
	return s
}

// Lookup returns the stream for port if one exists.
func (m *StreamMap) Lookup(port string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[port]
	return s, ok
}

// Ports returns the port names in sorted order.
func (m *StreamMap) Ports() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]string, 0, len(m.streams))
	for port := range m.streams {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	return ports
}

// Split demultiplexes in by port. Each listed port gets its own stream fed
// through an unbounded queue, so a slow reader on one port never blocks the
// others. Packets for unlisted ports are dropped. All streams close when in
// ends, carrying its error if it ended with one.
func Split(ctx context.Context, in *Stream, buffer int, ports ...string) *StreamMap {
	m := NewStreamMap(buffer)
	for _, port := range ports {
		q := NewQueue()
		s := m.Stream(port)
		m.queues[port] = q
		go q.Pump(ctx, s)
	}

	go func() {
		defer in.Close()
		for {
			p, err := in.Recv(ctx)
			if err != nil {
				for _, q := range m.queues {
					if err == io.EOF {
						q.Close()
					} else {
						q.Fail(err)
					}
				}
				return
			}
			if q, ok := m.queues[p.Port]; ok {
				q.Push(p)
			}
		}
	}()

	return m
}

// Join multiplexes every stream in the map into one. Order is preserved per
// port only. The joined stream ends with the first error any port ended with.
func (m *StreamMap) Join(ctx context.Context) *Stream {
	out := NewStream(m.buffer)
	ports := m.Ports()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	for _, port := range ports {
		s, _ := m.Lookup(port)
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			for {
				p, err := s.Recv(ctx)
				if err == io.EOF {
					return
				}
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				if err := out.Send(ctx, p); err != nil {
					s.Close()
					return
				}
			}
		}(s)
	}

	go func() {
		wg.Wait()
		if firstErr != nil {
			out.CloseWithError(firstErr)
			return
		}
		out.CloseSend()
	}()

	return out
}
