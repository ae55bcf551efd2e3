// Package messagetest provides in-memory stand-ins for JetStream so message
// services and runners can be tested without a NATS server.
package messagetest

import (
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Conduit/pkg/message"
)

// MockJS is an in-memory implementation of message.JSContext. Published
// messages are routed to the stream whose subjects match, and pull
// subscriptions bound to a durable consumer fetch from that stream.
type MockJS struct {
	mu          sync.Mutex
	streams     map[string]*nats.StreamInfo
	consumers   map[string]map[string]*nats.ConsumerInfo // stream -> consumer -> info
	pending     map[string][]*nats.Msg                   // stream -> undelivered
	published   []*nats.Msg
	publishErrs []error
	addStreams  int
}

var _ message.JSContext = (*MockJS)(nil)

// NewMockJS creates an empty mock.
func NewMockJS() *MockJS {
	return &MockJS{
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
		pending:   make(map[string][]*nats.Msg),
	}
}

// FailPublishes makes the next len(errs) publishes return errs in order.
func (m *MockJS) FailPublishes(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErrs = append(m.publishErrs, errs...)
}

// Published returns every successfully published message on subject, or all
// of them when subject is empty.
func (m *MockJS) Published(subject string) []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nats.Msg
	for _, msg := range m.published {
		if subject == "" || msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

// Enqueue delivers a raw message to stream as if it had been published.
func (m *MockJS) Enqueue(stream string, msg *nats.Msg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[stream] = append(m.pending[stream], msg)
}

// Pending returns the number of undelivered messages in stream.
func (m *MockJS) Pending(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[stream])
}

// StreamsAdded counts AddStream calls.
func (m *MockJS) StreamsAdded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addStreams
}

func (m *MockJS) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return nil, err
	}

	stream := m.streamForSubject(msg.Subject)
	if stream == "" {
		return nil, nats.ErrNoStreamResponse
	}
	cp := &nats.Msg{Subject: msg.Subject, Header: msg.Header, Data: append([]byte(nil), msg.Data...)}
	m.published = append(m.published, cp)
	m.pending[stream] = append(m.pending[stream], cp)
	m.streams[stream].State.Msgs++
	return &nats.PubAck{Stream: stream, Sequence: m.streams[stream].State.Msgs}, nil
}

func (m *MockJS) streamForSubject(subject string) string {
	for name, info := range m.streams {
		for _, pattern := range info.Config.Subjects {
			if subjectMatches(pattern, subject) {
				return name
			}
		}
	}
	return ""
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(subject, prefix) && len(subject) > len(prefix)
	}
	return false
}

// PullSubscribe binds to the stream of the durable consumer. The subject is ignored.
func (m *MockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (message.JSSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for stream, consumers := range m.consumers {
		if _, ok := consumers[durable]; ok {
			return &pullSubscription{owner: m, stream: stream}, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *MockJS) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.streams[stream]; exists {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *MockJS) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{
		Config: *cfg,
		State:  nats.StreamState{FirstSeq: 1},
	}
	m.streams[cfg.Name] = info
	m.addStreams++
	return info, nil
}

func (m *MockJS) ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if streamConsumers, exists := m.consumers[stream]; exists {
		if info, exists := streamConsumers[consumer]; exists {
			return info, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *MockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; !ok {
		return nil, nats.ErrStreamNotFound
	}
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{
		Stream: stream,
		Name:   cfg.Durable,
		Config: *cfg,
	}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

type pullSubscription struct {
	owner  *MockJS
	stream string
}

func (s *pullSubscription) Unsubscribe() error { return nil }

// Fetch returns up to batch pending messages, or nats.ErrTimeout when there are none.
func (s *pullSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	queue := s.owner.pending[s.stream]
	if len(queue) == 0 {
		return nil, nats.ErrTimeout
	}
	n := min(batch, len(queue))
	out := queue[:n:n]
	s.owner.pending[s.stream] = queue[n:]
	return out, nil
}
