package messagetest

import (
	"sync"

	"github.com/nats-io/nats.go"
)

// RecordingAck is a message.Acknowledger that counts calls.
type RecordingAck struct {
	mu                          sync.Mutex
	acks, naks, terms, progress int
}

func (a *RecordingAck) Ack(...nats.AckOpt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *RecordingAck) Nak(...nats.AckOpt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.naks++
	return nil
}

func (a *RecordingAck) Term(...nats.AckOpt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terms++
	return nil
}

func (a *RecordingAck) InProgress(...nats.AckOpt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress++
	return nil
}

// Counts returns how often each method was called.
func (a *RecordingAck) Counts() (acks, naks, terms, inProgress int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.naks, a.terms, a.progress
}
