package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Conduit/pkg/codec"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
)

// BlobReference points at a result too large to carry inline.
type BlobReference struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"sizeBytes"`
}

// Acknowledger is the JetStream acknowledgment surface of a delivered message.
// *nats.Msg implements it.
type Acknowledger interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

// Message is an invocation request carried over NATS.
// All messages are serialized with a codec for transmission and include timestamps.
type Message struct {
	// ID identifies this invocation
	ID string `json:"id"`

	// CorrelationID ties the invocation to the request that caused it
	CorrelationID string `json:"correlationId,omitempty"`

	// Origin is the entity issuing the call, written "ns::op"
	Origin string `json:"origin,omitempty"`

	// Target is the operation to run, written "ns::op"
	Target string `json:"target"`

	// Config is the per-call operation configuration
	Config map[string]any `json:"config,omitempty"`

	// Packets is the complete input of the call
	Packets []codec.Frame `json:"packets,omitempty"`

	// ReplyTo overrides the subject results are published on
	ReplyTo string `json:"replyTo,omitempty"`

	// Metadata holds additional key-value pairs for the message
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`

	ack Acknowledger
}

// NewMessage creates an invocation request for target with a fresh id.
func NewMessage(target string) *Message {
	now := time.Now().Format(time.RFC3339)
	id := uuid.NewString()
	return &Message{
		ID:            id,
		CorrelationID: id,
		Target:        target,
		Metadata:      make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FromInvocation creates a request carrying inv's identity together with its
// already collected input packets.
func FromInvocation(inv component.Invocation, config component.Config, input []packet.Packet) *Message {
	m := NewMessage(inv.Target.String())
	m.ID = inv.ID
	m.CorrelationID = inv.CorrelationID
	if inv.Origin != (schematic.Entity{}) {
		m.Origin = inv.Origin.String()
	}
	m.Config = config
	m.Packets = codec.Frames(input)
	return m
}

// WithCorrelationID sets the correlation ID for the message
func (m *Message) WithCorrelationID(correlationID string) *Message {
	m.CorrelationID = correlationID
	return m.UpdateTimestamp()
}

// WithOrigin sets the calling entity
func (m *Message) WithOrigin(origin string) *Message {
	m.Origin = origin
	return m.UpdateTimestamp()
}

// WithConfig sets the operation configuration
func (m *Message) WithConfig(config map[string]any) *Message {
	m.Config = config
	return m.UpdateTimestamp()
}

// WithPackets sets the input packets
func (m *Message) WithPackets(packets ...packet.Packet) *Message {
	m.Packets = codec.Frames(packets)
	return m.UpdateTimestamp()
}

// WithReplyTo sets the subject results are published on
func (m *Message) WithReplyTo(subject string) *Message {
	m.ReplyTo = subject
	return m.UpdateTimestamp()
}

// WithMetadata adds metadata to the message
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	return m.UpdateTimestamp()
}

// UpdateTimestamp updates the UpdatedAt timestamp to current time
func (m *Message) UpdateTimestamp() *Message {
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// Validate checks that the message names a parseable target and carries
// well-formed packets.
func (m *Message) Validate() error {
	if m.ID == "" {
		return sdkerrors.Validation("message has no id", sdkerrors.ErrInvalidMessage)
	}
	if _, err := schematic.ParseEntity(m.Target); err != nil {
		return sdkerrors.Validation(fmt.Sprintf("message %s has an invalid target", m.ID), err)
	}
	if m.Origin != "" {
		if _, err := schematic.ParseEntity(m.Origin); err != nil {
			return sdkerrors.Validation(fmt.Sprintf("message %s has an invalid origin", m.ID), err)
		}
	}
	if _, err := codec.Packets(m.Packets); err != nil {
		return sdkerrors.Validation(fmt.Sprintf("message %s carries malformed packets", m.ID), err)
	}
	return nil
}

// Invocation rebuilds the component invocation the message describes. The
// input stream is pre-filled and closed.
func (m *Message) Invocation() (component.Invocation, component.Config, error) {
	if err := m.Validate(); err != nil {
		return component.Invocation{}, nil, err
	}
	target, _ := schematic.ParseEntity(m.Target)
	var origin schematic.Entity
	if m.Origin != "" {
		origin, _ = schematic.ParseEntity(m.Origin)
	}
	packets, _ := codec.Packets(m.Packets)

	inv := component.Invocation{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		Origin:        origin,
		Target:        target,
		Input:         packet.FromPackets(packets...),
	}
	if inv.CorrelationID == "" {
		inv.CorrelationID = inv.ID
	}
	return inv, component.Config(m.Config), nil
}

// ToBytes serializes the message to JSON bytes
func (m *Message) ToBytes() ([]byte, error) {
	return m.Encode(codec.JSON)
}

// Encode serializes the message with c
func (m *Message) Encode(c codec.Codec) ([]byte, error) {
	return c.Marshal(m)
}

// FromBytes deserializes a message from JSON bytes
func FromBytes(data []byte) (*Message, error) {
	return Decode(codec.JSON, data)
}

// Decode deserializes a message written with c
func Decode(c codec.Codec, data []byte) (*Message, error) {
	var msg Message
	if err := c.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FromNATSMsg converts a NATS message to a Message. The codec is chosen from
// the Content-Type header. JetStream deliveries keep their acknowledgment
// handle.
func FromNATSMsg(natsMsg *nats.Msg) (*Message, error) {
	c, err := codec.ForContentType(natsMsg.Header.Get(HeaderContentType))
	if err != nil {
		return nil, err
	}
	msg, err := Decode(c, natsMsg.Data)
	if err != nil {
		return nil, err
	}
	if natsMsg.Reply != "" {
		msg.ack = natsMsg
	}
	return msg, nil
}

// HeaderContentType names the NATS header carrying the codec content type.
const HeaderContentType = "Content-Type"

// SetAcknowledger attaches the handle used by Ack, Nak, Term and InProgress.
func (m *Message) SetAcknowledger(a Acknowledger) {
	m.ack = a
}

// Ack acknowledges the message, indicating successful processing.
// The message will not be redelivered after acknowledgment.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack.Ack()
}

// Nak negatively acknowledges the message, indicating processing failure.
// The message will be redelivered according to the consumer's configuration.
func (m *Message) Nak() error {
	if m.ack == nil {
		return nil
	}
	return m.ack.Nak()
}

// Term terminates the message, indicating it should not be redelivered.
func (m *Message) Term() error {
	if m.ack == nil {
		return nil
	}
	return m.ack.Term()
}

// InProgress extends the acknowledgment deadline of a long-running invocation.
func (m *Message) InProgress() error {
	if m.ack == nil {
		return nil
	}
	return m.ack.InProgress()
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ResultMessage reports the outcome of one invocation.
type ResultMessage struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	InvocationID  string `json:"invocation_id"`
	Target        string `json:"target"`

	// Status is "success" or "failed"
	Status string `json:"status"`

	// Packets is the complete output when it fits inline
	Packets []codec.Frame `json:"packets,omitempty"`

	// BlobReference points at the encoded output when it does not
	BlobReference *BlobReference `json:"blob_reference,omitempty"`

	// Error is present when status is "failed"
	Error *ResultError `json:"error,omitempty"`

	ExecutionTimeMs int64 `json:"execution_time_ms,omitempty"`
	ResultSize      int   `json:"result_size,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// ResultError contains error information for failed invocations
type ResultError struct {
	// Code is the error class, e.g. "EXECUTION" or "VALIDATION"
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewResultMessage creates a result for the request req.
func NewResultMessage(req *Message, status string) *ResultMessage {
	now := time.Now()
	r := &ResultMessage{
		Status:    status,
		Timestamp: now,
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
	}
	if req != nil {
		r.CorrelationID = req.CorrelationID
		r.InvocationID = req.ID
		r.Target = req.Target
	}
	return r
}

// WithPackets sets the inline output
func (r *ResultMessage) WithPackets(packets []packet.Packet) *ResultMessage {
	r.Packets = codec.Frames(packets)
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithBlobReference sets the blob reference for large results
func (r *ResultMessage) WithBlobReference(ref *BlobReference) *ResultMessage {
	r.BlobReference = ref
	r.ResultSize = ref.SizeBytes
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithError sets the error information and marks the result failed
func (r *ResultMessage) WithError(err *ResultError) *ResultMessage {
	r.Error = err
	r.Status = StatusFailed
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithExecutionTime sets the execution time
func (r *ResultMessage) WithExecutionTime(d time.Duration) *ResultMessage {
	r.ExecutionTimeMs = d.Milliseconds()
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// OutputPackets decodes the inline output.
func (r *ResultMessage) OutputPackets() ([]packet.Packet, error) {
	return codec.Packets(r.Packets)
}

// ToBytes serializes the result message to JSON bytes
func (r *ResultMessage) ToBytes() ([]byte, error) {
	return r.Encode(codec.JSON)
}

// Encode serializes the result message with c
func (r *ResultMessage) Encode(c codec.Codec) ([]byte, error) {
	return c.Marshal(r)
}

// ResultMessageFromBytes deserializes a result message from JSON bytes
func ResultMessageFromBytes(data []byte) (*ResultMessage, error) {
	return DecodeResult(codec.JSON, data)
}

// DecodeResult deserializes a result message written with c
func DecodeResult(c codec.Codec, data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := c.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// HasBlobReference returns true if the output is stored in blob storage
func (r *ResultMessage) HasBlobReference() bool {
	return r.BlobReference != nil && r.BlobReference.URL != ""
}

// IsSuccess returns true if the invocation was successful
func (r *ResultMessage) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsFailed returns true if the invocation failed
func (r *ResultMessage) IsFailed() bool {
	return r.Status == StatusFailed
}

// IsRetryable returns true if the error is retryable (only meaningful for failed invocations)
func (r *ResultMessage) IsRetryable() bool {
	return r.Error != nil && r.Error.Retryable
}

// Classify maps an invocation error to its wire form. Errors found before
// execution started are permanent; runtime, timeout and transport failures
// are retryable.
func Classify(err error) *ResultError {
	if err == nil {
		return nil
	}
	code := sdkerrors.CodeOf(err)
	permanent := sdkerrors.IsValidation(err) || sdkerrors.IsInterpreter(err) || sdkerrors.IsState(err)
	retryable := sdkerrors.IsTimeout(err) || !permanent
	if code == "" {
		code = "INTERNAL"
	}
	return &ResultError{Code: code, Message: err.Error(), Retryable: retryable}
}
