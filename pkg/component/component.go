// Package component defines the contract every runnable unit implements:
// native collections, hosted scripts, remote proxies and nested interpreters
// all look the same to the executor.
package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
)

// Component provides one or more operations behind a single streaming contract.
type Component interface {
	// Signature describes the operations the component provides.
	Signature() Signature

	// Handle starts the operation named by inv.Target and returns its output
	// stream. Handle should return promptly; long-running work belongs in the
	// goroutine producing the stream.
	Handle(ctx context.Context, inv Invocation, config Config, callback Callback) (*packet.Stream, error)
}

// Callback issues a nested invocation back into the interpreter.
type Callback func(ctx context.Context, inv Invocation, config Config) (*packet.Stream, error)

// Starter is implemented by components that need setup before the first invocation.
type Starter interface {
	Start(ctx context.Context) error
}

// Shutdowner is implemented by components that hold resources.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// SignatureResolver is implemented by components whose ports depend on the
// instance config, such as merge.
type SignatureResolver interface {
	ResolveSignature(operation string, config Config) (OperationSignature, error)
}

// OperationSignatureFor returns the signature for op, asking the component to
// shape it from config when it can.
func OperationSignatureFor(c Component, op string, config Config) (OperationSignature, bool, error) {
	if r, ok := c.(SignatureResolver); ok {
		sig, err := r.ResolveSignature(op, config)
		if err != nil {
			return OperationSignature{}, true, err
		}
		return sig, true, nil
	}
	sig, ok := c.Signature().Operation(op)
	return sig, ok, nil
}

// Invocation identifies one call of an operation together with its input.
type Invocation struct {
	// ID is unique per call
	ID string
	// CorrelationID ties nested calls to the transaction that issued them
	CorrelationID string
	Origin        schematic.Entity
	Target        schematic.Entity
	// Input is the operation's input, every port folded into one stream
	Input *packet.Stream
}

// NewInvocation creates an invocation with a fresh id.
func NewInvocation(origin, target schematic.Entity, input *packet.Stream) Invocation {
	id := uuid.NewString()
	return Invocation{
		ID:            id,
		CorrelationID: id,
		Origin:        origin,
		Target:        target,
		Input:         input,
	}
}

// Child derives an invocation of target that keeps the correlation id.
func (inv Invocation) Child(target schematic.Entity, input *packet.Stream) Invocation {
	return Invocation{
		ID:            uuid.NewString(),
		CorrelationID: inv.CorrelationID,
		Origin:        inv.Target,
		Target:        target,
		Input:         input,
	}
}

// Config is the per-instance configuration of an operation.
type Config map[string]any

// Get returns the value under key.
func (c Config) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	return v, ok
}

// String returns the string under key, or "" when absent or not a string.
func (c Config) String(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Decode converts the config into target through its JSON form.
func (c Config) Decode(target any) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}
