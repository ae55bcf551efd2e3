// Package packet defines the unit of data flow between operations and the
// streams that carry it.
package packet

import (
	"encoding/json"
	"fmt"
	"strings"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// Kind tells which of value, error or signal a packet carries.
type Kind uint8

const (
	KindOk Kind = iota
	KindErr
	KindSignal
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindErr:
		return "err"
	case KindSignal:
		return "signal"
	}
	return "unknown"
}

// Flags is a bitset of control markers attached to a packet.
type Flags uint8

const (
	// FlagOpenBracket starts an ordered group of packets on one port
	FlagOpenBracket Flags = 1 << iota
	// FlagCloseBracket ends the innermost open group
	FlagCloseBracket
	// FlagDone closes the port for the rest of the transaction
	FlagDone
)

// Has reports whether every bit in f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Packet is one message addressed to a port.
type Packet struct {
	Port  string
	Kind  Kind
	Value any
	Error string
	Flags Flags
}

// Ok creates a data packet.
func Ok(port string, value any) Packet {
	return Packet{Port: port, Kind: KindOk, Value: value}
}

// Err creates an error packet.
func Err(port string, message string) Packet {
	return Packet{Port: port, Kind: KindErr, Error: message}
}

// Done creates the signal that closes a port.
func Done(port string) Packet {
	return Packet{Port: port, Kind: KindSignal, Flags: FlagDone}
}

// OpenBracket creates the signal that opens a group.
func OpenBracket(port string) Packet {
	return Packet{Port: port, Kind: KindSignal, Flags: FlagOpenBracket}
}

// CloseBracket creates the signal that closes a group.
func CloseBracket(port string) Packet {
	return Packet{Port: port, Kind: KindSignal, Flags: FlagCloseBracket}
}

func (p Packet) IsOk() bool           { return p.Kind == KindOk }
func (p Packet) IsErr() bool          { return p.Kind == KindErr }
func (p Packet) IsSignal() bool       { return p.Kind == KindSignal }
func (p Packet) IsDone() bool         { return p.Flags.Has(FlagDone) }
func (p Packet) IsOpenBracket() bool  { return p.Flags.Has(FlagOpenBracket) }
func (p Packet) IsCloseBracket() bool { return p.Flags.Has(FlagCloseBracket) }

// WithPort returns a copy of the packet addressed to another port.
func (p Packet) WithPort(port string) Packet {
	p.Port = port
	return p
}

// Decode converts the packet's value into target through its JSON form.
// Error and signal packets cannot be decoded.
func (p Packet) Decode(target any) error {
	switch p.Kind {
	case KindErr:
		return sdkerrors.Execution(fmt.Sprintf("port %q carried an error: %s", p.Port, p.Error), sdkerrors.ErrInvalidMessage)
	case KindSignal:
		return sdkerrors.Execution(fmt.Sprintf("port %q carried a signal, not a value", p.Port), sdkerrors.ErrInvalidMessage)
	}

	raw, err := json.Marshal(p.Value)
	if err != nil {
		return fmt.Errorf("failed to encode value on port %q: %w", p.Port, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode value on port %q: %w", p.Port, err)
	}
	return nil
}

// String renders the packet for logs and test failures.
func (p Packet) String() string {
	var b strings.Builder
	b.WriteString(p.Kind.String())
	b.WriteString("(")
	b.WriteString(p.Port)
	switch p.Kind {
	case KindOk:
		fmt.Fprintf(&b, ", %v", p.Value)
	case KindErr:
		fmt.Fprintf(&b, ", %q", p.Error)
	case KindSignal:
		var names []string
		if p.IsOpenBracket() {
			names = append(names, "open")
		}
		if p.IsCloseBracket() {
			names = append(names, "close")
		}
		if p.IsDone() {
			names = append(names, "done")
		}
		fmt.Fprintf(&b, ", %s", strings.Join(names, "|"))
	}
	b.WriteString(")")
	return b.String()
}
