package codec

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
)

// Frame is the wire form of a packet.
type Frame struct {
	Port  string `json:"port"`
	Kind  string `json:"kind"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Flags uint8  `json:"flags,omitempty"`
}

// FromPacket converts a packet to its wire form.
func FromPacket(p packet.Packet) Frame {
	return Frame{
		Port:  p.Port,
		Kind:  p.Kind.String(),
		Value: p.Value,
		Error: p.Error,
		Flags: uint8(p.Flags),
	}
}

// Packet converts the frame back into a packet.
func (f Frame) Packet() (packet.Packet, error) {
	var kind packet.Kind
	switch f.Kind {
	case "ok":
		kind = packet.KindOk
	case "err":
		kind = packet.KindErr
	case "signal":
		kind = packet.KindSignal
	default:
		return packet.Packet{}, sdkerrors.Execution(fmt.Sprintf("frame for port %q has unknown kind %q", f.Port, f.Kind), sdkerrors.ErrInvalidMessage)
	}
	if f.Port == "" {
		return packet.Packet{}, sdkerrors.Execution("frame has no port", sdkerrors.ErrInvalidMessage)
	}
	return packet.Packet{
		Port:  f.Port,
		Kind:  kind,
		Value: f.Value,
		Error: f.Error,
		Flags: packet.Flags(f.Flags),
	}, nil
}

// Frames converts packets to their wire form.
func Frames(packets []packet.Packet) []Frame {
	frames := make([]Frame, len(packets))
	for i, p := range packets {
		frames[i] = FromPacket(p)
	}
	return frames
}

// Packets converts frames back into packets, failing on the first malformed frame.
func Packets(frames []Frame) ([]packet.Packet, error) {
	packets := make([]packet.Packet, 0, len(frames))
	for i, f := range frames {
		p, err := f.Packet()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// EncodePackets marshals a packet sequence with c.
func EncodePackets(c Codec, packets []packet.Packet) ([]byte, error) {
	data, err := c.Marshal(Frames(packets))
	if err != nil {
		return nil, fmt.Errorf("failed to encode packets as %s: %w", c.Name(), err)
	}
	return data, nil
}

// DecodePackets unmarshals a packet sequence written by EncodePackets.
func DecodePackets(c Codec, data []byte) ([]packet.Packet, error) {
	var frames []Frame
	if err := c.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("failed to decode packets as %s: %w", c.Name(), err)
	}
	return Packets(frames)
}
