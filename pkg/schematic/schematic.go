package schematic

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// Schematic is a named dataflow graph. It is immutable once built and safe to
// share across concurrent transactions.
type Schematic struct {
	name        string
	nodes       []*Node
	connections []*Connection
	byID        map[string]NodeIndex
}

// Name returns the schematic's name.
func (s *Schematic) Name() string { return s.name }

// Nodes returns every node in index order, including the synthetic boundary nodes.
func (s *Schematic) Nodes() []*Node { return s.nodes }

// Connections returns every connection in index order.
func (s *Schematic) Connections() []*Connection { return s.connections }

// InputNode returns the synthetic node fed by the invocation stream.
func (s *Schematic) InputNode() *Node { return s.nodes[InputIndex] }

// OutputNode returns the synthetic node whose packets are returned to the caller.
func (s *Schematic) OutputNode() *Node { return s.nodes[OutputIndex] }

// Node looks a node up by its instance id.
func (s *Schematic) Node(id string) (*Node, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.nodes[idx], true
}

// NodeAt returns the node at idx.
func (s *Schematic) NodeAt(idx NodeIndex) (*Node, error) {
	if idx < 0 || int(idx) >= len(s.nodes) {
		return nil, sdkerrors.State(fmt.Sprintf("node index %d out of bounds in schematic %q", idx, s.name), sdkerrors.ErrInvalidIndex)
	}
	return s.nodes[idx], nil
}

// ConnectionAt returns the connection at idx.
func (s *Schematic) ConnectionAt(idx ConnectionIndex) (*Connection, error) {
	if idx < 0 || int(idx) >= len(s.connections) {
		return nil, sdkerrors.State(fmt.Sprintf("connection index %d out of bounds in schematic %q", idx, s.name), sdkerrors.ErrInvalidIndex)
	}
	return s.connections[idx], nil
}

// OutputPort resolves a reference to an output port.
func (s *Schematic) OutputPort(ref PortReference) (Port, error) {
	n, err := s.NodeAt(ref.Node)
	if err != nil {
		return Port{}, err
	}
	if ref.Port < 0 || int(ref.Port) >= len(n.outputs) {
		return Port{}, sdkerrors.State(fmt.Sprintf("output port %d out of bounds on node %q", ref.Port, n.ID), sdkerrors.ErrInvalidIndex)
	}
	return n.outputs[ref.Port], nil
}

// InputPort resolves a reference to an input port.
func (s *Schematic) InputPort(ref PortReference) (Port, error) {
	n, err := s.NodeAt(ref.Node)
	if err != nil {
		return Port{}, err
	}
	if ref.Port < 0 || int(ref.Port) >= len(n.inputs) {
		return Port{}, sdkerrors.State(fmt.Sprintf("input port %d out of bounds on node %q", ref.Port, n.ID), sdkerrors.ErrInvalidIndex)
	}
	return n.inputs[ref.Port], nil
}

// Downstreams returns the connections leaving the output port ref.
func (s *Schematic) Downstreams(ref PortReference) ([]*Connection, error) {
	port, err := s.OutputPort(ref)
	if err != nil {
		return nil, err
	}
	out := make([]*Connection, 0, len(port.Connections))
	for _, ci := range port.Connections {
		out = append(out, s.connections[ci])
	}
	return out, nil
}

// Upstreams returns the connections arriving at the input port ref.
func (s *Schematic) Upstreams(ref PortReference) ([]*Connection, error) {
	port, err := s.InputPort(ref)
	if err != nil {
		return nil, err
	}
	out := make([]*Connection, 0, len(port.Connections))
	for _, ci := range port.Connections {
		out = append(out, s.connections[ci])
	}
	return out, nil
}

// RawPorts lists every port with no connection.
func (s *Schematic) RawPorts() []RawPort {
	var raw []RawPort
	for _, n := range s.nodes {
		for _, p := range n.inputs {
			if len(p.Connections) == 0 {
				raw = append(raw, RawPort{Node: n.ID, Port: p.Name, Direction: DirectionIn})
			}
		}
		for _, p := range n.outputs {
			if len(p.Connections) == 0 {
				raw = append(raw, RawPort{Node: n.ID, Port: p.Name, Direction: DirectionOut})
			}
		}
	}
	return raw
}

// Import binds a namespace to another network in the library.
type Import struct {
	Namespace string
	Network   string
}

// Network is a set of schematics that may reference each other through the
// self namespace and import other networks as namespaces.
type Network struct {
	Name       string
	Schematics []*Schematic
	Imports    []Import
}

// Schematic looks a schematic up by name.
func (n *Network) Schematic(name string) (*Schematic, bool) {
	for _, s := range n.Schematics {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}
