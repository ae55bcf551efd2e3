// Package schematic holds the immutable graph model that the interpreter
// executes: nodes, their ports, and the connections between them. All
// addressing uses integer indices assigned when the schematic is built.
package schematic

import (
	"fmt"
	"strings"
)

// NodeIndex addresses a node within its schematic.
type NodeIndex int

// PortIndex addresses a port within one side of a node.
type PortIndex int

// ConnectionIndex addresses a connection within its schematic.
type ConnectionIndex int

const (
	// InputIndex is the index of the synthetic node fed by the invocation.
	InputIndex NodeIndex = 0
	// OutputIndex is the index of the synthetic node that feeds the caller.
	OutputIndex NodeIndex = 1
)

// Reserved node identifiers.
const (
	InputID  = "<input>"
	OutputID = "<output>"
	// BoundaryID may name either synthetic node; the side of the connection decides which.
	BoundaryID = "<>"
)

// Namespaces used by the engine itself.
const (
	NamespaceSelf = "self"
	NamespaceCore = "core"
)

// Operations provided by the core namespace.
const (
	OpSender      = "sender"
	OpMerge       = "merge"
	OpPassthrough = "passthrough"
	OpOneShot     = "oneshot"
	OpNull        = "null"
)

// Direction tells whether a port receives or emits packets.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// NodeKind separates the synthetic boundary nodes from operation instances.
type NodeKind int

const (
	KindInput NodeKind = iota
	KindOutput
	KindOperation
)

func (k NodeKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	}
	return "operation"
}

// Policy decides when a node becomes eligible to run.
type Policy int

const (
	// PolicyAllInputs waits until every input port holds a complete packet or is closed.
	PolicyAllInputs Policy = iota
	// PolicyFirstPacket runs on the first packet arriving on any port.
	PolicyFirstPacket
	// PolicyWaitForDone waits until every input port is closed.
	PolicyWaitForDone
)

// ParsePolicy maps a manifest policy name to a Policy. The empty string is PolicyAllInputs.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all-inputs", "all_inputs":
		return PolicyAllInputs, nil
	case "first-packet", "first_packet":
		return PolicyFirstPacket, nil
	case "wait-for-done", "wait_for_done":
		return PolicyWaitForDone, nil
	}
	return PolicyAllInputs, fmt.Errorf("unknown policy %q", s)
}

func (p Policy) String() string {
	switch p {
	case PolicyFirstPacket:
		return "first-packet"
	case PolicyWaitForDone:
		return "wait-for-done"
	}
	return "all-inputs"
}

// Entity names an operation inside a namespace.
type Entity struct {
	Namespace string
	Operation string
}

// ParseEntity parses "namespace::operation".
func ParseEntity(s string) (Entity, error) {
	ns, op, ok := strings.Cut(s, "::")
	if !ok || ns == "" || op == "" {
		return Entity{}, fmt.Errorf("invalid operation reference %q, expected namespace::operation", s)
	}
	return Entity{Namespace: ns, Operation: op}, nil
}

// String renders the entity as "namespace::operation".
func (e Entity) String() string {
	return e.Namespace + "::" + e.Operation
}

// PortReference is a stable handle to a port, valid only against its owning Schematic.
type PortReference struct {
	Node NodeIndex
	Port PortIndex
}

func (r PortReference) String() string {
	return fmt.Sprintf("%d.%d", r.Node, r.Port)
}

// Port is a named slot on one side of a node.
type Port struct {
	Name        string
	Index       PortIndex
	Direction   Direction
	Connections []ConnectionIndex
}

// Node is one placement of an operation in a schematic.
type Node struct {
	Index  NodeIndex
	ID     string
	Kind   NodeKind
	Entity Entity
	Config map[string]any
	Policy Policy

	inputs  []Port
	outputs []Port
}

// Inputs returns the node's input ports in index order.
func (n *Node) Inputs() []Port { return n.inputs }

// Outputs returns the node's output ports in index order.
func (n *Node) Outputs() []Port { return n.outputs }

// Input looks up an input port by name.
func (n *Node) Input(name string) (Port, bool) {
	return findPort(n.inputs, name)
}

// Output looks up an output port by name.
func (n *Node) Output(name string) (Port, bool) {
	return findPort(n.outputs, name)
}

func findPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

func (n *Node) addPort(dir Direction, name string) PortIndex {
	side := &n.inputs
	if dir == DirectionOut {
		side = &n.outputs
	}
	for _, p := range *side {
		if p.Name == name {
			return p.Index
		}
	}
	idx := PortIndex(len(*side))
	*side = append(*side, Port{Name: name, Index: idx, Direction: dir})
	return idx
}

// Connection is a directed edge from an output port to an input port.
type Connection struct {
	Index ConnectionIndex
	From  PortReference
	To    PortReference
	// Data is the literal carried by sender and default connections when HasData is set.
	Data    any
	HasData bool
}

// RawPort describes a port with no connection, for diagnostics.
type RawPort struct {
	Node      string
	Port      string
	Direction Direction
}
