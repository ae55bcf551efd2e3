package schematic

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Definition is the declarative form of a schematic, as produced by a manifest.
type Definition struct {
	Name        string                        `yaml:"name" json:"name"`
	Inputs      []string                      `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     []string                      `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Instances   map[string]InstanceDefinition `yaml:"instances,omitempty" json:"instances,omitempty"`
	Connections []ConnectionDefinition        `yaml:"connections,omitempty" json:"connections,omitempty"`
}

// InstanceDefinition places an operation in a schematic.
type InstanceDefinition struct {
	// Operation is written "namespace::operation"
	Operation string         `yaml:"operation" json:"operation"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Policy    string         `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// ConnectionDefinition wires "node.port" to "node.port". A connection with
// Data and no From feeds the literal through a synthesised sender. HasData
// marks a present data key so that a null literal is still sent; decoding
// sets it, literal definitions in Go set it themselves when Data is nil.
type ConnectionDefinition struct {
	From    string `yaml:"from,omitempty" json:"from,omitempty"`
	To      string `yaml:"to" json:"to"`
	Data    any    `yaml:"data,omitempty" json:"data,omitempty"`
	HasData bool   `yaml:"-" json:"-"`
}

// UnmarshalYAML records whether the data key was present. Unknown keys are
// rejected here because node decoding does not inherit KnownFields.
func (cd *ConnectionDefinition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: connection must be a mapping", node.Line)
	}
	var out ConnectionDefinition
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var err error
		switch key.Value {
		case "from":
			err = value.Decode(&out.From)
		case "to":
			err = value.Decode(&out.To)
		case "data":
			out.HasData = true
			err = value.Decode(&out.Data)
		default:
			return fmt.Errorf("line %d: field %s not found in connection", key.Line, key.Value)
		}
		if err != nil {
			return err
		}
	}
	*cd = out
	return nil
}

// UnmarshalJSON records whether the data key was present.
func (cd *ConnectionDefinition) UnmarshalJSON(data []byte) error {
	type plain ConnectionDefinition
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	_, out.HasData = keys["data"]
	*cd = ConnectionDefinition(out)
	return nil
}

// NetworkDefinition is the declarative form of a network.
type NetworkDefinition struct {
	Name       string             `yaml:"name" json:"name"`
	Imports    []ImportDefinition `yaml:"import,omitempty" json:"import,omitempty"`
	Schematics []Definition       `yaml:"schematics" json:"schematics"`
}

// ImportDefinition binds a namespace to a library network by name.
type ImportDefinition struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Network   string `yaml:"network" json:"network"`
}

// SenderID returns the id of the sender synthesised for connection i.
func SenderID(i int) string {
	return fmt.Sprintf("<sender-%d>", i)
}

// SenderValueKey is the config key holding a sender's literal.
const SenderValueKey = "value"

type builder struct {
	s    *Schematic
	errs []error
}

func (b *builder) fail(format string, args ...any) {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
}

func (b *builder) addNode(n *Node) {
	n.Index = NodeIndex(len(b.s.nodes))
	b.s.nodes = append(b.s.nodes, n)
	b.s.byID[n.ID] = n.Index
}

// Build assembles a schematic from its definition. Structural problems such
// as unknown instances or malformed endpoints are reported together; port
// names are checked later against operation signatures by the validator.
func Build(def Definition) (*Schematic, error) {
	b := &builder{s: &Schematic{name: def.Name, byID: make(map[string]NodeIndex)}}
	if strings.TrimSpace(def.Name) == "" {
		b.fail("schematic name cannot be empty")
	}

	b.addNode(&Node{ID: InputID, Kind: KindInput, Entity: Entity{Namespace: NamespaceCore, Operation: OpPassthrough}, Policy: PolicyFirstPacket})
	b.addNode(&Node{ID: OutputID, Kind: KindOutput, Entity: Entity{Namespace: NamespaceCore, Operation: OpPassthrough}, Policy: PolicyFirstPacket})

	for _, name := range def.Inputs {
		b.s.nodes[InputIndex].addPort(DirectionOut, name)
	}
	for _, name := range def.Outputs {
		b.s.nodes[OutputIndex].addPort(DirectionIn, name)
	}

	ids := make([]string, 0, len(def.Instances))
	for id := range def.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		inst := def.Instances[id]
		if id == "" || strings.HasPrefix(id, "<") || strings.Contains(id, ".") {
			b.fail("invalid instance id %q", id)
			continue
		}
		entity, err := ParseEntity(inst.Operation)
		if err != nil {
			b.fail("instance %q: %w", id, err)
			continue
		}
		policy, err := ParsePolicy(inst.Policy)
		if err != nil {
			b.fail("instance %q: %w", id, err)
			continue
		}
		b.addNode(&Node{ID: id, Kind: KindOperation, Entity: entity, Config: inst.Config, Policy: policy})
	}

	for i, cd := range def.Connections {
		b.connect(i, cd)
	}

	if len(b.errs) > 0 {
		return nil, sdkerrors.Validation(fmt.Sprintf("schematic %q is malformed", def.Name), errors.Join(b.errs...))
	}
	return b.s, nil
}

func (b *builder) connect(i int, cd ConnectionDefinition) {
	var (
		from    PortReference
		hasData = cd.HasData || cd.Data != nil
	)

	switch {
	case cd.From == "" && !hasData:
		b.fail("connection %d: needs either from or data", i)
		return
	case cd.From != "" && hasData:
		b.fail("connection %d: cannot have both from and data", i)
		return
	case hasData:
		sender := &Node{
			ID:     SenderID(i),
			Kind:   KindOperation,
			Entity: Entity{Namespace: NamespaceCore, Operation: OpSender},
			Config: map[string]any{SenderValueKey: cd.Data},
		}
		b.addNode(sender)
		from = PortReference{Node: sender.Index, Port: sender.addPort(DirectionOut, "output")}
	default:
		n, port, ok := b.endpoint(i, cd.From, DirectionOut)
		if !ok {
			return
		}
		from = PortReference{Node: n.Index, Port: n.addPort(DirectionOut, port)}
	}

	n, port, ok := b.endpoint(i, cd.To, DirectionIn)
	if !ok {
		return
	}
	to := PortReference{Node: n.Index, Port: n.addPort(DirectionIn, port)}

	conn := &Connection{
		Index:   ConnectionIndex(len(b.s.connections)),
		From:    from,
		To:      to,
		Data:    cd.Data,
		HasData: hasData,
	}
	b.s.connections = append(b.s.connections, conn)

	fromNode := b.s.nodes[from.Node]
	fromNode.outputs[from.Port].Connections = append(fromNode.outputs[from.Port].Connections, conn.Index)
	toNode := b.s.nodes[to.Node]
	toNode.inputs[to.Port].Connections = append(toNode.inputs[to.Port].Connections, conn.Index)
}

// endpoint resolves "node.port" for one side of a connection. Packets leave
// through output ports, so the From side may name <input> and the To side
// may name <output>.
func (b *builder) endpoint(i int, ref string, dir Direction) (*Node, string, bool) {
	id, port, ok := strings.Cut(ref, ".")
	if !ok || id == "" || port == "" {
		b.fail("connection %d: invalid endpoint %q, expected node.port", i, ref)
		return nil, "", false
	}

	switch id {
	case BoundaryID:
		if dir == DirectionOut {
			return b.s.nodes[InputIndex], port, true
		}
		return b.s.nodes[OutputIndex], port, true
	case InputID:
		if dir == DirectionIn {
			b.fail("connection %d: %s cannot receive packets", i, InputID)
			return nil, "", false
		}
	case OutputID:
		if dir == DirectionOut {
			b.fail("connection %d: %s cannot emit packets", i, OutputID)
			return nil, "", false
		}
	}

	idx, found := b.s.byID[id]
	if !found || strings.HasPrefix(id, "<sender-") {
		b.fail("connection %d: unknown instance %q", i, id)
		return nil, "", false
	}
	return b.s.nodes[idx], port, true
}

// BuildNetwork builds every schematic of a network definition.
func BuildNetwork(def NetworkDefinition) (*Network, error) {
	net := &Network{Name: def.Name}
	var errs []error
	seen := make(map[string]bool, len(def.Schematics))

	for _, sd := range def.Schematics {
		if seen[sd.Name] {
			errs = append(errs, fmt.Errorf("duplicate schematic %q", sd.Name))
			continue
		}
		seen[sd.Name] = true
		s, err := Build(sd)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		net.Schematics = append(net.Schematics, s)
	}

	for _, imp := range def.Imports {
		if imp.Namespace == "" || imp.Network == "" {
			errs = append(errs, fmt.Errorf("import needs both namespace and network"))
			continue
		}
		net.Imports = append(net.Imports, Import{Namespace: imp.Namespace, Network: imp.Network})
	}

	if len(errs) > 0 {
		return nil, sdkerrors.Validation(fmt.Sprintf("network %q is malformed", def.Name), errors.Join(errs...))
	}
	return net, nil
}
