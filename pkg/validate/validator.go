// Package validate checks a schematic against the signatures of the
// components it references before it is registered.
package validate

import (
	"fmt"

	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/schematic"
)

// Resolver finds the component registered for a namespace.
type Resolver interface {
	Lookup(namespace string) (component.Component, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(namespace string) (component.Component, bool)

// Lookup calls f.
func (f ResolverFunc) Lookup(namespace string) (component.Component, bool) {
	return f(namespace)
}

// Options tunes which issues are fatal.
type Options struct {
	// UnusedOutputFatal turns unused operation outputs into errors instead of warnings.
	UnusedOutputFatal bool
}

type validator struct {
	s      *schematic.Schematic
	r      Resolver
	opts   Options
	result *Result
}

// Validate collects every issue in s in one pass.
func Validate(s *schematic.Schematic, r Resolver, opts Options) *Result {
	v := &validator{s: s, r: r, opts: opts, result: &Result{Schematic: s.Name()}}

	v.checkReferences()
	for _, n := range s.Nodes() {
		switch n.Kind {
		case schematic.KindInput:
			v.checkInputNode(n)
		case schematic.KindOutput:
			v.checkOutputNode(n)
		default:
			v.checkOperation(n)
		}
	}
	return v.result
}

func (v *validator) fatal(issue Issue) {
	v.result.Errors = append(v.result.Errors, issue)
}

func (v *validator) warn(issue Issue) {
	v.result.Warnings = append(v.result.Warnings, issue)
}

func (v *validator) checkReferences() {
	for _, c := range v.s.Connections() {
		if _, err := v.s.OutputPort(c.From); err != nil {
			v.fatal(Issue{Kind: InvalidReference, Message: fmt.Sprintf("connection %d source %s: %v", c.Index, c.From, err)})
		}
		if _, err := v.s.InputPort(c.To); err != nil {
			v.fatal(Issue{Kind: InvalidReference, Message: fmt.Sprintf("connection %d target %s: %v", c.Index, c.To, err)})
		}
	}
}

func (v *validator) checkInputNode(n *schematic.Node) {
	for _, p := range n.Outputs() {
		if len(p.Connections) == 0 {
			v.warn(Issue{Kind: UnusedOutput, Node: n.ID, Port: p.Name, Message: "schematic input is never read"})
		}
	}
}

func (v *validator) checkOutputNode(n *schematic.Node) {
	for _, p := range n.Inputs() {
		if len(p.Connections) == 0 {
			v.fatal(Issue{Kind: MissingConnection, Node: n.ID, Port: p.Name, Message: "schematic output is never written"})
		}
	}
}

func (v *validator) checkOperation(n *schematic.Node) {
	ns, op := n.Entity.Namespace, n.Entity.Operation

	provider, ok := v.r.Lookup(ns)
	if !ok {
		v.fatal(Issue{Kind: MissingProvider, Node: n.ID, Namespace: ns, Operation: op, Message: fmt.Sprintf("no provider for namespace %q", ns)})
		return
	}

	sig, found, err := component.OperationSignatureFor(provider, op, component.Config(n.Config))
	if err != nil {
		v.fatal(Issue{Kind: InvalidConfig, Node: n.ID, Namespace: ns, Operation: op, Message: err.Error()})
		return
	}
	if !found {
		v.fatal(Issue{Kind: MissingComponent, Node: n.ID, Namespace: ns, Operation: op, Message: fmt.Sprintf("%s has no operation %q", ns, op)})
		return
	}

	v.checkConfig(n, sig)

	for _, p := range n.Inputs() {
		field, ok := sig.Input(p.Name)
		if !ok {
			v.fatal(Issue{Kind: InvalidPort, Node: n.ID, Port: p.Name, Namespace: ns, Operation: op, Message: fmt.Sprintf("%s::%s has no input %q", ns, op, p.Name)})
			continue
		}
		v.checkLiterals(n, p, field)
	}

	for _, p := range n.Outputs() {
		if _, ok := sig.Output(p.Name); !ok {
			v.fatal(Issue{Kind: InvalidPort, Node: n.ID, Port: p.Name, Namespace: ns, Operation: op, Message: fmt.Sprintf("%s::%s has no output %q", ns, op, p.Name)})
		}
	}

	for _, field := range sig.Inputs {
		if field.Default != nil {
			if err := field.Type.Check(field.Default); err != nil {
				v.fatal(Issue{Kind: InvalidLiteral, Node: n.ID, Port: field.Name, Namespace: ns, Operation: op, Message: "default " + err.Error()})
			}
		}
		if !field.Required() {
			continue
		}
		if p, ok := n.Input(field.Name); !ok || len(p.Connections) == 0 {
			v.fatal(Issue{Kind: MissingConnection, Node: n.ID, Port: field.Name, Namespace: ns, Operation: op, Message: "required input is not connected"})
		}
	}

	isSender := ns == schematic.NamespaceCore && op == schematic.OpSender
	for _, field := range sig.Outputs {
		if p, ok := n.Output(field.Name); ok && len(p.Connections) > 0 {
			continue
		}
		switch {
		case isSender:
			v.fatal(Issue{Kind: UnusedSender, Node: n.ID, Port: field.Name, Namespace: ns, Operation: op, Message: "sender output is not connected"})
		case v.opts.UnusedOutputFatal:
			v.fatal(Issue{Kind: UnusedOutput, Node: n.ID, Port: field.Name, Namespace: ns, Operation: op, Message: "output is not consumed"})
		default:
			v.warn(Issue{Kind: UnusedOutput, Node: n.ID, Port: field.Name, Namespace: ns, Operation: op, Message: "output is not consumed"})
		}
	}
}

func (v *validator) checkConfig(n *schematic.Node, sig component.OperationSignature) {
	for _, field := range sig.Config {
		value, ok := n.Config[field.Name]
		if !ok {
			if field.Required() {
				v.fatal(Issue{Kind: InvalidConfig, Node: n.ID, Namespace: n.Entity.Namespace, Operation: n.Entity.Operation, Message: fmt.Sprintf("missing config %q", field.Name)})
			}
			continue
		}
		// an explicit null on an optional key means unset
		if value == nil && !field.Required() {
			continue
		}
		if err := field.Type.Check(value); err != nil {
			v.fatal(Issue{Kind: InvalidConfig, Node: n.ID, Namespace: n.Entity.Namespace, Operation: n.Entity.Operation, Message: fmt.Sprintf("config %q: %v", field.Name, err)})
		}
	}
}

// checkLiterals type-checks literals wired into an input port.
func (v *validator) checkLiterals(n *schematic.Node, p schematic.Port, field component.Field) {
	for _, ci := range p.Connections {
		c, err := v.s.ConnectionAt(ci)
		if err != nil || !c.HasData {
			continue
		}
		if err := field.Type.Check(c.Data); err != nil {
			v.fatal(Issue{Kind: InvalidLiteral, Node: n.ID, Port: p.Name, Namespace: n.Entity.Namespace, Operation: n.Entity.Operation, Message: err.Error()})
		}
	}
}
