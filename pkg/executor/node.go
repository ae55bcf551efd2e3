package executor

import (
	"errors"
	"time"

	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"go.opentelemetry.io/otel/trace"
)

var (
	errPortClosed        = errors.New("port is closed")
	errUnbalancedBracket = errors.New("close bracket without a matching open bracket")
)

// portState tracks one input port of a node for the life of a transaction.
type portState struct {
	name string
	// sources counts inbound connections that have not sent Done yet
	sources int
	closed  bool
	depth   int
	ready   bool
}

// nodeState is owned by the transaction's event loop; node goroutines never touch it.
type nodeState struct {
	node *schematic.Node
	comp component.Component
	sig  component.OperationSignature
	// config is what the operation is handed
	config component.Config
	// resolveErr is reported when the node is dispatched
	resolveErr error

	ports   []portState
	pending []packet.Packet
	queue   *packet.Queue
	input   *packet.Stream
	// delivered counts data packets handed to the running operation
	delivered int

	dispatched bool
	finished   bool
	outDone    map[string]bool

	span         trace.Span
	dispatchedAt time.Time
	finishedAt   time.Time
}

func newNodeState(n *schematic.Node) *nodeState {
	ns := &nodeState{
		node:    n,
		config:  component.Config(n.Config),
		outDone: make(map[string]bool),
	}
	for _, p := range n.Inputs() {
		ns.ports = append(ns.ports, portState{
			name:    p.Name,
			sources: len(p.Connections),
			closed:  len(p.Connections) == 0,
		})
	}
	return ns
}

// applyDefaults feeds declared defaults into inputs nothing is wired to.
func (ns *nodeState) applyDefaults() {
	for _, field := range ns.sig.Inputs {
		if field.Default == nil {
			continue
		}
		idx := -1
		for i, p := range ns.ports {
			if p.name == field.Name {
				idx = i
			}
		}
		if idx >= 0 && ns.ports[idx].sources > 0 {
			continue
		}
		if idx < 0 {
			ns.ports = append(ns.ports, portState{name: field.Name, closed: true})
			idx = len(ns.ports) - 1
		}
		ns.ports[idx].ready = true
		ns.ports[idx].closed = true
		ns.pending = append(ns.pending, packet.Ok(field.Name, field.Default), packet.Done(field.Name))
	}
}

// outputNames lists the ports a node emits on. The Output node re-emits its inputs.
func (ns *nodeState) outputNames() []string {
	names := []string{}
	if ns.node.Kind == schematic.KindOutput {
		for _, p := range ns.node.Inputs() {
			names = append(names, p.Name)
		}
		return names
	}
	for _, p := range ns.node.Outputs() {
		names = append(names, p.Name)
	}
	return names
}

func (ns *nodeState) allClosed() bool {
	for _, p := range ns.ports {
		if !p.closed {
			return false
		}
	}
	return true
}

// eligible applies the node's policy to its buffered input.
func (ns *nodeState) eligible() bool {
	if ns.dispatched {
		return false
	}
	if len(ns.ports) == 0 {
		return true
	}

	switch ns.node.Policy {
	case schematic.PolicyFirstPacket:
		return len(ns.pending) > 0 || ns.allClosed()
	case schematic.PolicyWaitForDone:
		return ns.allClosed()
	}
	for _, p := range ns.ports {
		if !p.ready && !p.closed {
			return false
		}
	}
	return true
}

// accept records p on port idx. It returns errPortClosed when the port no
// longer takes packets and errUnbalancedBracket for a close bracket at depth
// zero; in both cases p must not be forwarded. A Done is forwarded only when
// the last inbound connection closes.
func (ns *nodeState) accept(idx int, p packet.Packet) (forward bool, err error) {
	ps := &ns.ports[idx]
	if ps.closed {
		return false, errPortClosed
	}

	if p.IsDone() {
		ps.sources--
		if ps.sources > 0 {
			return false, nil
		}
		ps.closed = true
		return true, nil
	}

	switch {
	case p.IsOpenBracket():
		ps.depth++
	case p.IsCloseBracket():
		if ps.depth == 0 {
			return false, errUnbalancedBracket
		}
		ps.depth--
		if ps.depth == 0 {
			ps.ready = true
		}
	case ps.depth == 0:
		ps.ready = true
	}
	return true, nil
}

// push hands p to the node, buffering it until the node is dispatched.
func (ns *nodeState) push(p packet.Packet) {
	if ns.queue != nil {
		if !p.IsSignal() {
			ns.delivered++
		}
		ns.queue.Push(p)
		return
	}
	ns.pending = append(ns.pending, p)
}

// busy reports whether a running operation holds all of its input, so it is
// working rather than waiting on another node.
func (ns *nodeState) busy() bool {
	return ns.dispatched && !ns.finished &&
		ns.node.Kind == schematic.KindOperation && ns.resolveErr == nil &&
		ns.allClosed()
}

// leftover counts data packets that never reached the operation: everything
// buffered for a node that was never dispatched, and whatever a finished node
// left unread. Nodes still running are not counted.
func (ns *nodeState) leftover() int {
	if !ns.dispatched {
		n := 0
		for _, p := range ns.pending {
			if !p.IsSignal() {
				n++
			}
		}
		return n
	}
	if !ns.finished || ns.input == nil || ns.node.Kind == schematic.KindInput {
		return 0
	}
	if n := ns.delivered - ns.input.Received(); n > 0 {
		return n
	}
	return 0
}
