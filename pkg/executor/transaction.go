// Package executor runs one invocation of a schematic as a transaction:
// it dispatches nodes as their inputs become available, routes the packets
// they emit along the schematic's connections, and isolates failures so a
// broken operation produces error packets instead of aborting the run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/metrics"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a transaction
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateHung
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateHung:
		return "hung"
	}
	return "unknown"
}

// Resolver finds the component that implements an entity.
type Resolver interface {
	Resolve(entity schematic.Entity) (component.Component, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(entity schematic.Entity) (component.Component, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(entity schematic.Entity) (component.Component, error) {
	return f(entity)
}

// NodeStats holds the milestones of one node
type NodeStats struct {
	Dispatched time.Time
	Finished   time.Time
}

// Stats holds the milestones of a transaction. They are for observability only.
type Stats struct {
	Started       time.Time
	Ended         time.Time
	PacketsRouted int64
	Nodes         map[string]NodeStats
}

// Duration returns how long the transaction ran, or has run so far.
func (s Stats) Duration() time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	if s.Ended.IsZero() {
		return time.Since(s.Started)
	}
	return s.Ended.Sub(s.Started)
}

type eventKind int

const (
	eventPacket eventKind = iota
	eventEnd
)

type event struct {
	kind   eventKind
	node   schematic.NodeIndex
	packet packet.Packet
	err    error
}

// Option configures a Transaction
type Option func(*Transaction)

// WithConfig sets the execution policy.
func WithConfig(cfg Config) Option {
	return func(t *Transaction) {
		t.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transaction) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithLimiter bounds concurrent Handle calls.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(t *Transaction) {
		t.limiter = l
	}
}

// WithMetrics records transaction metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transaction) {
		t.metrics = m
	}
}

// WithRootConfig sets the config the schematic was invoked with. Operation
// nodes inherit it for declared config fields their instance leaves unset.
func WithRootConfig(cfg component.Config) Option {
	return func(t *Transaction) {
		t.rootConfig = cfg
	}
}

// WithTracer overrides the tracer used for transaction and node spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Transaction) {
		if tracer != nil {
			t.tracer = tracer
		}
	}
}

// Transaction is the live execution of one invocation of a schematic. It is
// started once and not reused.
type Transaction struct {
	id        string
	schematic *schematic.Schematic
	inv       component.Invocation
	resolver  Resolver
	callback  component.Callback

	rootConfig component.Config

	config  Config
	logger  *zap.Logger
	limiter *concurrency.Limiter
	metrics *metrics.Metrics
	tracer  trace.Tracer

	state  atomic.Int32
	events chan event
	outbox *packet.Queue

	// Owned by the event loop.
	nodes   []*nodeState
	running int

	statsMu sync.Mutex
	stats   Stats
}

// NewTransaction prepares a transaction that runs s for inv.
func NewTransaction(s *schematic.Schematic, inv component.Invocation, resolver Resolver, callback component.Callback, opts ...Option) *Transaction {
	t := &Transaction{
		id:        inv.ID,
		schematic: s,
		inv:       inv,
		resolver:  resolver,
		callback:  callback,
		config:    DefaultConfig(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("conduit/executor"),
		outbox:    packet.NewQueue(),
		stats:     Stats{Nodes: make(map[string]NodeStats)},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.callback == nil {
		t.callback = func(context.Context, component.Invocation, component.Config) (*packet.Stream, error) {
			return nil, sdkerrors.Interpreter("no interpreter available for nested invocations", sdkerrors.ErrTargetNotFound)
		}
	}
	t.logger = t.logger.With(
		zap.String("transaction_id", t.id),
		zap.String("schematic", s.Name()),
	)
	return t
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// State returns the current lifecycle stage.
func (t *Transaction) State() State { return State(t.state.Load()) }

// Stats returns a copy of the milestones recorded so far.
func (t *Transaction) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	out := t.stats
	out.Nodes = make(map[string]NodeStats, len(t.stats.Nodes))
	for k, v := range t.stats.Nodes {
		out.Nodes[k] = v
	}
	return out
}

// Start runs the transaction and returns the stream of packets emitted by the
// schematic's Output node. The stream ends with an error if the transaction
// fails as a whole. Closing it cancels the transaction.
func (t *Transaction) Start(ctx context.Context) (*packet.Stream, error) {
	if !t.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return nil, sdkerrors.State(fmt.Sprintf("transaction %s already started", t.id), nil)
	}
	if err := t.config.Validate(); err != nil {
		t.state.Store(int32(StateFailed))
		return nil, sdkerrors.Execution("invalid transaction config", err)
	}

	ctx, span := t.tracer.Start(ctx, "executor.Transaction",
		trace.WithAttributes(
			attribute.String("transaction.id", t.id),
			attribute.String("transaction.correlation_id", t.inv.CorrelationID),
			attribute.String("schematic.name", t.schematic.Name()),
		),
	)

	t.events = make(chan event, t.config.BufferSize)
	t.prepare()

	out := packet.NewStream(t.config.BufferSize)
	go t.outbox.Pump(ctx, out)

	t.setStarted()
	t.metrics.TransactionStarted()
	t.logger.Debug("Transaction started", zap.Int("nodes", len(t.nodes)))

	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer span.End()
		defer cancel()
		t.loop(loopCtx, out, span)
	}()

	return out, nil
}

// prepare resolves every node and shapes its ports from the operation signature.
func (t *Transaction) prepare() {
	t.nodes = make([]*nodeState, len(t.schematic.Nodes()))
	for i, n := range t.schematic.Nodes() {
		ns := newNodeState(n)
		t.nodes[i] = ns

		comp, err := t.resolver.Resolve(n.Entity)
		if err != nil {
			ns.resolveErr = err
			continue
		}
		ns.comp = comp
		if n.Kind != schematic.KindOperation {
			continue
		}
		sig, found, err := component.OperationSignatureFor(comp, n.Entity.Operation, component.Config(n.Config))
		switch {
		case err != nil:
			ns.resolveErr = err
		case !found:
			ns.resolveErr = sdkerrors.Execution(fmt.Sprintf("%s is not provided", n.Entity), sdkerrors.ErrOperationNotFound)
		default:
			ns.sig = sig
			ns.config = inherit(n.Config, sig, t.rootConfig)
			ns.applyDefaults()
		}
	}
}

// inherit fills the declared config fields an instance leaves unset from the
// schematic's own invocation config. The instance's map is shared and never
// written.
func inherit(own map[string]any, sig component.OperationSignature, root component.Config) component.Config {
	var out component.Config
	for _, field := range sig.Config {
		if _, set := own[field.Name]; set {
			continue
		}
		v, ok := root[field.Name]
		if !ok {
			continue
		}
		if out == nil {
			out = make(component.Config, len(own)+1)
			for k, v := range own {
				out[k] = v
			}
		}
		out[field.Name] = v
	}
	if out == nil {
		return component.Config(own)
	}
	return out
}

func (t *Transaction) loop(ctx context.Context, out *packet.Stream, span trace.Span) {
	for _, ns := range t.nodes {
		if ns.eligible() {
			t.dispatch(ctx, ns)
		}
	}
	if t.check(span) {
		return
	}

	// The hung timer runs only while every running node waits on input.
	var hung <-chan time.Time
	var hungTimer *time.Timer
	if t.config.ErrorOnHung {
		hungTimer = time.NewTimer(t.config.HungTimeout)
		defer hungTimer.Stop()
		hung = hungTimer.C
	}
	armHung := func() {
		if hungTimer == nil {
			return
		}
		if t.waiting() {
			hungTimer.Reset(t.config.HungTimeout)
		} else {
			hungTimer.Stop()
		}
	}
	armHung()
	var deadline <-chan time.Time
	if t.config.Timeout > 0 {
		total := time.NewTimer(t.config.Timeout)
		defer total.Stop()
		deadline = total.C
	}

	for {
		select {
		case ev := <-t.events:
			t.handle(ctx, ev)
			if t.check(span) {
				return
			}
			armHung()

		case <-hung:
			t.logger.Warn("Transaction hung", zap.Duration("hung_timeout", t.config.HungTimeout))
			t.finish(StateHung, sdkerrors.Execution(
				fmt.Sprintf("no progress in %s", t.config.HungTimeout), sdkerrors.ErrHungTimeout), span)
			return

		case <-deadline:
			t.finish(StateFailed, sdkerrors.Execution(
				fmt.Sprintf("transaction exceeded %s", t.config.Timeout), sdkerrors.ErrTimeout), span)
			return

		case <-out.Done():
			t.finish(StateFailed, sdkerrors.Execution("caller closed the output stream", context.Canceled), span)
			return

		case <-ctx.Done():
			t.finish(StateFailed, sdkerrors.Execution("transaction cancelled", ctx.Err()), span)
			return
		}
	}
}

func (t *Transaction) handle(ctx context.Context, ev event) {
	ns := t.nodes[ev.node]
	switch ev.kind {
	case eventPacket:
		t.route(ctx, ns, ev.packet)
	case eventEnd:
		t.running--
		ns.finished = true
		ns.finishedAt = time.Now()
		t.recordNode(ns)
		if ns.input != nil {
			ns.input.Close()
		}
		if ns.queue != nil {
			ns.queue.Close()
		}

		if ev.err != nil {
			msg := failureMessage(ev.err)
			t.metrics.OperationFailed(ns.node.Entity.Namespace, ns.node.Entity.Operation)
			t.logger.Warn("Operation failed",
				zap.String("node", ns.node.ID),
				zap.String("operation", ns.node.Entity.String()),
				zap.Error(ev.err))
			ns.span.RecordError(ev.err)
			ns.span.SetStatus(codes.Error, msg)
			for _, name := range ns.outputNames() {
				if !ns.outDone[name] {
					t.route(ctx, ns, packet.Err(name, msg))
				}
			}
		}
		for _, name := range ns.outputNames() {
			if !ns.outDone[name] {
				t.route(ctx, ns, packet.Done(name))
			}
		}
		ns.span.End()
	}
}

// failureMessage is the text carried by the error packet of a failed node.
func failureMessage(err error) string {
	if errors.Is(err, sdkerrors.ErrOperationPanicked) {
		return sdkerrors.ErrOperationPanicked.Error()
	}
	return err.Error()
}

// route delivers a packet emitted by ns to every connected input.
func (t *Transaction) route(ctx context.Context, ns *nodeState, p packet.Packet) {
	if ns.outDone[p.Port] {
		t.logger.Warn("Dropping packet after done",
			zap.String("node", ns.node.ID),
			zap.String("port", p.Port))
		return
	}

	if ns.node.Kind == schematic.KindOutput {
		if _, ok := ns.node.Input(p.Port); !ok {
			t.logger.Warn("Dropping packet for unknown output", zap.String("port", p.Port))
			return
		}
		if p.IsDone() {
			ns.outDone[p.Port] = true
		}
		t.outbox.Push(p)
		return
	}

	port, ok := ns.node.Output(p.Port)
	if !ok {
		t.logger.Debug("Dropping packet for unconnected port",
			zap.String("node", ns.node.ID),
			zap.String("port", p.Port))
		return
	}
	if p.IsDone() {
		ns.outDone[p.Port] = true
	}

	for _, ci := range port.Connections {
		conn, err := t.schematic.ConnectionAt(ci)
		if err != nil {
			t.logger.Error("Invalid connection", zap.Error(err))
			continue
		}
		target := t.nodes[conn.To.Node]
		if int(conn.To.Port) >= len(target.ports) {
			t.logger.Error("Invalid target port", zap.Stringer("to", conn.To))
			continue
		}
		t.deliver(ctx, target, int(conn.To.Port), p)
	}
}

func (t *Transaction) deliver(ctx context.Context, ns *nodeState, idx int, p packet.Packet) {
	if ns.finished {
		t.logger.Debug("Dropping packet for finished node", zap.String("node", ns.node.ID))
		return
	}
	forward, err := ns.accept(idx, p)
	if errors.Is(err, errUnbalancedBracket) {
		t.logger.Warn("Unbalanced close bracket",
			zap.String("node", ns.node.ID),
			zap.String("port", ns.ports[idx].name))
		p = packet.Err(p.Port, err.Error())
		forward, err = ns.accept(idx, p)
	}
	if err != nil {
		t.logger.Warn("Dropping packet for closed port",
			zap.String("node", ns.node.ID),
			zap.String("port", ns.ports[idx].name))
		return
	}

	t.addRouted()
	t.metrics.PacketRouted()
	if forward {
		ns.push(p.WithPort(ns.ports[idx].name))
	}

	if ns.queue != nil && ns.allClosed() {
		ns.queue.Close()
	}
	if ns.eligible() {
		t.dispatch(ctx, ns)
	}
}

// dispatch starts the node's operation in its own goroutine.
func (t *Transaction) dispatch(ctx context.Context, ns *nodeState) {
	ns.dispatched = true
	ns.dispatchedAt = time.Now()
	t.running++
	t.recordNode(ns)
	t.metrics.Dispatched(ns.node.Entity.Namespace, ns.node.Entity.Operation)

	config := ns.config
	var input *packet.Stream

	switch ns.node.Kind {
	case schematic.KindInput:
		input = t.inv.Input
		if input == nil {
			input = packet.Empty()
		}
		config = component.Config{"ports": ns.outputNames()}
	default:
		if ns.node.Kind == schematic.KindOutput {
			config = component.Config{"ports": ns.outputNames()}
		}
		ns.queue = packet.NewQueue()
		for _, p := range ns.pending {
			ns.push(p)
		}
		ns.pending = nil
		if ns.allClosed() {
			ns.queue.Close()
		}
		input = packet.NewStream(t.config.BufferSize)
		go ns.queue.Pump(ctx, input)
	}
	ns.input = input

	nodeCtx, span := t.tracer.Start(ctx, "executor.Node",
		trace.WithAttributes(
			attribute.String("node.id", ns.node.ID),
			attribute.String("node.operation", ns.node.Entity.String()),
		),
	)
	ns.span = span

	t.logger.Debug("Dispatching node",
		zap.String("node", ns.node.ID),
		zap.String("operation", ns.node.Entity.String()))

	inv := t.inv.Child(ns.node.Entity, input)
	go t.run(nodeCtx, ctx, ns, inv, config)
}

// run drives one operation and reports its packets to the event loop. It
// never touches the node's state.
func (t *Transaction) run(ctx, loopCtx context.Context, ns *nodeState, inv component.Invocation, config component.Config) {
	index := ns.node.Index
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Operation panicked",
				zap.String("node", ns.node.ID),
				zap.Any("panic", r))
			runErr = sdkerrors.ErrOperationPanicked
		}
		t.post(loopCtx, event{kind: eventEnd, node: index, err: runErr})
	}()

	if ns.resolveErr != nil {
		runErr = ns.resolveErr
		return
	}

	var out *packet.Stream
	call := func() error {
		s, err := ns.comp.Handle(ctx, inv, config, t.callback)
		if err != nil {
			return err
		}
		if s == nil {
			return sdkerrors.Execution(fmt.Sprintf("%s returned no stream", ns.node.Entity), sdkerrors.ErrNoResponse)
		}
		out = s
		return nil
	}
	if t.limiter != nil {
		runErr = t.limiter.Run(ctx, call)
	} else {
		runErr = call()
	}
	if runErr != nil {
		return
	}

	for {
		p, err := out.Recv(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			runErr = err
			return
		}
		if !t.post(loopCtx, event{kind: eventPacket, node: index, packet: p}) {
			out.Close()
			return
		}
	}
}

func (t *Transaction) post(ctx context.Context, ev event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// check finishes the transaction once the Output node has closed every port
// or nothing is left running.
func (t *Transaction) check(span trace.Span) bool {
	outputs := t.nodes[schematic.OutputIndex]
	want := len(outputs.node.Inputs())
	if want > 0 && len(outputs.outDone) == want {
		if t.config.ErrorOnMissing {
			if missing := t.leftover(); missing != "" {
				t.finish(StateFailed, sdkerrors.Execution(
					fmt.Sprintf("input never consumed by %s", missing), sdkerrors.ErrMissingInput), span)
				return true
			}
		}
		t.finish(StateCompleted, nil, span)
		return true
	}

	if t.running > 0 {
		return false
	}

	// Nothing can produce another event.
	if want > 0 && t.config.ErrorOnHung {
		t.finish(StateHung, sdkerrors.Execution(
			"schematic stalled before its outputs closed", sdkerrors.ErrHungTimeout), span)
		return true
	}
	for _, p := range outputs.node.Inputs() {
		if !outputs.outDone[p.Name] {
			t.outbox.Push(packet.Done(p.Name))
			outputs.outDone[p.Name] = true
		}
	}
	if t.config.ErrorOnMissing {
		if missing := t.leftover(); missing != "" {
			t.finish(StateFailed, sdkerrors.Execution(
				fmt.Sprintf("input never consumed by %s", missing), sdkerrors.ErrMissingInput), span)
			return true
		}
	}
	t.finish(StateCompleted, nil, span)
	return true
}

// waiting reports whether no running node holds all of its input.
func (t *Transaction) waiting() bool {
	for _, ns := range t.nodes {
		if ns.busy() {
			return false
		}
	}
	return true
}

func (t *Transaction) leftover() string {
	for _, ns := range t.nodes {
		if ns.leftover() > 0 {
			return ns.node.ID
		}
	}
	return ""
}

func (t *Transaction) finish(state State, err error, span trace.Span) {
	t.state.Store(int32(state))
	t.statsMu.Lock()
	t.stats.Ended = time.Now()
	duration := t.stats.Ended.Sub(t.stats.Started)
	t.statsMu.Unlock()

	for _, ns := range t.nodes {
		if ns.dispatched && !ns.finished && ns.span != nil {
			ns.span.End()
		}
	}

	span.SetAttributes(attribute.String("transaction.state", state.String()))
	if err != nil {
		t.outbox.Fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Warn("Transaction failed",
			zap.String("state", state.String()),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		t.outbox.Close()
		span.SetStatus(codes.Ok, "Transaction completed")
		t.logger.Debug("Transaction completed", zap.Duration("duration", duration))
	}

	status := metrics.StatusCompleted
	switch state {
	case StateFailed:
		status = metrics.StatusFailed
	case StateHung:
		status = metrics.StatusHung
	}
	t.metrics.TransactionFinished(t.schematic.Name(), status, duration)
}

func (t *Transaction) setStarted() {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.Started = time.Now()
}

func (t *Transaction) addRouted() {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.PacketsRouted++
}

func (t *Transaction) recordNode(ns *nodeState) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.Nodes[ns.node.ID] = NodeStats{Dispatched: ns.dispatchedAt, Finished: ns.finishedAt}
}
