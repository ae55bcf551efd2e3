// Package interpreter is the entry point for running schematics. It owns the
// validated schematics of a network, the namespace registry of components,
// and the lifecycle of both.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wehubfusion/Conduit/pkg/builtins"
	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/executor"
	"github.com/wehubfusion/Conduit/pkg/metrics"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"github.com/wehubfusion/Conduit/pkg/validate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Option configures an Interpreter
type Option func(*Interpreter)

// WithCollection registers a component under a namespace.
func WithCollection(namespace string, c component.Component) Option {
	return func(i *Interpreter) {
		i.collections[namespace] = c
		i.owned[namespace] = true
	}
}

// WithLibrary supplies the networks that imports resolve against.
func WithLibrary(library map[string]*schematic.Network) Option {
	return func(i *Interpreter) {
		i.library = library
	}
}

// WithConfig sets the interpreter configuration.
func WithConfig(cfg Config) Option {
	return func(i *Interpreter) {
		i.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Interpreter) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithMetrics records transaction and validation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interpreter) {
		i.metrics = m
	}
}

// WithLimiter bounds concurrent operation dispatches across every transaction.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(i *Interpreter) {
		i.limiter = l
	}
}

// withShared makes a parent's collections visible to an imported network
// without taking ownership of them.
func withShared(collections map[string]component.Component) Option {
	return func(i *Interpreter) {
		for ns, c := range collections {
			if _, ok := i.collections[ns]; !ok {
				i.collections[ns] = c
			}
		}
	}
}

func withVisited(visited map[string]bool) Option {
	return func(i *Interpreter) {
		i.visited = visited
	}
}

// Interpreter runs the schematics of one network.
type Interpreter struct {
	network *schematic.Network
	library map[string]*schematic.Network
	visited map[string]bool

	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	limiter *concurrency.Limiter

	mu          sync.RWMutex
	collections map[string]component.Component
	// owned namespaces are started and shut down by this interpreter
	owned map[string]bool
}

var _ component.Component = (*Interpreter)(nil)
var _ component.Shutdowner = (*Interpreter)(nil)
var _ component.Starter = (*Interpreter)(nil)

// New resolves the network's imports, validates every schematic and returns
// an interpreter ready to invoke them. A network with any fatal issue is
// rejected as a whole.
func New(network *schematic.Network, opts ...Option) (*Interpreter, error) {
	if network == nil {
		return nil, sdkerrors.Interpreter("network is required", sdkerrors.ErrInvalidConfig)
	}

	i := &Interpreter{
		network:     network,
		config:      DefaultConfig(),
		logger:      zap.NewNop(),
		collections: make(map[string]component.Component),
		owned:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	if err := i.config.Validate(); err != nil {
		return nil, sdkerrors.Interpreter("invalid interpreter config", err)
	}
	i.logger = i.logger.With(zap.String("network", network.Name))

	if _, ok := i.collections[schematic.NamespaceCore]; !ok {
		i.collections[schematic.NamespaceCore] = builtins.New(
			builtins.WithLogger(i.logger),
			builtins.WithBufferSize(i.config.Executor.BufferSize),
		)
	}

	if err := i.resolveImports(); err != nil {
		return nil, err
	}
	if err := i.validateAll(); err != nil {
		return nil, err
	}

	i.logger.Info("Network registered",
		zap.Int("schematics", len(network.Schematics)),
		zap.Strings("namespaces", i.Namespaces()))
	return i, nil
}

// resolveImports builds a nested interpreter for each imported network.
func (i *Interpreter) resolveImports() error {
	visited := make(map[string]bool, len(i.visited)+1)
	for name := range i.visited {
		visited[name] = true
	}
	visited[i.network.Name] = true

	for _, imp := range i.network.Imports {
		if visited[imp.Network] {
			return sdkerrors.Interpreter(
				fmt.Sprintf("import of %q into namespace %q forms a cycle", imp.Network, imp.Namespace),
				sdkerrors.ErrNetworkUnresolvable)
		}
		target, ok := i.library[imp.Network]
		if !ok || target == nil {
			return sdkerrors.Interpreter(
				fmt.Sprintf("imported network %q is not in the library", imp.Network),
				sdkerrors.ErrNetworkUnresolvable)
		}

		child, err := New(target,
			WithConfig(i.config),
			WithLogger(i.logger),
			WithMetrics(i.metrics),
			WithLimiter(i.limiter),
			WithLibrary(i.library),
			withVisited(visited),
			withShared(i.collections),
		)
		if err != nil {
			return sdkerrors.Interpreter(fmt.Sprintf("failed to import network %q", imp.Network), err)
		}
		i.collections[imp.Namespace] = child
		i.owned[imp.Namespace] = true
	}
	return nil
}

func (i *Interpreter) validateAll() error {
	var errs []error
	for _, s := range i.network.Schematics {
		result := validate.Validate(s, validate.ResolverFunc(i.lookup), i.config.Validation)
		for _, w := range result.Warnings {
			i.metrics.ValidationIssue(string(w.Kind), false)
			i.logger.Warn("Schematic warning",
				zap.String("schematic", s.Name()),
				zap.String("issue", w.Error()))
		}
		for _, e := range result.Errors {
			i.metrics.ValidationIssue(string(e.Kind), true)
		}
		if err := result.Err(); err != nil {
			i.logger.Error("Schematic rejected", zap.String("schematic", s.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return sdkerrors.Validation(fmt.Sprintf("network %q is invalid", i.network.Name), errors.Join(errs...))
	}
	return nil
}

// lookup resolves a namespace to its component. Self is this interpreter.
func (i *Interpreter) lookup(namespace string) (component.Component, bool) {
	if namespace == "" || namespace == schematic.NamespaceSelf {
		return i, true
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	c, ok := i.collections[namespace]
	return c, ok
}

// Resolve implements executor.Resolver.
func (i *Interpreter) Resolve(entity schematic.Entity) (component.Component, error) {
	c, ok := i.lookup(entity.Namespace)
	if !ok {
		return nil, i.targetNotFound(entity)
	}
	return c, nil
}

func (i *Interpreter) targetNotFound(entity schematic.Entity) error {
	return sdkerrors.Interpreter(
		fmt.Sprintf("no provider for %s, known namespaces: %s", entity, strings.Join(i.Namespaces(), ", ")),
		sdkerrors.ErrTargetNotFound)
}

// Register adds or replaces the component serving a namespace.
func (i *Interpreter) Register(namespace string, c component.Component) error {
	if namespace == "" || namespace == schematic.NamespaceSelf {
		return sdkerrors.Interpreter(fmt.Sprintf("namespace %q is reserved", namespace), sdkerrors.ErrInvalidConfig)
	}
	if c == nil {
		return sdkerrors.Interpreter(fmt.Sprintf("no component given for namespace %q", namespace), sdkerrors.ErrInvalidConfig)
	}

	i.mu.Lock()
	_, replaced := i.collections[namespace]
	i.collections[namespace] = c
	i.owned[namespace] = true
	i.mu.Unlock()

	i.logger.Info("Collection registered", zap.String("namespace", namespace), zap.Bool("replaced", replaced))
	return nil
}

// Namespaces lists the registered namespaces, self included, in sorted order.
func (i *Interpreter) Namespaces() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.collections)+1)
	names = append(names, schematic.NamespaceSelf)
	for ns := range i.collections {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Network returns the network this interpreter runs.
func (i *Interpreter) Network() *schematic.Network {
	return i.network
}

// Invoke runs the invocation's target and returns its output stream.
func (i *Interpreter) Invoke(ctx context.Context, inv component.Invocation) (*packet.Stream, error) {
	return i.InvokeWithConfig(ctx, inv, nil)
}

// InvokeWithConfig runs the target with per-call config. A schematic target
// starts a transaction; any other target is handed to its collection.
func (i *Interpreter) InvokeWithConfig(ctx context.Context, inv component.Invocation, config component.Config) (*packet.Stream, error) {
	ns := inv.Target.Namespace
	if ns == "" || ns == schematic.NamespaceSelf {
		return i.run(ctx, inv, config)
	}

	c, ok := i.lookup(ns)
	if !ok {
		return nil, i.targetNotFound(inv.Target)
	}
	return c.Handle(ctx, inv, config, i.callback)
}

func (i *Interpreter) callback(ctx context.Context, inv component.Invocation, config component.Config) (*packet.Stream, error) {
	return i.InvokeWithConfig(ctx, inv, config)
}

// run starts a transaction for the schematic named by the invocation target.
// Its operations inherit config for declared fields their instances leave unset.
func (i *Interpreter) run(ctx context.Context, inv component.Invocation, config component.Config) (*packet.Stream, error) {
	s, ok := i.network.Schematic(inv.Target.Operation)
	if !ok {
		return nil, sdkerrors.Interpreter(
			fmt.Sprintf("network %q has no schematic %q", i.network.Name, inv.Target.Operation),
			sdkerrors.ErrSchematicNotFound)
	}
	if inv.ID == "" {
		inv = component.NewInvocation(inv.Origin, inv.Target, inv.Input)
	}

	tx := executor.NewTransaction(s, inv, i, i.callback,
		executor.WithConfig(i.config.Executor),
		executor.WithLogger(i.logger),
		executor.WithLimiter(i.limiter),
		executor.WithMetrics(i.metrics),
		executor.WithRootConfig(config),
	)
	return tx.Start(ctx)
}

// Signature lists one operation per schematic, shaped by its boundary ports.
func (i *Interpreter) Signature() component.Signature {
	sig := component.Signature{Name: i.network.Name}
	for _, s := range i.network.Schematics {
		op := component.OperationSignature{Name: s.Name()}
		for _, p := range s.InputNode().Outputs() {
			op.Inputs = append(op.Inputs, component.Field{Name: p.Name, Type: component.TypeAny})
		}
		for _, p := range s.OutputNode().Inputs() {
			op.Outputs = append(op.Outputs, component.Field{Name: p.Name, Type: component.TypeAny})
		}
		sig.Operations = append(sig.Operations, op)
	}
	return sig
}

// Handle runs the schematic named by the invocation's operation with the
// importing instance's config. It lets an interpreter serve as the collection
// of an importing network.
func (i *Interpreter) Handle(ctx context.Context, inv component.Invocation, config component.Config, _ component.Callback) (*packet.Stream, error) {
	return i.run(ctx, inv, config)
}

// Start starts every owned collection that needs it, stopping at the first failure.
func (i *Interpreter) Start(ctx context.Context) error {
	for _, ns := range i.ownedNamespaces() {
		c, _ := i.lookup(ns)
		starter, ok := c.(component.Starter)
		if !ok {
			continue
		}
		if err := starter.Start(ctx); err != nil {
			return sdkerrors.Interpreter(fmt.Sprintf("failed to start collection %q", ns), err)
		}
		i.logger.Debug("Collection started", zap.String("namespace", ns))
	}
	return nil
}

// Shutdown releases every owned collection. It goes through all of them even
// when one fails and returns the first error.
func (i *Interpreter) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, ns := range i.ownedNamespaces() {
		ns := ns
		c, _ := i.lookup(ns)
		s, ok := c.(component.Shutdowner)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				i.logger.Warn("Collection shutdown failed", zap.String("namespace", ns), zap.Error(err))
				return sdkerrors.Interpreter(fmt.Sprintf("failed to shut down collection %q", ns), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (i *Interpreter) ownedNamespaces() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.owned))
	for ns := range i.owned {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}
