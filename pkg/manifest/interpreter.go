package manifest

import (
	"context"
	"fmt"
	"os"

	"github.com/wehubfusion/Conduit/pkg/codec"
	"github.com/wehubfusion/Conduit/pkg/collections/blob"
	"github.com/wehubfusion/Conduit/pkg/collections/remote"
	"github.com/wehubfusion/Conduit/pkg/collections/script"
	"github.com/wehubfusion/Conduit/pkg/collections/stdlib"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/interpreter"
	"github.com/wehubfusion/Conduit/pkg/metrics"
	"github.com/wehubfusion/Conduit/pkg/storage"
	"go.uber.org/zap"
)

// Deps supplies what a manifest cannot construct itself.
type Deps struct {
	Logger *zap.Logger
	// Requester reaches remote collections; required when the manifest declares any
	Requester remote.Requester
	// Store backs the blob namespace instead of the manifest's connection string
	Store   storage.BlobStore
	Metrics *metrics.Metrics
}

func (m *Manifest) blobNamespace() string {
	if m.Blob != nil && m.Blob.Namespace != "" {
		return m.Blob.Namespace
	}
	return blob.Namespace
}

// Collections builds every collection the manifest declares, plus the
// standard library under "std" unless a declared namespace claims it.
// Collections created before a failure are shut down.
func (m *Manifest) Collections(ctx context.Context, deps Deps) (map[string]component.Component, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(map[string]component.Component)
	fail := func(err error) (map[string]component.Component, error) {
		for _, c := range out {
			if s, ok := c.(component.Shutdowner); ok {
				_ = s.Shutdown(ctx)
			}
		}
		return nil, err
	}

	for _, sc := range m.Scripts {
		c, err := m.scriptCollection(sc, logger)
		if err != nil {
			return fail(err)
		}
		out[sc.Namespace] = c
	}

	for _, rc := range m.Remotes {
		if deps.Requester == nil {
			return fail(sdkerrors.Validation(fmt.Sprintf("remote namespace %q needs a NATS connection", rc.Namespace), sdkerrors.ErrNotConnected))
		}
		opts := []remote.Option{
			remote.WithLogger(logger),
			remote.WithSubjectPrefix(rc.SubjectPrefix),
			remote.WithTimeout(rc.Timeout),
		}
		if rc.Codec != "" {
			cd, err := codec.ByName(rc.Codec)
			if err != nil {
				return fail(sdkerrors.Validation(fmt.Sprintf("remote namespace %q", rc.Namespace), err))
			}
			opts = append(opts, remote.WithCodec(cd))
		}
		if deps.Store != nil {
			opts = append(opts, remote.WithBlobDownloader(deps.Store))
		}
		c, err := remote.Discover(ctx, rc.Namespace, deps.Requester, opts...)
		if err != nil {
			return fail(err)
		}
		out[rc.Namespace] = c
	}

	if m.Blob != nil {
		store, err := m.blobStore(deps, logger)
		if err != nil {
			return fail(err)
		}
		out[m.blobNamespace()] = blob.New(store, logger)
	}

	if _, claimed := out[stdlib.Namespace]; !claimed {
		out[stdlib.Namespace] = stdlib.New(logger)
	}
	return out, nil
}

func (m *Manifest) scriptCollection(sc ScriptCollection, logger *zap.Logger) (*script.Collection, error) {
	c, err := script.New(sc.Namespace, sc.Config, logger)
	if err != nil {
		return nil, err
	}
	for _, op := range sc.Operations {
		sig, err := op.Signature()
		if err != nil {
			_ = c.Shutdown(context.Background())
			return nil, sdkerrors.Validation(fmt.Sprintf("script namespace %q", sc.Namespace), err)
		}
		source := op.Source
		if op.File != "" {
			data, err := readFile(m.resolve(op.File))
			if err != nil {
				_ = c.Shutdown(context.Background())
				return nil, err
			}
			source = string(data)
		}
		if err := c.Add(sig, source); err != nil {
			_ = c.Shutdown(context.Background())
			return nil, err
		}
	}
	return c, nil
}

func (m *Manifest) blobStore(deps Deps, logger *zap.Logger) (storage.BlobStore, error) {
	if deps.Store != nil {
		return deps.Store, nil
	}
	conn := os.ExpandEnv(m.Blob.ConnectionString)
	if conn == "" {
		logger.Warn("Blob namespace has no connection string, keeping blobs in memory",
			zap.String("namespace", m.blobNamespace()))
		return storage.NewMemoryStore(), nil
	}
	container := m.Blob.Container
	if container == "" {
		container = "conduit"
	}
	store, err := storage.NewAzureBlobClient(conn, container, logger)
	if err != nil {
		return nil, sdkerrors.Validation("invalid blob configuration", err)
	}
	return store, nil
}

// NewInterpreter builds the network and its collections and returns an
// interpreter over them. Settings from CONDUIT_* environment variables are
// applied first and the manifest's interpreter section overrides them.
func (m *Manifest) NewInterpreter(ctx context.Context, deps Deps, extra ...interpreter.Option) (*interpreter.Interpreter, error) {
	network, err := m.Build()
	if err != nil {
		return nil, err
	}
	opts := []interpreter.Option{
		interpreter.WithLogger(deps.Logger),
		interpreter.WithConfig(m.Interpreter.Config(interpreter.ConfigFromEnv())),
		interpreter.WithMetrics(deps.Metrics),
	}
	if m.Library != "" {
		library, err := LoadLibrary(m.resolve(m.Library))
		if err != nil {
			return nil, err
		}
		opts = append(opts, interpreter.WithLibrary(library))
	}
	collections, err := m.Collections(ctx, deps)
	if err != nil {
		return nil, err
	}
	for ns, c := range collections {
		opts = append(opts, interpreter.WithCollection(ns, c))
	}

	i, err := interpreter.New(network, append(opts, extra...)...)
	if err != nil {
		for _, c := range collections {
			if s, ok := c.(component.Shutdowner); ok {
				_ = s.Shutdown(ctx)
			}
		}
		return nil, err
	}
	return i, nil
}
