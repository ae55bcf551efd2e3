// Package blob provides the blob namespace: put, get and delete operations
// over a storage.BlobStore such as Azure Blob Storage.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/tidwall/gjson"
	"github.com/wehubfusion/Conduit/pkg/collections/native"
	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/storage"
	"go.uber.org/zap"
)

// Namespace is the conventional namespace of this collection.
const Namespace = "blob"

type ops struct {
	store  storage.BlobStore
	logger *zap.Logger
}

// New returns a blob collection backed by store.
func New(store storage.BlobStore, logger *zap.Logger) *native.Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &ops{store: store, logger: logger}
	c := native.New(Namespace, native.WithLogger(logger), native.WithVersion("1.0.0"))

	c.Add(component.OperationSignature{
		Name: "put",
		Inputs: []component.Field{
			{Name: "path", Type: component.TypeString},
			{Name: "data", Type: component.TypeAny},
		},
		Outputs: []component.Field{{Name: "reference", Type: component.TypeString}},
		Config:  []component.Field{{Name: "prefix", Type: component.TypeString, Optional: true}},
	}, o.put)

	c.Add(component.OperationSignature{
		Name:    "get",
		Inputs:  []component.Field{{Name: "reference", Type: component.TypeString}},
		Outputs: []component.Field{{Name: "data", Type: component.TypeAny}},
		Config:  []component.Field{{Name: "raw", Type: component.TypeBool, Optional: true}},
	}, o.get)

	c.Add(component.OperationSignature{
		Name:    "delete",
		Inputs:  []component.Field{{Name: "reference", Type: component.TypeString}},
		Outputs: []component.Field{{Name: "deleted", Type: component.TypeBool}},
	}, o.delete)

	return c
}

// put stores strings and bytes as-is and everything else as JSON.
func (o *ops) put(ctx context.Context, in native.Inputs, config component.Config) (native.Outputs, error) {
	blobPath := in.String("path")
	if blobPath == "" {
		return nil, fmt.Errorf("put: path is empty")
	}
	if prefix := config.String("prefix"); prefix != "" {
		blobPath = path.Join(prefix, blobPath)
	}

	var data []byte
	switch v := in["data"].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("put: cannot encode data: %w", err)
		}
		data = raw
	}

	metadata := map[string]string{}
	if inv, _, ok := native.Caller(ctx); ok {
		metadata["invocation_id"] = inv.ID
		metadata["correlation_id"] = inv.CorrelationID
	}

	ref, err := o.store.Upload(ctx, blobPath, data, metadata)
	if err != nil {
		return nil, fmt.Errorf("put: %w", err)
	}
	o.logger.Debug("Stored blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return native.Outputs{"reference": ref}, nil
}

// get returns JSON documents decoded and any other content as a string,
// unless raw is set.
func (o *ops) get(ctx context.Context, in native.Inputs, config component.Config) (native.Outputs, error) {
	ref := in.String("reference")
	if ref == "" {
		return nil, fmt.Errorf("get: reference is empty")
	}
	data, err := o.store.Download(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}

	if raw, _ := config["raw"].(bool); raw || !gjson.ValidBytes(data) {
		return native.Outputs{"data": string(data)}, nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return native.Outputs{"data": doc}, nil
}

func (o *ops) delete(ctx context.Context, in native.Inputs, _ component.Config) (native.Outputs, error) {
	ref := in.String("reference")
	if ref == "" {
		return nil, fmt.Errorf("delete: reference is empty")
	}
	if err := o.store.Delete(ctx, ref); err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	return native.Outputs{"deleted": true}, nil
}
