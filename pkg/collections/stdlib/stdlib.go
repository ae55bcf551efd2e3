// Package stdlib provides the std namespace: small general-purpose
// operations for arithmetic, strings, JSON documents and identifiers.
package stdlib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wehubfusion/Conduit/pkg/collections/native"
	"github.com/wehubfusion/Conduit/pkg/component"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Namespace is the conventional namespace of this collection.
const Namespace = "std"

// New returns the std collection.
func New(logger *zap.Logger) *native.Collection {
	c := native.New(Namespace, native.WithLogger(logger), native.WithVersion("1.0.0"))

	c.Add(component.OperationSignature{
		Name:    "add",
		Inputs:  []component.Field{{Name: "input", Type: component.TypeObject}},
		Outputs: []component.Field{{Name: "output", Type: component.TypeFloat}},
	}, add)

	c.Add(component.OperationSignature{
		Name: "concat",
		Inputs: []component.Field{
			{Name: "left", Type: component.TypeString},
			{Name: "right", Type: component.TypeString},
		},
		Outputs: []component.Field{{Name: "output", Type: component.TypeString}},
		Config:  []component.Field{{Name: "separator", Type: component.TypeString, Optional: true}},
	}, concat)

	c.Add(component.OperationSignature{
		Name:    "title",
		Inputs:  []component.Field{{Name: "input", Type: component.TypeString}},
		Outputs: []component.Field{{Name: "output", Type: component.TypeString}},
	}, title)

	c.Add(component.OperationSignature{
		Name:    "pluck",
		Inputs:  []component.Field{{Name: "input", Type: component.TypeAny}},
		Outputs: []component.Field{{Name: "output", Type: component.TypeAny}},
		Config:  []component.Field{{Name: "path", Type: component.TypeString}},
	}, pluck)

	c.Add(component.OperationSignature{
		Name: "set",
		Inputs: []component.Field{
			{Name: "input", Type: component.TypeAny},
			{Name: "value", Type: component.TypeAny},
		},
		Outputs: []component.Field{{Name: "output", Type: component.TypeObject}},
		Config:  []component.Field{{Name: "path", Type: component.TypeString}},
	}, set)

	c.Add(component.OperationSignature{
		Name:    "uuid",
		Outputs: []component.Field{{Name: "output", Type: component.TypeString}},
	}, newUUID)

	return c
}

// add sums the left and right members of its input object.
func add(_ context.Context, in native.Inputs, _ component.Config) (native.Outputs, error) {
	obj, ok := in["input"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("add: input must be an object with left and right")
	}
	left, err := number(obj, "left")
	if err != nil {
		return nil, err
	}
	right, err := number(obj, "right")
	if err != nil {
		return nil, err
	}
	return native.Outputs{"output": left + right}, nil
}

func number(obj map[string]any, key string) (float64, error) {
	v, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("add: missing %q", key)
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("add: %q is %T, not a number", key, v)
}

func concat(_ context.Context, in native.Inputs, config component.Config) (native.Outputs, error) {
	return native.Outputs{"output": in.String("left") + config.String("separator") + in.String("right")}, nil
}

// title capitalizes every word using Unicode-aware rules.
func title(_ context.Context, in native.Inputs, _ component.Config) (native.Outputs, error) {
	return native.Outputs{"output": cases.Title(language.Und).String(in.String("input"))}, nil
}

// pluck reads one value out of a JSON document with a gjson path.
func pluck(_ context.Context, in native.Inputs, config component.Config) (native.Outputs, error) {
	path := config.String("path")
	if path == "" {
		return nil, fmt.Errorf("pluck: path is required")
	}
	doc, err := document(in["input"])
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(doc, path)
	if !result.Exists() {
		return nil, fmt.Errorf("pluck: path %q does not exist", path)
	}
	return native.Outputs{"output": result.Value()}, nil
}

// set writes value into a JSON document at an sjson path.
func set(_ context.Context, in native.Inputs, config component.Config) (native.Outputs, error) {
	path := config.String("path")
	if path == "" {
		return nil, fmt.Errorf("set: path is required")
	}
	doc, err := document(in["input"])
	if err != nil {
		return nil, err
	}
	updated, err := sjson.SetBytes(doc, path, in["value"])
	if err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(updated, &out); err != nil {
		return nil, fmt.Errorf("set: result is not an object: %w", err)
	}
	return native.Outputs{"output": out}, nil
}

func newUUID(context.Context, native.Inputs, component.Config) (native.Outputs, error) {
	return native.Outputs{"output": uuid.NewString()}, nil
}

// document accepts a JSON string, raw bytes, or any value that marshals to JSON.
func document(v any) ([]byte, error) {
	switch d := v.(type) {
	case string:
		if !gjson.Valid(d) {
			return nil, fmt.Errorf("input is not valid JSON")
		}
		return []byte(d), nil
	case []byte:
		if !gjson.ValidBytes(d) {
			return nil, fmt.Errorf("input is not valid JSON")
		}
		return d, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("input cannot be encoded as JSON: %w", err)
	}
	return raw, nil
}
