package component

import (
	"fmt"
	"math"
	"time"
)

// Type is the declared type of a port or config field.
type Type string

const (
	TypeAny      Type = "any"
	TypeString   Type = "string"
	TypeBool     Type = "bool"
	TypeInt      Type = "int"
	TypeUint     Type = "uint"
	TypeFloat    Type = "float"
	TypeBytes    Type = "bytes"
	TypeList     Type = "list"
	TypeObject   Type = "object"
	TypeDatetime Type = "datetime"
)

// ParseType maps a manifest type name to a Type. Unknown names are rejected.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "":
		return TypeAny, nil
	case TypeAny, TypeString, TypeBool, TypeInt, TypeUint, TypeFloat, TypeBytes, TypeList, TypeObject, TypeDatetime:
		return t, nil
	case "map", "struct":
		return TypeObject, nil
	case "array":
		return TypeList, nil
	case "number":
		return TypeFloat, nil
	}
	return TypeAny, fmt.Errorf("unknown type %q", s)
}

// Check reports whether v is acceptable for t. Numbers decoded from JSON or
// YAML arrive as float64 or int, so integer types accept whole floats.
func (t Type) Check(v any) error {
	switch t {
	case TypeAny, "":
		return nil
	case TypeString:
		if _, ok := v.(string); ok {
			return nil
		}
	case TypeBool:
		if _, ok := v.(bool); ok {
			return nil
		}
	case TypeInt:
		if isWhole(v, true) {
			return nil
		}
	case TypeUint:
		if isWhole(v, false) {
			return nil
		}
	case TypeFloat:
		if _, ok := toFloat(v); ok {
			return nil
		}
	case TypeBytes:
		switch v.(type) {
		case []byte, string:
			return nil
		}
	case TypeList:
		switch v.(type) {
		case []any, []string, []int, []float64, []map[string]any:
			return nil
		}
	case TypeObject:
		switch v.(type) {
		case map[string]any, map[string]string:
			return nil
		}
	case TypeDatetime:
		switch x := v.(type) {
		case time.Time:
			return nil
		case string:
			if _, err := time.Parse(time.RFC3339, x); err == nil {
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown type %q", t)
	}
	return fmt.Errorf("value %v (%T) is not a valid %s", v, v, t)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isWhole(v any, signed bool) bool {
	f, ok := toFloat(v)
	if !ok || math.Trunc(f) != f {
		return false
	}
	return signed || f >= 0
}

// Field is a named, typed slot of an operation: an input, an output or a config entry.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     Type   `json:"type" yaml:"type"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	// Default is used when the field is not wired or configured. Nil means no default.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// Required reports whether the field must be wired or configured.
func (f Field) Required() bool {
	return !f.Optional && f.Default == nil
}

// OperationSignature describes one operation's ports and config.
type OperationSignature struct {
	Name    string  `json:"name"`
	Inputs  []Field `json:"inputs,omitempty"`
	Outputs []Field `json:"outputs,omitempty"`
	Config  []Field `json:"config,omitempty"`
}

// Input looks an input field up by name.
func (s OperationSignature) Input(name string) (Field, bool) {
	return findField(s.Inputs, name)
}

// Output looks an output field up by name.
func (s OperationSignature) Output(name string) (Field, bool) {
	return findField(s.Outputs, name)
}

// ConfigField looks a config field up by name.
func (s OperationSignature) ConfigField(name string) (Field, bool) {
	return findField(s.Config, name)
}

// OutputNames returns the output port names in declaration order.
func (s OperationSignature) OutputNames() []string {
	names := make([]string, len(s.Outputs))
	for i, f := range s.Outputs {
		names[i] = f.Name
	}
	return names
}

func findField(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Signature describes everything a component provides.
type Signature struct {
	Name       string               `json:"name"`
	Version    string               `json:"version,omitempty"`
	Operations []OperationSignature `json:"operations"`
}

// Operation looks an operation up by name.
func (s Signature) Operation(name string) (OperationSignature, bool) {
	for _, op := range s.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return OperationSignature{}, false
}

// OperationNames returns the names of every operation.
func (s Signature) OperationNames() []string {
	names := make([]string, len(s.Operations))
	for i, op := range s.Operations {
		names[i] = op.Name
	}
	return names
}
