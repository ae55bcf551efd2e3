// Package manifest loads YAML deployment manifests. A manifest declares a
// network together with the collections and interpreter settings it runs
// with:
//
//	network:
//	  name: main
//	  schematics:
//	    - name: greet
//	      instances:
//	        hello: {operation: "js::hello"}
//	      connections:
//	        - {from: "<>.name", to: "hello.name"}
//	        - {from: "hello.greeting", to: "<>.greeting"}
//	scripts:
//	  - namespace: js
//	    operations:
//	      - name: hello
//	        inputs: [name]
//	        outputs: [greeting]
//	        source: return "hello " + input.name;
//	interpreter:
//	  errorOnHung: true
//	  hungTimeout: 10s
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wehubfusion/Conduit/pkg/collections/script"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/interpreter"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"gopkg.in/yaml.v3"
)

// maxManifestSize bounds files read by LoadFile and LoadLibrary.
const maxManifestSize = 4 << 20

// Manifest is the declarative form of a deployment.
type Manifest struct {
	Network schematic.NetworkDefinition `yaml:"network"`

	// Library is a directory of network files importable by name. Relative
	// paths are resolved against the manifest's directory.
	Library string `yaml:"library,omitempty"`

	Interpreter InterpreterSettings `yaml:"interpreter,omitempty"`
	Scripts     []ScriptCollection  `yaml:"scripts,omitempty"`
	Remotes     []RemoteCollection  `yaml:"remotes,omitempty"`
	Blob        *BlobCollection     `yaml:"blob,omitempty"`

	dir string
}

// InterpreterSettings override interpreter.DefaultConfig. Unset fields keep
// their defaults.
type InterpreterSettings struct {
	ErrorOnHung       *bool         `yaml:"errorOnHung,omitempty"`
	HungTimeout       time.Duration `yaml:"hungTimeout,omitempty"`
	ErrorOnMissing    *bool         `yaml:"errorOnMissing,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	BufferSize        int           `yaml:"bufferSize,omitempty"`
	UnusedOutputFatal *bool         `yaml:"unusedOutputFatal,omitempty"`
}

// Config applies the settings over base.
func (s InterpreterSettings) Config(base interpreter.Config) interpreter.Config {
	cfg := base
	if s.ErrorOnHung != nil {
		cfg.Executor.ErrorOnHung = *s.ErrorOnHung
	}
	if s.HungTimeout > 0 {
		cfg.Executor.HungTimeout = s.HungTimeout
	}
	if s.ErrorOnMissing != nil {
		cfg = cfg.WithErrorOnMissing(*s.ErrorOnMissing)
	}
	if s.Timeout > 0 {
		cfg = cfg.WithTimeout(s.Timeout)
	}
	if s.BufferSize > 0 {
		cfg = cfg.WithBufferSize(s.BufferSize)
	}
	if s.UnusedOutputFatal != nil {
		cfg = cfg.WithUnusedOutputFatal(*s.UnusedOutputFatal)
	}
	return cfg
}

// ScriptCollection declares a namespace of JavaScript operations.
type ScriptCollection struct {
	Namespace  string            `yaml:"namespace"`
	Config     script.Config     `yaml:"config,omitempty"`
	Operations []ScriptOperation `yaml:"operations"`
}

// ScriptOperation is one script and its ports. The body comes from Source,
// or from File relative to the manifest.
type ScriptOperation struct {
	Name    string  `yaml:"name"`
	Inputs  []Field `yaml:"inputs,omitempty"`
	Outputs []Field `yaml:"outputs,omitempty"`
	Config  []Field `yaml:"config,omitempty"`
	Source  string  `yaml:"source,omitempty"`
	File    string  `yaml:"file,omitempty"`
}

// Signature converts the declaration into an operation signature.
func (o ScriptOperation) Signature() (component.OperationSignature, error) {
	sig := component.OperationSignature{Name: o.Name}
	var err error
	if sig.Inputs, err = fields(o.Inputs); err != nil {
		return sig, fmt.Errorf("operation %s inputs: %w", o.Name, err)
	}
	if sig.Outputs, err = fields(o.Outputs); err != nil {
		return sig, fmt.Errorf("operation %s outputs: %w", o.Name, err)
	}
	if sig.Config, err = fields(o.Config); err != nil {
		return sig, fmt.Errorf("operation %s config: %w", o.Name, err)
	}
	return sig, nil
}

// RemoteCollection names a namespace served by another process over NATS.
type RemoteCollection struct {
	Namespace     string        `yaml:"namespace"`
	SubjectPrefix string        `yaml:"subjectPrefix,omitempty"`
	Codec         string        `yaml:"codec,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// BlobCollection enables the blob namespace. Without a connection string
// blobs are kept in memory.
type BlobCollection struct {
	Namespace string `yaml:"namespace,omitempty"`
	// ConnectionString is expanded with os.ExpandEnv
	ConnectionString string `yaml:"connectionString,omitempty"`
	Container        string `yaml:"container,omitempty"`
}

// Field is a port or config declaration. It is written either as a bare
// name, which accepts any value, or as a mapping.
type Field struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
	Default  any    `yaml:"default,omitempty"`
}

// UnmarshalYAML accepts the bare-name shorthand.
func (f *Field) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Name = node.Value
		return nil
	}
	type plain Field
	return node.Decode((*plain)(f))
}

func fields(in []Field) ([]component.Field, error) {
	out := make([]component.Field, 0, len(in))
	for _, f := range in {
		if f.Name == "" {
			return nil, errors.New("field without a name")
		}
		t := component.TypeAny
		if f.Type != "" {
			parsed, err := component.ParseType(f.Type)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			t = parsed
		}
		out = append(out, component.Field{Name: f.Name, Type: t, Optional: f.Optional, Default: f.Default})
	}
	return out, nil
}

// Parse decodes a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := decodeStrict(data, &m); err != nil {
		return nil, sdkerrors.Validation("failed to parse manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads and parses the manifest at path.
func LoadFile(path string) (*Manifest, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Validate checks the parts of the manifest the network builder does not.
func (m *Manifest) Validate() error {
	if m.Network.Name == "" {
		return sdkerrors.Validation("manifest network has no name", sdkerrors.ErrInvalidConfig)
	}
	seen := map[string]bool{}
	claim := func(ns string) error {
		if ns == "" {
			return sdkerrors.Validation("collection without a namespace", sdkerrors.ErrInvalidConfig)
		}
		if seen[ns] {
			return sdkerrors.Validation(fmt.Sprintf("namespace %q is declared twice", ns), sdkerrors.ErrInvalidConfig)
		}
		seen[ns] = true
		return nil
	}
	for _, s := range m.Scripts {
		if err := claim(s.Namespace); err != nil {
			return err
		}
		for _, op := range s.Operations {
			if (op.Source == "") == (op.File == "") {
				return sdkerrors.Validation(fmt.Sprintf("script %s::%s needs exactly one of source and file", s.Namespace, op.Name), sdkerrors.ErrInvalidConfig)
			}
		}
	}
	for _, r := range m.Remotes {
		if err := claim(r.Namespace); err != nil {
			return err
		}
	}
	if m.Blob != nil {
		if err := claim(m.blobNamespace()); err != nil {
			return err
		}
	}
	return nil
}

// Build constructs the manifest's network.
func (m *Manifest) Build() (*schematic.Network, error) {
	return schematic.BuildNetwork(m.Network)
}

func (m *Manifest) resolve(path string) string {
	if filepath.IsAbs(path) || m.dir == "" {
		return path
	}
	return filepath.Join(m.dir, path)
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("document is empty")
		}
		return err
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, sdkerrors.Validation("cannot stat manifest", err)
	}
	if !info.Mode().IsRegular() {
		return nil, sdkerrors.Validation(fmt.Sprintf("not a regular file: %s", path), sdkerrors.ErrInvalidConfig)
	}
	if info.Size() > maxManifestSize {
		return nil, sdkerrors.Validation(fmt.Sprintf("manifest too large: %d bytes", info.Size()), sdkerrors.ErrInvalidConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sdkerrors.Validation("cannot read manifest", err)
	}
	return data, nil
}
