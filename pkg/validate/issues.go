package validate

import (
	"fmt"
	"strings"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// Kind classifies a validation issue.
type Kind string

const (
	MissingProvider   Kind = "missing_provider"
	MissingComponent  Kind = "missing_component"
	InvalidPort       Kind = "invalid_port"
	MissingConnection Kind = "missing_connection"
	UnusedOutput      Kind = "unused_output"
	UnusedSender      Kind = "unused_sender"
	InvalidLiteral    Kind = "invalid_literal"
	InvalidConfig     Kind = "invalid_config"
	InvalidReference  Kind = "invalid_reference"
)

// Issue is one problem found in a schematic.
type Issue struct {
	Kind      Kind
	Node      string
	Port      string
	Namespace string
	Operation string
	Message   string
}

// Error renders the issue so it can travel as an error on its own.
func (i Issue) Error() string {
	var b strings.Builder
	b.WriteString(string(i.Kind))
	if i.Node != "" {
		fmt.Fprintf(&b, " at %s", i.Node)
		if i.Port != "" {
			fmt.Fprintf(&b, ".%s", i.Port)
		}
	}
	if i.Message != "" {
		b.WriteString(": ")
		b.WriteString(i.Message)
	}
	return b.String()
}

// Result collects everything found in one pass.
type Result struct {
	Schematic string
	Errors    []Issue
	Warnings  []Issue
}

// Valid reports whether no fatal issue was found.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns *SchematicInvalid when the schematic must be rejected, nil otherwise.
func (r *Result) Err() error {
	if r.Valid() {
		return nil
	}
	return &SchematicInvalid{Name: r.Schematic, Errors: r.Errors}
}

// SchematicInvalid is the aggregate rejection of a schematic.
type SchematicInvalid struct {
	Name   string
	Errors []Issue
}

func (e *SchematicInvalid) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, issue := range e.Errors {
		msgs[i] = issue.Error()
	}
	return fmt.Sprintf("schematic %q is invalid (%d errors): %s", e.Name, len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap lets callers match with errors.Is(err, errors.ErrSchematicInvalid).
func (e *SchematicInvalid) Unwrap() error {
	return sdkerrors.ErrSchematicInvalid
}

// Has reports whether any issue of the given kind was collected.
func (e *SchematicInvalid) Has(kind Kind) bool {
	for _, issue := range e.Errors {
		if issue.Kind == kind {
			return true
		}
	}
	return false
}

// Find returns the first issue of the given kind.
func (e *SchematicInvalid) Find(kind Kind) (Issue, bool) {
	for _, issue := range e.Errors {
		if issue.Kind == kind {
			return issue, true
		}
	}
	return Issue{}, false
}
