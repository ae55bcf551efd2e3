package script

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeSyntax  ErrorType = "syntax_error"
	ErrorTypeRuntime ErrorType = "runtime_error"
	ErrorTypeTimeout ErrorType = "timeout_error"
	ErrorTypeOutput  ErrorType = "output_error"
)

// ScriptError is a structured script failure.
type ScriptError struct {
	Type    ErrorType `json:"type"`
	Script  string    `json:"script"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Script, e.Message)
}

// classify converts an error returned by goja into a ScriptError.
func classify(name string, err error) *ScriptError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &ScriptError{Type: ErrorTypeTimeout, Script: name, Message: fmt.Sprint(interrupted.Value())}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptError{Type: ErrorTypeSyntax, Script: name, Message: syntax.Error()}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		msg := exc.Value().String()
		if obj, ok := exc.Value().(*goja.Object); ok {
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				msg = m.String()
			}
		}
		return &ScriptError{Type: ErrorTypeRuntime, Script: name, Message: msg, Stack: strings.TrimSpace(exc.String())}
	}
	return &ScriptError{Type: ErrorTypeRuntime, Script: name, Message: err.Error()}
}
