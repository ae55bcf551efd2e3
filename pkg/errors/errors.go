package errors

import (
	"errors"
	"fmt"
)

// Error codes group failures by the phase that produced them.
const (
	// CodeValidation marks build-time problems found before a schematic is registered
	CodeValidation = "VALIDATION"

	// CodeState marks invalid internal addressing against a validated graph
	CodeState = "STATE"

	// CodeExecution marks runtime failures inside a transaction
	CodeExecution = "EXECUTION"

	// CodeInterpreter marks unresolved targets and registry failures
	CodeInterpreter = "INTERPRETER"
)

var (
	// ErrSchematicNotFound indicates that no schematic is registered under the requested name
	ErrSchematicNotFound = errors.New("schematic not found")

	// ErrTargetNotFound indicates that the invocation target's namespace has no provider
	ErrTargetNotFound = errors.New("target not found")

	// ErrNetworkUnresolvable indicates a missing or cyclic composite import
	ErrNetworkUnresolvable = errors.New("network unresolvable")

	// ErrSchematicInvalid indicates that validation rejected a schematic
	ErrSchematicInvalid = errors.New("schematic invalid")

	// ErrInvalidIndex indicates an out-of-bounds node, port or connection index
	ErrInvalidIndex = errors.New("invalid index")

	// ErrHungTimeout indicates that a transaction made no progress before its deadline
	ErrHungTimeout = errors.New("transaction hung")

	// ErrTimeout indicates that a transaction exceeded its total deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrMissingInput indicates packets left undelivered when a transaction completed
	ErrMissingInput = errors.New("unconsumed input at completion")

	// ErrChannelClosed indicates that a stream was closed underneath a sender
	ErrChannelClosed = errors.New("channel closed")

	// ErrInvalidSenderData indicates a sender without a usable literal
	ErrInvalidSenderData = errors.New("invalid sender data")

	// ErrInvalidMergeConfig indicates a merge without a usable field list
	ErrInvalidMergeConfig = errors.New("invalid merge config")

	// ErrInvalidConfig indicates malformed operation configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrOperationNotFound indicates that a collection has no such operation
	ErrOperationNotFound = errors.New("operation not found")

	// ErrOperationPanicked is the message carried by error packets of an operation that panicked
	ErrOperationPanicked = errors.New("Operation panicked")

	// ErrComponentFailed indicates that a component returned an error from Handle
	ErrComponentFailed = errors.New("component failed")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrNoResponse indicates that no response was received for a request
	ErrNoResponse = errors.New("no response received")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")
)

// Error represents a structured error with a machine-readable code
type Error struct {
	// Code is one of the Code* constants
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new coded error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Validation creates a VALIDATION error
func Validation(message string, err error) *Error {
	return NewError(CodeValidation, message, err)
}

// State creates a STATE error
func State(message string, err error) *Error {
	return NewError(CodeState, message, err)
}

// Execution creates an EXECUTION error
func Execution(message string, err error) *Error {
	return NewError(CodeExecution, message, err)
}

// Interpreter creates an INTERPRETER error
func Interpreter(message string, err error) *Error {
	return NewError(CodeInterpreter, message, err)
}

// CodeOf returns the code of the first coded error in err's chain, or "" if there is none
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation || errors.Is(err, ErrSchematicInvalid)
}

// IsState checks if an error is a state error
func IsState(err error) bool {
	return CodeOf(err) == CodeState
}

// IsExecution checks if an error is an execution error
func IsExecution(err error) bool {
	return CodeOf(err) == CodeExecution
}

// IsInterpreter checks if an error is an interpreter error
func IsInterpreter(err error) bool {
	return CodeOf(err) == CodeInterpreter
}

// IsTimeout checks if an error is a timeout or hung error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrHungTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
