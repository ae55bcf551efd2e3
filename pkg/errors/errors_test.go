package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(CodeExecution, "node failed", ErrComponentFailed)
	assert.Equal(t, "[EXECUTION] node failed: component failed", err.Error())

	bare := NewError(CodeState, "bad index", nil)
	assert.Equal(t, "[STATE] bad index", bare.Error())
}

func TestErrorUnwrap(t *testing.T) {
	err := Interpreter("target std::nope not found", ErrTargetNotFound)
	wrapped := fmt.Errorf("invoke: %w", err)

	assert.True(t, errors.Is(wrapped, ErrTargetNotFound))
	assert.True(t, IsInterpreter(wrapped))
	assert.False(t, IsExecution(wrapped))
	assert.Equal(t, CodeInterpreter, CodeOf(wrapped))
}

func TestClassHelpers(t *testing.T) {
	assert.True(t, IsValidation(Validation("x", nil)))
	assert.True(t, IsValidation(fmt.Errorf("wrap: %w", ErrSchematicInvalid)))
	assert.True(t, IsState(State("x", ErrInvalidIndex)))
	assert.True(t, IsExecution(Execution("x", ErrHungTimeout)))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(Execution("hung", ErrHungTimeout)))
	assert.True(t, IsTimeout(ErrTimeout))
	assert.False(t, IsTimeout(ErrMissingInput))
	assert.True(t, IsNotConnected(fmt.Errorf("dial: %w", ErrNotConnected)))
}
