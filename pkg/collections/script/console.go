package script

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// console routes console.* calls to the collection's logger.
type console struct {
	logger *zap.Logger
	script string
}

func (c *console) install(vm *goja.Runtime) error {
	obj := vm.NewObject()
	levels := map[string]zapcore.Level{
		"log":   zapcore.InfoLevel,
		"info":  zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for name, level := range levels {
		if err := obj.Set(name, c.method(level)); err != nil {
			return err
		}
	}
	return vm.Set("console", obj)
}

func (c *console) method(level zapcore.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if ce := c.logger.Check(level, strings.Join(parts, " ")); ce != nil {
			ce.Write(zap.String("script", c.script))
		}
		return goja.Undefined()
	}
}
