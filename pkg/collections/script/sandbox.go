package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Host globals that must never be reachable from a script.
var dangerousGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// Namespace objects are frozen whole; constructors only have their prototype
// frozen so pooled VMs cannot leak prototype changes between calls.
var (
	frozenObjects    = []string{"Math", "JSON"}
	frozenPrototypes = []string{"Array", "String", "Number", "Boolean", "Date", "RegExp"}
)

// applySandbox restricts vm according to level. Strict removes eval, and
// every level except permissive freezes the built-in prototypes.
func applySandbox(vm *goja.Runtime, level string) error {
	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if level == SecurityLevelStrict {
		err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in strict security mode"))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	if level == SecurityLevelPermissive {
		return nil
	}
	freeze, err := vm.RunString(`(function(obj) {
		if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
			Object.freeze(obj);
		}
	})`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freezeFn, ok := goja.AssertFunction(freeze)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}
	for _, name := range frozenObjects {
		if obj := vm.Get(name); obj != nil && !goja.IsUndefined(obj) {
			if _, err := freezeFn(goja.Undefined(), obj); err != nil {
				return fmt.Errorf("failed to freeze %s: %w", name, err)
			}
		}
	}
	for _, name := range frozenPrototypes {
		ctor := vm.Get(name)
		if ctor == nil || goja.IsUndefined(ctor) {
			continue
		}
		if _, err := freezeFn(goja.Undefined(), ctor.ToObject(vm).Get("prototype")); err != nil {
			return fmt.Errorf("failed to freeze %s.prototype: %w", name, err)
		}
	}
	return nil
}
