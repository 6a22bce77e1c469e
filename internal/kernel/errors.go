package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or invalid kernel configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrModuleLoad marks a module that could not be resolved, instantiated
	// or set up.
	ErrModuleLoad = errors.New("module load error")

	// ErrDependency marks an unsatisfied module dependency. It is reported
	// as a warning and never aborts loading.
	ErrDependency = errors.New("dependency error")

	// ErrModuleDisabled is returned when a manifest sets enabled = false.
	ErrModuleDisabled = errors.New("module disabled")

	ErrModuleNotLoaded     = errors.New("module not loaded")
	ErrModuleAlreadyLoaded = errors.New("module already loaded")
	ErrAlreadyRunning      = errors.New("kernel already running")
	ErrNotRunning          = errors.New("kernel not running")
)

// ModuleError wraps a failure of one module operation.
type ModuleError struct {
	Module string
	Op     string
	Err    error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %s: %v", e.Module, e.Op, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }

func moduleErr(name, op string, err error) error {
	return &ModuleError{Module: name, Op: op, Err: err}
}
