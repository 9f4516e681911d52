package transform

import (
	"errors"
	"fmt"
)

// Sentinel errors for the two failure phases.
var (
	// ErrCompile marks failures while building a Program.
	ErrCompile = errors.New("transform: compile failed")

	// ErrExecution marks failures while running an Execution.
	ErrExecution = errors.New("transform: execution failed")
)

// CompileError reports a program that could not be compiled.
type CompileError struct {
	Path   string
	Engine string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Engine != "" {
		return fmt.Sprintf("cannot compile %s transform %s: %v", e.Engine, e.Path, e.Err)
	}
	return fmt.Sprintf("cannot compile transform %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrCompile.
func (e *CompileError) Is(target error) bool {
	return target == ErrCompile
}

// ExecutionError reports a failed run.
type ExecutionError struct {
	Path string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("transform %s failed: %v", e.Path, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

func compileErr(engine, path string, format string, args ...any) error {
	return &CompileError{Path: path, Engine: engine, Err: fmt.Errorf(format, args...)}
}

func execErr(path string, format string, args ...any) error {
	return &ExecutionError{Path: path, Err: fmt.Errorf(format, args...)}
}
