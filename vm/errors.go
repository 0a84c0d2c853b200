package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors. The structured error types below match them with
// errors.Is.
var (
	ErrCyclicEvaluation    = errors.New("cyclic promise evaluation")
	ErrNoGenericFunction   = errors.New("no generic function")
	ErrNameTooLong         = errors.New("method name too long")
	ErrInternalConsistency = errors.New("internal consistency error")
	ErrTypeMismatch        = errors.New("type mismatch")
	ErrUnimplemented       = errors.New("unimplemented")
	ErrEvaluation          = errors.New("evaluation error")
	ErrStackOverflow       = errors.New("evaluation nested too deeply")
	ErrLockedBinding       = errors.New("locked binding")
)

// CyclicEvaluationError reports a promise forced while it was already
// being forced.
type CyclicEvaluationError struct {
	Expr Expr
}

func (e *CyclicEvaluationError) Error() string {
	return "promise already under evaluation: recursive default argument reference or earlier problems?"
}

func (e *CyclicEvaluationError) Is(target error) bool { return target == ErrCyclicEvaluation }

// NoGenericFunctionError reports a failed must-find generic lookup.
// Global is set when the lookup started at the global environment.
type NoGenericFunctionError struct {
	Name   string
	Global bool
}

func (e *NoGenericFunctionError) Error() string {
	if e.Global {
		return fmt.Sprintf("no generic function found for '%s'", e.Name)
	}
	return fmt.Sprintf("no generic function definition found for '%s' in the supplied environment", e.Name)
}

func (e *NoGenericFunctionError) Is(target error) bool { return target == ErrNoGenericFunction }

// NameTooLongError reports a generic/class combination whose method name
// would exceed the configured maximum.
type NameTooLongError struct {
	Generic string
	Class   string
}

func (e *NameTooLongError) Error() string {
	return fmt.Sprintf("generic name too long in '%s' and '%s'", e.Generic, e.Class)
}

func (e *NameTooLongError) Is(target error) bool { return target == ErrNameTooLong }

// InternalConsistencyError reports a broken engine invariant, such as a
// method frame without its .nextMethod binding.
type InternalConsistencyError struct {
	Msg string
}

func (e *InternalConsistencyError) Error() string { return "internal error: " + e.Msg }

func (e *InternalConsistencyError) Is(target error) bool { return target == ErrInternalConsistency }

// TypeMismatchError reports an argument of the wrong shape or type.
type TypeMismatchError struct {
	What string
	Msg  string
}

func (e *TypeMismatchError) Error() string {
	if e.What == "" {
		return e.Msg
	}
	return e.What + " " + e.Msg
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// LockedBindingError reports a write to a locked binding or environment.
type LockedBindingError struct {
	Msg string
}

func (e *LockedBindingError) Error() string { return e.Msg }

func (e *LockedBindingError) Is(target error) bool { return target == ErrLockedBinding }

// EvalError is a language-level error: stop() or a runtime failure
// attributed to a call. Err, when set, is the underlying cause.
type EvalError struct {
	Msg  string
	Call *CallExpr
	Err  error
}

func (e *EvalError) Error() string {
	if e.Call == nil {
		return "Error: " + e.Msg
	}
	return fmt.Sprintf("Error in %s: %s", e.Call, e.Msg)
}

func (e *EvalError) Is(target error) bool { return target == ErrEvaluation }

func (e *EvalError) Unwrap() error { return e.Err }

// newEvalError attributes msg to the call site of env.
func newEvalError(env *Environment, format string, args ...any) *EvalError {
	var site *CallExpr
	if env != nil {
		site = env.site
	}
	return &EvalError{Msg: fmt.Sprintf(format, args...), Call: site}
}

func unimplemented(what string) error {
	return fmt.Errorf("%s: %w", what, ErrUnimplemented)
}
