package vm

import "fmt"

// ---------------------------------------------------------------------------
// Promise: a suspended, at-most-once evaluated argument
// ---------------------------------------------------------------------------

// PromiseState is the evaluation state of a promise.
type PromiseState uint8

const (
	Unevaluated PromiseState = iota
	UnderEvaluation
	Evaluated
)

func (s PromiseState) String() string {
	switch s {
	case Unevaluated:
		return "unevaluated"
	case UnderEvaluation:
		return "under evaluation"
	case Evaluated:
		return "evaluated"
	}
	return fmt.Sprintf("PromiseState(%d)", s)
}

// Strategy selects how a promise produces its value.
type Strategy uint8

const (
	// StrategyDefault evaluates the expression in the promise's environment.
	StrategyDefault Strategy = iota
	// StrategyEager returns a value computed speculatively at call time.
	StrategyEager
	// StrategyPromised speculatively forwards to a promise of an outer call.
	StrategyPromised
	// StrategyVarargForward forwards a "..." element to the outer promise.
	StrategyVarargForward
)

func (s Strategy) String() string {
	switch s {
	case StrategyDefault:
		return "default"
	case StrategyEager:
		return "eager"
	case StrategyPromised:
		return "promised"
	case StrategyVarargForward:
		return "vararg"
	}
	return fmt.Sprintf("Strategy(%d)", s)
}

func (s Strategy) speculative() bool {
	return s == StrategyEager || s == StrategyPromised
}

// Guard reports whether a speculative value is still the value the
// promise's expression would produce.
type Guard func() bool

// Promise is an argument expression paired with the environment it must
// be evaluated in. It is owned by the frame that binds it.
type Promise struct {
	expr  Expr
	env   *Environment
	value Value
	state PromiseState

	strategy Strategy

	// inlined promises are created for calls that bypass argument
	// matching; they always evaluate in the forcing frame.
	inlined bool

	// defaultArg marks promises built from a formal's default expression.
	defaultArg bool

	// Speculation (eager and promised strategies).
	speculative Value
	wrapped     *Promise
	guard       Guard
	execFrame   *Environment
	deoptimized bool
}

// TypeName implements Value.
func (*Promise) TypeName() string { return "promise" }

// NewDefaultPromise creates a plain promise for expr in env.
func NewDefaultPromise(expr Expr, env *Environment) *Promise {
	return &Promise{expr: expr, env: env, value: Unset}
}

// newDefaultArgPromise creates the promise for a formal's default. A
// frame-independent default has no environment.
func newDefaultArgPromise(expr Expr, env *Environment) *Promise {
	p := NewDefaultPromise(expr, env)
	p.defaultArg = true
	return p
}

// NewInlinedPromise creates a promise that always evaluates in the frame
// forcing it.
func NewInlinedPromise(expr Expr) *Promise {
	return &Promise{expr: expr, value: Unset, inlined: true}
}

// NewEvaluatedPromise creates a promise whose value is already known.
func NewEvaluatedPromise(expr Expr, v Value) *Promise {
	return &Promise{expr: expr, value: v, state: Evaluated}
}

// NewEagerPromise creates a promise holding a value computed ahead of time.
// The value is used while guard holds; otherwise, or once deoptimized,
// the promise evaluates expr in env. execFrame is the frame that supplied
// the speculative value and is materialized on deoptimization.
func NewEagerPromise(expr Expr, env *Environment, speculative Value, guard Guard, execFrame *Environment) *Promise {
	return &Promise{
		expr:        expr,
		env:         env,
		value:       Unset,
		strategy:    StrategyEager,
		speculative: speculative,
		guard:       guard,
		execFrame:   execFrame,
	}
}

// NewPromisedPromise creates a speculative promise that forwards to a
// promise of an outer call (an argument that is itself a bare parameter).
func NewPromisedPromise(expr Expr, env *Environment, wrapped *Promise, guard Guard, execFrame *Environment) *Promise {
	return &Promise{
		expr:      expr,
		env:       env,
		value:     Unset,
		strategy:  StrategyPromised,
		wrapped:   wrapped,
		guard:     guard,
		execFrame: execFrame,
	}
}

// NewVarargForward wraps an element of an outer call's "..." so that
// forcing it delegates to the original promise.
func NewVarargForward(wrapped *Promise) *Promise {
	return &Promise{
		expr:     wrapped.expr,
		value:    Unset,
		strategy: StrategyVarargForward,
		wrapped:  wrapped,
	}
}

// Expr returns the unevaluated expression.
func (p *Promise) Expr() Expr { return p.expr }

// Env returns the evaluation environment, nil once evaluated or for
// frame-independent defaults.
func (p *Promise) Env() *Environment { return p.env }

// State returns the evaluation state.
func (p *Promise) State() PromiseState { return p.state }

// Strategy returns the current strategy.
func (p *Promise) Strategy() Strategy { return p.strategy }

// IsEvaluated reports whether the value has been computed.
func (p *Promise) IsEvaluated() bool { return p.state == Evaluated }

// IsDeoptimized reports whether a speculative promise was converted.
func (p *Promise) IsDeoptimized() bool { return p.deoptimized }

// IsInlined reports whether the promise always evaluates in place.
func (p *Promise) IsInlined() bool { return p.inlined }

// Wrapped returns the forwarded promise of promised and vararg promises.
func (p *Promise) Wrapped() *Promise { return p.wrapped }

// Value returns the computed value, or Unset.
func (p *Promise) Value() Value { return p.value }

// IsValid reports whether the speculative value may still be used.
func (p *Promise) IsValid() bool {
	if !p.strategy.speculative() || p.deoptimized {
		return false
	}
	return p.guard == nil || p.guard()
}

// Deoptimize converts a speculative promise into a default promise over
// its original expression and environment, dropping the speculative value.
// It materializes the frame that supplied the value. It returns true if
// the conversion happened now and false if there was nothing to do, so it
// is safe to call repeatedly.
func (p *Promise) Deoptimize() bool {
	if !p.strategy.speculative() || p.deoptimized {
		return false
	}
	p.deoptimized = true
	if p.execFrame != nil {
		p.execFrame.materialized = true
		if p.env == nil {
			p.env = p.execFrame
		}
	}
	p.strategy = StrategyDefault
	p.speculative = nil
	p.wrapped = nil
	p.guard = nil
	return true
}

// setValue caches the result and releases the environment.
func (p *Promise) setValue(v Value) {
	p.value = v
	p.state = Evaluated
	p.env = nil
	p.execFrame = nil
	p.speculative = nil
	p.guard = nil
}

// IsInOriginFrame reports whether p can be evaluated directly in frame
// instead of switching to its own environment.
func IsInOriginFrame(frame *Environment, p *Promise) bool {
	if p.inlined {
		return true
	}
	if p.strategy == StrategyDefault && p.env == nil {
		return true
	}
	if frame == nil {
		return false
	}
	return frame == p.env
}

func (p *Promise) String() string {
	return fmt.Sprintf("<promise %s %s: %s>", p.strategy, p.state, p.expr)
}
