package vm

// ---------------------------------------------------------------------------
// Promise forcing
// ---------------------------------------------------------------------------

// PromiseStats counts promise engine events for a session.
type PromiseStats struct {
	Forced      uint64 // promises evaluated
	Speculated  uint64 // forcings answered by a speculative value
	Fallbacks   uint64 // speculations found invalid at forcing time
	Deoptimized uint64 // promises converted by frame materialization
}

// Force returns the value of p, evaluating its expression at most once.
// frame is the frame doing the forcing; it selects the in-place
// evaluation path and supplies call-site attribution.
//
// Forcing a promise that is already under evaluation is a cycle and fails
// with *CyclicEvaluationError. Errors raised by the expression propagate
// to the caller; the promise then returns to the unevaluated state so a
// later forcing is not mistaken for a cycle.
func (i *Interpreter) Force(p *Promise, frame *Environment) (Value, error) {
	if p.state == Evaluated {
		return p.value, nil
	}
	if p.state == UnderEvaluation {
		return nil, &CyclicEvaluationError{Expr: p.expr}
	}

	p.state = UnderEvaluation
	defer func() {
		if p.state == UnderEvaluation {
			p.state = Unevaluated
		}
	}()

	v, err := i.generateValue(p, frame)
	if err != nil {
		return nil, err
	}
	p.setValue(v)
	if IsFunction(v) {
		// A binding now resolves to a function; lookup caches must see it.
		i.ctx.epoch.Add(1)
	}
	i.ctx.stats.Forced++
	return v, nil
}

// CheckEvaluate forces v if it is a promise and returns it unchanged
// otherwise.
func (i *Interpreter) CheckEvaluate(v Value, frame *Environment) (Value, error) {
	if p, ok := v.(*Promise); ok {
		return i.Force(p, frame)
	}
	return v, nil
}

// CheckEvaluateArgs forces every promise in args, returning a new slice.
func (i *Interpreter) CheckEvaluateArgs(args []Value, frame *Environment) ([]Value, error) {
	out := make([]Value, len(args))
	for n, a := range args {
		v, err := i.CheckEvaluate(a, frame)
		if err != nil {
			return nil, err
		}
		out[n] = v
	}
	return out, nil
}

func (i *Interpreter) generateValue(p *Promise, frame *Environment) (Value, error) {
	switch p.strategy {
	case StrategyDefault:
		return i.generateDefault(p, frame)

	case StrategyEager, StrategyPromised:
		if p.deoptimized {
			return i.generateDefault(p, frame)
		}
		if p.IsValid() {
			i.ctx.stats.Speculated++
			if p.strategy == StrategyPromised {
				return i.Force(p.wrapped, nil)
			}
			return p.speculative, nil
		}
		// The speculation no longer holds: take the general path.
		i.ctx.stats.Fallbacks++
		i.log.Debugf("speculative promise invalidated, falling back: %s", p.expr)
		p.Deoptimize()
		return i.generateDefault(p, frame)

	case StrategyVarargForward:
		return i.Force(p.wrapped, nil)
	}
	return nil, &InternalConsistencyError{Msg: "unknown promise strategy " + p.strategy.String()}
}

func (i *Interpreter) generateDefault(p *Promise, frame *Environment) (Value, error) {
	thunk := i.rt.closures.GetOrCreate(p.expr)
	if IsInOriginFrame(frame, p) {
		if frame == nil && p.inlined {
			return nil, &InternalConsistencyError{Msg: "inlined promise forced without a frame"}
		}
		return thunk.eval(i, frame)
	}

	penv := p.env
	if penv == nil {
		return nil, &InternalConsistencyError{Msg: "promise has no environment: " + p.expr.String()}
	}
	saved := penv.site
	if frame != nil {
		penv.site = frame.site
	}
	defer func() { penv.site = saved }()
	return thunk.eval(i, penv)
}

// MaterializeFrame makes frame externally visible: every speculative
// promise bound in it, directly or inside "...", is deoptimized. It
// reports whether at least one promise needed deoptimization.
func (i *Interpreter) MaterializeFrame(frame *Environment) bool {
	n := materializeFrame(frame)
	if n > 0 {
		i.ctx.stats.Deoptimized += uint64(n)
		i.log.Debugf("materialized frame %s: deoptimized %d promises", frame, n)
	}
	return n > 0
}

func materializeFrame(frame *Environment) int {
	if frame == nil || frame.empty {
		return 0
	}
	frame.materialized = true
	n := 0
	deopt := func(v Value) {
		if p, ok := v.(*Promise); ok && p.Deoptimize() {
			n++
		}
	}
	for _, name := range frame.order {
		switch v := frame.bindings[name].(type) {
		case *Promise:
			deopt(v)
		case *DotsList:
			for _, e := range v.Values {
				deopt(e)
			}
		}
	}
	return n
}

// Materialize is MaterializeFrame without session statistics.
func (e *Environment) Materialize() bool {
	return materializeFrame(e) > 0
}
