package interp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/weft-dev/weft/vm"
)

// Machine drives a compiled program: it owns the frame stacks, dispatches
// calls and method calls, pumps generators, and applies the fallback
// protocol when installed hooks refuse an operation.
type Machine struct {
	Prog    *vm.Program
	Globals *StackFrame
	Hooks   Hooks
	// Out receives print output.
	Out io.Writer
}

func NewMachine(prog *vm.Program) *Machine {
	globals := &StackFrame{}
	for name, b := range vm.AllBuiltins {
		globals.StoreVar(name, b)
	}
	return &Machine{
		Prog:    prog,
		Globals: globals,
		Out:     os.Stdout,
	}
}

// Run executes the module-level code. Definitions and assignments land in
// the globals frame, so later Call and CallString invocations see them.
func (m *Machine) Run() (vm.Value, error) {
	frames := StackFrames{m.Globals}
	return m.runFrames(&frames)
}

// Call invokes a named function with positional arguments and drives it
// to completion. Calling a generator function returns the generator
// object without running the body.
func (m *Machine) Call(name string, args ...vm.Value) (vm.Value, error) {
	ptr, ok := m.Prog.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("No such function defined: %s", name)
	}
	fn := m.Prog.GetFunction(ptr)
	if fn == nil {
		return nil, fmt.Errorf("No such function defined: %s", name)
	}
	scratch := &StackFrame{}
	for _, a := range args {
		scratch.Push(a)
	}
	frame, exc, err := buildCallFrame(fn, ptr, scratch, len(args))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, &UncaughtError{Exc: exc}
	}
	if fn.IsGenerator {
		return newGenerator(m, fn.Name, frame), nil
	}
	frames := StackFrames{frame}
	return m.runFrames(&frames)
}

// CallString evaluates a call expression such as "main(3, x=1)" against
// the program's globals and runs the call to completion.
func (m *Machine) CallString(callString string) (vm.Value, error) {
	callprog, err := vm.CompileExpr(callString)
	if err != nil {
		return nil, err
	}
	overlay := &overlayMain{
		Main:    callprog.Main,
		Program: m.Prog,
	}
	frame := &StackFrame{}
	for {
		res, n, err := Step(overlay, m.Globals, []*StackFrame{frame}, nil)
		if err != nil {
			return nil, err
		}
		if res == ContinueStep {
			continue
		}
		if res != CallStep {
			return nil, fmt.Errorf("Calling expression `%s` does not end in a call", callString)
		}
		fnPtr, ok := frame.Pop().(vm.FnPtrValue)
		if !ok {
			return nil, fmt.Errorf("Calling expression `%s` does not call a defined function", callString)
		}
		ptr := vm.ExecPtr(fnPtr)
		fn := m.Prog.GetFunction(ptr)
		if fn == nil {
			return nil, fmt.Errorf("Calling expression `%s` does not call a defined function", callString)
		}
		newFrame, exc, err := buildCallFrame(fn, ptr, frame, n)
		if err != nil {
			return nil, err
		}
		if exc != nil {
			return nil, &UncaughtError{Exc: exc}
		}
		if fn.IsGenerator {
			return newGenerator(m, fn.Name, newFrame), nil
		}
		frames := StackFrames{newFrame}
		return m.runFrames(&frames)
	}
}

// RewriteGlobals applies a rewrite to the global frame and everything
// reachable from it. A session detaching after a completed trace runs
// this so no symbolic value outlives the hooks that understand it.
func (m *Machine) RewriteGlobals(rw Rewrite) {
	rewriteFrame(m.Globals, rw, map[uintptr]bool{})
}

// CloseGenerator shuts a generator down from host code. Guest-driven
// closes go through the method path, which retries after a tracing
// fallback; a host-held generator has no frame stack above it, so the
// retry loop lives here instead.
func (m *Machine) CloseGenerator(g *Generator) (vm.Value, error) {
	for {
		v, err := g.Close()
		var fb *FallbackError
		if errors.As(err, &fb) && m.Hooks != nil {
			if merr := m.materialize(g.Frames, fb.Reason); merr != nil {
				return nil, merr
			}
			continue
		}
		return v, err
	}
}

// overlayMain splices a separately compiled call expression in as the
// main code, leaving every other code object resolvable.
type overlayMain struct {
	*vm.Program
	Main *vm.Function
}

func (o *overlayMain) GetInstruction(ptr vm.ExecPtr) (vm.Op, error) {
	if ptr.CodeID() != 0 {
		return o.Program.GetInstruction(ptr)
	}
	if len(o.Main.Bytecode) <= ptr.Offset() {
		return vm.Op{}, vm.ErrEndOfCode
	}
	return o.Main.Bytecode[ptr.Offset()], nil
}

// outcome classifies one machine step for the drive loops.
type outcome int

const (
	keepRunning outcome = iota
	yielded
	finished
	failed
)

// runFrames drives a frame stack to completion. A tracing fallback
// materializes state and retries the same instruction natively.
func (m *Machine) runFrames(frames *StackFrames) (vm.Value, error) {
	for {
		out, v, err := m.stepOnce(frames, nil)
		switch out {
		case keepRunning:
		case finished:
			return v, nil
		case failed:
			var fb *FallbackError
			if errors.As(err, &fb) && m.Hooks != nil {
				if merr := m.materialize(*frames, fb.Reason); merr != nil {
					return nil, merr
				}
				continue
			}
			return nil, err
		default:
			return nil, fmt.Errorf("Unhandled machine outcome %d", out)
		}
	}
}

// resumeAction describes what a generator resume delivers at the
// suspension point: a sent value, an injected exception, or nothing
// (fresh start, or continuation after an interruption).
type resumeAction struct {
	resume bool
	send   vm.Value
	inject *Exc
}

// runGen advances a generator until it parks again. Returns the yielded
// value and true, or the return value and false on completion.
func (m *Machine) runGen(g *Generator, act resumeAction) (vm.Value, bool, error) {
	out, v, err := m.deliverResume(g, act)
	for out == keepRunning {
		out, v, err = m.stepOnce(&g.Frames, g)
	}
	switch out {
	case yielded:
		return v, true, nil
	case finished:
		return v, false, nil
	}
	var fb *FallbackError
	if errors.As(err, &fb) {
		// Parked mid-instruction; the resume after materialization
		// continues in place.
		g.interrupted = true
		return nil, false, err
	}
	var uc *UncaughtError
	if errors.As(err, &uc) && uc.Exc.Matches(KindStopIteration) {
		// A StopIteration leaking out of the body would be read as
		// exhaustion by consumers, so it surfaces as a RuntimeError.
		re := NewExc(KindRuntimeError, "Generator raised StopIteration")
		re.Cause = uc.Exc
		re.Context = uc.Exc
		err = &UncaughtError{Exc: re, Line: uc.Line}
	}
	return nil, false, err
}

func (m *Machine) deliverResume(g *Generator, act resumeAction) (outcome, vm.Value, error) {
	if g.Delegate != nil {
		return m.pumpDelegate(g, act)
	}
	if act.inject != nil {
		return m.raiseInGen(g, act.inject)
	}
	if act.resume {
		g.Frames.CurrentStack().Push(orNone(act.send))
	}
	return keepRunning, nil, nil
}

// pumpDelegate feeds a resume into the generator's active delegate and
// folds the result back into the delegating frame. An injected
// GeneratorExit is a shutdown in progress: once the delegate has wound
// down, the exit continues unwinding this frame instead of resuming the
// body after the delegation point.
func (m *Machine) pumpDelegate(g *Generator, act resumeAction) (outcome, vm.Value, error) {
	var v vm.Value
	var more bool
	var err error
	if act.inject != nil {
		v, more, err = g.Delegate.Throw(act.inject)
	} else {
		v, more, err = g.Delegate.Send(orNone(act.send))
	}
	exiting := act.inject != nil && act.inject.Matches(KindGeneratorExit)
	if more {
		if exiting {
			// The delegate answered the exit with another yield. The
			// delegation is over; the refusal surfaces at this frame's
			// delegation point so its pending cleanup still runs.
			g.Delegate = nil
			return m.raiseInGen(g, NewExc(KindRuntimeError, "Generator ignored GeneratorExit"))
		}
		return yielded, v, nil
	}
	if err != nil {
		e, ok := AsExc(err)
		if !ok {
			// Leave the delegate installed: a fallback retry resumes it.
			return failed, nil, err
		}
		g.Delegate = nil
		if !dispatchExc(&g.Frames, e) {
			return failed, nil, err
		}
		return keepRunning, nil, nil
	}
	g.Delegate = nil
	if exiting {
		// The delegate absorbed the exit and finished; the shutdown is
		// not done until the exit has run through this frame too.
		return m.raiseInGen(g, act.inject)
	}
	// Delegate exhausted; its return value lands at the delegation site.
	top := g.Frames.CurrentStack()
	top.Push(orNone(v))
	top.PC = top.PC.Inc()
	return keepRunning, nil, nil
}

// raiseInGen raises e at the generator's current suspension point.
func (m *Machine) raiseInGen(g *Generator, e *Exc) (outcome, vm.Value, error) {
	chainContext(e, g.Frames)
	line := m.Prog.GetLine(g.Frames.CurrentStack().PC)
	if !dispatchExc(&g.Frames, e) {
		return failed, nil, &UncaughtError{Exc: e, Line: line}
	}
	return keepRunning, nil, nil
}

// stepOnce executes a single instruction and folds the step result into
// the frame stack. owner is non-nil when frames belong to a generator.
func (m *Machine) stepOnce(frames *StackFrames, owner *Generator) (outcome, vm.Value, error) {
	res, n, err := Step(m.Prog, m.Globals, *frames, m.stepHooks(frames))
	if err != nil {
		return failed, nil, err
	}
	switch res {
	case ContinueStep:
		return keepRunning, nil, nil
	case ReturnStep:
		f := frames.PopStack()
		val := f.Pop()
		if len(*frames) == 0 {
			return finished, val, nil
		}
		frames.CurrentStack().Push(val)
		log.Trace().Interface("return_value", val).Int("stack_depth", len(*frames)).Msg("machine: function returned")
		return keepRunning, nil, nil
	case EndStep:
		frames.PopStack()
		if len(*frames) == 0 {
			return finished, vm.None, nil
		}
		// Function ended without explicit return
		frames.CurrentStack().Push(vm.None)
		return keepRunning, nil, nil
	case CallStep:
		return m.callStep(frames, n)
	case MethodCallStep:
		return m.methodCallStep(frames, n)
	case YieldStep:
		if owner == nil {
			return failed, nil, errors.New("Yield outside a generator")
		}
		return yielded, frames.CurrentStack().Pop(), nil
	case YieldFromStep:
		if owner == nil {
			return failed, nil, errors.New("Yield outside a generator")
		}
		return m.delegateStep(frames, owner)
	case RaiseStep:
		top := frames.CurrentStack()
		e := top.inflight
		top.inflight = nil
		line := m.Prog.GetLine(top.PC)
		frames.PopStack()
		if len(*frames) > 0 && dispatchExc(frames, e) {
			return keepRunning, nil, nil
		}
		log.Trace().Str("exception", e.String()).Int("line", line).Msg("machine: exception escaped")
		return failed, nil, &UncaughtError{Exc: e, Line: line}
	default:
		panic("unhandled intermediate step")
	}
}

// dispatchExc walks outward through the live frames looking for a block
// that can take e, popping every frame it unwinds past. Reports whether a
// handler is now set up to run.
func dispatchExc(frames *StackFrames, e *Exc) bool {
	for len(*frames) > 0 {
		top := frames.CurrentStack()
		res, _, _ := raiseInto(top, e)
		if res != RaiseStep {
			return true
		}
		top.inflight = nil
		frames.PopStack()
	}
	return false
}

// raiseNow raises e at the current instruction, as if the instruction
// itself had raised it.
func (m *Machine) raiseNow(frames *StackFrames, e *Exc) (outcome, vm.Value, error) {
	chainContext(e, *frames)
	line := m.Prog.GetLine(frames.CurrentStack().PC)
	if dispatchExc(frames, e) {
		return keepRunning, nil, nil
	}
	return failed, nil, &UncaughtError{Exc: e, Line: line}
}

func (m *Machine) delegateStep(frames *StackFrames, g *Generator) (outcome, vm.Value, error) {
	top := frames.CurrentStack()
	src := top.Pop()
	if d, ok := src.(*Generator); ok {
		g.Delegate = d
	} else {
		it, exc := iteratorFor(src, 1)
		if exc != nil {
			return m.raiseNow(frames, exc)
		}
		g.Delegate = &seqDelegate{it: it}
	}
	log.Trace().Str("generator", g.Name).Msg("machine: delegating")
	// The first pull is a plain next.
	return m.pumpDelegate(g, resumeAction{})
}

func (m *Machine) callStep(frames *StackFrames, argc int) (outcome, vm.Value, error) {
	frame := frames.CurrentStack()
	if len(frame.Stack) < argc+1 {
		return failed, nil, errors.New("Call stack is too short to build a call frame")
	}
	callee := frame.Stack[len(frame.Stack)-1]

	if b, ok := callee.(vm.BuiltinValue); ok {
		return m.callBuiltin(frames, b.Name, argc)
	}

	fnPtr, ok := callee.(vm.FnPtrValue)
	if !ok {
		for i := 0; i <= argc; i++ {
			frame.Pop()
		}
		return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("%s is not callable", vm.FormatValue(callee))))
	}
	ptr := vm.ExecPtr(fnPtr)
	fn := m.Prog.GetFunction(ptr)
	if fn == nil {
		return failed, nil, fmt.Errorf("Compiler error: call target %s has no function", ptr)
	}

	mode := CallTrace
	if m.hooksActive(frame) {
		mode = m.Hooks.CallMode(fn.Name)
		if mode == CallDisabled && anySymbolicArg(frame, argc, 1) {
			// Stack untouched; the call retries after materialization.
			return failed, nil, &FallbackError{Reason: fmt.Sprintf("calling %s with tracing disabled", fn.Name)}
		}
	}

	frame.Pop() // the callee slot
	newFrame, exc, err := buildCallFrame(fn, ptr, frame, argc)
	if err != nil {
		return failed, nil, err
	}
	if exc != nil {
		return m.raiseNow(frames, exc)
	}
	newFrame.NoTrace = frame.NoTrace || mode == CallDisabled

	if fn.IsGenerator {
		g := newGenerator(m, fn.Name, newFrame)
		if m.hooksActive(frame) {
			m.Hooks.GeneratorCreated(g)
		}
		frame.Push(g)
		frame.PC = frame.PC.Inc()
		log.Trace().Str("fn", fn.Name).Msg("machine: created generator")
		return keepRunning, nil, nil
	}
	frame.PC = frame.PC.Inc()
	frames.Append(newFrame)
	log.Trace().Str("fn", fn.Name).Int("stack_depth", len(*frames)).Msg("machine: pushed call frame")
	return keepRunning, nil, nil
}

// buildCallFrame binds call arguments to parameters: keywords by name,
// then positionals in order, then defaults. Arity problems surface as
// guest TypeErrors.
func buildCallFrame(fn *vm.Function, ptr vm.ExecPtr, frame *StackFrame, argc int) (*StackFrame, *Exc, error) {
	if len(frame.Stack) < argc {
		return nil, nil, errors.New("Call stack is too short to build a call frame")
	}
	args := make([]vm.ArgValue, argc)
	for i := argc - 1; i >= 0; i-- {
		switch a := frame.Pop().(type) {
		case vm.ArgValue:
			args[i] = a
		default:
			args[i] = vm.ArgValue{Value: a}
		}
	}
	newFrame := &StackFrame{
		PC: ptr,
	}
	for _, p := range fn.Params {
		found := false
		for i, a := range args {
			if a.Key == p.Name {
				newFrame.StoreVar(p.Name, a.Value)
				args = append(args[:i], args[i+1:]...)
				found = true
				break
			}
		}
		if found {
			continue
		}
		if len(args) != 0 && args[0].Key == "" {
			a := args[0]
			args = args[1:]
			newFrame.StoreVar(p.Name, a.Value)
			continue
		}
		if p.Default != nil {
			newFrame.StoreVar(p.Name, p.Default)
		} else {
			return nil, NewExc(KindTypeError, fmt.Sprintf("Not enough arguments to call %s", fn.Name)), nil
		}
	}
	if len(args) != 0 {
		if args[0].Key != "" {
			return nil, NewExc(KindTypeError, fmt.Sprintf("%s got an unexpected keyword argument '%s'", fn.Name, args[0].Key)), nil
		}
		return nil, NewExc(KindTypeError, fmt.Sprintf("Too many arguments to call %s", fn.Name)), nil
	}
	return newFrame, nil, nil
}

func (m *Machine) callBuiltin(frames *StackFrames, name string, argc int) (outcome, vm.Value, error) {
	frame := frames.CurrentStack()
	if m.hooksActive(frame) {
		// Checked before any popping so a fallback can retry cleanly.
		switch name {
		case "graph_break":
			return failed, nil, &FallbackError{Reason: "explicit graph break"}
		case "print":
			if anySymbolicArg(frame, argc, 1) {
				return failed, nil, &FallbackError{Reason: "printing a traced value"}
			}
		case "list", "product", "permutations":
			// An eager drain consumes guest iteration state that a retry
			// could not replay, so it runs natively or not at all.
			if anyLazyArg(frame, argc, 1) {
				return failed, nil, &FallbackError{Reason: fmt.Sprintf("draining a generator through %s", name)}
			}
		}
	}
	base := len(frame.Stack) - 1 - argc
	if base < 0 {
		return failed, nil, errors.New("Call stack is too short for a builtin call")
	}
	args := make([]vm.Value, argc)
	for i, v := range frame.Stack[base : base+argc] {
		if a, ok := v.(vm.ArgValue); ok {
			v = a.Value
		}
		args[i] = v
	}
	v, exc, err := m.evalBuiltin(name, args)
	if err != nil {
		// Operands stay put so a fallback retry sees the call intact.
		return failed, nil, err
	}
	frame.Stack = frame.Stack[:base]
	if exc != nil {
		return m.raiseNow(frames, exc)
	}
	frame.Push(orNone(v))
	frame.PC = frame.PC.Inc()
	return keepRunning, nil, nil
}

// evalBuiltin handles the builtins that need runtime state, then defers
// to the pure registry.
func (m *Machine) evalBuiltin(name string, args []vm.Value) (vm.Value, *Exc, error) {
	switch name {
	case "iter":
		if len(args) != 1 {
			return nil, NewExc(KindTypeError, fmt.Sprintf("iter() takes exactly 1 argument, got %d", len(args))), nil
		}
		if g, ok := args[0].(*Generator); ok {
			return g, nil, nil
		}
		if l, ok := args[0].(*LazySeq); ok {
			return l, nil, nil
		}
		it, exc := iteratorFor(args[0], 1)
		if exc != nil {
			return nil, exc, nil
		}
		return &LazySeq{Name: "iterator", It: it}, nil, nil
	case "next":
		if len(args) != 1 {
			return nil, NewExc(KindTypeError, fmt.Sprintf("next() takes exactly 1 argument, got %d", len(args))), nil
		}
		switch src := args[0].(type) {
		case *Generator:
			v, more, err := src.Next()
			if err != nil {
				if e, ok := AsExc(err); ok {
					return nil, e, nil
				}
				return nil, nil, err
			}
			if !more {
				return nil, NewStopIteration(orNone(v)), nil
			}
			return v, nil, nil
		case *LazySeq:
			ok, err := src.It.Next()
			if err != nil {
				if e, found := AsExc(err); found {
					return nil, e, nil
				}
				return nil, nil, err
			}
			if !ok {
				return nil, NewStopIteration(vm.None), nil
			}
			return src.It.Var1(), nil, nil
		default:
			return nil, NewExc(KindTypeError, fmt.Sprintf("next() requires an iterator, got %T", args[0])), nil
		}
	case "list":
		if len(args) != 1 {
			return nil, NewExc(KindTypeError, fmt.Sprintf("list() takes exactly 1 argument, got %d", len(args))), nil
		}
		vals, exc, err := m.drain(args[0])
		if exc != nil || err != nil {
			return nil, exc, err
		}
		return vm.NewArray(vals...), nil, nil
	case "zip":
		sources := make([]Iterator, len(args))
		for i, a := range args {
			it, exc := iteratorFor(a, 1)
			if exc != nil {
				return nil, exc, nil
			}
			sources[i] = it
		}
		return &LazySeq{Name: "zip", It: &zipIterator{sources: sources}}, nil, nil
	case "chain":
		sources := make([]Iterator, len(args))
		for i, a := range args {
			it, exc := iteratorFor(a, 1)
			if exc != nil {
				return nil, exc, nil
			}
			sources[i] = it
		}
		return &LazySeq{Name: "chain", It: &chainIterator{sources: sources}}, nil, nil
	case "product":
		pools := make([][]vm.Value, len(args))
		for i, a := range args {
			vals, exc, err := m.drain(a)
			if exc != nil || err != nil {
				return nil, exc, err
			}
			pools[i] = vals
		}
		return &LazySeq{Name: "product", It: newProductIterator(pools)}, nil, nil
	case "permutations":
		if len(args) < 1 || len(args) > 2 {
			return nil, NewExc(KindTypeError, fmt.Sprintf("permutations() takes 1 or 2 arguments, got %d", len(args))), nil
		}
		vals, exc, err := m.drain(args[0])
		if exc != nil || err != nil {
			return nil, exc, err
		}
		r := len(vals)
		if len(args) == 2 {
			n, ok := args[1].(vm.IntValue)
			if !ok {
				return nil, NewExc(KindTypeError, fmt.Sprintf("permutations() length must be an integer, got %T", args[1])), nil
			}
			r = int(n)
		}
		perms := permute(vals, r)
		return &LazySeq{Name: "permutations", It: &SliceIterator{Values: perms, Index: -1}}, nil, nil
	case "print":
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = printable(a)
		}
		fmt.Fprintln(m.Out, strings.Join(parts, " "))
		return vm.None, nil, nil
	case "graph_break":
		// Native no-op; with hooks active it never reaches this point.
		return vm.None, nil, nil
	}
	fn, ok := vm.BuiltinRegistry[name]
	if !ok {
		return nil, nil, fmt.Errorf("Unknown builtin %s", name)
	}
	v, err := fn(args)
	if err != nil {
		return nil, NewExc(KindTypeError, err.Error()), nil
	}
	return v, nil, nil
}

// drain materializes any iterable into a slice.
func (m *Machine) drain(src vm.Value) ([]vm.Value, *Exc, error) {
	it, exc := iteratorFor(src, 1)
	if exc != nil {
		return nil, exc, nil
	}
	var vals []vm.Value
	for {
		ok, err := it.Next()
		if err != nil {
			if e, found := AsExc(err); found {
				return nil, e, nil
			}
			return nil, nil, err
		}
		if !ok {
			return vals, nil, nil
		}
		vals = append(vals, it.Var1())
	}
}

func (m *Machine) methodCallStep(frames *StackFrames, argc int) (outcome, vm.Value, error) {
	frame := frames.CurrentStack()
	if len(frame.Stack) < argc+2 {
		return failed, nil, errors.New("Call stack is too short for a method call")
	}
	name := mustString(frame.Stack[len(frame.Stack)-1])
	recv := frame.Stack[len(frame.Stack)-2]

	// Peek the arguments without popping so fallback retries stay clean.
	base := len(frame.Stack) - 2 - argc
	args := make([]vm.Value, argc)
	for i := 0; i < argc; i++ {
		v := frame.Stack[base+i]
		if a, ok := v.(vm.ArgValue); ok {
			v = a.Value
		}
		args[i] = v
	}
	commit := func() { frame.Stack = frame.Stack[:base] }
	push := func(v vm.Value) (outcome, vm.Value, error) {
		commit()
		frame.Push(orNone(v))
		frame.PC = frame.PC.Inc()
		return keepRunning, nil, nil
	}

	if m.hooksActive(frame) && vm.IsTensorish(recv) {
		res, handled, err := m.Hooks.MethodCall(recv, name, args)
		if err != nil {
			return failed, nil, err
		}
		if handled {
			return push(res)
		}
	}

	switch r := recv.(type) {
	case *Generator:
		return m.generatorMethod(frames, r, name, args, commit, push)
	case *vm.Cell:
		switch name {
		case "get":
			if len(args) != 0 {
				commit()
				return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("get expects no arguments, got %d", len(args))))
			}
			if m.hooksActive(frame) {
				if v, handled := m.Hooks.CellGet(r); handled {
					return push(v)
				}
			}
			return push(r.Get())
		case "set":
			if len(args) != 1 {
				commit()
				return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("set expects 1 argument, got %d", len(args))))
			}
			if m.hooksActive(frame) {
				if m.Hooks.CellSet(r, r.Get(), args[0]) {
					return push(vm.None)
				}
			}
			r.Set(args[0])
			return push(vm.None)
		default:
			commit()
			return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("Cell has no method %s", name)))
		}
	default:
		table, ok := vm.MethodRegistry[vm.GetTypeName(recv)]
		if ok {
			if impl, found := table[name]; found {
				v, err := impl(recv, args)
				if err != nil {
					commit()
					return m.raiseNow(frames, NewExc(KindTypeError, err.Error()))
				}
				return push(v)
			}
		}
		commit()
		return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("%s has no method %s", vm.GetTypeName(recv), name)))
	}
}

func (m *Machine) generatorMethod(frames *StackFrames, g *Generator, name string, args []vm.Value, commit func(), push func(vm.Value) (outcome, vm.Value, error)) (outcome, vm.Value, error) {
	finish := func(v vm.Value, more bool, err error) (outcome, vm.Value, error) {
		if err != nil {
			if e, ok := AsExc(err); ok {
				commit()
				return m.raiseNow(frames, e)
			}
			// Fallback or internal error; operands stay put for a retry.
			return failed, nil, err
		}
		if !more {
			commit()
			return m.raiseNow(frames, NewStopIteration(orNone(v)))
		}
		return push(v)
	}
	switch name {
	case "send":
		if len(args) != 1 {
			commit()
			return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("send expects 1 argument, got %d", len(args))))
		}
		return finish(g.Send(args[0]))
	case "throw":
		e, exc := throwArg(args)
		if exc != nil {
			commit()
			return m.raiseNow(frames, exc)
		}
		return finish(g.Throw(e))
	case "close":
		if len(args) != 0 {
			commit()
			return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("close expects no arguments, got %d", len(args))))
		}
		v, err := g.Close()
		if err != nil {
			if e, ok := AsExc(err); ok {
				commit()
				return m.raiseNow(frames, e)
			}
			return failed, nil, err
		}
		return push(v)
	default:
		commit()
		return m.raiseNow(frames, NewExc(KindTypeError, fmt.Sprintf("Generator has no method %s", name)))
	}
}

// throwArg builds the exception for a generator throw call: either an
// exception value, or a kind with an optional message.
func throwArg(args []vm.Value) (*Exc, *Exc) {
	if len(args) < 1 || len(args) > 2 {
		return nil, NewExc(KindTypeError, fmt.Sprintf("throw expects 1 or 2 arguments, got %d", len(args)))
	}
	switch a := args[0].(type) {
	case *Exc:
		if len(args) != 1 {
			return nil, NewExc(KindTypeError, "throw with an exception value takes no message")
		}
		return a, nil
	case vm.StrValue:
		msg := ""
		if len(args) == 2 {
			s, ok := args[1].(vm.StrValue)
			if !ok {
				return nil, NewExc(KindTypeError, fmt.Sprintf("throw message must be a string, got %T", args[1]))
			}
			msg = string(s)
		}
		return NewExc(string(a), msg), nil
	default:
		return nil, NewExc(KindTypeError, fmt.Sprintf("throw expects an exception or a kind, got %T", args[0]))
	}
}

func (m *Machine) stepHooks(frames *StackFrames) Hooks {
	if m.Hooks == nil || frames.CurrentStack().NoTrace {
		return nil
	}
	return m.Hooks
}

func (m *Machine) hooksActive(frame *StackFrame) bool {
	return m.Hooks != nil && !frame.NoTrace
}

// anySymbolicArg reports whether any of the argc call arguments sitting
// under skip stack slots is a traced value.
func anySymbolicArg(frame *StackFrame, argc, skip int) bool {
	base := len(frame.Stack) - skip - argc
	for i := 0; i < argc; i++ {
		v := frame.Stack[base+i]
		if a, ok := v.(vm.ArgValue); ok {
			v = a.Value
		}
		if isSymbolic(v) {
			return true
		}
	}
	return false
}

// anyLazyArg reports whether a pending argument is backed by live guest
// iteration state.
func anyLazyArg(frame *StackFrame, argc, skip int) bool {
	base := len(frame.Stack) - skip - argc
	for i := 0; i < argc; i++ {
		v := frame.Stack[base+i]
		if a, ok := v.(vm.ArgValue); ok {
			v = a.Value
		}
		switch v.(type) {
		case *Generator, *LazySeq:
			return true
		}
	}
	return false
}

// materialize asks the hooks to concretize everything they shadow,
// rewrites all live values, and detaches the hooks. Execution continues
// natively at the instruction that demanded it.
func (m *Machine) materialize(frames StackFrames, reason string) error {
	log.Debug().Str("reason", reason).Msg("machine: falling back to native execution")
	rw, err := m.Hooks.Fallback(reason)
	m.Hooks = nil
	if err != nil {
		return err
	}
	if rw == nil {
		return nil
	}
	seen := map[uintptr]bool{}
	rewriteFrame(m.Globals, rw, seen)
	for _, f := range frames {
		rewriteFrame(f, rw, seen)
	}
	return nil
}

func rewriteFrame(f *StackFrame, rw Rewrite, seen map[uintptr]bool) {
	for i := range f.Stack {
		f.Stack[i] = rewriteValue(f.Stack[i], rw, seen)
	}
	for k, v := range f.Variables {
		f.Variables[k] = rewriteValue(v, rw, seen)
	}
	for _, st := range f.IteratorStack {
		rewriteIterator(st.Iter, rw, seen)
	}
	for i := range f.Handled {
		f.Handled[i] = rewriteExc(f.Handled[i], rw, seen)
	}
	if f.inflight != nil {
		f.inflight = rewriteExc(f.inflight, rw, seen)
	}
}

// rewriteValue maps traced placeholders to concrete values, walking
// containers and suspended generators in place.
func rewriteValue(v vm.Value, rw Rewrite, seen map[uintptr]bool) vm.Value {
	if v == nil {
		return nil
	}
	v = rw(v)
	switch t := v.(type) {
	case *vm.ArrayValue:
		if marked(seen, t) {
			return t
		}
		for i := range t.Values {
			t.Values[i] = rewriteValue(t.Values[i], rw, seen)
		}
	case vm.StructValue:
		if marked(seen, t) {
			return t
		}
		for k, e := range t {
			t[k] = rewriteValue(e, rw, seen)
		}
	case *vm.Cell:
		if marked(seen, t) {
			return t
		}
		t.Set(rewriteValue(t.Get(), rw, seen))
	case vm.ArgValue:
		t.Value = rewriteValue(t.Value, rw, seen)
		return t
	case *Exc:
		return rewriteExc(t, rw, seen)
	case *Generator:
		if marked(seen, t) {
			return t
		}
		for _, f := range t.Frames {
			rewriteFrame(f, rw, seen)
		}
		switch d := t.Delegate.(type) {
		case *Generator:
			rewriteValue(d, rw, seen)
		case *seqDelegate:
			rewriteIterator(d.it, rw, seen)
		}
	case *LazySeq:
		if marked(seen, t) {
			return t
		}
		rewriteIterator(t.It, rw, seen)
	}
	return v
}

func rewriteExc(e *Exc, rw Rewrite, seen map[uintptr]bool) *Exc {
	if e == nil || marked(seen, e) {
		return e
	}
	if e.Value != nil {
		e.Value = rewriteValue(e.Value, rw, seen)
	}
	e.Context = rewriteExc(e.Context, rw, seen)
	e.Cause = rewriteExc(e.Cause, rw, seen)
	return e
}

func rewriteIterator(it Iterator, rw Rewrite, seen map[uintptr]bool) {
	switch t := it.(type) {
	case *SliceIterator:
		for i := range t.Values {
			t.Values[i] = rewriteValue(t.Values[i], rw, seen)
		}
	case *DictIterator:
		rewriteValue(t.Dict, rw, seen)
	case *unpackIterator:
		rewriteIterator(t.inner, rw, seen)
		t.a = rewriteValue(t.a, rw, seen)
		t.b = rewriteValue(t.b, rw, seen)
	case *genIterator:
		rewriteValue(t.gen, rw, seen)
		t.cur = rewriteValue(t.cur, rw, seen)
	case *zipIterator:
		for _, s := range t.sources {
			rewriteIterator(s, rw, seen)
		}
		t.cur = rewriteValue(t.cur, rw, seen)
	case *chainIterator:
		for _, s := range t.sources {
			rewriteIterator(s, rw, seen)
		}
		t.cur = rewriteValue(t.cur, rw, seen)
	case *productIterator:
		for _, pool := range t.pools {
			for i := range pool {
				pool[i] = rewriteValue(pool[i], rw, seen)
			}
		}
		t.cur = rewriteValue(t.cur, rw, seen)
	}
}

// marked records pointer-shaped values so shared and cyclic structures are
// walked once.
func marked(seen map[uintptr]bool, v any) bool {
	p := reflect.ValueOf(v).Pointer()
	if seen[p] {
		return true
	}
	seen[p] = true
	return false
}

func orNone(v vm.Value) vm.Value {
	if v == nil {
		return vm.None
	}
	return v
}

func printable(v vm.Value) string {
	if s, ok := v.(vm.StrValue); ok {
		return string(s)
	}
	return vm.FormatValue(v)
}
