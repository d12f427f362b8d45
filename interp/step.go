package interp

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/weft-dev/weft/vm"
)

type StepResult int

const (
	ContinueStep StepResult = iota
	ReturnStep
	EndStep
	CallStep
	MethodCallStep // Method call encountered (e.g., arr.append(x))
	ErrorStep
	YieldStep     // Frame suspended at YIELD_VALUE; the yielded value is on top of the stack
	YieldFromStep // Frame reached YIELD_FROM; the delegate is on top of the stack
	RaiseStep     // An exception unwound past every block in this frame
)

// Step executes exactly one instruction of the topmost frame. The machine
// owns everything that crosses frame boundaries: calls, returns, yields and
// exceptions that escape the frame. hooks may be nil for a plain native run.
func Step(program Program, globals *StackFrame, stack []*StackFrame, hooks Hooks) (StepResult, int, error) {
	if len(stack) == 0 {
		log.Trace().Msg("Step: empty stack, returning error")
		return ErrorStep, 0, errors.New("No stack frame")
	}
	frame := stack[len(stack)-1]
	inst, err := program.GetInstruction(frame.PC)
	if err != nil {
		if errors.Is(err, vm.ErrEndOfCode) {
			log.Trace().Str("pc", frame.PC.String()).Msg("Step: end of code")
			return EndStep, 0, nil
		}
		log.Trace().Err(err).Str("pc", frame.PC.String()).Msg("Step: error getting instruction")
		return ErrorStep, 0, err
	}

	log.Trace().
		Str("opcode", inst.Code.String()).
		Str("pc", frame.PC.String()).
		Interface("arg", inst.Arg).
		Int("stack_depth", len(frame.Stack)).
		Msg("Step: executing instruction")

	switch inst.Code {
	case vm.NOP:
		log.Trace().Interface("stack", frame.Stack).Msg("  NOP")
	case vm.POP:
		val := frame.Pop()
		log.Trace().Interface("value", val).Interface("stack", frame.Stack).Msg("  POP")
	case vm.PUSH:
		frame.Push(inst.Arg.Clone())
		log.Trace().Interface("value", inst.Arg).Interface("stack", frame.Stack).Msg("  PUSH")
	case vm.SETVAL:
		name := frame.Pop()
		val := frame.Pop()
		variable := mustString(name)

		// Unified namespace: names bound in the module frame are globals
		// for every callee; in the module frame itself everything is
		// local, so the global check skips it.
		var inGlobals bool
		if globals != nil && globals != frame {
			_, inGlobals = globals.Variables[variable]
		}
		if inGlobals && frame.Has(variable) {
			log.Trace().Str("variable", variable).Msg("  SETVAL: shadowing detected")
			return ErrorStep, 0, fmt.Errorf("Variable shadowing detected: '%s' exists in both global and local scope", variable)
		}
		if inGlobals {
			if hooks != nil {
				hooks.GlobalSet(variable, val)
			}
			globals.StoreVar(variable, val)
			log.Trace().Str("variable", variable).Interface("value", val).Str("scope", "global").Msg("  SETVAL")
		} else {
			frame.StoreVar(variable, val)
			log.Trace().Str("variable", variable).Interface("value", val).Str("scope", "local").Msg("  SETVAL")
		}
	case vm.GETVAL:
		name := frame.Pop()
		varName := mustString(name)
		v, err := resolveVar(varName, program, globals, stack)
		if err != nil {
			log.Trace().Str("variable", varName).Err(err).Interface("stack", frame.Stack).Msg("  GETVAL: error")
			return ErrorStep, 0, err
		}
		frame.Push(v)
		log.Trace().Str("variable", varName).Interface("value", v).Msg("  GETVAL")
	case vm.SWAP:
		a := frame.Pop()
		b := frame.Pop()
		frame.Push(a)
		frame.Push(b)
		log.Trace().Interface("stack", frame.Stack).Msg("  SWAP")
	case vm.DUP:
		a := frame.Pop()
		frame.Push(a.Clone())
		frame.Push(a)
		log.Trace().Interface("value", a).Msg("  DUP")
	case vm.GETATTR:
		// Stack: A B -> C where C = A[B]
		key := frame.Pop()
		obj := frame.Pop()
		if hooks != nil && isSymbolic(obj) {
			frame.Push(obj)
			frame.Push(key)
			return ErrorStep, 0, &FallbackError{Reason: "indexing a traced tensor"}
		}
		val, exc := getAttribute(obj, key)
		if exc != nil {
			log.Trace().Interface("obj", obj).Interface("key", key).Str("exc", exc.String()).Msg("  GETATTR: raising")
			return raiseExc(frame, stack, exc)
		}
		frame.Push(val)
		log.Trace().Interface("obj", obj).Interface("key", key).Interface("value", val).Msg("  GETATTR")
	case vm.SETATTR:
		// Stack: C A B -> nothing, sets A[B] = C
		key := frame.Pop()
		obj := frame.Pop()
		val := frame.Pop()
		if hooks != nil && isSymbolic(obj) {
			frame.Push(val)
			frame.Push(obj)
			frame.Push(key)
			return ErrorStep, 0, &FallbackError{Reason: "assigning into a traced tensor"}
		}
		if exc := setAttribute(obj, key, val); exc != nil {
			log.Trace().Interface("obj", obj).Interface("key", key).Str("exc", exc.String()).Msg("  SETATTR: raising")
			return raiseExc(frame, stack, exc)
		}
		log.Trace().Interface("obj", obj).Interface("key", key).Interface("value", val).Msg("  SETATTR")
	case vm.NOT:
		a := frame.Pop()
		t, err := truth(a, hooks)
		if err != nil {
			frame.Push(a)
			return ErrorStep, 0, err
		}
		frame.Push(vm.BoolValue(!t))
		log.Trace().Interface("input", a).Bool("result", !t).Msg("  NOT")
	case vm.ADD, vm.SUBTRACT, vm.MULTIPLY, vm.DIVIDE, vm.MODULO, vm.FLOOR_DIVIDE, vm.POWER:
		b := frame.Pop()
		a := frame.Pop()
		v, handled, err := hookedBinary(hooks, inst.Code, a, b)
		if err != nil {
			// Restore the operands so the instruction can be retried once
			// a fallback has materialized them.
			frame.Push(a)
			frame.Push(b)
			return ErrorStep, 0, err
		}
		if !handled {
			var exc *Exc
			v, exc, err = binaryOp(inst.Code, a, b)
			if err != nil {
				log.Trace().Str("op", inst.Code.String()).Interface("a", a).Interface("b", b).Err(err).Msg("  NUMERIC_OP: error")
				return ErrorStep, 0, err
			}
			if exc != nil {
				log.Trace().Str("op", inst.Code.String()).Str("exc", exc.String()).Msg("  NUMERIC_OP: raising")
				return raiseExc(frame, stack, exc)
			}
		}
		frame.Push(v)
		log.Trace().Str("op", inst.Code.String()).Interface("a", a).Interface("b", b).Interface("result", v).Msg("  NUMERIC_OP")
	case vm.EQ:
		b := frame.Pop()
		a := frame.Pop()
		v, handled, err := hookedBinary(hooks, vm.EQ, a, b)
		if err != nil {
			frame.Push(a)
			frame.Push(b)
			return ErrorStep, 0, err
		}
		if !handled {
			c, ok := a.Cmp(b)
			if !ok {
				// Not comparable, therefore not equal
				v = vm.BoolFalse
			} else if c == 0 {
				v = vm.BoolTrue
			} else {
				v = vm.BoolFalse
			}
		}
		frame.Push(v)
		log.Trace().Interface("a", a).Interface("b", b).Interface("result", v).Msg("  EQ")
	case vm.LT, vm.LTE:
		b := frame.Pop()
		a := frame.Pop()
		v, handled, err := hookedBinary(hooks, inst.Code, a, b)
		if err != nil {
			frame.Push(a)
			frame.Push(b)
			return ErrorStep, 0, err
		}
		if !handled {
			c, ok := a.Cmp(b)
			if !ok {
				log.Trace().Interface("a", a).Interface("b", b).Msg("  COMPARE: incomparable types")
				return raiseExc(frame, stack, NewExc(KindTypeError, fmt.Sprintf("Can't compare %#v to %#v", a, b)))
			}
			if (inst.Code == vm.LT && c < 0) || (inst.Code == vm.LTE && c <= 0) {
				v = vm.BoolTrue
			} else {
				v = vm.BoolFalse
			}
		}
		frame.Push(v)
		log.Trace().Str("op", inst.Code.String()).Interface("a", a).Interface("b", b).Interface("result", v).Msg("  COMPARE")
	case vm.IN:
		// Stack: item collection -> bool (item in collection)
		collection := frame.Pop()
		item := frame.Pop()
		v, handled, err := hookedBinary(hooks, vm.IN, item, collection)
		if err != nil {
			frame.Push(item)
			frame.Push(collection)
			return ErrorStep, 0, err
		}
		if !handled {
			var exc *Exc
			v, exc = containsOp(item, collection)
			if exc != nil {
				return raiseExc(frame, stack, exc)
			}
		}
		frame.Push(v)
		log.Trace().Interface("item", item).Interface("collection", collection).Interface("result", v).Msg("  IN")
	case vm.SLICE:
		// Stack: Array Start End -> Result
		// None for start means 0, None for end means len(array)
		endVal := frame.Pop()
		startVal := frame.Pop()
		arrayVal := frame.Pop()

		arr, ok := arrayVal.(*vm.ArrayValue)
		if !ok {
			return raiseExc(frame, stack, NewExc(KindTypeError, fmt.Sprintf("SLICE requires an array, got %T", arrayVal)))
		}
		start, exc := sliceBound(startVal, 0, len(arr.Values))
		if exc != nil {
			return raiseExc(frame, stack, exc)
		}
		end, exc := sliceBound(endVal, len(arr.Values), len(arr.Values))
		if exc != nil {
			return raiseExc(frame, stack, exc)
		}
		if start > end {
			start = end
		}
		result := make([]vm.Value, end-start)
		copy(result, arr.Values[start:end])
		frame.Push(vm.NewArray(result...))
		log.Trace().Int("start", start).Int("end", end).Msg("  SLICE")
	case vm.JMP:
		// Unconditional jump to label
		if label, ok := inst.Arg.(vm.IntValue); ok {
			newPC := frame.PC.SetOffset(int(label))
			log.Trace().Str("from", frame.PC.String()).Str("to", newPC.String()).Msg("  JMP")
			frame.PC = newPC
			return ContinueStep, 0, nil
		}
		return ErrorStep, 0, errors.New("JMP requires integer label")
	case vm.JFALSE:
		// Jump to label if top of stack is false
		cond := frame.Pop()
		t, err := truth(cond, hooks)
		if err != nil {
			frame.Push(cond)
			return ErrorStep, 0, err
		}
		if !t {
			label, ok := inst.Arg.(vm.IntValue)
			if !ok {
				return ErrorStep, 0, errors.New("JFALSE requires integer label")
			}
			newPC := frame.PC.SetOffset(int(label))
			log.Trace().Interface("condition", cond).Str("from", frame.PC.String()).Str("to", newPC.String()).Msg("  JFALSE: jumping")
			frame.PC = newPC
			return ContinueStep, 0, nil
		}
		log.Trace().Interface("condition", cond).Msg("  JFALSE: not jumping")
	case vm.RETURN:
		v := frame.Pop()
		log.Trace().Interface("value", v).Int("blocks", len(frame.Blocks)).Msg("  RETURN")
		return returnUnwind(frame, v)
	case vm.BUILD_LIST:
		n, ok := inst.Arg.(vm.IntValue)
		if !ok {
			return ErrorStep, 0, errors.New("Error in compilation; BUILD_LIST should carry an int")
		}
		l := make([]vm.Value, int(n))
		for i := int(n) - 1; i >= 0; i-- {
			l[i] = frame.Pop()
		}
		frame.Push(vm.NewArray(l...))
		log.Trace().Int("size", int(n)).Msg("  BUILD_LIST")
	case vm.BUILD_DICT:
		n, ok := inst.Arg.(vm.IntValue)
		if !ok {
			return ErrorStep, 0, errors.New("Error in compilation; BUILD_DICT should carry an int")
		}
		l := make(map[string]vm.Value)
		for i := 0; i < int(n); i++ {
			v := frame.Pop()
			k := frame.Pop()
			ks, ok := k.(vm.StrValue)
			if !ok {
				return raiseExc(frame, stack, NewExc(KindTypeError, fmt.Sprintf("Dict keys must be strings, got %T", k)))
			}
			l[string(ks)] = v
		}
		frame.Push(vm.StructValue(l))
		log.Trace().Int("size", int(n)).Msg("  BUILD_DICT")
	case vm.BUILD_ARG:
		name, ok := inst.Arg.(vm.StrValue)
		if !ok {
			return ErrorStep, 0, errors.New("Error in compilation; BUILD_ARG should carry a name")
		}
		val := frame.Pop()
		frame.Push(vm.ArgValue{Key: string(name), Value: val})
		log.Trace().Str("name", string(name)).Interface("value", val).Msg("  BUILD_ARG")
	case vm.ITER_START:
		iterable := frame.Pop()
		varName := frame.Pop()
		varNameStr := mustString(varName)

		iter, exc := iteratorFor(iterable, 1)
		if exc != nil {
			log.Trace().Interface("iterable", iterable).Msg("  ITER_START: cannot iterate")
			return raiseExc(frame, stack, exc)
		}

		// Get end label from instruction arg (preserve CodeID, set offset)
		endLabel := frame.PC.SetOffset(int(inst.Arg.(vm.IntValue)))

		ok, err := iter.Next()
		if err != nil {
			if e, found := AsExc(err); found {
				return raiseExc(frame, stack, e)
			}
			// Put the operands back so the instruction can be retried once
			// the machine has rebuilt state.
			frame.Push(varName)
			frame.Push(iterable)
			return ErrorStep, 0, err
		}
		if !ok {
			frame.PC = endLabel
			log.Trace().Str("var", varNameStr).Str("end_pc", endLabel.String()).Msg("  ITER_START: empty iterable, jumping to end")
			return ContinueStep, 0, nil
		}
		frame.IteratorStack = append(frame.IteratorStack, &IteratorState{
			Start:    frame.PC.Inc(),
			End:      endLabel,
			Iter:     iter,
			VarNames: []string{varNameStr},
		})
		frame.StoreVar(varNameStr, iter.Var1())
		log.Trace().Str("var", varNameStr).Interface("first_value", iter.Var1()).Str("end_pc", endLabel.String()).Msg("  ITER_START: starting iteration")
	case vm.ITER_START_2:
		iterable := frame.Pop()
		varName2 := frame.Pop()
		varName1 := frame.Pop()
		varName1Str := mustString(varName1)
		varName2Str := mustString(varName2)

		iter, exc := iteratorFor(iterable, 2)
		if exc != nil {
			log.Trace().Interface("iterable", iterable).Msg("  ITER_START_2: cannot iterate")
			return raiseExc(frame, stack, exc)
		}

		endLabel := frame.PC.SetOffset(int(inst.Arg.(vm.IntValue)))

		ok, err := iter.Next()
		if err != nil {
			if e, found := AsExc(err); found {
				return raiseExc(frame, stack, e)
			}
			frame.Push(varName1)
			frame.Push(varName2)
			frame.Push(iterable)
			return ErrorStep, 0, err
		}
		if !ok {
			frame.PC = endLabel
			return ContinueStep, 0, nil
		}
		frame.IteratorStack = append(frame.IteratorStack, &IteratorState{
			Start:    frame.PC.Inc(),
			End:      endLabel,
			Iter:     iter,
			VarNames: []string{varName1Str, varName2Str},
		})
		frame.StoreVar(varName1Str, iter.Var1())
		frame.StoreVar(varName2Str, iter.Var2())
		log.Trace().Str("var1", varName1Str).Str("var2", varName2Str).Str("end_pc", endLabel.String()).Msg("  ITER_START_2: starting iteration")
	case vm.ITER_NEXT:
		if len(frame.IteratorStack) == 0 {
			log.Trace().Msg("  ITER_NEXT: empty iterator stack")
			return ErrorStep, 0, errors.New("ITER_NEXT with empty iterator stack")
		}
		iterState := frame.IteratorStack[len(frame.IteratorStack)-1]
		ok, err := iterState.Iter.Next()
		if err != nil {
			return deliverError(frame, stack, err)
		}
		if !ok {
			// Iterator exhausted, pop it and exit loop
			frame.IteratorStack = frame.IteratorStack[:len(frame.IteratorStack)-1]
			frame.PC = iterState.End
			log.Trace().Str("end_pc", iterState.End.String()).Msg("  ITER_NEXT: exhausted, exiting loop")
			return ContinueStep, 0, nil
		}
		frame.StoreVar(iterState.VarNames[0], iterState.Iter.Var1())
		if len(iterState.VarNames) == 2 {
			frame.StoreVar(iterState.VarNames[1], iterState.Iter.Var2())
		}
		frame.PC = iterState.Start
		log.Trace().Str("start_pc", iterState.Start.String()).Msg("  ITER_NEXT: continuing iteration")
		return ContinueStep, 0, nil
	case vm.ITER_END:
		// Pop current iterator and jump to end
		if len(frame.IteratorStack) == 0 {
			log.Trace().Msg("  ITER_END: empty iterator stack")
			return ErrorStep, 0, errors.New("ITER_END with empty iterator stack")
		}
		iterState := frame.IteratorStack[len(frame.IteratorStack)-1]
		frame.IteratorStack = frame.IteratorStack[:len(frame.IteratorStack)-1]
		frame.PC = iterState.End
		log.Trace().Str("end_pc", iterState.End.String()).Msg("  ITER_END: breaking from loop")
		return ContinueStep, 0, nil
	case vm.CALL:
		if v, ok := inst.Arg.(vm.IntValue); ok {
			log.Trace().Int("argc", int(v)).Interface("stack", frame.Stack).Str("pc", frame.PC.String()).Msg("  CALL")
			return CallStep, int(v), nil
		}
		return ErrorStep, 0, errors.New("Error in compilation; CALL should carry an int")
	case vm.CALL_METHOD:
		if v, ok := inst.Arg.(vm.IntValue); ok {
			// Stack: arg1, arg2, ..., argN, receiver, methodName
			log.Trace().Int("argc", int(v)).Interface("stack", frame.Stack).Str("pc", frame.PC.String()).Msg("  CALL_METHOD")
			return MethodCallStep, int(v), nil
		}
		return ErrorStep, 0, errors.New("Error in compilation; CALL_METHOD should carry an int")
	case vm.YIELD_VALUE:
		// The machine pops the yielded value and parks the generator; the
		// resume path pushes the sent value in its place.
		newPC := frame.PC.Inc()
		log.Trace().Str("pc", frame.PC.String()).Str("new_pc", newPC.String()).Interface("stack", frame.Stack).Msg("  YIELD_VALUE: suspending")
		frame.PC = newPC
		return YieldStep, 0, nil
	case vm.YIELD_FROM:
		// PC stays put while the delegate runs; the machine advances it
		// once the delegate is exhausted.
		log.Trace().Str("pc", frame.PC.String()).Interface("stack", frame.Stack).Msg("  YIELD_FROM: delegating")
		return YieldFromStep, 0, nil
	case vm.SETUP_EXCEPT, vm.SETUP_FINALLY:
		dest, ok := inst.Arg.(vm.IntValue)
		if !ok {
			return ErrorStep, 0, errors.New("Error in compilation; SETUP should carry a label")
		}
		kind := ExceptBlock
		if inst.Code == vm.SETUP_FINALLY {
			kind = FinallyBlock
		}
		frame.pushBlock(Block{
			Kind:         kind,
			Handler:      frame.PC.SetOffset(int(dest)),
			Depth:        len(frame.Stack),
			IterDepth:    len(frame.IteratorStack),
			HandledDepth: len(frame.Handled),
		})
		log.Trace().Str("kind", kind.String()).Int("handler", int(dest)).Int("blocks", len(frame.Blocks)).Msg("  SETUP")
	case vm.POP_BLOCK:
		if _, ok := frame.popBlock(); !ok {
			return ErrorStep, 0, errors.New("POP_BLOCK with empty block stack")
		}
		log.Trace().Int("blocks", len(frame.Blocks)).Msg("  POP_BLOCK")
	case vm.POP_EXCEPT:
		if len(frame.Handled) == 0 {
			return ErrorStep, 0, errors.New("POP_EXCEPT with no handled exception")
		}
		frame.Handled = frame.Handled[:len(frame.Handled)-1]
		log.Trace().Int("handled", len(frame.Handled)).Msg("  POP_EXCEPT")
	case vm.EXC_MATCH:
		clause, ok := inst.Arg.(vm.StrValue)
		if !ok {
			return ErrorStep, 0, errors.New("Error in compilation; EXC_MATCH should carry a kind name")
		}
		v := frame.Pop()
		e, ok := v.(*Exc)
		if !ok {
			return ErrorStep, 0, fmt.Errorf("EXC_MATCH on a non-exception %T", v)
		}
		matched := e.Matches(string(clause))
		frame.Push(vm.BoolValue(matched))
		log.Trace().Str("exc", e.String()).Str("clause", string(clause)).Bool("matched", matched).Msg("  EXC_MATCH")
	case vm.RAISE:
		n, ok := inst.Arg.(vm.IntValue)
		if !ok {
			return ErrorStep, 0, errors.New("Error in compilation; RAISE should carry an int")
		}
		switch int(n) {
		case 0:
			e := activeException(stack)
			if e == nil {
				e = NewExc(KindRuntimeError, "No active exception to re-raise")
			}
			log.Trace().Str("exc", e.String()).Msg("  RAISE: re-raise")
			return raiseInto(frame, e)
		case 3:
			causeV := frame.Pop()
			msgV := frame.Pop()
			kindV := frame.Pop()
			e := buildRaise(kindV, msgV, causeV, stack)
			log.Trace().Str("exc", e.String()).Interface("stack", frame.Stack).Msg("  RAISE")
			return raiseInto(frame, e)
		}
		return ErrorStep, 0, fmt.Errorf("RAISE with unexpected operand count %d", int(n))
	case vm.END_FINALLY:
		s := frame.Pop()
		switch sv := s.(type) {
		case vm.NoneValue:
			// Normal completion of the finally body.
			log.Trace().Msg("  END_FINALLY: no pending action")
		case *Exc:
			if n := len(frame.Handled); n > 0 && frame.Handled[n-1] == sv {
				frame.Handled = frame.Handled[:n-1]
			}
			log.Trace().Str("exc", sv.String()).Msg("  END_FINALLY: resuming raise")
			return raiseInto(frame, sv)
		case pendingReturn:
			log.Trace().Interface("value", sv.value).Msg("  END_FINALLY: resuming return")
			return returnUnwind(frame, sv.value)
		default:
			return ErrorStep, 0, fmt.Errorf("END_FINALLY with unexpected sentinel %T", s)
		}
	default:
		return ErrorStep, 0, fmt.Errorf("Unhandled step instruction %s", inst.Code)
	}
	frame.PC = frame.PC.Inc()
	return ContinueStep, 0, nil
}

// raiseInto dispatches an exception to the innermost live block of the
// frame. With no block left the exception parks on the frame and RaiseStep
// tells the machine to unwind across frames.
func raiseInto(frame *StackFrame, e *Exc) (StepResult, int, error) {
	b, ok := frame.popBlock()
	if !ok {
		frame.inflight = e
		return RaiseStep, 0, nil
	}
	frame.unwindTo(b)
	// The exception is "being handled" from here until POP_EXCEPT (or
	// END_FINALLY) clears it; raises inside the handler chain off it.
	frame.Handled = append(frame.Handled, e)
	frame.Push(e)
	frame.PC = b.Handler
	log.Trace().Str("exc", e.String()).Str("kind", b.Kind.String()).Str("handler", b.Handler.String()).Msg("  dispatching exception")
	return ContinueStep, 0, nil
}

// raiseExc chains and dispatches a freshly built exception.
func raiseExc(frame *StackFrame, stack []*StackFrame, e *Exc) (StepResult, int, error) {
	chainContext(e, stack)
	return raiseInto(frame, e)
}

// returnUnwind routes a return value out through the active blocks. A
// finally body still runs, with the return parked as a stack sentinel;
// except regions are simply exited.
func returnUnwind(frame *StackFrame, v vm.Value) (StepResult, int, error) {
	for {
		b, ok := frame.popBlock()
		if !ok {
			frame.Push(v)
			return ReturnStep, 0, nil
		}
		frame.unwindTo(b)
		if b.Kind == FinallyBlock {
			frame.Push(pendingReturn{value: v})
			frame.PC = b.Handler
			return ContinueStep, 0, nil
		}
	}
}

// deliverError routes an error surfaced mid-iteration. A guest exception
// retires the active iterator and dispatches into the frame; anything else
// leaves it installed so the instruction can be retried after a fallback.
func deliverError(frame *StackFrame, stack []*StackFrame, err error) (StepResult, int, error) {
	if e, ok := AsExc(err); ok {
		frame.IteratorStack = frame.IteratorStack[:len(frame.IteratorStack)-1]
		return raiseExc(frame, stack, e)
	}
	return ErrorStep, 0, err
}

// activeException finds the innermost exception currently being handled
// anywhere on the live frame stack.
func activeException(stack []*StackFrame) *Exc {
	for i := len(stack) - 1; i >= 0; i-- {
		if h := stack[i].Handled; len(h) > 0 {
			return h[len(h)-1]
		}
	}
	return nil
}

// buildRaise forms the exception for a three-operand RAISE. A string kind
// builds a fresh exception; an exception value re-raises that same object.
// Malformed operands become a TypeError the guest can observe.
func buildRaise(kindV, msgV, causeV vm.Value, stack []*StackFrame) *Exc {
	var e *Exc
	switch k := kindV.(type) {
	case *Exc:
		e = k
	case vm.StrValue:
		msg := ""
		if s, ok := msgV.(vm.StrValue); ok {
			msg = string(s)
		}
		e = NewExc(string(k), msg)
	default:
		e = NewExc(KindTypeError, fmt.Sprintf("Exceptions must be raised from a kind or an exception value, not %T", kindV))
	}
	switch c := causeV.(type) {
	case *Exc:
		e.Cause = c
	case vm.NoneValue:
		// An explicit None cause is the same as no cause.
	default:
		e = NewExc(KindTypeError, fmt.Sprintf("Exception causes must be exceptions, not %T", causeV))
	}
	chainContext(e, stack)
	return e
}

// hookedBinary consults the hooks for an operation touching a tensor or a
// traced placeholder. handled=false means evaluate natively.
func hookedBinary(hooks Hooks, op vm.Opcode, a, b vm.Value) (vm.Value, bool, error) {
	if hooks == nil || (!vm.IsTensorish(a) && !vm.IsTensorish(b)) {
		return nil, false, nil
	}
	return hooks.BinaryOp(op, a, b)
}

// truth resolves truthiness, routing tensors and traced placeholders
// through the hooks so a tracing session can guard or refuse the branch.
func truth(v vm.Value, hooks Hooks) (bool, error) {
	if hooks != nil && vm.IsTensorish(v) {
		return hooks.Truth(v)
	}
	if isSymbolic(v) {
		return false, errors.New("Symbolic value reached a branch without hooks installed")
	}
	return v.AsBool(), nil
}

func isSymbolic(v vm.Value) bool {
	_, ok := v.(vm.SymValue)
	return ok
}

// binaryOp evaluates an arithmetic opcode natively. The middle return is a
// guest-visible fault (bad operand types, division by zero); the error is
// an interpreter defect.
func binaryOp(op vm.Opcode, a, b vm.Value) (vm.Value, *Exc, error) {
	if isSymbolic(a) || isSymbolic(b) {
		return nil, nil, fmt.Errorf("Symbolic operand reached native %s", op)
	}
	at, aIsT := a.(vm.TensorValue)
	bt, bIsT := b.(vm.TensorValue)
	if aIsT || bIsT {
		if aIsT && bIsT && len(at.Elems) != len(bt.Elems) {
			return nil, NewExc(KindValueError, fmt.Sprintf("Tensor length mismatch: %d vs %d", len(at.Elems), len(bt.Elems))), nil
		}
		v, err := vm.TensorBinary(op, a, b)
		if err != nil {
			return nil, NewExc(KindTypeError, err.Error()), nil
		}
		return v, nil, nil
	}
	if op == vm.ADD {
		return add(a, b)
	}
	return numericOp(op, a, b)
}

func add(a, b vm.Value) (vm.Value, *Exc, error) {
	switch av := a.(type) {
	case vm.IntValue, vm.FloatValue:
		return numericOp(vm.ADD, a, b)
	case vm.StrValue:
		if bv, ok := b.(vm.StrValue); ok {
			return vm.StrValue(string(av) + string(bv)), nil, nil
		}
	case *vm.ArrayValue:
		if bv, ok := b.(*vm.ArrayValue); ok {
			out := make([]vm.Value, 0, len(av.Values)+len(bv.Values))
			out = append(out, av.Values...)
			out = append(out, bv.Values...)
			return vm.NewArray(out...), nil, nil
		}
	}
	return nil, NewExc(KindTypeError, fmt.Sprintf("Trying to add two disparate types: %T + %T", a, b)), nil
}

func numericOp(op vm.Opcode, a, b vm.Value) (vm.Value, *Exc, error) {
	ai, aIsInt := a.(vm.IntValue)
	bi, bIsInt := b.(vm.IntValue)
	af, aIsFloat := a.(vm.FloatValue)
	bf, bIsFloat := b.(vm.FloatValue)
	if (!aIsInt && !aIsFloat) || (!bIsInt && !bIsFloat) {
		return nil, NewExc(KindTypeError, fmt.Sprintf("Trying to do a numeric operation between a %T and a %T", a, b)), nil
	}
	switch op {
	case vm.DIVIDE, vm.MODULO, vm.FLOOR_DIVIDE:
		if (bIsInt && bi == 0) || (bIsFloat && bf == 0) {
			return nil, NewExc(KindZeroDivisionError, "Division by zero"), nil
		}
	}
	if aIsInt && bIsInt {
		if op == vm.DIVIDE {
			// True division always yields a float.
			return vm.FloatValue(float64(ai) / float64(bi)), nil, nil
		}
		return intOp(op, int(ai), int(bi)), nil, nil
	}
	fa := float64(af)
	if aIsInt {
		fa = float64(ai)
	}
	fb := float64(bf)
	if bIsInt {
		fb = float64(bi)
	}
	return floatOp(op, fa, fb), nil, nil
}

func floatOp(op vm.Opcode, a, b float64) vm.Value {
	switch op {
	case vm.ADD:
		return vm.FloatValue(a + b)
	case vm.SUBTRACT:
		return vm.FloatValue(a - b)
	case vm.MULTIPLY:
		return vm.FloatValue(a * b)
	case vm.DIVIDE:
		return vm.FloatValue(a / b)
	case vm.MODULO:
		// Result carries the sign of the divisor.
		r := math.Mod(a, b)
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return vm.FloatValue(r)
	case vm.FLOOR_DIVIDE:
		return vm.FloatValue(math.Floor(a / b))
	case vm.POWER:
		return vm.FloatValue(math.Pow(a, b))
	}
	panic("Unhandled floatOp code")
}

func intOp(op vm.Opcode, a, b int) vm.Value {
	switch op {
	case vm.ADD:
		return vm.IntValue(a + b)
	case vm.SUBTRACT:
		return vm.IntValue(a - b)
	case vm.MULTIPLY:
		return vm.IntValue(a * b)
	case vm.MODULO:
		// Result carries the sign of the divisor.
		r := a % b
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return vm.IntValue(r)
	case vm.FLOOR_DIVIDE:
		// Rounds toward negative infinity, not zero.
		q := a / b
		if a%b != 0 && (a < 0) != (b < 0) {
			q--
		}
		return vm.IntValue(q)
	case vm.POWER:
		if b < 0 {
			return vm.FloatValue(math.Pow(float64(a), float64(b)))
		}
		return vm.IntValue(int(math.Pow(float64(a), float64(b))))
	}
	panic("Unhandled intOp code")
}

func containsOp(item, collection vm.Value) (vm.Value, *Exc) {
	switch coll := collection.(type) {
	case *vm.ArrayValue:
		for _, elem := range coll.Values {
			if eq, ok := item.Cmp(elem); ok && eq == 0 {
				return vm.BoolTrue, nil
			}
		}
		return vm.BoolFalse, nil
	case vm.StrValue:
		itemStr, ok := item.(vm.StrValue)
		if !ok {
			return nil, NewExc(KindTypeError, fmt.Sprintf("IN operator: can only check for string in string, got %T in string", item))
		}
		return vm.BoolValue(strings.Contains(string(coll), string(itemStr))), nil
	case vm.StructValue:
		itemStr, ok := item.(vm.StrValue)
		if !ok {
			return nil, NewExc(KindTypeError, fmt.Sprintf("IN operator: can only check for string keys in struct, got %T", item))
		}
		_, exists := coll[string(itemStr)]
		return vm.BoolValue(exists), nil
	}
	return nil, NewExc(KindTypeError, fmt.Sprintf("IN operator: unsupported collection type %T", collection))
}

// sliceBound resolves one slice index: None takes the default, negative
// values count from the end, and everything clamps to the array.
func sliceBound(v vm.Value, def, n int) (int, *Exc) {
	if _, ok := v.(vm.NoneValue); ok {
		return def, nil
	}
	idx, ok := v.(vm.IntValue)
	if !ok {
		return 0, NewExc(KindTypeError, fmt.Sprintf("Slice indexes must be integers or None, got %T", v))
	}
	i := int(idx)
	if i < 0 {
		i += n
	}
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i, nil
}

func mustString(v vm.Value) string {
	return string(v.(vm.StrValue))
}

func resolveVar(name string, program Program, globals *StackFrame, stack []*StackFrame) (vm.Value, error) {
	var frame *StackFrame
	if len(stack) > 0 {
		frame = stack[len(stack)-1]
	}
	var inGlobals bool
	var globalVal vm.Value
	if globals != nil && globals != frame {
		if v, ok := globals.Variables[name]; ok {
			inGlobals = true
			globalVal = v
		}
	}
	var inLocal bool
	var localVal vm.Value
	if frame != nil {
		if v, ok := frame.Variables[name]; ok {
			inLocal = true
			localVal = v
		}
	}
	if inGlobals && inLocal {
		return nil, fmt.Errorf("Variable shadowing detected: '%s' exists in both global and local scope", name)
	}
	if inGlobals {
		return globalVal, nil
	}
	if inLocal {
		return localVal, nil
	}
	if ptr, ok := program.Resolve(name); ok {
		return vm.FnPtrValue(ptr), nil
	}
	return nil, fmt.Errorf("No such variable defined: %s", name)
}

// normalizeIndex resolves negative indexes from the end.
func normalizeIndex(i, n int) (int, bool) {
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

func getAttribute(obj, key vm.Value) (vm.Value, *Exc) {
	switch o := obj.(type) {
	case vm.StructValue:
		k, ok := key.(vm.StrValue)
		if !ok {
			return nil, NewExc(KindTypeError, fmt.Sprintf("Struct keys must be strings, got %T", key))
		}
		if val, found := o[string(k)]; found {
			return val, nil
		}
		return nil, NewExc(KindKeyError, string(k))
	case *vm.ArrayValue:
		idx, ok := key.(vm.IntValue)
		if !ok {
			return nil, NewExc(KindTypeError, fmt.Sprintf("Array index must be an integer, got %T", key))
		}
		i, ok := normalizeIndex(int(idx), len(o.Values))
		if !ok {
			return nil, NewExc(KindIndexError, fmt.Sprintf("Index %d out of bounds for array of length %d", int(idx), len(o.Values)))
		}
		return o.Values[i], nil
	case vm.TensorValue:
		idx, ok := key.(vm.IntValue)
		if !ok {
			return nil, NewExc(KindTypeError, fmt.Sprintf("Tensor index must be an integer, got %T", key))
		}
		i, ok := normalizeIndex(int(idx), len(o.Elems))
		if !ok {
			return nil, NewExc(KindIndexError, fmt.Sprintf("Index %d out of bounds for tensor of length %d", int(idx), len(o.Elems)))
		}
		return vm.FloatValue(o.Elems[i]), nil
	case *Exc:
		if k, ok := key.(vm.StrValue); ok {
			if v, found := excAttr(o, string(k)); found {
				return v, nil
			}
		}
		return nil, NewExc(KindKeyError, vm.FormatValue(key))
	}
	return nil, NewExc(KindTypeError, fmt.Sprintf("Cannot get attribute on type %T", obj))
}

func setAttribute(obj, key, val vm.Value) *Exc {
	switch o := obj.(type) {
	case vm.StructValue:
		k, ok := key.(vm.StrValue)
		if !ok {
			return NewExc(KindTypeError, fmt.Sprintf("Struct keys must be strings, got %T", key))
		}
		o[string(k)] = val
		return nil
	case *vm.ArrayValue:
		idx, ok := key.(vm.IntValue)
		if !ok {
			return NewExc(KindTypeError, fmt.Sprintf("Array index must be an integer, got %T", key))
		}
		i, ok := normalizeIndex(int(idx), len(o.Values))
		if !ok {
			return NewExc(KindIndexError, fmt.Sprintf("Index %d out of bounds for array of length %d", int(idx), len(o.Values)))
		}
		o.Values[i] = val
		return nil
	}
	return NewExc(KindTypeError, fmt.Sprintf("Cannot set attribute on type %T", obj))
}
