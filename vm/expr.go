package vm

import (
	"errors"
	"fmt"

	"go.starlark.net/syntax"
)

func (cc *compileContext) expr(e syntax.Expr) error {
	switch v := e.(type) {
	case *syntax.BinaryExpr:
		if v.Op == syntax.AND || v.Op == syntax.OR {
			return cc.shortCircuitBinOp(v)
		}
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		err = cc.expr(v.Y)
		if err != nil {
			return err
		}
		return cc.binOp(v.Op)
	case *syntax.CallExpr:
		return cc.call(v)
	case *syntax.Comprehension:
		return errors.New("Comprehensions are unimplemented")
	case *syntax.CondExpr:
		// <cond> JFALSE false_label <true> JMP end false_label: <false> end:
		err := cc.expr(v.Cond)
		if err != nil {
			return err
		}
		falseLabel := cc.newLabel()
		endLabel := cc.newLabel()
		cc.emit(JFALSE, StrValue(falseLabel))
		if err = cc.expr(v.True); err != nil {
			return err
		}
		cc.emit(JMP, StrValue(endLabel))
		cc.emitLabel(falseLabel)
		if err = cc.expr(v.False); err != nil {
			return err
		}
		cc.emitLabel(endLabel)
	case *syntax.DictExpr:
		for _, item := range v.List {
			entry, ok := item.(*syntax.DictEntry)
			if !ok {
				return fmt.Errorf("Non-dict entry in dict expression: %T", item)
			}
			if err := cc.expr(entry.Key); err != nil {
				return err
			}
			if err := cc.expr(entry.Value); err != nil {
				return err
			}
		}
		cc.emit(BUILD_DICT, IntValue(len(v.List)))
	case *syntax.DotExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		cc.emit(PUSH, StrValue(v.Name.Name))
		cc.emit(GETATTR)
	case *syntax.Ident:
		switch v.Name {
		case "True":
			cc.emit(PUSH, BoolTrue)
		case "False":
			cc.emit(PUSH, BoolFalse)
		case "None":
			cc.emit(PUSH, None)
		default:
			cc.emit(PUSH, StrValue(v.Name))
			cc.emit(GETVAL)
		}
	case *syntax.IndexExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		err = cc.expr(v.Y)
		if err != nil {
			return err
		}
		cc.emit(GETATTR)
	case *syntax.ListExpr:
		for _, item := range v.List {
			if err := cc.expr(item); err != nil {
				return err
			}
		}
		cc.emit(BUILD_LIST, IntValue(len(v.List)))
	case *syntax.Literal:
		val, err := litToValue(v.Value)
		if err != nil {
			return err
		}
		cc.emit(PUSH, val)
	case *syntax.ParenExpr:
		return cc.expr(v.X)
	case *syntax.SliceExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		if v.Lo != nil {
			err = cc.expr(v.Lo)
		} else {
			cc.emit(PUSH, None)
		}
		if err != nil {
			return err
		}
		if v.Hi != nil {
			err = cc.expr(v.Hi)
		} else {
			cc.emit(PUSH, None)
		}
		if err != nil {
			return err
		}
		if v.Step != nil {
			return errors.New("Slice steps are unimplemented")
		}
		cc.emit(SLICE)
	case *syntax.TupleExpr:
		for _, item := range v.List {
			if err := cc.expr(item); err != nil {
				return err
			}
		}
		cc.emit(BUILD_LIST, IntValue(len(v.List)))
	case *syntax.UnaryExpr:
		return cc.unaryOp(v)
	default:
		return fmt.Errorf("Unhandled expr type %T", e)
	}
	return nil
}

// shortCircuitBinOp compiles `and`/`or` without evaluating the right side
// when the left side decides the result.
func (cc *compileContext) shortCircuitBinOp(v *syntax.BinaryExpr) error {
	err := cc.expr(v.X)
	if err != nil {
		return err
	}
	endLabel := cc.newLabel()
	cc.emit(DUP)
	if v.Op == syntax.OR {
		cc.emit(NOT)
	}
	cc.emit(JFALSE, StrValue(endLabel))
	cc.emit(POP)
	if err = cc.expr(v.Y); err != nil {
		return err
	}
	cc.emitLabel(endLabel)
	return nil
}

func (cc *compileContext) binOp(op syntax.Token) error {
	switch op {
	case syntax.PLUS:
		cc.emit(ADD)
	case syntax.MINUS:
		cc.emit(SUBTRACT)
	case syntax.STAR:
		cc.emit(MULTIPLY)
	case syntax.SLASH:
		cc.emit(DIVIDE)
	case syntax.SLASHSLASH:
		cc.emit(FLOOR_DIVIDE)
	case syntax.PERCENT:
		cc.emit(MODULO)
	case syntax.EQL:
		cc.emit(EQ)
	case syntax.NEQ:
		cc.emit(EQ)
		cc.emit(NOT)
	case syntax.LT:
		cc.emit(LT)
	case syntax.LE:
		cc.emit(LTE)
	case syntax.GT:
		cc.emit(SWAP)
		cc.emit(LT)
	case syntax.GE:
		cc.emit(SWAP)
		cc.emit(LTE)
	case syntax.IN:
		cc.emit(IN)
	case syntax.NOT_IN:
		cc.emit(IN)
		cc.emit(NOT)
	default:
		return fmt.Errorf("Unhandled binary op %s", op)
	}
	return nil
}

func (cc *compileContext) unaryOp(v *syntax.UnaryExpr) error {
	switch v.Op {
	case syntax.NOT:
		if err := cc.expr(v.X); err != nil {
			return err
		}
		cc.emit(NOT)
	case syntax.MINUS:
		cc.emit(PUSH, IntValue(0))
		if err := cc.expr(v.X); err != nil {
			return err
		}
		cc.emit(SUBTRACT)
	case syntax.PLUS:
		return cc.expr(v.X)
	default:
		return fmt.Errorf("Unhandled unary op %s", v.Op)
	}
	return nil
}

func (cc *compileContext) call(v *syntax.CallExpr) error {
	if done, err := cc.specialCall(v); done {
		return err
	}
	// Method call: obj.method(args)
	// Stack layout: arg1, arg2, ..., argN, receiver, methodName
	if dotExpr, ok := v.Fn.(*syntax.DotExpr); ok {
		for _, arg := range v.Args {
			if err := cc.callArg(arg); err != nil {
				return err
			}
		}
		if err := cc.expr(dotExpr.X); err != nil {
			return err
		}
		cc.emit(PUSH, StrValue(dotExpr.Name.Name))
		cc.emit(CALL_METHOD, IntValue(len(v.Args)))
		return nil
	}
	// Regular call: arg1, arg2, ..., argN, callee
	for _, arg := range v.Args {
		if err := cc.callArg(arg); err != nil {
			return err
		}
	}
	if err := cc.expr(v.Fn); err != nil {
		return err
	}
	cc.emit(CALL, IntValue(len(v.Args)))
	return nil
}

// callArg compiles one call argument. Keyword arguments compile to the
// value followed by BUILD_ARG with the keyword name; positional ones
// stay plain values bound in order by the callee.
func (cc *compileContext) callArg(arg syntax.Expr) error {
	if kw, ok := arg.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
		name, ok := kw.X.(*syntax.Ident)
		if !ok {
			return errors.New("Keyword argument name must be an identifier")
		}
		if err := cc.expr(kw.Y); err != nil {
			return err
		}
		cc.emit(BUILD_ARG, StrValue(name.Name))
		return nil
	}
	return cc.expr(arg)
}
