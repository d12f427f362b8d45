package vm

import (
	"errors"
	"fmt"

	"go.starlark.net/syntax"
)

// Marker calls the compiler lowers structurally instead of dispatching at
// runtime. try_/excepts/finally_ are handled by the if-chain compiler and
// are rejected anywhere else.
func (cc *compileContext) specialCall(v *syntax.CallExpr) (bool, error) {
	fn, ok := v.Fn.(*syntax.Ident)
	if !ok {
		return false, nil
	}
	switch fn.Name {
	case "yield_":
		return true, cc.yieldValue(v)
	case "yield_from":
		return true, cc.yieldFrom(v)
	case "pow":
		return true, cc.powCall(v)
	case "raise_":
		return true, errors.New("raise_ is only valid as a statement")
	case "try_", "excepts", "finally_":
		return true, fmt.Errorf("%s() is only valid in an if/elif handling chain", fn.Name)
	}
	return false, nil
}

// specialStatement handles markers that produce no value and therefore
// must not be followed by a POP.
func (cc *compileContext) specialStatement(v *syntax.CallExpr) (bool, error) {
	fn, ok := v.Fn.(*syntax.Ident)
	if !ok {
		return false, nil
	}
	if fn.Name != "raise_" {
		return false, nil
	}
	return true, cc.raiseStmt(v)
}

func (cc *compileContext) yieldValue(v *syntax.CallExpr) error {
	if cc.topLevel {
		return errors.New("yield_ outside of a function")
	}
	if len(v.Args) > 1 {
		return errors.New("yield_ takes at most one argument")
	}
	if len(v.Args) == 1 {
		if err := cc.expr(v.Args[0]); err != nil {
			return err
		}
	} else {
		cc.emit(PUSH, None)
	}
	cc.emit(YIELD_VALUE)
	cc.isGen = true
	return nil
}

// powCall lowers pow(base, exp) onto the exponent opcode. The grammar
// has no exponent operator, so this is the only spelling.
func (cc *compileContext) powCall(v *syntax.CallExpr) error {
	if len(v.Args) != 2 {
		return errors.New("pow takes exactly two arguments")
	}
	if err := cc.expr(v.Args[0]); err != nil {
		return err
	}
	if err := cc.expr(v.Args[1]); err != nil {
		return err
	}
	cc.emit(POWER)
	return nil
}

func (cc *compileContext) yieldFrom(v *syntax.CallExpr) error {
	if cc.topLevel {
		return errors.New("yield_from outside of a function")
	}
	if len(v.Args) != 1 {
		return errors.New("yield_from takes exactly one argument")
	}
	if err := cc.expr(v.Args[0]); err != nil {
		return err
	}
	cc.emit(YIELD_FROM)
	cc.isGen = true
	return nil
}

// raiseStmt compiles the raise_ statement forms:
//
//	raise_()                    re-raise the in-flight exception
//	raise_("Kind")              raise a fresh exception of that kind
//	raise_("Kind", "message")   with a message
//	raise_(e)                   re-raise a bound exception value
//	raise_(..., cause=other)    with an explicit cause
func (cc *compileContext) raiseStmt(v *syntax.CallExpr) error {
	var pos []syntax.Expr
	var cause syntax.Expr
	for _, a := range v.Args {
		if kw, ok := a.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
			name, ok := kw.X.(*syntax.Ident)
			if !ok || name.Name != "cause" {
				return errors.New("raise_ accepts only the cause= keyword")
			}
			if cause != nil {
				return errors.New("Duplicate cause= in raise_")
			}
			cause = kw.Y
			continue
		}
		pos = append(pos, a)
	}
	if len(pos) > 2 {
		return errors.New("raise_ takes at most two positional arguments")
	}
	if len(pos) == 0 {
		if cause != nil {
			return errors.New("Bare raise_ cannot carry a cause")
		}
		cc.emit(RAISE, IntValue(0))
		return nil
	}
	if err := cc.expr(pos[0]); err != nil {
		return err
	}
	if len(pos) == 2 {
		if err := cc.expr(pos[1]); err != nil {
			return err
		}
	} else {
		cc.emit(PUSH, None)
	}
	if cause != nil {
		if err := cc.expr(cause); err != nil {
			return err
		}
	} else {
		cc.emit(PUSH, None)
	}
	cc.emit(RAISE, IntValue(3))
	return nil
}
