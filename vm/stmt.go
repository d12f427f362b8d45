package vm

import (
	"errors"
	"fmt"

	"go.starlark.net/syntax"
)

func (cc *compileContext) statement(s syntax.Stmt) error {
	cc.setLine(s)

	switch v := s.(type) {
	case *syntax.AssignStmt:
		if cc.topLevel {
			cc.noteCellBinding(v)
		}
		return cc.assign(v.Op, v.LHS, v.RHS)
	case *syntax.BranchStmt:
		return cc.branch(v)
	case *syntax.DefStmt:
		if !cc.topLevel {
			return errors.New("Nested defs are unsupported")
		}
		sub := newCompileContext()
		sub.name = v.Name.Name
		sub.file = cc.file
		name := v.Name.Name
		var err error
		sub.params, err = getFunctionParams(v.Params)
		if err != nil {
			return err
		}
		err = sub.buildFromStatements(v.Body)
		if err != nil {
			return err
		}
		// Add implicit return at end of function if not already present
		if len(sub.ops) == 0 || sub.ops[len(sub.ops)-1].Code != RETURN {
			sub.emit(PUSH, None)
			sub.emit(RETURN)
		}
		if _, dup := cc.subContext[name]; !dup {
			cc.subOrder = append(cc.subOrder, name)
		}
		cc.subContext[name] = sub
	case *syntax.ExprStmt:
		if call, ok := v.X.(*syntax.CallExpr); ok {
			if done, err := cc.specialStatement(call); done {
				return err
			}
		}
		if _, ok := v.X.(*syntax.Literal); ok {
			// Opt: don't compile literals only to pop them.
			return nil
		}
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		// All expressions leave a value on the stack, so always POP it
		cc.emit(POP)
	case *syntax.ForStmt:
		return cc.forLoop(v)
	case *syntax.WhileStmt:
		// while condition:
		//   body
		// Compiles to:
		//   start_label:
		//     <condition>
		//     JFALSE end_label  ; JFALSE consumes the condition value
		//     <body>
		//     JMP start_label
		//   end_label:
		startLabel := cc.newLabel()
		endLabel := cc.newLabel()
		cc.emitLabel(startLabel)
		err := cc.expr(v.Cond)
		if err != nil {
			return err
		}
		cc.emit(JFALSE, StrValue(endLabel))
		cc.loops = append(cc.loops, loopInfo{
			continueLabel: startLabel,
			endLabel:      endLabel,
			isWhile:       true,
			blockDepth:    cc.blockDepth,
		})
		err = cc.buildFromStatements(v.Body)
		cc.loops = cc.loops[:len(cc.loops)-1]
		if err != nil {
			return err
		}
		cc.emit(JMP, StrValue(startLabel))
		cc.emitLabel(endLabel)
	case *syntax.IfStmt:
		if isMarkerCall(v.Cond, "try_") {
			return cc.tryChain(v)
		}
		err := cc.expr(v.Cond)
		if err != nil {
			return err
		}
		label := cc.newLabel()
		cc.emit(JFALSE, StrValue(label))
		if err := cc.buildFromStatements(v.True); err != nil {
			return err
		}
		if len(v.False) == 0 {
			cc.emitLabel(label)
			return nil
		}
		endLabel := cc.newLabel()
		cc.emit(JMP, StrValue(endLabel))
		cc.emitLabel(label)
		if err := cc.buildFromStatements(v.False); err != nil {
			return err
		}
		cc.emitLabel(endLabel)
	case *syntax.LoadStmt:
		return errors.New("LoadStmt is unimplemented")
	case *syntax.ReturnStmt:
		if v.Result == nil {
			cc.emit(PUSH, None)
		} else {
			err := cc.expr(v.Result)
			if err != nil {
				return err
			}
		}
		cc.emit(RETURN)
	default:
		return fmt.Errorf("Unhandled statment type %T", s)
	}
	return nil
}

func (cc *compileContext) forLoop(v *syntax.ForStmt) error {
	idents := 0
	switch vars := v.Vars.(type) {
	case *syntax.Ident:
		cc.emit(PUSH, StrValue(vars.Name))
		idents = 1
	case *syntax.TupleExpr:
		if len(vars.List) > 2 {
			return errors.New("Too many variables in for list")
		}
		idents = len(vars.List)
		for _, id := range vars.List {
			if v, ok := id.(*syntax.Ident); ok {
				cc.emit(PUSH, StrValue(v.Name))
			} else {
				return errors.New("Non-identifier in for variable")
			}
		}
	default:
		return errors.New("Unsupported for variables")
	}
	err := cc.expr(v.X)
	if err != nil {
		return err
	}
	endLabel := cc.newLabel()
	if idents == 1 {
		cc.emit(ITER_START, StrValue(endLabel))
	} else {
		cc.emit(ITER_START_2, StrValue(endLabel))
	}
	continueLabel := cc.newLabel()
	cc.loops = append(cc.loops, loopInfo{
		continueLabel: continueLabel,
		endLabel:      endLabel,
		blockDepth:    cc.blockDepth,
	})
	err = cc.buildFromStatements(v.Body)
	cc.loops = cc.loops[:len(cc.loops)-1]
	if err != nil {
		return err
	}
	cc.emitLabel(continueLabel)
	cc.emit(ITER_NEXT)
	cc.emitLabel(endLabel)
	return nil
}

func (cc *compileContext) branch(v *syntax.BranchStmt) error {
	switch v.Token {
	case syntax.PASS:
		return nil
	case syntax.BREAK, syntax.CONTINUE:
		if len(cc.loops) == 0 {
			return fmt.Errorf("%s outside of a loop", v.Token)
		}
		loop := cc.loops[len(cc.loops)-1]
		if cc.blockDepth != loop.blockDepth {
			return fmt.Errorf("%s through an active exception block is unsupported", v.Token)
		}
		if v.Token == syntax.CONTINUE {
			cc.emit(JMP, StrValue(loop.continueLabel))
			return nil
		}
		if loop.isWhile {
			cc.emit(JMP, StrValue(loop.endLabel))
		} else {
			cc.emit(ITER_END)
		}
		return nil
	}
	return fmt.Errorf("Unhandled branch statement %s", v.Token)
}

// tryChain compiles the structured-handling encoding:
//
//	if try_():
//	    ...protected body...
//	elif excepts("ValueError", bind="e"):
//	    ...handler...
//	elif excepts():
//	    ...bare handler...
//	elif finally_():
//	    ...cleanup...
//
// The chain lowers to block-stack opcodes; handlers are entered by the
// exception dispatcher with the exception value on the operand stack.
func (cc *compileContext) tryChain(v *syntax.IfStmt) error {
	body := v.True
	var handlers []handlerClause
	var finally []syntax.Stmt

	rest := v.False
	for len(rest) > 0 {
		next, ok := singleIf(rest)
		if !ok {
			return errors.New("try_ chains allow only excepts() and finally_() clauses")
		}
		cc.setLine(next)
		if call, ok := markerCall(next.Cond, "excepts"); ok {
			if finally != nil {
				return errors.New("excepts() clause after finally_()")
			}
			h, err := parseHandlerClause(call, next.True)
			if err != nil {
				return err
			}
			handlers = append(handlers, h)
			rest = next.False
			continue
		}
		if isMarkerCall(next.Cond, "finally_") {
			if finally != nil {
				return errors.New("Duplicate finally_() clause")
			}
			if len(next.False) != 0 {
				return errors.New("finally_() must be the last clause")
			}
			finally = next.True
			rest = nil
			continue
		}
		return errors.New("try_ chains allow only excepts() and finally_() clauses")
	}
	if len(handlers) == 0 && finally == nil {
		return errors.New("try_ without excepts() or finally_() clauses")
	}
	for i, h := range handlers {
		if len(h.kinds) == 0 && i != len(handlers)-1 {
			return errors.New("Bare excepts() must be the last handler")
		}
	}

	finLabel := cc.newLabel()
	excLabel := cc.newLabel()
	outLabel := cc.newLabel()
	baseDepth := cc.blockDepth

	if finally != nil {
		cc.emit(SETUP_FINALLY, StrValue(finLabel))
		cc.blockDepth++
	}
	if len(handlers) > 0 {
		cc.emit(SETUP_EXCEPT, StrValue(excLabel))
		cc.blockDepth++
	}
	if err := cc.buildFromStatements(body); err != nil {
		return err
	}
	if len(handlers) > 0 {
		cc.emit(POP_BLOCK)
		cc.blockDepth--
	}
	cc.emit(JMP, StrValue(outLabel))

	if len(handlers) > 0 {
		cc.emitLabel(excLabel)
		// Dispatcher enters here with the exception on the stack and the
		// handled-exception state already pushed.
		for _, h := range handlers {
			nextLabel := cc.newLabel()
			switch len(h.kinds) {
			case 0:
				cc.emit(POP)
			case 1:
				cc.emit(DUP)
				cc.emit(EXC_MATCH, StrValue(h.kinds[0]))
				cc.emit(JFALSE, StrValue(nextLabel))
				cc.bindOrDrop(h.bind)
			default:
				bodyLabel := cc.newLabel()
				for _, k := range h.kinds {
					cc.emit(DUP)
					cc.emit(EXC_MATCH, StrValue(k))
					cc.emit(NOT)
					cc.emit(JFALSE, StrValue(bodyLabel))
				}
				cc.emit(JMP, StrValue(nextLabel))
				cc.emitLabel(bodyLabel)
				cc.bindOrDrop(h.bind)
			}
			if err := cc.buildFromStatements(h.body); err != nil {
				return err
			}
			cc.emit(POP_EXCEPT)
			cc.emit(JMP, StrValue(outLabel))
			cc.emitLabel(nextLabel)
		}
		// No handler matched: re-raise the in-flight exception.
		cc.emit(RAISE, IntValue(0))
	}

	cc.emitLabel(outLabel)
	if finally != nil {
		cc.emit(POP_BLOCK)
		cc.blockDepth--
		cc.emit(PUSH, None)
		cc.emitLabel(finLabel)
		if err := cc.buildFromStatements(finally); err != nil {
			return err
		}
		cc.emit(END_FINALLY)
	}
	if cc.blockDepth != baseDepth {
		return errors.New("Unbalanced exception blocks in try_ chain")
	}
	return nil
}

func (cc *compileContext) bindOrDrop(bind string) {
	if bind == "" {
		cc.emit(POP)
		return
	}
	cc.emit(PUSH, StrValue(bind))
	cc.emit(SETVAL)
}

type handlerClause struct {
	kinds []string
	bind  string
	body  []syntax.Stmt
}

func parseHandlerClause(call *syntax.CallExpr, body []syntax.Stmt) (handlerClause, error) {
	h := handlerClause{body: body}
	for _, a := range call.Args {
		if kw, ok := a.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
			name, ok := kw.X.(*syntax.Ident)
			if !ok || name.Name != "bind" {
				return h, errors.New("excepts() accepts only the bind= keyword")
			}
			lit, ok := kw.Y.(*syntax.Literal)
			if !ok || lit.Token != syntax.STRING {
				return h, errors.New("excepts() bind= must be a literal string")
			}
			h.bind = lit.Value.(string)
			continue
		}
		lit, ok := a.(*syntax.Literal)
		if !ok || lit.Token != syntax.STRING {
			return h, errors.New("excepts() kinds must be literal strings")
		}
		h.kinds = append(h.kinds, lit.Value.(string))
	}
	return h, nil
}

func singleIf(stmts []syntax.Stmt) (*syntax.IfStmt, bool) {
	if len(stmts) != 1 {
		return nil, false
	}
	s, ok := stmts[0].(*syntax.IfStmt)
	return s, ok
}

func markerCall(e syntax.Expr, name string) (*syntax.CallExpr, bool) {
	call, ok := unparen(e).(*syntax.CallExpr)
	if !ok {
		return nil, false
	}
	id, ok := call.Fn.(*syntax.Ident)
	if !ok || id.Name != name {
		return nil, false
	}
	return call, true
}

func isMarkerCall(e syntax.Expr, name string) bool {
	_, ok := markerCall(e, name)
	return ok
}

// noteCellBinding records `name = cell(...)` bindings at the top level so
// the program carries its declared captured-cell set.
func (cc *compileContext) noteCellBinding(v *syntax.AssignStmt) {
	if v.Op != syntax.EQ {
		return
	}
	id, ok := v.LHS.(*syntax.Ident)
	if !ok {
		return
	}
	if _, ok := markerCall(v.RHS, "cell"); !ok {
		return
	}
	for _, c := range cc.cells {
		if c == id.Name {
			return
		}
	}
	cc.cells = append(cc.cells, id.Name)
}

func (cc *compileContext) assign(op syntax.Token, lhs syntax.Expr, rhs syntax.Expr) error {
	err := cc.expr(rhs)
	if err != nil {
		return err
	}
	if op != syntax.EQ {
		err := cc.assignSelfReassign(op, lhs)
		if err != nil {
			return err
		}
	}
	switch v := lhs.(type) {
	case *syntax.Ident:
		if v.Name == "True" || v.Name == "False" {
			return fmt.Errorf("Reassigning `%s` is not allowed", v.Name)
		}
		cc.emit(PUSH, StrValue(v.Name))
		cc.emit(SETVAL)
	case *syntax.IndexExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		err = cc.expr(v.Y)
		if err != nil {
			return err
		}
		cc.emit(SETATTR)
	case *syntax.DotExpr:
		err := cc.expr(v.X)
		if err != nil {
			return err
		}
		cc.emit(PUSH, StrValue(v.Name.Name))
		cc.emit(SETATTR)
	default:
		return fmt.Errorf("assign: Unhandled LHS expr type %T", lhs)
	}
	return nil
}

func (cc *compileContext) assignSelfReassign(op syntax.Token, lhs syntax.Expr) error {
	err := cc.expr(lhs)
	if err != nil {
		return err
	}
	switch op {
	case syntax.PLUS_EQ:
		cc.emit(ADD)
	case syntax.MINUS_EQ:
		cc.emit(SWAP)
		cc.emit(SUBTRACT)
	case syntax.STAR_EQ:
		cc.emit(MULTIPLY)
	case syntax.SLASH_EQ:
		cc.emit(SWAP)
		cc.emit(DIVIDE)
	default:
		return fmt.Errorf("%#v assignments unimplemented", op)
	}
	return nil
}

func getFunctionParams(e []syntax.Expr) ([]FunctionParam, error) {
	var out []FunctionParam
	for _, x := range e {
		switch v := x.(type) {
		case *syntax.Ident:
			out = append(out, FunctionParam{Name: v.Name})
		case *syntax.UnaryExpr:
			id, ok := v.X.(*syntax.Ident)
			if !ok {
				return nil, errors.New("Starred parameter must be an identifier")
			}
			switch v.Op {
			case syntax.STAR:
				out = append(out, FunctionParam{Name: id.Name, ArgList: true})
			case syntax.STARSTAR:
				out = append(out, FunctionParam{Name: id.Name, ArgMap: true})
			default:
				return nil, fmt.Errorf("Unhandled function param operator %s", v.Op)
			}
		case *syntax.BinaryExpr:
			if v.Op != syntax.EQ {
				return nil, fmt.Errorf("Only assignments are allowed within a function parameter")
			}
			if arg, ok := v.X.(*syntax.Ident); ok {
				switch y := v.Y.(type) {
				case *syntax.Literal:
					val, err := litToValue(y.Value)
					if err != nil {
						return nil, err
					}
					out = append(out, FunctionParam{Name: arg.Name, Default: val})
				default:
					return nil, fmt.Errorf("Only literals are supported as default arguments to functions")
				}
			}
		default:
			return nil, fmt.Errorf("Unhandled function param expr type %T", x)
		}
	}
	return out, nil
}
