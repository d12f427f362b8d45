package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.starlark.net/syntax"
)

type Op struct {
	Code Opcode
	Arg  Value
}

func (o Op) String() string {
	if o.Arg == nil {
		return o.Code.String()
	}
	return fmt.Sprintf("%s %s", o.Code, FormatValue(o.Arg))
}

type loopInfo struct {
	continueLabel string
	endLabel      string
	isWhile       bool
	blockDepth    int
}

type compileContext struct {
	name       string
	ops        []Op
	lines      []int32
	curLine    int32
	topLevel   bool
	subContext map[string]*compileContext
	subOrder   []string
	params     []FunctionParam
	isGen      bool
	cells      []string
	loops      []loopInfo
	blockDepth int
	file       string
}

func (cc *compileContext) emit(op Opcode, args ...Value) {
	var arg Value
	if len(args) > 0 {
		arg = args[0]
	}
	cc.ops = append(cc.ops, Op{Code: op, Arg: arg})
	cc.lines = append(cc.lines, cc.curLine)
}

func (cc *compileContext) newLabel() string {
	return uuid.NewString()
}

func (cc *compileContext) emitLabel(s string) {
	cc.emit(LABEL, StrValue(s))
}

func (cc *compileContext) setLine(n syntax.Node) {
	start, _ := n.Span()
	cc.curLine = int32(start.Line)
}

func newCompileContext() *compileContext {
	return &compileContext{
		subContext: make(map[string]*compileContext),
	}
}

func CompilePath(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return CompileReader(path, f)
}

// CompileReader compiles source read from r; name labels diagnostics.
func CompileReader(name string, r io.Reader) (*Program, error) {
	opts := syntax.FileOptions{}
	synFile, err := opts.Parse(name, r, 0)
	if err != nil {
		return nil, err
	}
	return Compile(synFile)
}

func Compile(file *syntax.File) (*Program, error) {
	cc, err := buildCompileContextTree(file)
	if err != nil {
		return nil, err
	}
	return cc.intoProgram()
}

// CompileLiteral compiles source text directly, for embedded programs and
// tests.
func CompileLiteral(src string) (*Program, error) {
	opts := syntax.FileOptions{}
	synFile, err := opts.Parse("<literal>", src, 0)
	if err != nil {
		return nil, err
	}
	return Compile(synFile)
}

// CompileExpr compiles a single expression (typically a call) into a
// program whose main body evaluates it and leaves the result on the stack.
func CompileExpr(src string) (*Program, error) {
	opts := syntax.FileOptions{}
	e, err := opts.ParseExpr("<expr>", src, 0)
	if err != nil {
		return nil, err
	}
	cc := newCompileContext()
	cc.topLevel = true
	cc.name = "<expr>"
	if err := cc.expr(e); err != nil {
		return nil, err
	}
	return cc.intoProgram()
}

func (cc *compileContext) intoProgram() (*Program, error) {
	p := &Program{
		Definitions: make(map[string]int),
		Cells:       cc.cells,
		File:        cc.file,
	}
	if !cc.topLevel {
		return nil, errors.New("Can't make a program out of a non-top-level context")
	}
	f, err := cc.intoFunction()
	if err != nil {
		return nil, err
	}
	p.Main = f
	for _, k := range cc.subOrder {
		f, err := cc.subContext[k].intoFunction()
		if err != nil {
			return nil, err
		}
		n := len(p.Code)
		p.Code = append(p.Code, f)
		p.Definitions[k] = n
	}
	return p, nil
}

func (cc *compileContext) intoFunction() (*Function, error) {
	f := &Function{
		Name:        cc.name,
		Params:      cc.params,
		IsGenerator: cc.isGen,
	}
	offsetmap := make(map[string]int)
	for i, b := range cc.ops {
		if b.Code == LABEL {
			offsetmap[string(b.Arg.(StrValue))] = len(f.Bytecode)
			continue
		}
		f.Bytecode = append(f.Bytecode, b)
		f.Lines = append(f.Lines, cc.lines[i])
	}
	for i, b := range f.Bytecode {
		switch b.Code {
		case JMP, JFALSE, ITER_START, ITER_START_2, SETUP_EXCEPT, SETUP_FINALLY:
			if v, ok := b.Arg.(StrValue); ok {
				off, found := offsetmap[string(v)]
				if !found {
					return nil, fmt.Errorf("Unresolved label in %s at op %d", cc.name, i)
				}
				b.Arg = IntValue(off)
			}
		}
		f.Bytecode[i] = b // Replace after changes
	}
	return f, nil
}

func buildCompileContextTree(file *syntax.File) (*compileContext, error) {
	cc := newCompileContext()
	cc.topLevel = true
	cc.name = "<main>"
	cc.file = file.Path
	err := cc.buildFromStatements(file.Stmts)
	if err != nil {
		return nil, err
	}
	return cc, nil
}

func (cc *compileContext) buildFromStatements(stmts []syntax.Stmt) error {
	for _, s := range stmts {
		err := cc.statement(s)
		if err != nil {
			return err
		}
	}
	return nil
}

func unparen(e syntax.Expr) syntax.Expr {
	if p, ok := e.(*syntax.ParenExpr); ok {
		return unparen(p.X)
	}
	return e
}

func litToValue(l any) (Value, error) {
	switch t := l.(type) {
	case int64:
		return IntValue(int(t)), nil
	case string:
		return StrValue(t), nil
	case float64:
		return FloatValue(t), nil
	}
	return nil, fmt.Errorf("litToValue: Unsupported literal value type %T", l)
}
