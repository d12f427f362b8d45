package vm

import (
	"errors"
	"fmt"
)

type Program struct {
	Definitions map[string]int
	Code        []*Function
	Main        *Function
	// Cells lists the top-level names bound to captured-variable cells, in
	// declaration order. The tracing layer uses this as the declared set of
	// addressable state.
	Cells []string
	File  string
}

func (p *Program) DebugPrint() {
	fmt.Printf("Defs: %#v\n", p.Definitions)
	fmt.Printf("Cells: %v\n", p.Cells)
	fmt.Println("*** Main")
	p.Main.DebugPrint()
	for i, f := range p.Code {
		fmt.Printf("*** %d: %s\n", i, f.Name)
		f.DebugPrint()
	}
}

var ErrEndOfCode = errors.New("End of code block")

func (p *Program) GetInstruction(ptr ExecPtr) (Op, error) {
	f := p.GetFunction(ptr)
	if f == nil {
		return Op{}, fmt.Errorf("No function at code id %d", ptr.CodeID())
	}
	if len(f.Bytecode) <= ptr.Offset() {
		return Op{}, ErrEndOfCode
	}
	return f.Bytecode[ptr.Offset()], nil
}

func (p *Program) GetFunction(ptr ExecPtr) *Function {
	if ptr.CodeID() == 0 {
		return p.Main
	}
	id := ptr.CodeID() - 1
	if id >= len(p.Code) {
		return nil
	}
	return p.Code[id]
}

func (p *Program) Resolve(name string) (ExecPtr, bool) {
	if v, ok := p.Definitions[name]; ok {
		return NewExecPtr(v + 1), true
	}
	return 0, false
}

// GetLine maps an execution pointer back to its source line, or 0 when no
// line information was recorded.
func (p *Program) GetLine(ptr ExecPtr) int {
	f := p.GetFunction(ptr)
	if f == nil || ptr.Offset() >= len(f.Lines) {
		return 0
	}
	return int(f.Lines[ptr.Offset()])
}

type Function struct {
	Name     string
	Bytecode []Op
	Lines    []int32
	Params   []FunctionParam
	// IsGenerator marks functions whose body suspends; calling one builds a
	// generator object instead of running the body.
	IsGenerator bool
}

func (f *Function) DebugPrint() {
	fmt.Printf("Params: %#v generator=%v\n", f.Params, f.IsGenerator)
	for i, b := range f.Bytecode {
		fmt.Printf("  %03d: %s\n", i, b)
	}
}

type ExecPtr uint64

func (ptr ExecPtr) String() string {
	return fmt.Sprintf("%d:%03d", ptr.CodeID(), ptr.Offset())
}

func (ptr ExecPtr) Offset() int {
	return int(0xFFFFFFFF & ptr)
}

func (ptr ExecPtr) CodeID() int {
	return int(ptr >> 32)
}

func (ptr ExecPtr) Inc() ExecPtr {
	return ptr + 1
}

func (ptr ExecPtr) SetOffset(off int) ExecPtr {
	return ExecPtr((ptr.CodeID() << 32) | int(0xFFFFFFFF&off))
}

func NewExecPtr(block int) ExecPtr {
	return ExecPtr(block << 32)
}

type FunctionParam struct {
	Name    string
	Default Value
	ArgList bool
	ArgMap  bool
}
