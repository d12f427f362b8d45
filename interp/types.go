package interp

import (
	"github.com/weft-dev/weft/vm"
)

// Program is the executable surface Step works against. *vm.Program
// satisfies it; the machine also uses a call-expression overlay.
type Program interface {
	GetInstruction(vm.ExecPtr) (vm.Op, error)
	Resolve(name string) (vm.ExecPtr, bool)
	GetFunction(vm.ExecPtr) *vm.Function
	GetLine(vm.ExecPtr) int
}

type StackFrame struct {
	Stack         []vm.Value
	PC            vm.ExecPtr
	Variables     map[string]vm.Value
	IteratorStack []*IteratorState
	// Blocks is the structured-handling block stack: one entry per active
	// SETUP_EXCEPT/SETUP_FINALLY region, innermost last.
	Blocks []Block
	// Handled holds the exceptions whose handlers are currently running,
	// innermost last. New exceptions chain their context off the top entry.
	Handled []*Exc
	// inflight carries an exception out of Step when this frame has no
	// block left to dispatch it to.
	inflight *Exc
	// NoTrace suppresses hooks for this frame and everything it calls.
	NoTrace bool
}

type BlockKind int

const (
	ExceptBlock BlockKind = iota
	FinallyBlock
)

func (k BlockKind) String() string {
	if k == FinallyBlock {
		return "finally"
	}
	return "except"
}

// Block records where to jump when an exception (or an unwinding return)
// reaches this region, and the depths to restore before jumping.
type Block struct {
	Kind         BlockKind
	Handler      vm.ExecPtr
	Depth        int // operand stack depth at SETUP time
	IterDepth    int // iterator stack depth at SETUP time
	HandledDepth int // handled-exception depth at SETUP time
}

type StackFrames []*StackFrame

func (s *StackFrames) PopStack() *StackFrame {
	f := s.CurrentStack()
	*s = (*s)[:len(*s)-1]
	return f
}

func (s *StackFrames) Append(f *StackFrame) {
	*s = append(*s, f)
}

func (s StackFrames) CurrentStack() *StackFrame {
	return s[len(s)-1]
}

func (f *StackFrame) Pop() vm.Value {
	if len(f.Stack) == 0 {
		panic("Stack underrun")
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

func (f *StackFrame) Push(v vm.Value) {
	f.Stack = append(f.Stack, v)
}

func (f *StackFrame) StoreVar(key string, value vm.Value) {
	if f.Variables == nil {
		f.Variables = make(map[string]vm.Value)
	}
	if c, ok := value.(*vm.Cell); ok && c.Name == "" {
		// First binding names the cell; the journal reports cells by name.
		c.Name = key
	}
	f.Variables[key] = value
}

func (f *StackFrame) Has(key string) bool {
	if f.Variables == nil {
		return false
	}
	_, ok := f.Variables[key]
	return ok
}

func (f *StackFrame) pushBlock(b Block) {
	f.Blocks = append(f.Blocks, b)
}

func (f *StackFrame) popBlock() (Block, bool) {
	if len(f.Blocks) == 0 {
		return Block{}, false
	}
	b := f.Blocks[len(f.Blocks)-1]
	f.Blocks = f.Blocks[:len(f.Blocks)-1]
	return b, true
}

// unwindTo restores the frame's stacks to the depths a block recorded.
func (f *StackFrame) unwindTo(b Block) {
	if len(f.Stack) > b.Depth {
		f.Stack = f.Stack[:b.Depth]
	}
	if len(f.IteratorStack) > b.IterDepth {
		f.IteratorStack = f.IteratorStack[:b.IterDepth]
	}
	if len(f.Handled) > b.HandledDepth {
		f.Handled = f.Handled[:b.HandledDepth]
	}
}

type IteratorState struct {
	Start    vm.ExecPtr
	End      vm.ExecPtr
	Iter     Iterator
	VarNames []string // Loop variable names for updating in ITER_NEXT
}

// Iterator is the pull protocol behind for-loops and the lazy sequence
// builtins. Next returns false when exhausted; generator-backed iterators
// can also surface a guest exception as an *UncaughtError.
type Iterator interface {
	Next() (bool, error)
	Var1() vm.Value
	Var2() vm.Value
}

// pendingReturn rides the operand stack between a RETURN that crossed a
// finally block and the END_FINALLY that resumes it.
type pendingReturn struct {
	value vm.Value
}

func (pendingReturn) AsBool() bool             { return true }
func (p pendingReturn) Clone() vm.Value        { return p }
func (pendingReturn) Cmp(vm.Value) (int, bool) { return 0, false }
