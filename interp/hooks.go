package interp

import (
	"fmt"

	"github.com/weft-dev/weft/vm"
)

// CallMode tells the machine how to treat a named function while hooks
// are active.
type CallMode int

const (
	// CallTrace steps the function with hooks engaged (the default).
	CallTrace CallMode = iota
	// CallDisabled steps the function with hooks suppressed: its effects
	// apply directly and none of its operations are recorded.
	CallDisabled
)

// Hooks is the interposition surface a tracing session installs on a
// machine. Every method is consulted only while hooks are installed;
// native runs never pay for them. A hook may refuse to handle an
// operation by returning a *FallbackError, which makes the machine
// materialize concrete state and resume natively at the same instruction.
type Hooks interface {
	// BinaryOp intercepts an arithmetic or comparison opcode when either
	// operand participates in tracing. handled=false defers to native
	// evaluation.
	BinaryOp(op vm.Opcode, a, b vm.Value) (result vm.Value, handled bool, err error)
	// MethodCall intercepts method dispatch on traced receivers
	// (tensors and graph references).
	MethodCall(recv vm.Value, name string, args []vm.Value) (result vm.Value, handled bool, err error)
	// Truth decides a branch whose condition is symbolic.
	Truth(v vm.Value) (bool, error)
	// CellGet interposes on cell reads; handled=false reads the cell
	// directly.
	CellGet(c *vm.Cell) (v vm.Value, handled bool)
	// CellSet interposes on cell writes; handled=false writes through.
	// prev is the value the guest observed before the write.
	CellSet(c *vm.Cell, prev, next vm.Value) (handled bool)
	// GlobalSet observes a rebind of a module-level name. The write
	// itself always proceeds; sessions use this to keep outcomes that
	// mutated shared state out of the cache.
	GlobalSet(name string, v vm.Value)
	// CallMode classifies a function about to be called by name.
	CallMode(fnName string) CallMode
	// GeneratorCreated reports a generator object built under trace, so a
	// session can close the ones that never escape when the trace ends.
	GeneratorCreated(g *Generator)
	// Fallback materializes everything the hooks were shadowing and
	// returns a rewriter mapping traced placeholder values to concrete
	// ones. After it returns, the machine applies the rewriter to all
	// live state and detaches the hooks.
	Fallback(reason string) (Rewrite, error)
}

// Rewrite maps a single traced value to its concrete replacement. Values
// the rewrite does not recognize are returned unchanged; containers are
// walked by the machine.
type Rewrite func(vm.Value) vm.Value

// FallbackError is returned by hooks that cannot serve an operation
// symbolically. The machine reacts by materializing and retrying the
// instruction natively; it never surfaces to guest code.
type FallbackError struct {
	Reason string
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("Tracing fallback required: %s", e.Reason)
}
