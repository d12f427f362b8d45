// Package weft compiles and traces guest programs. The wrappers here
// cover the common one-call cases; vm, interp, and tracer expose the
// full machinery.
package weft

import (
	"github.com/weft-dev/weft/interp"
	"github.com/weft-dev/weft/tracer"
	"github.com/weft-dev/weft/vm"
)

// Compile builds a program from source text.
func Compile(src string) (*vm.Program, error) {
	return vm.CompileLiteral(src)
}

// CompileFile builds a program from a file on disk.
func CompileFile(path string) (*vm.Program, error) {
	return vm.CompilePath(path)
}

// Run compiles src, runs its module code, and calls entry natively with
// the given arguments. An empty entry returns the module result instead.
func Run(src, entry string, args ...vm.Value) (vm.Value, error) {
	prog, err := vm.CompileLiteral(src)
	if err != nil {
		return nil, err
	}
	m := interp.NewMachine(prog)
	result, err := m.Run()
	if err != nil {
		return nil, err
	}
	if entry == "" {
		return result, nil
	}
	return m.Call(entry, args...)
}

// Trace compiles src and traces entry with the named inputs, recording
// tensor arithmetic into a graph while everything else runs for real.
func Trace(src, entry string, inputs map[string]vm.Value) (*tracer.Outcome, error) {
	prog, err := vm.CompileLiteral(src)
	if err != nil {
		return nil, err
	}
	t, err := tracer.New(prog)
	if err != nil {
		return nil, err
	}
	return t.Trace(entry, inputs)
}
