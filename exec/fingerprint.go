// Package exec identifies entry-point invocations for the trace cache. A
// cache key covers the program content, the entry name, and the signature
// of the inputs; tensor contents stay out of the signature so one cached
// graph serves every invocation of matching shape.
package exec

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/dgryski/go-farm"

	"github.com/weft-dev/weft/cas"
	"github.com/weft-dev/weft/vm"
)

// Invocation is one entry-point call: the function to run or trace and its
// named input bindings.
type Invocation struct {
	Entry  string
	Inputs map[string]vm.Value
}

// Signature hashes the inputs by name and type. Tensors contribute only
// their length; everything else keys by its rendered value, which is
// conservative (distinct values never share a cache entry).
func (iv Invocation) Signature() cas.Hash {
	names := make([]string, 0, len(iv.Inputs))
	for n := range iv.Inputs {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, n := range names {
		switch v := iv.Inputs[n].(type) {
		case vm.TensorValue:
			fmt.Fprintf(&buf, "%s=tensor/%d;", n, len(v.Elems))
		default:
			fmt.Fprintf(&buf, "%s=%s/%s;", n, vm.GetTypeName(v), vm.FormatValue(v))
		}
	}
	return cas.Hash(farm.Hash64(buf.Bytes()))
}

// Key combines the program identity, the entry name, and the input
// signature into the trace-cache key.
func (iv Invocation) Key(program cas.Hash) cas.Hash {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d/%s/%d", program, iv.Entry, iv.Signature())
	return cas.Hash(farm.Hash64(buf.Bytes()))
}

// ProgramHash fingerprints a compiled program. Labels are resolved to
// absolute offsets before this sees the bytecode, so identical source
// always renders, and hashes, identically.
func ProgramHash(p *vm.Program) cas.Hash {
	var buf bytes.Buffer
	hashFunction(&buf, p.Main)
	names := make([]string, 0, len(p.Definitions))
	for n := range p.Definitions {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&buf, "def %s\n", n)
		hashFunction(&buf, p.Code[p.Definitions[n]])
	}
	for _, c := range p.Cells {
		fmt.Fprintf(&buf, "cell %s\n", c)
	}
	return cas.Hash(farm.Hash64(buf.Bytes()))
}

func hashFunction(buf *bytes.Buffer, f *vm.Function) {
	fmt.Fprintf(buf, "fn %s gen=%v\n", f.Name, f.IsGenerator)
	for _, param := range f.Params {
		fmt.Fprintf(buf, "param %s", param.Name)
		if param.Default != nil {
			fmt.Fprintf(buf, "=%s", vm.FormatValue(param.Default))
		}
		buf.WriteByte('\n')
	}
	for _, op := range f.Bytecode {
		buf.WriteString(op.String())
		buf.WriteByte('\n')
	}
}
