package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is the interface for everything that can live on an operand stack,
// in a variable slot, or inside a container. Cmp reports ordering and
// whether the two values are comparable at all; incomparable values are
// never equal. The interface is open so that runtime-owned types
// (generators, exception records) can flow through the same stacks.
type Value interface {
	AsBool() bool
	Clone() Value
	Cmp(Value) (int, bool)
}

type NoneValue struct{}

var None = NoneValue{}

func (NoneValue) AsBool() bool { return false }
func (n NoneValue) Clone() Value {
	return n
}
func (NoneValue) Cmp(o Value) (int, bool) {
	if _, ok := o.(NoneValue); ok {
		return 0, true
	}
	return 0, false
}

type BoolValue bool

var (
	BoolTrue  = BoolValue(true)
	BoolFalse = BoolValue(false)
)

func (b BoolValue) AsBool() bool { return bool(b) }
func (b BoolValue) Clone() Value { return b }
func (b BoolValue) Cmp(o Value) (int, bool) {
	ov, ok := o.(BoolValue)
	if !ok {
		return 0, false
	}
	x, y := 0, 0
	if b {
		x = 1
	}
	if ov {
		y = 1
	}
	return x - y, true
}

type StrValue string

func (s StrValue) AsBool() bool { return s != "" }
func (s StrValue) Clone() Value { return s }
func (s StrValue) Cmp(o Value) (int, bool) {
	ov, ok := o.(StrValue)
	if !ok {
		return 0, false
	}
	return strings.Compare(string(s), string(ov)), true
}

type IntValue int

func (i IntValue) AsBool() bool { return i != 0 }
func (i IntValue) Clone() Value { return i }
func (i IntValue) Cmp(o Value) (int, bool) {
	switch ov := o.(type) {
	case IntValue:
		return int(i) - int(ov), true
	case FloatValue:
		return cmpFloats(float64(i), float64(ov)), true
	}
	return 0, false
}

type FloatValue float64

func (f FloatValue) AsBool() bool { return f != 0 }
func (f FloatValue) Clone() Value { return f }
func (f FloatValue) Cmp(o Value) (int, bool) {
	switch ov := o.(type) {
	case FloatValue:
		return cmpFloats(float64(f), float64(ov)), true
	case IntValue:
		return cmpFloats(float64(f), float64(ov)), true
	}
	return 0, false
}

func cmpFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ArrayValue is a mutable list shared by reference, so in-place methods
// like append are visible through every binding.
type ArrayValue struct {
	Values []Value
}

func NewArray(vals ...Value) *ArrayValue {
	return &ArrayValue{Values: vals}
}

func (a *ArrayValue) AsBool() bool { return len(a.Values) > 0 }
func (a *ArrayValue) Clone() Value {
	out := make([]Value, len(a.Values))
	for i, v := range a.Values {
		out[i] = v.Clone()
	}
	return &ArrayValue{Values: out}
}
func (a *ArrayValue) Cmp(o Value) (int, bool) {
	ov, ok := o.(*ArrayValue)
	if !ok {
		return 0, false
	}
	for i := 0; i < len(a.Values) && i < len(ov.Values); i++ {
		c, ok := a.Values[i].Cmp(ov.Values[i])
		if !ok {
			return 0, false
		}
		if c != 0 {
			return c, true
		}
	}
	return len(a.Values) - len(ov.Values), true
}

type StructValue map[string]Value

func (s StructValue) AsBool() bool { return len(s) > 0 }
func (s StructValue) Clone() Value {
	out := make(StructValue, len(s))
	for k, v := range s {
		out[k] = v.Clone()
	}
	return out
}
func (s StructValue) Cmp(o Value) (int, bool) {
	ov, ok := o.(StructValue)
	if !ok || len(s) != len(ov) {
		return 0, false
	}
	for k, v := range s {
		w, ok := ov[k]
		if !ok {
			return 0, false
		}
		if c, ok := v.Cmp(w); !ok || c != 0 {
			return 0, false
		}
	}
	return 0, true
}

// FnPtrValue is a first-class reference to a compiled function.
type FnPtrValue ExecPtr

func (FnPtrValue) AsBool() bool   { return true }
func (f FnPtrValue) Clone() Value { return f }
func (f FnPtrValue) Cmp(o Value) (int, bool) {
	if ov, ok := o.(FnPtrValue); ok && ov == f {
		return 0, true
	}
	return 0, false
}

// BuiltinValue names a builtin function; dispatch happens by name at call
// time so that builtin values serialize trivially.
type BuiltinValue struct {
	Name string
}

func (BuiltinValue) AsBool() bool   { return true }
func (b BuiltinValue) Clone() Value { return b }
func (b BuiltinValue) Cmp(o Value) (int, bool) {
	if ov, ok := o.(BuiltinValue); ok && ov.Name == b.Name {
		return 0, true
	}
	return 0, false
}

// ArgValue is a packed call argument; Key is empty for positional arguments.
type ArgValue struct {
	Key   string
	Value Value
}

func (ArgValue) AsBool() bool { return true }
func (a ArgValue) Clone() Value {
	return ArgValue{Key: a.Key, Value: a.Value.Clone()}
}
func (ArgValue) Cmp(Value) (int, bool) { return 0, false }

// TensorValue is a 1-D vector of float64s, the concrete carrier for the
// eager math the tracer records symbolically. Comparison is elementwise.
type TensorValue struct {
	Elems []float64
}

func NewTensor(elems ...float64) TensorValue {
	return TensorValue{Elems: elems}
}

func (t TensorValue) AsBool() bool { return len(t.Elems) > 0 }
func (t TensorValue) Clone() Value {
	out := make([]float64, len(t.Elems))
	copy(out, t.Elems)
	return TensorValue{Elems: out}
}
func (t TensorValue) Cmp(o Value) (int, bool) {
	ov, ok := o.(TensorValue)
	if !ok || len(t.Elems) != len(ov.Elems) {
		return 0, false
	}
	for i := range t.Elems {
		if t.Elems[i] != ov.Elems[i] {
			return 0, false
		}
	}
	return 0, true
}

// SymValue is a reference to a node in the graph being traced. The node
// table itself is owned by the tracing session; the interpreter only moves
// these references around.
type SymValue struct {
	ID int
}

func (SymValue) AsBool() bool   { return true }
func (s SymValue) Clone() Value { return s }
func (s SymValue) Cmp(o Value) (int, bool) {
	if ov, ok := o.(SymValue); ok && ov.ID == s.ID {
		return 0, true
	}
	return 0, false
}

// Cell is an addressable captured-variable slot, shared by reference
// between the enclosing scope and any generator frames that use it.
// Mutations go through Set so the tracing layer can interpose.
type Cell struct {
	Name string
	v    Value
}

func NewCell(name string, v Value) *Cell {
	return &Cell{Name: name, v: v}
}

func (c *Cell) Get() Value     { return c.v }
func (c *Cell) Set(v Value)    { c.v = v }
func (c *Cell) AsBool() bool   { return true }
func (c *Cell) Clone() Value   { return c } // identity: cells are shared, never copied
func (c *Cell) Cmp(o Value) (int, bool) {
	if ov, ok := o.(*Cell); ok && ov == c {
		return 0, true
	}
	return 0, false
}

// FormatValue renders a value for diagnostics and CLI output.
func FormatValue(v Value) string {
	switch t := v.(type) {
	case NoneValue:
		return "None"
	case BoolValue:
		if t {
			return "True"
		}
		return "False"
	case IntValue:
		return strconv.Itoa(int(t))
	case FloatValue:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case StrValue:
		return strconv.Quote(string(t))
	case *ArrayValue:
		parts := make([]string, len(t.Values))
		for i, e := range t.Values {
			parts[i] = FormatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case StructValue:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", k, FormatValue(t[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case FnPtrValue:
		return fmt.Sprintf("<fn %s>", ExecPtr(t))
	case BuiltinValue:
		return fmt.Sprintf("<builtin %s>", t.Name)
	case TensorValue:
		parts := make([]string, len(t.Elems))
		for i, e := range t.Elems {
			parts[i] = strconv.FormatFloat(e, 'g', -1, 64)
		}
		return "tensor(" + strings.Join(parts, ", ") + ")"
	case SymValue:
		return fmt.Sprintf("sym(%d)", t.ID)
	case *Cell:
		return fmt.Sprintf("cell(%s=%s)", t.Name, FormatValue(t.v))
	case ArgValue:
		if t.Key != "" {
			return fmt.Sprintf("%s=%s", t.Key, FormatValue(t.Value))
		}
		return FormatValue(t.Value)
	case nil:
		return "<nil>"
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%#v", v)
}
