package vm

import (
	"fmt"
	"math"
)

// TensorBinary applies an arithmetic opcode elementwise. Scalars (ints and
// floats) broadcast against vectors; two vectors must agree on length.
func TensorBinary(op Opcode, a, b Value) (Value, error) {
	av, aIsT := a.(TensorValue)
	bv, bIsT := b.(TensorValue)
	switch {
	case aIsT && bIsT:
		if len(av.Elems) != len(bv.Elems) {
			return nil, fmt.Errorf("Tensor length mismatch: %d vs %d", len(av.Elems), len(bv.Elems))
		}
		out := make([]float64, len(av.Elems))
		for i := range out {
			out[i] = scalarOp(op, av.Elems[i], bv.Elems[i])
		}
		return TensorValue{Elems: out}, nil
	case aIsT:
		s, ok := asFloat(b)
		if !ok {
			return nil, fmt.Errorf("Cannot combine tensor with %T", b)
		}
		out := make([]float64, len(av.Elems))
		for i := range out {
			out[i] = scalarOp(op, av.Elems[i], s)
		}
		return TensorValue{Elems: out}, nil
	case bIsT:
		s, ok := asFloat(a)
		if !ok {
			return nil, fmt.Errorf("Cannot combine %T with tensor", a)
		}
		out := make([]float64, len(bv.Elems))
		for i := range out {
			out[i] = scalarOp(op, s, bv.Elems[i])
		}
		return TensorValue{Elems: out}, nil
	}
	return nil, fmt.Errorf("TensorBinary on non-tensor operands %T and %T", a, b)
}

// TensorUnary applies a named math function elementwise.
func TensorUnary(name string, t TensorValue) (TensorValue, error) {
	var fn func(float64) float64
	switch name {
	case "sin":
		fn = math.Sin
	case "cos":
		fn = math.Cos
	case "tan":
		fn = math.Tan
	case "neg":
		fn = func(x float64) float64 { return -x }
	default:
		return TensorValue{}, fmt.Errorf("Unknown tensor function %s", name)
	}
	out := make([]float64, len(t.Elems))
	for i, e := range t.Elems {
		out[i] = fn(e)
	}
	return TensorValue{Elems: out}, nil
}

// Allclose reports elementwise equality within a small absolute tolerance.
func Allclose(a, b TensorValue) bool {
	if len(a.Elems) != len(b.Elems) {
		return false
	}
	const tol = 1e-9
	for i := range a.Elems {
		if math.Abs(a.Elems[i]-b.Elems[i]) > tol {
			return false
		}
	}
	return true
}

func scalarOp(op Opcode, a, b float64) float64 {
	switch op {
	case ADD:
		return a + b
	case SUBTRACT:
		return a - b
	case MULTIPLY:
		return a * b
	case DIVIDE:
		return a / b
	case MODULO:
		return math.Mod(a, b)
	case FLOOR_DIVIDE:
		return math.Floor(a / b)
	case POWER:
		return math.Pow(a, b)
	}
	panic("Unhandled tensor scalar op")
}

func asFloat(v Value) (float64, bool) {
	switch t := v.(type) {
	case IntValue:
		return float64(t), true
	case FloatValue:
		return float64(t), true
	}
	return 0, false
}

// IsTensorish reports whether a value participates in traced arithmetic.
func IsTensorish(v Value) bool {
	switch v.(type) {
	case TensorValue, SymValue:
		return true
	}
	return false
}
