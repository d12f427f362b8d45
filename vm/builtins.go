package vm

import (
	"fmt"
)

// BuiltinRegistry maps builtin function names to their implementations.
// Only pure builtins live here; builtins that need runtime state (iter,
// next, zip and friends) are dispatched by the interpreter before it
// falls back to this table.
var BuiltinRegistry = map[string]func(args []Value) (Value, error){
	"range":  builtinRange,
	"len":    builtinLen,
	"str":    builtinStr,
	"tensor": builtinTensor,
	"cell":   builtinCell,
}

// AllBuiltins contains the BuiltinValue instances to inject into global scope
var AllBuiltins = map[string]BuiltinValue{
	"range":        {Name: "range"},
	"len":          {Name: "len"},
	"str":          {Name: "str"},
	"tensor":       {Name: "tensor"},
	"cell":         {Name: "cell"},
	"iter":         {Name: "iter"},
	"next":         {Name: "next"},
	"list":         {Name: "list"},
	"zip":          {Name: "zip"},
	"chain":        {Name: "chain"},
	"product":      {Name: "product"},
	"permutations": {Name: "permutations"},
	"print":        {Name: "print"},
	"graph_break":  {Name: "graph_break"},
}

// builtinRange implements Python-like range() function
// Supports 3 forms:
// - range(stop): returns [0, 1, ..., stop-1]
// - range(start, stop): returns [start, start+1, ..., stop-1]
// - range(start, stop, step): returns [start, start+step, ..., < stop]
func builtinRange(args []Value) (Value, error) {
	var start, stop, step int64

	switch len(args) {
	case 1:
		stopVal, ok := args[0].(IntValue)
		if !ok {
			return nil, fmt.Errorf("range() argument must be an integer, got %T", args[0])
		}
		start = 0
		stop = int64(stopVal)
		step = 1

	case 2:
		startVal, ok := args[0].(IntValue)
		if !ok {
			return nil, fmt.Errorf("range() start must be an integer, got %T", args[0])
		}
		stopVal, ok := args[1].(IntValue)
		if !ok {
			return nil, fmt.Errorf("range() stop must be an integer, got %T", args[1])
		}
		start = int64(startVal)
		stop = int64(stopVal)
		step = 1

	case 3:
		startVal, ok := args[0].(IntValue)
		if !ok {
			return nil, fmt.Errorf("range() start must be an integer, got %T", args[0])
		}
		stopVal, ok := args[1].(IntValue)
		if !ok {
			return nil, fmt.Errorf("range() stop must be an integer, got %T", args[1])
		}
		stepVal, ok := args[2].(IntValue)
		if !ok {
			return nil, fmt.Errorf("range() step must be an integer, got %T", args[2])
		}
		start = int64(startVal)
		stop = int64(stopVal)
		step = int64(stepVal)

		if step == 0 {
			return nil, fmt.Errorf("range() step argument must not be zero")
		}

	default:
		return nil, fmt.Errorf("range() takes 1 to 3 arguments, got %d", len(args))
	}

	var result []Value
	if step > 0 {
		for i := start; i < stop; i += step {
			result = append(result, IntValue(i))
		}
	} else {
		for i := start; i > stop; i += step {
			result = append(result, IntValue(i))
		}
	}
	return &ArrayValue{Values: result}, nil
}

// builtinLen returns the length of arrays, strings, dicts, or tensors
func builtinLen(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len() takes exactly 1 argument, got %d", len(args))
	}

	switch val := args[0].(type) {
	case *ArrayValue:
		return IntValue(len(val.Values)), nil
	case StrValue:
		return IntValue(len(val)), nil
	case StructValue:
		return IntValue(len(val)), nil
	case TensorValue:
		return IntValue(len(val.Elems)), nil
	default:
		return nil, fmt.Errorf("len() argument must be array, string, dict, or tensor, got %T", args[0])
	}
}

func builtinStr(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("str() takes exactly 1 argument, got %d", len(args))
	}
	if s, ok := args[0].(StrValue); ok {
		return s, nil
	}
	return StrValue(FormatValue(args[0])), nil
}

// builtinTensor builds a tensor from numeric arguments or from a single
// array of numerics.
func builtinTensor(args []Value) (Value, error) {
	src := args
	if len(args) == 1 {
		if arr, ok := args[0].(*ArrayValue); ok {
			src = arr.Values
		}
	}
	elems := make([]float64, len(src))
	for i, v := range src {
		switch n := v.(type) {
		case IntValue:
			elems[i] = float64(n)
		case FloatValue:
			elems[i] = float64(n)
		default:
			return nil, fmt.Errorf("tensor() elements must be numeric, got %T", v)
		}
	}
	return TensorValue{Elems: elems}, nil
}

// builtinCell wraps a value in a fresh mutable cell. The cell picks up its
// name when it is first bound to a variable.
func builtinCell(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("cell() takes exactly 1 argument, got %d", len(args))
	}
	return NewCell("", args[0]), nil
}
