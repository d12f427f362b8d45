package vm

import "fmt"

// MethodImpl represents a method implementation. Receivers with reference
// semantics mutate in place; the return value is the method result.
type MethodImpl func(receiver Value, args []Value) (Value, error)

// MethodTable maps method names to their implementations for a specific type
type MethodTable map[string]MethodImpl

// MethodRegistry maps type names to their method tables. Methods on
// runtime-owned types (generators, cells, exception records) are handled
// by the interpreter before this table is consulted.
var MethodRegistry = map[string]MethodTable{
	"array": {
		"append": arrayAppend,
		"pop":    arrayPop,
	},
	"tensor": {
		"sin":      tensorMethod("sin"),
		"cos":      tensorMethod("cos"),
		"tan":      tensorMethod("tan"),
		"neg":      tensorMethod("neg"),
		"allclose": tensorAllclose,
		"item":     tensorItem,
	},
}

// GetTypeName returns the type name for a value (for method dispatch)
func GetTypeName(v Value) string {
	switch v.(type) {
	case *ArrayValue:
		return "array"
	case StructValue:
		return "struct"
	case IntValue:
		return "int"
	case FloatValue:
		return "float"
	case StrValue:
		return "string"
	case BoolValue:
		return "bool"
	case NoneValue:
		return "none"
	case TensorValue:
		return "tensor"
	case SymValue:
		return "sym"
	case *Cell:
		return "cell"
	case FnPtrValue:
		return "function"
	case BuiltinValue:
		return "builtin"
	default:
		return "unknown"
	}
}

// arrayAppend implements the .append() method for arrays, mutating the
// receiver in place.
func arrayAppend(receiver Value, args []Value) (Value, error) {
	arr, ok := receiver.(*ArrayValue)
	if !ok {
		return nil, fmt.Errorf("append called on non-array: %T", receiver)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("append expects 1 argument, got %d", len(args))
	}
	arr.Values = append(arr.Values, args[0])
	return None, nil
}

// arrayPop removes and returns the last element.
func arrayPop(receiver Value, args []Value) (Value, error) {
	arr, ok := receiver.(*ArrayValue)
	if !ok {
		return nil, fmt.Errorf("pop called on non-array: %T", receiver)
	}
	if len(args) != 0 {
		return nil, fmt.Errorf("pop expects no arguments, got %d", len(args))
	}
	if len(arr.Values) == 0 {
		return nil, fmt.Errorf("pop from empty array")
	}
	last := arr.Values[len(arr.Values)-1]
	arr.Values = arr.Values[:len(arr.Values)-1]
	return last, nil
}

func tensorMethod(name string) MethodImpl {
	return func(receiver Value, args []Value) (Value, error) {
		t, ok := receiver.(TensorValue)
		if !ok {
			return nil, fmt.Errorf("%s called on non-tensor: %T", name, receiver)
		}
		if len(args) != 0 {
			return nil, fmt.Errorf("%s expects no arguments, got %d", name, len(args))
		}
		return TensorUnary(name, t)
	}
}

func tensorAllclose(receiver Value, args []Value) (Value, error) {
	t, ok := receiver.(TensorValue)
	if !ok {
		return nil, fmt.Errorf("allclose called on non-tensor: %T", receiver)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("allclose expects 1 argument, got %d", len(args))
	}
	o, ok := args[0].(TensorValue)
	if !ok {
		return nil, fmt.Errorf("allclose argument must be a tensor, got %T", args[0])
	}
	return BoolValue(Allclose(t, o)), nil
}

// tensorItem unwraps a single-element tensor to its scalar.
func tensorItem(receiver Value, args []Value) (Value, error) {
	t, ok := receiver.(TensorValue)
	if !ok {
		return nil, fmt.Errorf("item called on non-tensor: %T", receiver)
	}
	if len(args) != 0 {
		return nil, fmt.Errorf("item expects no arguments, got %d", len(args))
	}
	if len(t.Elems) != 1 {
		return nil, fmt.Errorf("item requires a single-element tensor, got %d elements", len(t.Elems))
	}
	return FloatValue(t.Elems[0]), nil
}
