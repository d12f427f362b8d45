package test

import (
	"testing"

	"github.com/weft-dev/weft/vm"
)

func checkResult(t *testing.T, code string, expected vm.Value) {
	t.Helper()
	m := runModule(t, code)
	result := global(t, m, "result")
	if cmp, ok := result.Cmp(expected); !ok || cmp != 0 {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

// TestModuloOperator tests the % (modulo) operator. The result carries
// the sign of the divisor, so negative operands behave like Python, not
// like Go's %.
func TestModuloOperator(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected vm.Value
	}{
		{"positive modulo", "result = 10 % 3\n", vm.IntValue(1)},
		{"zero remainder", "result = 8 % 4\n", vm.IntValue(0)},
		{"small mod large", "result = 3 % 10\n", vm.IntValue(3)},
		{"modulo in expression", "result = (7 + 3) % 4\n", vm.IntValue(2)},
		{"negative dividend", "result = -7 % 3\n", vm.IntValue(2)},
		{"negative divisor", "result = 7 % -3\n", vm.IntValue(-2)},
		{"float modulo", "result = 7.5 % 2\n", vm.FloatValue(1.5)},
		{"negative float modulo", "result = -7.5 % 2\n", vm.FloatValue(0.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, tt.code, tt.expected)
		})
	}
}

// TestFloorDivisionOperator tests the // operator, which rounds toward
// negative infinity.
func TestFloorDivisionOperator(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected vm.Value
	}{
		{"basic floor division", "result = 10 // 3\n", vm.IntValue(3)},
		{"exact division", "result = 9 // 3\n", vm.IntValue(3)},
		{"floor division with remainder", "result = 7 // 2\n", vm.IntValue(3)},
		{"floor division zero", "result = 0 // 5\n", vm.IntValue(0)},
		{"negative dividend", "result = -7 // 2\n", vm.IntValue(-4)},
		{"floor division in expression", "result = (15 + 5) // 4\n", vm.IntValue(5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, tt.code, tt.expected)
		})
	}
}

// TestPowerOperator tests the pow form. Integer bases with negative
// exponents drop to float.
func TestPowerOperator(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected vm.Value
	}{
		{"int power", "result = pow(2, 10)\n", vm.IntValue(1024)},
		{"power of zero", "result = pow(5, 0)\n", vm.IntValue(1)},
		{"negative exponent", "result = pow(2, -1)\n", vm.FloatValue(0.5)},
		{"float base", "result = pow(1.5, 2)\n", vm.FloatValue(2.25)},
		{"power in expression", "result = pow(2, 3) + 1\n", vm.IntValue(9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, tt.code, tt.expected)
		})
	}
}

// TestInOperatorArrays tests the 'in' operator with arrays
func TestInOperatorArrays(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected vm.Value
	}{
		{"element in array - found", "arr = [1, 2, 3, 4, 5]\nresult = 3 in arr\n", vm.BoolTrue},
		{"element in array - not found", "arr = [1, 2, 3, 4, 5]\nresult = 10 in arr\n", vm.BoolFalse},
		{"element in array - first position", "arr = [1, 2, 3]\nresult = 1 in arr\n", vm.BoolTrue},
		{"element in array - last position", "arr = [1, 2, 3]\nresult = 3 in arr\n", vm.BoolTrue},
		{"element in empty array", "arr = []\nresult = 1 in arr\n", vm.BoolFalse},
		{"string in string array", "arr = [\"hello\", \"world\"]\nresult = \"hello\" in arr\n", vm.BoolTrue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, tt.code, tt.expected)
		})
	}
}

// TestInOperatorStrings tests the 'in' operator with strings (substring search)
func TestInOperatorStrings(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected vm.Value
	}{
		{"substring found", "text = \"hello world\"\nresult = \"world\" in text\n", vm.BoolTrue},
		{"substring not found", "text = \"hello world\"\nresult = \"xyz\" in text\n", vm.BoolFalse},
		{"single character found", "text = \"hello\"\nresult = \"e\" in text\n", vm.BoolTrue},
		// The empty string is in every string.
		{"empty substring", "text = \"hello\"\nresult = \"\" in text\n", vm.BoolTrue},
		{"substring at start", "text = \"hello world\"\nresult = \"hello\" in text\n", vm.BoolTrue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, tt.code, tt.expected)
		})
	}
}

// TestInOperatorDicts tests the 'in' operator with dictionaries (key lookup)
func TestInOperatorDicts(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected vm.Value
	}{
		{"key in dict - found", "d = {\"a\": 1, \"b\": 2, \"c\": 3}\nresult = \"a\" in d\n", vm.BoolTrue},
		{"key in dict - not found", "d = {\"a\": 1, \"b\": 2, \"c\": 3}\nresult = \"z\" in d\n", vm.BoolFalse},
		{"key in empty dict", "d = {}\nresult = \"a\" in d\n", vm.BoolFalse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, tt.code, tt.expected)
		})
	}
}

// TestNotInOperator tests the 'not in' operator
func TestNotInOperator(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected vm.Value
	}{
		{"element not in array - true", "arr = [1, 2, 3]\nresult = 5 not in arr\n", vm.BoolTrue},
		{"element not in array - false", "arr = [1, 2, 3]\nresult = 2 not in arr\n", vm.BoolFalse},
		{"substring not in string - true", "text = \"hello world\"\nresult = \"xyz\" not in text\n", vm.BoolTrue},
		{"substring not in string - false", "text = \"hello world\"\nresult = \"world\" not in text\n", vm.BoolFalse},
		{"key not in dict - true", "d = {\"a\": 1, \"b\": 2}\nresult = \"z\" not in d\n", vm.BoolTrue},
		{"key not in dict - false", "d = {\"a\": 1, \"b\": 2}\nresult = \"a\" not in d\n", vm.BoolFalse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, tt.code, tt.expected)
		})
	}
}

// TestModuloCircularIndex exercises modulo as a ring index.
func TestModuloCircularIndex(t *testing.T) {
	checkResult(t, `
N = 3
current = 2
result = (current + 1) % N
`, vm.IntValue(0))
}

// TestInOperatorInControlFlow tests using 'in' in if statements
func TestInOperatorInControlFlow(t *testing.T) {
	checkResult(t, `
arr = [1, 2, 3]
result = 0

if 2 in arr:
    result = 10
else:
    result = 20
`, vm.IntValue(10))
}
