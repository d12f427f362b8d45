package interp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/vm"
)

func callMain(t *testing.T, src string) (vm.Value, error) {
	t.Helper()
	m := loadMachine(t, src)
	return m.Call("main")
}

func TestTryExceptHierarchy(t *testing.T) {
	m := loadMachine(t, `
def guarded(k):
	if try_():
		raise_(k, "boom")
	elif excepts("ValueError"):
		return "value"
	elif excepts("Exception"):
		return "general"
	return "none"
`)
	v, err := m.Call("guarded", vm.StrValue("ValueError"))
	require.NoError(t, err)
	require.Equal(t, vm.StrValue("value"), v)

	v, err = m.Call("guarded", vm.StrValue("KeyError"))
	require.NoError(t, err)
	require.Equal(t, vm.StrValue("general"), v)

	// GeneratorExit sits outside Exception, so neither handler takes it.
	_, err = m.Call("guarded", vm.StrValue("GeneratorExit"))
	exc, ok := AsExc(err)
	require.True(t, ok)
	require.Equal(t, KindGeneratorExit, exc.Kind)
}

func TestExceptBindAttrs(t *testing.T) {
	v, err := callMain(t, `
def main():
	if try_():
		raise_("KeyError", "missing thing")
	elif excepts("KeyError", bind="e"):
		return [e.kind, e.message]
	return []
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.StrValue("KeyError"), vm.StrValue("missing thing")}, arr.Values)
}

func TestMultiKindHandler(t *testing.T) {
	m := loadMachine(t, `
def classify(k):
	if try_():
		raise_(k)
	elif excepts("ValueError", "KeyError"):
		return "either"
	elif excepts():
		return "other"
	return "none"
`)
	for kind, want := range map[string]string{
		"ValueError":   "either",
		"KeyError":     "either",
		"RuntimeError": "other",
	} {
		v, err := m.Call("classify", vm.StrValue(kind))
		require.NoError(t, err)
		require.Equal(t, vm.StrValue(want), v, "kind %s", kind)
	}
}

func TestBareExceptCatchesEverything(t *testing.T) {
	v, err := callMain(t, `
def main():
	if try_():
		raise_("GeneratorExit")
	elif excepts():
		return "caught"
	return "no"
`)
	require.NoError(t, err)
	require.Equal(t, vm.StrValue("caught"), v)
}

func TestFinallyRunsOnAllPaths(t *testing.T) {
	m := loadMachine(t, `
marks = cell(0)

def bump():
	marks.set(marks.get() + 1)

def normal():
	if try_():
		x = 1
	elif finally_():
		bump()
	return "n"

def raising():
	if try_():
		raise_("ValueError")
	elif finally_():
		bump()

def returning():
	if try_():
		return "r"
	elif finally_():
		bump()
`)
	marks := m.Globals.Variables["marks"].(*vm.Cell)

	v, err := m.Call("normal")
	require.NoError(t, err)
	require.Equal(t, vm.StrValue("n"), v)
	require.Equal(t, vm.IntValue(1), marks.Get())

	_, err = m.Call("raising")
	exc, ok := AsExc(err)
	require.True(t, ok)
	require.Equal(t, KindValueError, exc.Kind)
	require.Equal(t, vm.IntValue(2), marks.Get())

	v, err = m.Call("returning")
	require.NoError(t, err)
	require.Equal(t, vm.StrValue("r"), v)
	require.Equal(t, vm.IntValue(3), marks.Get())
}

func TestExceptThenFinallyOrder(t *testing.T) {
	v, err := callMain(t, `
order = cell("")

def main():
	if try_():
		raise_("ValueError")
	elif excepts("ValueError"):
		order.set(order.get() + "h")
	elif finally_():
		order.set(order.get() + "f")
	return order.get()
`)
	require.NoError(t, err)
	require.Equal(t, vm.StrValue("hf"), v)
}

func TestContextChaining(t *testing.T) {
	v, err := callMain(t, `
def main():
	if try_():
		if try_():
			raise_("ValueError", "first")
		elif excepts("ValueError"):
			raise_("KeyError", "second")
	elif excepts("KeyError", bind="e"):
		return [e.message, e.context.kind]
	return []
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.StrValue("second"), vm.StrValue("ValueError")}, arr.Values)
}

func TestRaiseCause(t *testing.T) {
	v, err := callMain(t, `
def main():
	if try_():
		if try_():
			raise_("ValueError", "origin")
		elif excepts("ValueError", bind="orig"):
			raise_("KeyError", "derived", cause=orig)
	elif excepts("KeyError", bind="e"):
		return [e.cause.kind, e.context.kind]
	return []
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.StrValue("ValueError"), vm.StrValue("ValueError")}, arr.Values)
}

func TestBareReraise(t *testing.T) {
	v, err := callMain(t, `
def main():
	if try_():
		if try_():
			raise_("ValueError", "orig")
		elif excepts("ValueError"):
			raise_()
	elif excepts("ValueError", bind="e"):
		chained = "chained"
		if e.context == None:
			chained = "clean"
		return [e.message, chained]
	return []
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	// A bare re-raise keeps the original exception and never chains it to
	// itself.
	require.Equal(t, []vm.Value{vm.StrValue("orig"), vm.StrValue("clean")}, arr.Values)
}

func TestArithmeticSemantics(t *testing.T) {
	v, err := callMain(t, `
def main():
	out = []
	out.append(7 // 2)
	out.append(-7 // 2)
	out.append(7 % -3)
	out.append(-7 % 3)
	out.append(7 / 2)
	out.append(pow(2, 10))
	return out
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{
		vm.IntValue(3),
		vm.IntValue(-4),
		vm.IntValue(-2),
		vm.IntValue(2),
		vm.FloatValue(3.5),
		vm.IntValue(1024),
	}, arr.Values)
}

func TestZeroDivision(t *testing.T) {
	v, err := callMain(t, `
def main():
	if try_():
		x = 1 / 0
	elif excepts("ZeroDivisionError"):
		return "caught"
	return "no"
`)
	require.NoError(t, err)
	require.Equal(t, vm.StrValue("caught"), v)
}

func TestZipIsLazy(t *testing.T) {
	v, err := callMain(t, `
pulled = cell(0)

def tracked():
	pulled.set(pulled.get() + 1)
	yield_(1)
	pulled.set(pulled.get() + 1)
	yield_(2)

def main():
	z = zip(tracked(), [10, 20])
	first = next(z)
	return [first[0], first[1], pulled.get()]
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.IntValue(1), vm.IntValue(10), vm.IntValue(1)}, arr.Values)
}

func TestListDrainsGenerator(t *testing.T) {
	v, err := callMain(t, counterSrc+`
def main():
	return list(counter(3))
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.IntValue(0), vm.IntValue(1), vm.IntValue(2)}, arr.Values)
}

func TestChainAndProduct(t *testing.T) {
	v, err := callMain(t, `
def main():
	a = list(chain([1, 2], [3]))
	b = list(product([1, 2], [3, 4]))
	return [len(a), len(b), b[0][0], b[0][1]]
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.IntValue(3), vm.IntValue(4), vm.IntValue(1), vm.IntValue(3)}, arr.Values)
}

func TestIterNextBuiltins(t *testing.T) {
	v, err := callMain(t, `
def main():
	it = iter([5, 6])
	a = next(it)
	b = next(it)
	if try_():
		next(it)
	elif excepts("StopIteration"):
		return [a, b, "done"]
	return []
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.IntValue(5), vm.IntValue(6), vm.StrValue("done")}, arr.Values)
}

func TestPrintGoesToWriter(t *testing.T) {
	m := loadMachine(t, `
def main():
	print("hello", 42)
`)
	var buf bytes.Buffer
	m.Out = &buf
	_, err := m.Call("main")
	require.NoError(t, err)
	require.Equal(t, "hello 42\n", buf.String())
}

func TestShadowingDetected(t *testing.T) {
	m := loadMachine(t, `
x = 1

def f(x):
	x = 2
	return x
`)
	_, err := m.Call("f", vm.IntValue(5))
	require.Error(t, err)
	require.Contains(t, err.Error(), "shadowing")
}

func TestGlobalWriteFromFunction(t *testing.T) {
	v, err := callMain(t, `
count = 0

def bump():
	count = count + 1

def main():
	bump()
	bump()
	return count
`)
	require.NoError(t, err)
	require.Equal(t, vm.IntValue(2), v)
}

func TestUncaughtCarriesLine(t *testing.T) {
	_, err := callMain(t, `
def main():
	x = 1
	raise_("ValueError", "here")
`)
	var uc *UncaughtError
	require.True(t, errors.As(err, &uc))
	require.Equal(t, KindValueError, uc.Exc.Kind)
	require.Greater(t, uc.Line, 0)
}

func TestBreakContinue(t *testing.T) {
	v, err := callMain(t, `
def main():
	total = 0
	for i in range(10):
		if i == 3:
			continue
		if i == 6:
			break
		total = total + i
	return total
`)
	require.NoError(t, err)
	require.Equal(t, vm.IntValue(12), v)
}

func TestWhileLoop(t *testing.T) {
	v, err := callMain(t, `
def main():
	total = 0
	i = 0
	while i < 5:
		total = total + i
		i = i + 1
	return total
`)
	require.NoError(t, err)
	require.Equal(t, vm.IntValue(10), v)
}

func TestTensorArithmetic(t *testing.T) {
	v, err := callMain(t, `
def main():
	t = tensor(1.0, 2.0)
	s = t + tensor(3.0, 4.0)
	return [s.allclose(tensor(4.0, 6.0)), len(s)]
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.BoolValue(true), vm.IntValue(2)}, arr.Values)
}

func TestStopIterationLeakBecomesRuntimeError(t *testing.T) {
	v, err := callMain(t, `
def leaky():
	yield_(1)
	raise_("StopIteration")

def main():
	out = []
	if try_():
		for v in leaky():
			out.append(v)
	elif excepts("RuntimeError", bind="e"):
		return [len(out), e.cause.kind]
	return []
`)
	require.NoError(t, err)
	arr := v.(*vm.ArrayValue)
	require.Equal(t, []vm.Value{vm.IntValue(1), vm.StrValue("StopIteration")}, arr.Values)
}

func TestGeneratorExceptionPropagatesFromLoop(t *testing.T) {
	_, err := callMain(t, `
def bad():
	yield_(1)
	raise_("ValueError", "mid")

def main():
	out = []
	for v in bad():
		out.append(v)
	return out
`)
	exc, ok := AsExc(err)
	require.True(t, ok)
	require.Equal(t, KindValueError, exc.Kind)
	require.Equal(t, "mid", exc.Msg)
}
