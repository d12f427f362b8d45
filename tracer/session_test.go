package tracer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weft-dev/weft/interp"
	"github.com/weft-dev/weft/vm"
)

func TestGeneratorYieldsFoldIntoGraph(t *testing.T) {
	tr := loadTracer(t, `
def steps():
	yield_(1)
	yield_(2)
	yield_(3)

def main(x):
	acc = x
	for v in steps():
		acc = acc + v
	return acc
`)
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(10)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	require.Empty(t, out.BreakReason)
	wantTensor(t, out.Value, 16)

	// The generator's yields became graph constants feeding a chain of
	// adds; evaluating the graph reproduces eager arithmetic exactly.
	v, err := out.Graph.Eval(out.Root, map[string]vm.Value{"x": tens(100)})
	require.NoError(t, err)
	wantTensor(t, v, 106)
	t.Logf("graph:\n%s", RenderGraph(out))
}

func TestCapturedCounterStopsAtThree(t *testing.T) {
	src := `
count = cell(0)

def ticking():
	while True:
		count.set(count.get() + 1)
		yield_(count.get())

def main(x):
	total = x
	for i, v in zip(range(3), ticking()):
		total = total + v
	return total
`
	tr := loadTracer(t, src)
	count := tr.mach.Globals.Variables["count"].(*vm.Cell)

	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(0)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	wantTensor(t, out.Value, 6)

	// The range side of the zip exhausts first, so the unbounded
	// generator is pulled exactly three times.
	require.Equal(t, vm.IntValue(3), count.Get())
	require.Len(t, out.Effects, 3)
	for i, e := range out.Effects {
		require.Equal(t, "count", e.Name)
		require.Equal(t, i, e.Ordinal)
		require.Equal(t, vm.IntValue(i+1), e.Next)
	}

	// Repeating the cycle applies the increments once more, not twice.
	_, err = tr.Trace("main", map[string]vm.Value{"x": tens(0)})
	require.NoError(t, err)
	require.Equal(t, vm.IntValue(6), count.Get())
}

func TestGeneratorInputRejected(t *testing.T) {
	tr := loadTracer(t, `
def counter(n):
	i = 0
	while i < n:
		yield_(i)
		i = i + 1

def use(g):
	return 1
`)
	v, err := tr.Run("counter", map[string]vm.Value{"n": vm.IntValue(5)})
	require.NoError(t, err)
	g, ok := v.(*interp.Generator)
	require.True(t, ok)

	// Fresh, partially advanced, and exhausted generators are all
	// rejected the same way.
	for _, advance := range []int{0, 2, 10} {
		for i := 0; i < advance; i++ {
			_, _, err := g.Next()
			require.NoError(t, err)
		}
		_, err = tr.Trace("use", map[string]vm.Value{"g": g})
		var uns *Unsupported
		require.True(t, errors.As(err, &uns), "got %v", err)
		require.Contains(t, uns.Reason, "generator as graph argument is not supported")
	}

	// Hiding the generator inside a container does not help.
	_, err = tr.Trace("use", map[string]vm.Value{"g": vm.NewArray(vm.IntValue(1), g)})
	var uns *Unsupported
	require.True(t, errors.As(err, &uns))
}

func TestGraphBreakFallsBack(t *testing.T) {
	tr := loadTracer(t, `
tally = cell(0)

def main(x):
	y = x * 2
	tally.set(tally.get() + 1)
	graph_break()
	tally.set(tally.get() + 10)
	return y + 1
`)
	tally := tr.mach.Globals.Variables["tally"].(*vm.Cell)

	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(3)})
	require.NoError(t, err)
	require.Equal(t, Fallback, out.Decision)
	require.Equal(t, "explicit graph break", out.BreakReason)
	wantTensor(t, out.Value, 7)

	// The journaled write replayed once at the break; the write after it
	// went straight to the cell natively. Only the journaled one shows
	// up as a recorded effect.
	require.Equal(t, vm.IntValue(11), tally.Get())
	require.Len(t, out.Effects, 1)
	require.Equal(t, vm.IntValue(1), out.Effects[0].Next)
}

func TestFallbackInsideGeneratorResumesNative(t *testing.T) {
	tr := loadTracer(t, `
def gen(x):
	y = x * 2
	yield_(y)
	graph_break()
	yield_(y + 1)

def main(x):
	g = gen(x)
	a = next(g)
	b = next(g)
	return b
`)
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(4)})
	require.NoError(t, err)
	require.Equal(t, Fallback, out.Decision)
	require.Equal(t, "explicit graph break", out.BreakReason)
	// The suspended generator picked up natively mid-flight with its
	// symbolic locals materialized.
	wantTensor(t, out.Value, 9)
}

func TestDisabledFunctionRunsNative(t *testing.T) {
	tr := loadTracer(t, `
def helper(a, b):
	return a + b

def main(x):
	n = helper(2, 3)
	return x + n
`)
	tr.Disable("helper")
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(1, 1)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	wantTensor(t, out.Value, 6, 6)
	// The helper's arithmetic never reached the graph; its result joined
	// as a constant.
	require.Contains(t, out.Graph.Render(), "const 5")
}

func TestSymbolicIntoDisabledFunctionFallsBack(t *testing.T) {
	tr := loadTracer(t, `
def helper(a, b):
	return a + b

def main(x):
	return helper(x, 1)
`)
	tr.Disable("helper")
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(5)})
	require.NoError(t, err)
	require.Equal(t, Fallback, out.Decision)
	require.Contains(t, out.BreakReason, "tracing disabled")
	wantTensor(t, out.Value, 6)
}

func TestTensorMethodsRecord(t *testing.T) {
	tr := loadTracer(t, `
def main(x):
	return x.sin() + x.neg()
`)
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(0, 1)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	r := out.Graph.Render()
	require.Contains(t, r, "sin")
	require.Contains(t, r, "neg")

	native, err := loadTracer(t, `
def main(x):
	return x.sin() + x.neg()
`).Run("main", map[string]vm.Value{"x": tens(0, 1)})
	require.NoError(t, err)
	require.True(t, vm.Allclose(native.(vm.TensorValue), out.Value.(vm.TensorValue)))
}

func TestAllcloseAnswersFromEagerShadow(t *testing.T) {
	tr := loadTracer(t, `
def main(x):
	y = x + 0
	if y.allclose(x):
		return 1
	return 0
`)
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(2, 3)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	require.Equal(t, vm.IntValue(1), out.Value)
}

func TestMixedTypeArithmeticFallsBackToGuestError(t *testing.T) {
	tr := loadTracer(t, `
def main(x):
	if try_():
		y = x + "oops"
	elif excepts("TypeError"):
		return x + 1
	return x
`)
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(1)})
	require.NoError(t, err)
	require.Equal(t, Fallback, out.Decision)
	require.Contains(t, out.BreakReason, "mixing a traced tensor")
	// The native retry raised the ordinary TypeError, and the guest's
	// handler took it from there.
	wantTensor(t, out.Value, 2)
}

func TestOrderingComparisonSurfacesGuestError(t *testing.T) {
	tr := loadTracer(t, `
def main(x):
	if x < tensor(2.0):
		return 1
	return 0
`)
	_, err := tr.Trace("main", map[string]vm.Value{"x": tens(1)})
	require.Error(t, err)
	exc, ok := interp.AsExc(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, interp.KindTypeError, exc.Kind)
}

func TestUncaughtGuestExceptionIsUnsupported(t *testing.T) {
	tr := loadTracer(t, `
def main(x):
	raise_("ValueError", "boom")
`)
	_, err := tr.Trace("main", map[string]vm.Value{"x": tens(1)})
	var uns *Unsupported
	require.True(t, errors.As(err, &uns), "got %v", err)
	require.Contains(t, uns.Reason, "exception escaped")
	// The original guest exception stays reachable through the wrapper.
	exc, ok := interp.AsExc(uns)
	require.True(t, ok)
	require.Equal(t, interp.KindValueError, exc.Kind)
}

func TestDanglingGeneratorClosedAtTraceEnd(t *testing.T) {
	tr := loadTracer(t, `
closed = cell(0)

def loud(x):
	if try_():
		while True:
			yield_(x)
	elif finally_():
		closed.set(closed.get() + 1)

def main(x):
	g = loud(x)
	a = next(g)
	return a + 1
`)
	closed := tr.mach.Globals.Variables["closed"].(*vm.Cell)

	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(2)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	wantTensor(t, out.Value, 3)

	// Cleanup closed the abandoned generator under trace, so its finally
	// ran once and the write went through the journal.
	require.Equal(t, vm.IntValue(1), closed.Get())
	require.Len(t, out.Effects, 1)
}

func TestEscapingGeneratorSurvivesTrace(t *testing.T) {
	tr := loadTracer(t, `
def gen(x):
	yield_(x + 1)
	yield_(x + 2)

def main(x):
	g = gen(x)
	first = next(g)
	return [first, g]
`)
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(10)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)

	arr, ok := out.Value.(*vm.ArrayValue)
	require.True(t, ok, "got %T", out.Value)
	wantTensor(t, arr.Values[0], 11)

	// The generator escaped in the result, so cleanup left it alone. It
	// resumes natively, with nothing symbolic left in its frames.
	g, ok := arr.Values[1].(*interp.Generator)
	require.True(t, ok)
	require.Equal(t, interp.GenSuspended, g.State)
	v, more, err := g.Next()
	require.NoError(t, err)
	require.True(t, more)
	wantTensor(t, v, 12)
}

func TestGeneratorIgnoringExitIsUnsupported(t *testing.T) {
	tr := loadTracer(t, `
def stubborn():
	while True:
		if try_():
			yield_(1)
		elif excepts("GeneratorExit"):
			yield_(2)

def main(x):
	g = stubborn()
	a = next(g)
	return x + a
`)
	_, err := tr.Trace("main", map[string]vm.Value{"x": tens(1)})
	var uns *Unsupported
	require.True(t, errors.As(err, &uns), "got %v", err)
	require.Contains(t, uns.Reason, "generator ignored exit")
}

func TestDelegationUnderTrace(t *testing.T) {
	tr := loadTracer(t, `
def inner():
	yield_(1)
	yield_(2)

def outer():
	yield_from(inner())
	yield_(3)

def main(x):
	acc = x
	for v in outer():
		acc = acc + v
	return acc
`)
	out, err := tr.Trace("main", map[string]vm.Value{"x": tens(0)})
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	wantTensor(t, out.Value, 6)
}
