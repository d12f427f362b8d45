package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/cas"
	"github.com/weft-dev/weft/tracer"
	"github.com/weft-dev/weft/vm"
)

const pipelineProgram = `
total = cell(0)

def accumulate(x):
	total.set(total.get() + 1)
	return x * 2 + 1

def double(x):
	return x * 2

def wave(x):
	return x.sin()
`

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func loadSpec(t *testing.T, dir, program, spec string) *tracer.TraceSpec {
	t.Helper()
	writeFile(t, dir, "pipeline.star", program)
	path := writeFile(t, dir, "pipeline.toml", spec)
	s, err := tracer.LoadSpecFromFile(path)
	require.NoError(t, err)
	return s
}

// TestSpecDrivenEffects runs the whole file-driven flow: spec on disk,
// tracer built from it, state writes journaled during the trace and
// committed after it.
func TestSpecDrivenEffects(t *testing.T) {
	spec := loadSpec(t, t.TempDir(), pipelineProgram, `
[trace]
entry = "accumulate"
cache_size = 8

[inputs.x]
tensor = [0.5, 1.5]
`)
	tr, err := spec.BuildTracer()
	require.NoError(t, err)
	inputs, err := spec.Values()
	require.NoError(t, err)

	out, err := tr.Trace(spec.Trace.Entry, inputs)
	require.NoError(t, err)
	require.Equal(t, tracer.FullyTraced, out.Decision)
	wantTensor(t, out.Value, 2, 4)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, "total", out.Effects[0].Name)
	assert.Equal(t, vm.IntValue(0), out.Effects[0].Prior)
	assert.Equal(t, vm.IntValue(1), out.Effects[0].Next)

	// State writes keep the outcome out of the cache, so the counter
	// keeps climbing across invocations.
	again, err := tr.Trace(spec.Trace.Entry, inputs)
	require.NoError(t, err)
	assert.False(t, again.CacheHit)
	require.Len(t, again.Effects, 1)
	assert.Equal(t, vm.IntValue(1), again.Effects[0].Prior)
	assert.Equal(t, vm.IntValue(2), again.Effects[0].Next)
}

// TestSpecDrivenCaching checks that a pure entry traced from a spec lands
// in the spec-configured cache and replays on the next invocation.
func TestSpecDrivenCaching(t *testing.T) {
	spec := loadSpec(t, t.TempDir(), pipelineProgram, `
[trace]
entry = "double"
cache_size = 16

[inputs.x]
tensor = [3.0, 4.0]
`)
	tr, err := spec.BuildTracer()
	require.NoError(t, err)
	inputs, err := spec.Values()
	require.NoError(t, err)

	first, err := tr.Trace(spec.Trace.Entry, inputs)
	require.NoError(t, err)
	require.Equal(t, tracer.FullyTraced, first.Decision)
	require.False(t, first.CacheHit)
	wantTensor(t, first.Value, 6, 8)

	second, err := tr.Trace(spec.Trace.Entry, inputs)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	wantTensor(t, second.Value, 6, 8)
}

// TestSpecDisabledCallFallsBack disables a function in the spec and
// checks that a traced tensor reaching it stops recording; the run still
// finishes natively with the right answer.
func TestSpecDisabledCallFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guard.star", `
def helper(x):
	return x * 3

def main(x):
	return helper(x) + 1
`)
	path := writeFile(t, dir, "guard.toml", `
disabled = ["helper"]

[trace]
entry = "main"

[inputs.x]
tensor = [2.0]
`)
	spec, err := tracer.LoadSpecFromFile(path)
	require.NoError(t, err)
	tr, err := spec.BuildTracer()
	require.NoError(t, err)
	inputs, err := spec.Values()
	require.NoError(t, err)

	out, err := tr.Trace(spec.Trace.Entry, inputs)
	require.NoError(t, err)
	assert.Equal(t, tracer.Fallback, out.Decision)
	assert.Contains(t, out.BreakReason, "tracing disabled")
	wantTensor(t, out.Value, 7)
}

// TestBatchFromSpec drives the batch tracer off a spec-loaded program
// with a shared cache, then replays the batch's work interactively.
func TestBatchFromSpec(t *testing.T) {
	spec := loadSpec(t, t.TempDir(), pipelineProgram, `
[trace]
entry = "double"
cache_size = 16

[inputs.x]
tensor = [1.0]
`)
	prog, err := vm.CompilePath(spec.Trace.File)
	require.NoError(t, err)

	cache := cas.NewLRUCache(cas.NewMemoryCAS(), 32)
	jobs := []tracer.Job{
		{Entry: "double", Inputs: map[string]vm.Value{"x": tensor(1)}},
		{Entry: "wave", Inputs: map[string]vm.Value{"x": tensor(0)}},
		{Entry: "double", Inputs: map[string]vm.Value{"x": tensor(2, 3)}},
		{Entry: "wave", Inputs: map[string]vm.Value{"x": tensor(0, 0)}},
	}
	results, err := tracer.TraceAll(context.Background(), prog, cache, spec.Disabled, jobs, 2)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for i, r := range results {
		require.NoError(t, r.Err, "job %d", i)
		require.Equal(t, tracer.FullyTraced, r.Outcome.Decision, "job %d", i)
	}
	wantTensor(t, results[0].Outcome.Value, 2)
	wantTensor(t, results[1].Outcome.Value, 0)
	wantTensor(t, results[2].Outcome.Value, 4, 6)
	wantTensor(t, results[3].Outcome.Value, 0, 0)

	// An interactive tracer sharing the cache replays the batch's work
	// for any same-shape inputs.
	tr, err := tracer.New(prog)
	require.NoError(t, err)
	tr.UseCache(cache)
	out, err := tr.Trace("double", map[string]vm.Value{"x": tensor(9)})
	require.NoError(t, err)
	assert.True(t, out.CacheHit)
	wantTensor(t, out.Value, 18)
}
