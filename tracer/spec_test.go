package tracer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/vm"
)

const fullSpecDoc = `
disabled = ["helper", "slow"]

[trace]
file = "prog.star"
entry = "main"
cache_size = 8
log_level = "debug"

[inputs.x]
tensor = [1.0, 2.0, 3.0]

[inputs.n]
int = 5

[inputs.scale]
float = 0.5

[inputs.label]
str = "run"

[inputs.flag]
bool = true
`

func TestParseSpec(t *testing.T) {
	s, err := parseSpec(strings.NewReader(fullSpecDoc))
	require.NoError(t, err)
	require.Equal(t, "prog.star", s.Trace.File)
	require.Equal(t, "main", s.Trace.Entry)
	require.Equal(t, 8, s.Trace.CacheSize)
	require.Equal(t, "debug", s.Trace.LogLevel)
	require.Equal(t, []string{"helper", "slow"}, s.Disabled)
	require.Len(t, s.Inputs, 5)

	vals, err := s.Values()
	require.NoError(t, err)
	wantTensor(t, vals["x"], 1, 2, 3)
	require.Equal(t, vm.IntValue(5), vals["n"])
	require.Equal(t, vm.FloatValue(0.5), vals["scale"])
	require.Equal(t, vm.StrValue("run"), vals["label"])
	require.Equal(t, vm.BoolValue(true), vals["flag"])
}

func TestInputSpecValue(t *testing.T) {
	_, err := InputSpec{}.Value()
	require.ErrorContains(t, err, "exactly one")

	n := 3
	_, err = InputSpec{Tensor: []float64{1}, Int: &n}.Value()
	require.ErrorContains(t, err, "got 2")

	v, err := InputSpec{Tensor: []float64{1, 2}}.Value()
	require.NoError(t, err)
	wantTensor(t, v, 1, 2)
}

func TestLoadSpecDefaultsProgramFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "double.toml")
	require.NoError(t, os.WriteFile(path, []byte("[trace]\nentry = \"double\"\n"), 0o644))

	s, err := LoadSpecFromFile(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "double.star"), s.Trace.File)
}

func TestLoadSpecRequiresEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noentry.toml")
	require.NoError(t, os.WriteFile(path, []byte("[trace]\nfile = \"prog.star\"\n"), 0o644))

	_, err := LoadSpecFromFile(path)
	require.ErrorContains(t, err, "names no entry")
}

func TestBuildTracerFromSpec(t *testing.T) {
	dir := t.TempDir()
	prog := `
def helper(a, b):
    return a + b

def scale(x):
    return x * helper(1, 1)
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prog.star"), []byte(prog), 0o644))
	spec := `
disabled = ["helper"]

[trace]
file = "prog.star"
entry = "scale"
cache_size = 4

[inputs.x]
tensor = [1.0, 2.0]
`
	path := filepath.Join(dir, "scale.toml")
	require.NoError(t, os.WriteFile(path, []byte(spec), 0o644))

	s, err := LoadSpecFromFile(path)
	require.NoError(t, err)
	tr, err := s.BuildTracer()
	require.NoError(t, err)
	inputs, err := s.Values()
	require.NoError(t, err)

	out, err := tr.Trace(s.Trace.Entry, inputs)
	require.NoError(t, err)
	require.Equal(t, FullyTraced, out.Decision)
	wantTensor(t, out.Value, 2, 4)
	// helper ran natively under the disable, so its result folds in.
	require.Contains(t, RenderGraph(out), "const 2")

	out, err = tr.Trace(s.Trace.Entry, inputs)
	require.NoError(t, err)
	require.True(t, out.CacheHit)
	wantTensor(t, out.Value, 2, 4)
}
