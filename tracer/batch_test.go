package tracer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/cas"
	"github.com/weft-dev/weft/vm"
)

const batchProg = `
def double(x):
    return x * 2

def triple(x):
    return x * 3
`

func TestTraceAllBatch(t *testing.T) {
	prog, err := vm.CompileLiteral(batchProg)
	require.NoError(t, err)
	cache := cas.NewLRUCache(cas.NewMemoryCAS(), 16)

	var jobs []Job
	for i := 1; i <= 4; i++ {
		jobs = append(jobs,
			Job{Entry: "double", Inputs: map[string]vm.Value{"x": tens(float64(i))}},
			Job{Entry: "triple", Inputs: map[string]vm.Value{"x": tens(float64(i))}},
		)
	}

	results, err := TraceAll(context.Background(), prog, cache, nil, jobs, 2)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for i, res := range results {
		require.Equal(t, jobs[i].Entry, res.Job.Entry, "results come back in job order")
		require.NoError(t, res.Err)
		require.Equal(t, FullyTraced, res.Outcome.Decision)
		factor := 2.0
		if res.Job.Entry == "triple" {
			factor = 3.0
		}
		x := float64(i/2 + 1)
		wantTensor(t, res.Outcome.Value, x*factor)
	}

	// The batch populated the shared cache; a fresh tracer replays from it.
	tr, err := New(prog)
	require.NoError(t, err)
	tr.UseCache(cache)
	out, err := tr.Trace("double", map[string]vm.Value{"x": tens(1)})
	require.NoError(t, err)
	require.True(t, out.CacheHit)
	wantTensor(t, out.Value, 2)
}

func TestTraceAllReportsBadEntries(t *testing.T) {
	prog, err := vm.CompileLiteral(batchProg)
	require.NoError(t, err)

	jobs := []Job{
		{Entry: "double", Inputs: map[string]vm.Value{"x": tens(5)}},
		{Entry: "missing", Inputs: map[string]vm.Value{"x": tens(5)}},
	}
	results, err := TraceAll(context.Background(), prog, nil, nil, jobs, 2)
	require.Error(t, err)
	require.ErrorContains(t, err, fmt.Sprintf("no function %q", "missing"))

	require.NoError(t, results[0].Err)
	wantTensor(t, results[0].Outcome.Value, 10)
	require.ErrorContains(t, results[1].Err, "no function")
	require.Nil(t, results[1].Outcome)
}

func TestTraceAllNoJobs(t *testing.T) {
	prog, err := vm.CompileLiteral(batchProg)
	require.NoError(t, err)
	results, err := TraceAll(context.Background(), prog, nil, nil, nil, 4)
	require.NoError(t, err)
	require.Empty(t, results)
}
