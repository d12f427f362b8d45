package tracer

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/weft-dev/weft/cas"
	"github.com/weft-dev/weft/vm"
)

// Job names one entry invocation for the batch driver.
type Job struct {
	Entry  string
	Inputs map[string]vm.Value
}

// Result pairs a job with what came of it.
type Result struct {
	Job     Job
	Outcome *Outcome
	Err     error
}

// TraceAll traces independent jobs concurrently. Every worker builds its
// own tracer, so module state is never shared between jobs; only the
// cache is, and it synchronizes itself. Results come back in job order,
// and the returned error aggregates all per-job failures.
func TraceAll(ctx context.Context, prog *vm.Program, cache cas.CAS, disabled []string, jobs []Job, workers int) ([]Result, error) {
	results := make([]Result, len(jobs))
	for i := range jobs {
		results[i].Job = jobs[i]
	}
	if len(jobs) == 0 {
		return results, nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	log.Debug().Int("jobs", len(jobs)).Int("workers", workers).Msg("tracer: batch start")

	feed := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := New(prog)
			if err == nil {
				if cache != nil {
					t.UseCache(cache)
				}
				for _, name := range disabled {
					t.Disable(name)
				}
			}
			for i := range feed {
				if err != nil {
					results[i].Err = err
					continue
				}
				results[i].Outcome, results[i].Err = t.Trace(jobs[i].Entry, jobs[i].Inputs)
			}
		}()
	}

feeding:
	for i := range jobs {
		select {
		case feed <- i:
		case <-ctx.Done():
			// Jobs not yet handed out are marked, not run. Indexes are
			// disjoint from the workers' so this write is safe.
			for ; i < len(jobs); i++ {
				results[i].Err = ctx.Err()
			}
			break feeding
		}
	}
	close(feed)
	wg.Wait()

	var merr *multierror.Error
	for i := range results {
		if results[i].Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", results[i].Job.Entry, results[i].Err))
		}
	}
	return results, merr.ErrorOrNil()
}
