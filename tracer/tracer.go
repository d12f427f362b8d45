// Package tracer runs guest entry points under observation, recording
// tensor arithmetic into replayable graphs while the rest of the program
// executes for real. Each invocation either comes back fully traced,
// with a graph covering the whole computation, or falls back partway and
// finishes natively, reporting what broke the trace.
//
// A Tracer owns one compiled program and one machine. Module-level code
// runs natively once at construction, so captured cells live in the
// machine's globals across invocations. Tracers are single-threaded;
// the batch driver hands each worker its own.
package tracer

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/weft-dev/weft/cas"
	"github.com/weft-dev/weft/exec"
	"github.com/weft-dev/weft/interp"
	"github.com/weft-dev/weft/vm"
)

type Tracer struct {
	prog     *vm.Program
	mach     *interp.Machine
	cache    cas.CAS
	progHash cas.Hash
	disabled map[string]bool
}

// New prepares a compiled program for tracing. Module-level code runs
// natively here, once.
func New(prog *vm.Program) (*Tracer, error) {
	m := interp.NewMachine(prog)
	if _, err := m.Run(); err != nil {
		return nil, fmt.Errorf("running module code: %w", err)
	}
	return &Tracer{
		prog:     prog,
		mach:     m,
		progHash: exec.ProgramHash(prog),
		disabled: map[string]bool{},
	}, nil
}

// UseCache attaches a trace cache. Pure outcomes are stored under their
// invocation key, and later invocations with a matching key replay the
// stored graph instead of running the guest.
func (t *Tracer) UseCache(c cas.CAS) { t.cache = c }

// Disable exempts a function from tracing. Calls to it run natively, as
// long as no traced value flows into the call.
func (t *Tracer) Disable(name string) { t.disabled[name] = true }

// Run executes an entry natively, with no recording.
func (t *Tracer) Run(entry string, inputs map[string]vm.Value) (vm.Value, error) {
	args, err := t.bindArgs(entry, inputs, nil)
	if err != nil {
		return nil, err
	}
	return t.mach.Call(entry, args...)
}

// Trace runs an entry under a recording session. Generator inputs are
// rejected up front: a graph argument must be a value, not a suspended
// computation.
func (t *Tracer) Trace(entry string, inputs map[string]vm.Value) (*Outcome, error) {
	for name, v := range inputs {
		if len(interp.GeneratorsIn(v)) > 0 {
			return nil, &Unsupported{
				Reason: fmt.Sprintf("generator as graph argument is not supported (input %s)", name),
			}
		}
	}

	var key cas.Hash
	if t.cache != nil {
		key = exec.Invocation{Entry: entry, Inputs: inputs}.Key(t.progHash)
		if h, ok := t.cache.Lookup(key); ok {
			out, err := t.replay(h, inputs)
			if err == nil {
				log.Debug().Str("entry", entry).Uint64("key", uint64(key)).Msg("tracer: cache hit")
				return out, nil
			}
			log.Debug().Err(err).Str("entry", entry).Msg("tracer: cache replay failed, tracing fresh")
		}
	}

	s := newSession(t)
	args, err := t.bindArgs(entry, inputs, s.placeholder)
	if err != nil {
		return nil, err
	}
	out, err := s.run(entry, args)
	if err != nil {
		return nil, err
	}

	if t.cache != nil && out.pure {
		h, perr := t.cache.Put(&cas.TraceArtifact{Graph: out.Graph, Root: out.Root})
		if perr != nil {
			log.Debug().Err(perr).Str("entry", entry).Msg("tracer: could not store trace")
		} else {
			t.cache.Link(key, h)
		}
	}
	return out, nil
}

// replay re-evaluates a cached graph against this invocation's tensors.
func (t *Tracer) replay(h cas.Hash, inputs map[string]vm.Value) (*Outcome, error) {
	art, err := cas.Retrieve[*cas.TraceArtifact](t.cache, h)
	if err != nil {
		return nil, err
	}
	binds := map[string]vm.Value{}
	for name, v := range inputs {
		if tv, ok := v.(vm.TensorValue); ok {
			binds[name] = tv
		}
	}
	v, err := art.Graph.Eval(art.Root, binds)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Value:    v,
		Decision: FullyTraced,
		Graph:    art.Graph,
		Root:     art.Root,
		CacheHit: true,
		pure:     true,
	}, nil
}

// bindArgs validates inputs against the entry's parameters and returns
// keyword arguments for the machine, in declaration order. Tensor inputs
// pass through wrap, which a session uses to swap in placeholders.
func (t *Tracer) bindArgs(entry string, inputs map[string]vm.Value, wrap func(name string, tv vm.TensorValue) vm.Value) ([]vm.Value, error) {
	ptr, ok := t.prog.Resolve(entry)
	if !ok {
		return nil, fmt.Errorf("no function %q in program", entry)
	}
	fn := t.prog.GetFunction(ptr)
	if fn == nil {
		return nil, fmt.Errorf("no function %q in program", entry)
	}
	known := map[string]bool{}
	for _, p := range fn.Params {
		known[p.Name] = true
	}
	for name := range inputs {
		if !known[name] {
			return nil, fmt.Errorf("%s has no parameter %q", entry, name)
		}
	}
	var args []vm.Value
	for _, p := range fn.Params {
		v, ok := inputs[p.Name]
		if !ok {
			if p.Default == nil {
				return nil, fmt.Errorf("missing input for parameter %q of %s", p.Name, entry)
			}
			continue
		}
		if tv, isTensor := v.(vm.TensorValue); isTensor && wrap != nil {
			v = wrap(p.Name, tv)
		}
		args = append(args, vm.ArgValue{Key: p.Name, Value: v})
	}
	return args, nil
}

// RenderGraph formats an outcome's graph for display.
func RenderGraph(out *Outcome) string {
	if out == nil || out.Graph.Len() == 0 {
		return ""
	}
	r := out.Graph.Render()
	if out.Root >= 0 {
		r += fmt.Sprintf("return %%%d\n", out.Root)
	}
	return r
}
