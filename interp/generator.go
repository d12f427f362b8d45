package interp

import (
	"fmt"

	"github.com/weft-dev/weft/vm"
)

// GenState tracks where a generator is in its lifecycle. The transitions
// are one-way except Suspended<->Running: once Closed, a generator only
// reports exhaustion.
type GenState int

const (
	// GenCreated means the body has not started; no frame has executed.
	GenCreated GenState = iota
	// GenSuspended means the body is parked at a yield, resumable.
	GenSuspended
	// GenRunning means a resume is in progress on this call stack.
	GenRunning
	// GenClosed means the body returned, raised, or was shut down.
	GenClosed
)

func (s GenState) String() string {
	switch s {
	case GenCreated:
		return "created"
	case GenSuspended:
		return "suspended"
	case GenRunning:
		return "running"
	case GenClosed:
		return "closed"
	}
	return "unknown"
}

// delegate is what a YIELD_FROM drains: a real generator, or a plain
// sequence wrapped to speak the same pull protocol.
type delegate interface {
	Send(v vm.Value) (vm.Value, bool, error)
	Throw(e *Exc) (vm.Value, bool, error)
}

// Generator is a paused call stack that a caller advances one yield at a
// time. It owns its frames; the machine only touches them while a resume
// is in flight, so cooperative single-threaded use needs no locking.
type Generator struct {
	Name   string
	State  GenState
	Frames StackFrames

	// Delegate is the sub-iterator a YIELD_FROM is currently draining.
	// While set, resume values and thrown exceptions route into it.
	Delegate delegate

	mach *Machine

	// interrupted marks a resume that stopped mid-instruction because the
	// machine had to rebuild state. The next resume continues in place
	// without delivering anything to the suspension point.
	interrupted bool
}

func newGenerator(m *Machine, name string, frame *StackFrame) *Generator {
	return &Generator{
		Name:   name,
		State:  GenCreated,
		Frames: StackFrames{frame},
		mach:   m,
	}
}

// Next advances the generator to its next yield.
// It returns (value, true, nil) on a yield, (returnValue, false, nil) on
// completion, and an error when an exception escapes the body.
func (g *Generator) Next() (vm.Value, bool, error) {
	return g.Send(vm.None)
}

// Send resumes the generator, delivering v at the suspended yield.
// A first resume must send None; the body has no yield waiting for a value.
func (g *Generator) Send(v vm.Value) (vm.Value, bool, error) {
	switch g.State {
	case GenRunning:
		return nil, false, &UncaughtError{Exc: NewExc(KindValueError, "Generator is already executing")}
	case GenClosed:
		return vm.None, false, nil
	case GenCreated:
		if _, isNone := v.(vm.NoneValue); !isNone {
			return nil, false, &UncaughtError{Exc: NewExc(KindTypeError, "Can't send a non-None value to a just-started generator")}
		}
		g.State = GenRunning
		out, more, err := g.mach.runGen(g, resumeAction{})
		g.settle(more, err)
		return out, more, err
	}

	g.State = GenRunning
	act := resumeAction{resume: true, send: v}
	if g.interrupted {
		// The value was already delivered before the interruption.
		g.interrupted = false
		act = resumeAction{}
	}
	out, more, err := g.mach.runGen(g, act)
	g.settle(more, err)
	return out, more, err
}

// Throw resumes the generator by raising e at the suspended yield. The
// body may catch it and keep yielding; otherwise the exception comes
// back to the caller and the generator closes.
func (g *Generator) Throw(e *Exc) (vm.Value, bool, error) {
	switch g.State {
	case GenRunning:
		return nil, false, &UncaughtError{Exc: NewExc(KindValueError, "Generator is already executing")}
	case GenClosed:
		return nil, false, &UncaughtError{Exc: e}
	case GenCreated:
		// The body never started, so nothing can catch this.
		g.State = GenClosed
		return nil, false, &UncaughtError{Exc: e}
	}

	g.State = GenRunning
	act := resumeAction{inject: e}
	if g.interrupted {
		g.interrupted = false
		act = resumeAction{}
	}
	out, more, err := g.mach.runGen(g, act)
	g.settle(more, err)
	return out, more, err
}

// Close shuts the generator down by raising GeneratorExit at the yield.
// A body that catches the exit and returns hands its return value to
// Close; answering with another yield is an error.
func (g *Generator) Close() (vm.Value, error) {
	switch g.State {
	case GenCreated:
		g.State = GenClosed
		return vm.None, nil
	case GenClosed:
		return vm.None, nil
	case GenRunning:
		return nil, &UncaughtError{Exc: NewExc(KindValueError, "Generator is already executing")}
	}

	out, more, err := g.Throw(NewExc(KindGeneratorExit, ""))
	if err != nil {
		if e, ok := AsExc(err); ok && e.Matches(KindGeneratorExit) {
			// The exit ran its course; shutdown is complete.
			return vm.None, nil
		}
		return nil, err
	}
	if more {
		return nil, &UncaughtError{Exc: NewExc(KindRuntimeError, "Generator ignored GeneratorExit")}
	}
	return out, nil
}

func (g *Generator) settle(more bool, err error) {
	if err != nil {
		if g.interrupted {
			// Parked mid-instruction; resumable once the machine has
			// rebuilt state.
			g.State = GenSuspended
			return
		}
		g.State = GenClosed
		return
	}
	if more {
		g.State = GenSuspended
	} else {
		g.State = GenClosed
	}
}

func (g *Generator) String() string {
	return fmt.Sprintf("<generator %s: %s>", g.Name, g.State)
}

func (g *Generator) Clone() vm.Value {
	// Identity: a generator's progress is shared, never forked.
	return g
}

func (g *Generator) AsBool() bool { return true }

func (g *Generator) Cmp(o vm.Value) (int, bool) {
	if ov, ok := o.(*Generator); ok && ov == g {
		return 0, true
	}
	return 0, false
}

// seqDelegate adapts a plain iterator to the delegate protocol so that
// yield_from can drain lists and other non-generator iterables. Sent
// values are discarded and nothing in a bare sequence can catch a throw.
type seqDelegate struct {
	it Iterator
}

func (s *seqDelegate) Send(v vm.Value) (vm.Value, bool, error) {
	ok, err := s.it.Next()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return vm.None, false, nil
	}
	return s.it.Var1(), true, nil
}

func (s *seqDelegate) Throw(e *Exc) (vm.Value, bool, error) {
	return nil, false, &UncaughtError{Exc: e}
}

// RewriteGenerator applies a fallback rewrite to a generator's suspended
// state. The machine's own materialization only reaches generators that
// are still visible from guest frames or globals; hosts that track
// generators on the side rewrite them through this.
func RewriteGenerator(g *Generator, rw Rewrite) {
	rewriteValue(g, rw, map[uintptr]bool{})
}

// GeneratorsIn collects every generator reachable from v: containers,
// cells, lazy sequences, suspended frames, and delegation links are all
// walked. Hosts use it to tell escaping generators from discarded ones.
func GeneratorsIn(v vm.Value) []*Generator {
	var out []*Generator
	collectGens(v, map[uintptr]bool{}, &out)
	return out
}

func collectGens(v vm.Value, seen map[uintptr]bool, out *[]*Generator) {
	switch t := v.(type) {
	case *Generator:
		if marked(seen, t) {
			return
		}
		*out = append(*out, t)
		for _, f := range t.Frames {
			collectFrameGens(f, seen, out)
		}
		switch d := t.Delegate.(type) {
		case *Generator:
			collectGens(d, seen, out)
		case *seqDelegate:
			collectIterGens(d.it, seen, out)
		}
	case *vm.ArrayValue:
		if marked(seen, t) {
			return
		}
		for _, e := range t.Values {
			collectGens(e, seen, out)
		}
	case vm.StructValue:
		if marked(seen, t) {
			return
		}
		for _, e := range t {
			collectGens(e, seen, out)
		}
	case *vm.Cell:
		if marked(seen, t) {
			return
		}
		collectGens(t.Get(), seen, out)
	case vm.ArgValue:
		collectGens(t.Value, seen, out)
	case *Exc:
		collectExcGens(t, seen, out)
	case *LazySeq:
		if marked(seen, t) {
			return
		}
		collectIterGens(t.It, seen, out)
	}
}

func collectFrameGens(f *StackFrame, seen map[uintptr]bool, out *[]*Generator) {
	for _, v := range f.Stack {
		collectGens(v, seen, out)
	}
	for _, v := range f.Variables {
		collectGens(v, seen, out)
	}
	for _, st := range f.IteratorStack {
		collectIterGens(st.Iter, seen, out)
	}
	for _, e := range f.Handled {
		collectExcGens(e, seen, out)
	}
	if f.inflight != nil {
		collectExcGens(f.inflight, seen, out)
	}
}

func collectExcGens(e *Exc, seen map[uintptr]bool, out *[]*Generator) {
	if e == nil || marked(seen, e) {
		return
	}
	if e.Value != nil {
		collectGens(e.Value, seen, out)
	}
	collectExcGens(e.Context, seen, out)
	collectExcGens(e.Cause, seen, out)
}

func collectIterGens(it Iterator, seen map[uintptr]bool, out *[]*Generator) {
	switch t := it.(type) {
	case *SliceIterator:
		for _, v := range t.Values {
			collectGens(v, seen, out)
		}
	case *DictIterator:
		collectGens(t.Dict, seen, out)
	case *unpackIterator:
		collectIterGens(t.inner, seen, out)
	case *genIterator:
		collectGens(t.gen, seen, out)
	case *zipIterator:
		for _, s := range t.sources {
			collectIterGens(s, seen, out)
		}
	case *chainIterator:
		for _, s := range t.sources {
			collectIterGens(s, seen, out)
		}
	case *productIterator:
		for _, pool := range t.pools {
			for _, v := range pool {
				collectGens(v, seen, out)
			}
		}
	}
}
