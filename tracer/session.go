package tracer

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/weft-dev/weft/graph"
	"github.com/weft-dev/weft/interp"
	"github.com/weft-dev/weft/vm"
)

// Decision says how a traced invocation ultimately executed.
type Decision int

const (
	// FullyTraced means every tensor operation was recorded and the graph
	// covers the whole computation.
	FullyTraced Decision = iota
	// Fallback means recording stopped partway and the rest ran natively.
	Fallback
)

func (d Decision) String() string {
	if d == FullyTraced {
		return "traced"
	}
	return "fallback"
}

// Outcome is what one traced invocation produced.
type Outcome struct {
	// Value is the concrete result, whichever way execution went.
	Value    vm.Value
	Decision Decision
	// BreakReason is the first fallback trigger, empty when fully traced.
	BreakReason string
	// Graph holds the recorded operations. Root is the node computing
	// Value, or -1 when the result never became symbolic.
	Graph *graph.Graph
	Root  int
	// Effects lists the captured-state writes committed at trace end, in
	// the order the guest made them.
	Effects []Entry
	// CacheHit marks a result served by re-evaluating a stored graph.
	CacheHit bool

	// pure gates caching: fully traced, no effects, no data-dependent
	// decisions leaked out of the graph.
	pure bool
}

// session observes one invocation through the machine's hook surface. It
// records symbolic tensor work into a graph, shadows cell writes in a
// journal, and tracks the generators born under trace so none of them
// outlives it unfinished.
type session struct {
	id   string
	mach *interp.Machine
	g    *graph.Graph

	// conc shadows every graph node with its eagerly computed value;
	// inputDeps marks the nodes whose value depends on a placeholder.
	conc      []vm.Value
	inputDeps []bool

	journal  *Journal
	disabled map[string]bool
	created  []*interp.Generator

	fellBack    bool
	breakReason string
	// valueDeps is set when input-dependent data escapes the graph
	// (equality, allclose, item). Such a trace is correct for this run
	// but must not be replayed for other inputs of the same shape.
	valueDeps bool
	// wroteGlobal marks a module-level rebind during the trace; the
	// write lands immediately, so only cacheability is affected.
	wroteGlobal bool
	effects     []Entry
}

var _ interp.Hooks = (*session)(nil)

func newSession(t *Tracer) *session {
	return &session{
		id:       uuid.NewString(),
		mach:     t.mach,
		g:        graph.New(),
		journal:  NewJournal(),
		disabled: t.disabled,
	}
}

// run drives one entry invocation with the session installed as the
// machine's hooks, then detaches cleanly: side effects committed,
// stray generators closed, nothing symbolic left behind.
func (s *session) run(entry string, args []vm.Value) (*Outcome, error) {
	log.Debug().Str("session", s.id).Str("entry", entry).Msg("tracer: starting trace")
	s.mach.Hooks = s
	defer func() { s.mach.Hooks = nil }()

	result, err := s.mach.Call(entry, args...)
	if err != nil {
		// Under recording, an escaping guest exception means the trace
		// has no value to stand for. After a fallback the run is native
		// and its errors are ordinary.
		if _, ok := interp.AsExc(err); ok && !s.fellBack {
			return nil, &Unsupported{Reason: "exception escaped the traced entry", Err: err}
		}
		return nil, err
	}
	if err := s.cleanup(result); err != nil {
		return nil, err
	}

	rw := s.rewriter()
	if !s.journal.Committed() {
		s.effects = s.journal.Commit(s.resolveDeep)
	}
	for _, g := range s.created {
		interp.RewriteGenerator(g, rw)
	}
	for _, g := range interp.GeneratorsIn(result) {
		interp.RewriteGenerator(g, rw)
	}
	s.mach.RewriteGlobals(rw)

	out := &Outcome{
		Decision: FullyTraced,
		Graph:    s.g,
		Root:     -1,
		Effects:  s.effects,
	}
	if s.fellBack {
		out.Decision = Fallback
		out.BreakReason = s.breakReason
	}
	if sym, ok := result.(vm.SymValue); ok {
		out.Root = sym.ID
		out.Value = s.concAt(sym.ID)
	} else {
		out.Value = s.resolveDeep(result)
	}
	out.pure = !s.fellBack && out.Root >= 0 && len(out.Effects) == 0 && !s.valueDeps && !s.wroteGlobal
	log.Debug().Str("session", s.id).Stringer("decision", out.Decision).
		Int("nodes", out.Graph.Len()).Bool("pure", out.pure).Msg("tracer: trace complete")
	return out, nil
}

// cleanup closes the generators created under this trace that are not
// escaping to the caller, newest first. Their pending finally blocks run
// with the session still attached, so late cell writes land in the
// journal like any others.
func (s *session) cleanup(result vm.Value) error {
	if len(s.created) == 0 {
		return nil
	}
	escaped := map[*interp.Generator]bool{}
	mark := func(v vm.Value) {
		for _, g := range interp.GeneratorsIn(v) {
			escaped[g] = true
		}
	}
	mark(result)
	for _, v := range s.journal.PendingValues() {
		mark(v)
	}
	for _, e := range s.effects {
		mark(e.Next)
	}
	for i := len(s.created) - 1; i >= 0; i-- {
		g := s.created[i]
		if escaped[g] {
			continue
		}
		if _, err := s.mach.CloseGenerator(g); err != nil {
			if exitIgnored(err) {
				return &Unsupported{Reason: "generator ignored exit during trace cleanup", Err: err}
			}
			return fmt.Errorf("closing %s at trace end: %w", g.Name, err)
		}
	}
	return nil
}

func exitIgnored(err error) bool {
	e, ok := interp.AsExc(err)
	return ok && e.Kind == interp.KindRuntimeError && e.Msg == "Generator ignored GeneratorExit"
}

// placeholder registers an input tensor and returns its symbolic
// stand-in. Placeholders are created in parameter order, so node ids are
// deterministic for a given entry.
func (s *session) placeholder(name string, tv vm.TensorValue) vm.Value {
	id := s.g.Placeholder(name)
	s.setNode(id, tv, true)
	return vm.SymValue{ID: id}
}

// setNode records the eager value behind a graph node. Interned nodes
// keep their first recording.
func (s *session) setNode(id int, v vm.Value, deps bool) {
	for len(s.conc) <= id {
		s.conc = append(s.conc, nil)
		s.inputDeps = append(s.inputDeps, false)
	}
	if s.conc[id] == nil {
		s.conc[id] = v
		s.inputDeps[id] = deps
	}
}

func (s *session) concAt(id int) vm.Value {
	if id >= 0 && id < len(s.conc) {
		return s.conc[id]
	}
	return nil
}

// concrete strips the symbolic wrapper off a value.
func (s *session) concrete(v vm.Value) vm.Value {
	if sym, ok := v.(vm.SymValue); ok {
		if c := s.concAt(sym.ID); c != nil {
			return c
		}
	}
	return v
}

func (s *session) depends(v vm.Value) bool {
	if sym, ok := v.(vm.SymValue); ok {
		return sym.ID < len(s.inputDeps) && s.inputDeps[sym.ID]
	}
	return false
}

// nodeFor returns the graph node standing for v, interning constant
// nodes for concrete operands on first use.
func (s *session) nodeFor(v vm.Value) int {
	if sym, ok := v.(vm.SymValue); ok {
		return sym.ID
	}
	id := s.g.Constant(v)
	s.setNode(id, v, false)
	return id
}

// traceable reports whether a value can join the graph as an operand.
func traceable(v vm.Value) bool {
	switch v.(type) {
	case vm.SymValue, vm.TensorValue, vm.IntValue, vm.FloatValue:
		return true
	}
	return false
}

func isSym(v vm.Value) bool {
	_, ok := v.(vm.SymValue)
	return ok
}

// BinaryOp records symbolic arithmetic and answers comparisons from the
// eager shadow. Concrete tensor math is left to the machine, which folds
// it before it ever reaches the graph. Anything the session cannot
// express comes back as a fallback, so the machine rematerializes and
// retries the instruction natively.
func (s *session) BinaryOp(op vm.Opcode, a, b vm.Value) (vm.Value, bool, error) {
	switch op {
	case vm.EQ:
		if !isSym(a) && !isSym(b) {
			return nil, false, nil
		}
		if s.depends(a) || s.depends(b) {
			s.valueDeps = true
		}
		c, ok := s.concrete(a).Cmp(s.concrete(b))
		return vm.BoolValue(ok && c == 0), true, nil
	case vm.LT, vm.LTE:
		if isSym(a) || isSym(b) {
			return nil, false, &interp.FallbackError{Reason: "ordering a traced tensor"}
		}
		return nil, false, nil
	case vm.IN:
		if isSym(a) || isSym(b) {
			return nil, false, &interp.FallbackError{Reason: "membership test on a traced tensor"}
		}
		return nil, false, nil
	}
	if !isSym(a) && !isSym(b) {
		return nil, false, nil
	}
	gop, ok := graph.FromOpcode(op)
	if !ok {
		return nil, false, &interp.FallbackError{Reason: fmt.Sprintf("%s on a traced tensor", op)}
	}
	if !traceable(a) || !traceable(b) {
		other := a
		if isSym(a) {
			other = b
		}
		return nil, false, &interp.FallbackError{
			Reason: fmt.Sprintf("mixing a traced tensor with %s", vm.GetTypeName(other)),
		}
	}
	result, err := vm.TensorBinary(op, s.concrete(a), s.concrete(b))
	if err != nil {
		// Shape mismatches and the like: retry natively so the guest
		// sees the ordinary exception.
		return nil, false, &interp.FallbackError{Reason: err.Error()}
	}
	id := s.g.Binary(gop, s.nodeFor(a), s.nodeFor(b))
	s.setNode(id, result, s.depends(a) || s.depends(b))
	return vm.SymValue{ID: id}, true, nil
}

// MethodCall records the pure tensor methods on symbolic receivers and
// answers the data-reading ones from the eager shadow. Concrete
// receivers with no symbolic arguments run natively.
func (s *session) MethodCall(recv vm.Value, name string, args []vm.Value) (vm.Value, bool, error) {
	symInvolved := isSym(recv)
	for _, a := range args {
		if isSym(a) {
			symInvolved = true
		}
	}
	switch name {
	case "sin", "cos", "tan", "neg":
		if !isSym(recv) {
			return nil, false, nil
		}
		if len(args) != 0 {
			return nil, false, &interp.FallbackError{Reason: fmt.Sprintf("%s with arguments on a traced tensor", name)}
		}
		ct, ok := s.concrete(recv).(vm.TensorValue)
		if !ok {
			return nil, false, fmt.Errorf("no concrete tensor behind traced value in %s", name)
		}
		out, err := vm.TensorUnary(name, ct)
		if err != nil {
			return nil, false, err
		}
		id := s.g.Unary(graph.Op(name), s.nodeFor(recv))
		s.setNode(id, out, s.depends(recv))
		return vm.SymValue{ID: id}, true, nil
	case "allclose":
		if !symInvolved {
			return nil, false, nil
		}
		if len(args) != 1 {
			return nil, false, &interp.FallbackError{Reason: "allclose with the wrong arity on a traced tensor"}
		}
		ra, aok := s.concrete(recv).(vm.TensorValue)
		rb, bok := s.concrete(args[0]).(vm.TensorValue)
		if !aok || !bok {
			return nil, false, &interp.FallbackError{
				Reason: fmt.Sprintf("allclose between a traced tensor and %s", vm.GetTypeName(args[0])),
			}
		}
		if s.depends(recv) || s.depends(args[0]) {
			s.valueDeps = true
		}
		return vm.BoolValue(vm.Allclose(ra, rb)), true, nil
	case "item":
		if !isSym(recv) {
			return nil, false, nil
		}
		if len(args) != 0 {
			return nil, false, &interp.FallbackError{Reason: "item with arguments on a traced tensor"}
		}
		ct, ok := s.concrete(recv).(vm.TensorValue)
		if !ok {
			return nil, false, fmt.Errorf("no concrete tensor behind traced value in item")
		}
		if len(ct.Elems) != 1 {
			return nil, false, &interp.FallbackError{
				Reason: fmt.Sprintf("item on a %d-element traced tensor", len(ct.Elems)),
			}
		}
		if s.depends(recv) {
			s.valueDeps = true
		}
		return vm.FloatValue(ct.Elems[0]), true, nil
	default:
		if symInvolved {
			return nil, false, &interp.FallbackError{Reason: fmt.Sprintf("method %s on a traced tensor", name)}
		}
		return nil, false, nil
	}
}

// Truth answers branch conditions. Tensor truth is emptiness, a shape
// property, so a branch taken on a traced tensor stays valid for every
// input matching the cached shape key.
func (s *session) Truth(v vm.Value) (bool, error) {
	if sym, ok := v.(vm.SymValue); ok {
		c := s.concAt(sym.ID)
		if c == nil {
			return false, fmt.Errorf("no recording behind traced value %%%d", sym.ID)
		}
		return c.AsBool(), nil
	}
	return v.AsBool(), nil
}

// CellGet serves cell reads from the journal shadow so the guest sees
// its own writes while the real cells stay untouched.
func (s *session) CellGet(c *vm.Cell) (vm.Value, bool) {
	return s.journal.Read(c)
}

// CellSet shadows every cell write made under trace.
func (s *session) CellSet(c *vm.Cell, prev, next vm.Value) bool {
	s.journal.Record(c, prev, next)
	return true
}

// GlobalSet notes a module-level rebind. The write goes through
// unchanged, but a replayed graph would skip it, so the outcome must
// never be cached.
func (s *session) GlobalSet(name string, v vm.Value) {
	if !s.wroteGlobal {
		log.Debug().Str("session", s.id).Str("name", name).Msg("tracer: global rebind under trace")
	}
	s.wroteGlobal = true
}

// CallMode suppresses tracing inside functions the host disabled.
func (s *session) CallMode(fnName string) interp.CallMode {
	if s.disabled[fnName] {
		return interp.CallDisabled
	}
	return interp.CallTrace
}

// GeneratorCreated tracks a generator born under this trace so cleanup
// can close it if it never escapes.
func (s *session) GeneratorCreated(g *interp.Generator) {
	s.created = append(s.created, g)
}

// Fallback ends recording. Shadowed side effects land on their cells,
// tracked generators lose their symbolic state, and the returned rewrite
// lets the machine materialize everything still on its frames before the
// retry.
func (s *session) Fallback(reason string) (interp.Rewrite, error) {
	log.Debug().Str("session", s.id).Str("reason", reason).Msg("tracer: falling back to native execution")
	s.fellBack = true
	if s.breakReason == "" {
		s.breakReason = reason
	}
	rw := s.rewriter()
	if !s.journal.Committed() {
		s.effects = s.journal.Commit(s.resolveDeep)
	}
	for _, g := range s.created {
		interp.RewriteGenerator(g, rw)
	}
	return rw, nil
}

// rewriter maps a single symbolic value to its eager concrete shadow.
// Walking containers is the caller's business.
func (s *session) rewriter() interp.Rewrite {
	return func(v vm.Value) vm.Value {
		if sym, ok := v.(vm.SymValue); ok {
			if c := s.concAt(sym.ID); c != nil {
				return c
			}
		}
		return v
	}
}

// resolveDeep replaces symbolic values inside containers, for values
// that leave the session: journal entries and outcome results.
func (s *session) resolveDeep(v vm.Value) vm.Value {
	return s.resolveIn(v, map[uintptr]bool{})
}

func (s *session) resolveIn(v vm.Value, seen map[uintptr]bool) vm.Value {
	switch t := v.(type) {
	case vm.SymValue:
		if c := s.concAt(t.ID); c != nil {
			return c
		}
	case *vm.ArrayValue:
		if markedPtr(seen, t) {
			return t
		}
		for i := range t.Values {
			t.Values[i] = s.resolveIn(t.Values[i], seen)
		}
	case vm.StructValue:
		if markedPtr(seen, t) {
			return t
		}
		for k, e := range t {
			t[k] = s.resolveIn(e, seen)
		}
	case vm.ArgValue:
		t.Value = s.resolveIn(t.Value, seen)
		return t
	}
	return v
}

func markedPtr(seen map[uintptr]bool, v any) bool {
	p := reflect.ValueOf(v).Pointer()
	if seen[p] {
		return true
	}
	seen[p] = true
	return false
}
