package interp

import (
	"fmt"
	"sort"

	"github.com/weft-dev/weft/vm"
)

// iteratorFor builds the iterator behind a for-loop or a sequence builtin.
// varCount 2 asks for pair semantics: dicts yield key/value, everything
// else unpacks two-element arrays.
func iteratorFor(v vm.Value, varCount int) (Iterator, *Exc) {
	var base Iterator
	switch o := v.(type) {
	case *vm.ArrayValue:
		base = &SliceIterator{Values: o.Values, Index: -1}
	case vm.StructValue:
		// Sort keys for deterministic iteration
		keys := make([]string, 0, len(o))
		for k := range o {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		base = &DictIterator{Dict: o, Keys: keys, Index: -1}
	case vm.TensorValue:
		vals := make([]vm.Value, len(o.Elems))
		for i, e := range o.Elems {
			vals[i] = vm.FloatValue(e)
		}
		base = &SliceIterator{Values: vals, Index: -1}
	case *Generator:
		base = &genIterator{gen: o}
	case *LazySeq:
		// One-shot: iterating the sequence again picks up where the last
		// consumer stopped.
		base = o.It
	default:
		return nil, NewExc(KindTypeError, fmt.Sprintf("Cannot iterate over %T", v))
	}
	if varCount == 2 {
		if d, ok := base.(*DictIterator); ok {
			return d, nil
		}
		return &unpackIterator{inner: base}, nil
	}
	return base, nil
}

// SliceIterator iterates over array values by index, so mutations of the
// array during the loop stay visible.
type SliceIterator struct {
	Values []vm.Value
	Index  int // Current position (-1 = not started)
}

func (s *SliceIterator) Next() (bool, error) {
	s.Index++
	return s.Index < len(s.Values), nil
}

func (s *SliceIterator) Var1() vm.Value {
	return s.Values[s.Index]
}

func (s *SliceIterator) Var2() vm.Value {
	return vm.None
}

// DictIterator iterates over struct entries in sorted key order. Var1 is
// the key, Var2 the value.
type DictIterator struct {
	Dict  vm.StructValue
	Keys  []string
	Index int // Current position (-1 = not started)
}

func (d *DictIterator) Next() (bool, error) {
	d.Index++
	return d.Index < len(d.Keys), nil
}

func (d *DictIterator) Var1() vm.Value {
	return vm.StrValue(d.Keys[d.Index])
}

func (d *DictIterator) Var2() vm.Value {
	return d.Dict[d.Keys[d.Index]]
}

// unpackIterator adapts a single-value iterator for two-variable loops by
// unpacking each element as a two-element array.
type unpackIterator struct {
	inner Iterator
	a, b  vm.Value
}

func (u *unpackIterator) Next() (bool, error) {
	ok, err := u.inner.Next()
	if err != nil || !ok {
		return ok, err
	}
	pair, isArr := u.inner.Var1().(*vm.ArrayValue)
	if !isArr {
		return false, &UncaughtError{Exc: NewExc(KindTypeError, fmt.Sprintf("Cannot unpack %T into two variables", u.inner.Var1()))}
	}
	if len(pair.Values) != 2 {
		return false, &UncaughtError{Exc: NewExc(KindValueError, fmt.Sprintf("Expected a pair to unpack, got %d values", len(pair.Values)))}
	}
	u.a = pair.Values[0]
	u.b = pair.Values[1]
	return true, nil
}

func (u *unpackIterator) Var1() vm.Value { return u.a }
func (u *unpackIterator) Var2() vm.Value { return u.b }

// genIterator drives a generator through the iteration protocol. A guest
// exception escaping the generator surfaces as the Next error.
type genIterator struct {
	gen *Generator
	cur vm.Value
}

func (g *genIterator) Next() (bool, error) {
	v, more, err := g.gen.Next()
	if err != nil {
		return false, err
	}
	if !more {
		return false, nil
	}
	g.cur = v
	return true, nil
}

func (g *genIterator) Var1() vm.Value { return g.cur }
func (g *genIterator) Var2() vm.Value { return vm.None }

// zipIterator advances its sources left to right and stops at the first
// exhausted one, leaving the later sources untouched on that final pull.
type zipIterator struct {
	sources []Iterator
	// pending holds the tuple elements pulled so far. A source error mid
	// tuple keeps them, so a retried pull resumes where this one stopped.
	pending []vm.Value
	cur     vm.Value
}

func (z *zipIterator) Next() (bool, error) {
	if len(z.sources) == 0 {
		return false, nil
	}
	for len(z.pending) < len(z.sources) {
		s := z.sources[len(z.pending)]
		ok, err := s.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			z.pending = nil
			return false, nil
		}
		z.pending = append(z.pending, s.Var1())
	}
	z.cur = vm.NewArray(z.pending...)
	z.pending = nil
	return true, nil
}

func (z *zipIterator) Var1() vm.Value { return z.cur }
func (z *zipIterator) Var2() vm.Value { return vm.None }

// chainIterator runs its sources to exhaustion in order.
type chainIterator struct {
	sources []Iterator
	idx     int
	cur     vm.Value
}

func (c *chainIterator) Next() (bool, error) {
	for c.idx < len(c.sources) {
		ok, err := c.sources[c.idx].Next()
		if err != nil {
			return false, err
		}
		if ok {
			c.cur = c.sources[c.idx].Var1()
			return true, nil
		}
		c.idx++
	}
	return false, nil
}

func (c *chainIterator) Var1() vm.Value { return c.cur }
func (c *chainIterator) Var2() vm.Value { return vm.None }

// productIterator yields the cartesian product of its pools in odometer
// order: the rightmost pool varies fastest. Pools are materialized up
// front; production is lazy.
type productIterator struct {
	pools   [][]vm.Value
	idx     []int
	started bool
	cur     vm.Value
}

func newProductIterator(pools [][]vm.Value) *productIterator {
	return &productIterator{pools: pools, idx: make([]int, len(pools))}
}

func (p *productIterator) Next() (bool, error) {
	for _, pool := range p.pools {
		if len(pool) == 0 {
			return false, nil
		}
	}
	if !p.started {
		p.started = true
	} else {
		i := len(p.idx) - 1
		for ; i >= 0; i-- {
			p.idx[i]++
			if p.idx[i] < len(p.pools[i]) {
				break
			}
			p.idx[i] = 0
		}
		if i < 0 {
			return false, nil
		}
	}
	vals := make([]vm.Value, len(p.pools))
	for i, pool := range p.pools {
		vals[i] = pool[p.idx[i]]
	}
	p.cur = vm.NewArray(vals...)
	return true, nil
}

func (p *productIterator) Var1() vm.Value { return p.cur }
func (p *productIterator) Var2() vm.Value { return vm.None }

// permute builds every ordering of length r by recursive selection,
// matching lexicographic order over the input positions.
func permute(src []vm.Value, r int) []vm.Value {
	var out []vm.Value
	used := make([]bool, len(src))
	cur := make([]vm.Value, 0, r)
	var walk func()
	walk = func() {
		if len(cur) == r {
			out = append(out, vm.NewArray(append([]vm.Value(nil), cur...)...))
			return
		}
		for i, v := range src {
			if used[i] {
				continue
			}
			used[i] = true
			cur = append(cur, v)
			walk()
			cur = cur[:len(cur)-1]
			used[i] = false
		}
	}
	if r >= 0 && r <= len(src) {
		walk()
	}
	return out
}

// LazySeq is the value form of a lazy sequence builtin (zip, chain). It is
// one-shot: every consumer shares the same underlying sources.
type LazySeq struct {
	// Name is the builtin that produced the sequence, for display.
	Name string
	It   Iterator
}

func (l *LazySeq) String() string {
	return fmt.Sprintf("<%s>", l.Name)
}

func (l *LazySeq) AsBool() bool    { return true }
func (l *LazySeq) Clone() vm.Value { return l } // identity: consuming state is shared

func (l *LazySeq) Cmp(o vm.Value) (int, bool) {
	if ov, ok := o.(*LazySeq); ok && ov == l {
		return 0, true
	}
	return 0, false
}
