package tracer

import (
	"github.com/weft-dev/weft/vm"
)

// Entry is one recorded write to captured state: which cell, what the
// guest observed before the write, and what it wrote.
type Entry struct {
	Cell    *vm.Cell
	Name    string
	Prior   vm.Value
	Next    vm.Value
	Ordinal int
}

// Journal buffers cell writes made under trace. Reads are answered from
// the shadow so the guest sees its own writes, while the real cells stay
// untouched until Commit applies the entries in recording order. Commit
// runs at most once per trace, whether it completes or falls back, so
// repeating a trace never double-applies its effects.
type Journal struct {
	entries   []Entry
	shadow    map[*vm.Cell]vm.Value
	committed bool
}

func NewJournal() *Journal {
	return &Journal{shadow: map[*vm.Cell]vm.Value{}}
}

// Read returns the shadowed value for a cell written earlier in this
// trace.
func (j *Journal) Read(c *vm.Cell) (vm.Value, bool) {
	v, ok := j.shadow[c]
	return v, ok
}

// Record appends a write. prior is what the guest observed before it:
// the shadow when the cell was already written under this trace, the
// real cell value otherwise.
func (j *Journal) Record(c *vm.Cell, prior, next vm.Value) {
	if sh, ok := j.shadow[c]; ok {
		prior = sh
	}
	j.entries = append(j.entries, Entry{
		Cell:    c,
		Name:    c.Name,
		Prior:   prior,
		Next:    next,
		Ordinal: len(j.entries),
	})
	j.shadow[c] = next
}

func (j *Journal) Len() int { return len(j.entries) }

func (j *Journal) Committed() bool { return j.committed }

// PendingValues lists the values currently shadowed, for escape analysis
// before the commit lands them on real cells.
func (j *Journal) PendingValues() []vm.Value {
	out := make([]vm.Value, 0, len(j.shadow))
	for _, v := range j.shadow {
		out = append(out, v)
	}
	return out
}

// Commit applies the buffered writes to their cells in recording order
// and returns the entries. resolve, when non-nil, maps each value to its
// concrete form first, so nothing symbolic lands on a real cell. A
// second call is a no-op.
func (j *Journal) Commit(resolve func(vm.Value) vm.Value) []Entry {
	if j.committed {
		return nil
	}
	j.committed = true
	for i := range j.entries {
		if resolve != nil {
			j.entries[i].Prior = resolve(j.entries[i].Prior)
			j.entries[i].Next = resolve(j.entries[i].Next)
		}
		j.entries[i].Cell.Set(j.entries[i].Next)
	}
	out := j.entries
	j.entries = nil
	j.shadow = nil
	return out
}
