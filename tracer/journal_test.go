package tracer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/vm"
)

func TestJournalShadowsWrites(t *testing.T) {
	c := vm.NewCell("count", vm.IntValue(0))
	j := NewJournal()

	_, ok := j.Read(c)
	require.False(t, ok, "unwritten cell has no shadow")

	j.Record(c, c.Get(), vm.IntValue(1))
	v, ok := j.Read(c)
	require.True(t, ok)
	require.Equal(t, vm.IntValue(1), v)
	require.Equal(t, vm.IntValue(0), c.Get(), "real cell untouched before commit")

	j.Record(c, v, vm.IntValue(2))
	v, _ = j.Read(c)
	require.Equal(t, vm.IntValue(2), v)
	require.Equal(t, vm.IntValue(0), c.Get())
	require.Equal(t, 2, j.Len())
}

func TestJournalPriorComesFromShadow(t *testing.T) {
	c := vm.NewCell("acc", vm.IntValue(0))
	j := NewJournal()

	j.Record(c, c.Get(), vm.IntValue(5))
	// A caller reading the real cell would pass a stale prior here; the
	// journal corrects it from the shadow.
	j.Record(c, c.Get(), vm.IntValue(7))

	entries := j.Commit(nil)
	require.Len(t, entries, 2)
	require.Equal(t, vm.IntValue(0), entries[0].Prior)
	require.Equal(t, vm.IntValue(5), entries[1].Prior)
	require.Equal(t, vm.IntValue(7), entries[1].Next)
}

func TestJournalCommitAppliesInOrder(t *testing.T) {
	a := vm.NewCell("a", vm.IntValue(0))
	b := vm.NewCell("b", vm.StrValue("start"))
	j := NewJournal()

	j.Record(a, a.Get(), vm.IntValue(1))
	j.Record(b, b.Get(), vm.StrValue("mid"))
	j.Record(a, vm.IntValue(1), vm.IntValue(2))

	require.False(t, j.Committed())
	entries := j.Commit(nil)
	require.True(t, j.Committed())
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, i, e.Ordinal)
	}
	require.Equal(t, "a", entries[0].Name)
	require.Equal(t, vm.IntValue(2), a.Get())
	require.Equal(t, vm.StrValue("mid"), b.Get())

	// A second commit must not reapply anything.
	a.Set(vm.IntValue(99))
	require.Nil(t, j.Commit(nil))
	require.Equal(t, vm.IntValue(99), a.Get())
}

func TestJournalCommitResolvesValues(t *testing.T) {
	c := vm.NewCell("resolved", vm.StrValue("placeholder"))
	j := NewJournal()
	j.Record(c, c.Get(), vm.StrValue("placeholder"))

	entries := j.Commit(func(v vm.Value) vm.Value {
		if s, ok := v.(vm.StrValue); ok && s == "placeholder" {
			return vm.IntValue(9)
		}
		return v
	})
	require.Len(t, entries, 1)
	require.Equal(t, vm.IntValue(9), entries[0].Prior)
	require.Equal(t, vm.IntValue(9), entries[0].Next)
	require.Equal(t, vm.IntValue(9), c.Get(), "nothing unresolved lands on the cell")
}

func TestJournalPendingValues(t *testing.T) {
	a := vm.NewCell("a", vm.IntValue(0))
	b := vm.NewCell("b", vm.IntValue(0))
	j := NewJournal()

	j.Record(a, a.Get(), vm.IntValue(1))
	j.Record(a, vm.IntValue(1), vm.IntValue(2))
	j.Record(b, b.Get(), vm.IntValue(3))

	pending := j.PendingValues()
	require.Len(t, pending, 2, "one shadow per cell, latest write wins")
	require.ElementsMatch(t, []vm.Value{vm.IntValue(2), vm.IntValue(3)}, pending)
}
