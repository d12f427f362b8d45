package interp

import (
	"testing"

	"github.com/weft-dev/weft/vm"
)

func mustNext(t *testing.T, it Iterator) bool {
	t.Helper()
	ok, err := it.Next()
	if err != nil {
		t.Fatalf("Unexpected iterator error: %v", err)
	}
	return ok
}

func TestSliceIterator(t *testing.T) {
	values := []vm.Value{
		vm.IntValue(1),
		vm.IntValue(2),
		vm.IntValue(3),
	}

	iter := &SliceIterator{
		Values: values,
		Index:  -1,
	}

	// Test initial state
	if iter.Index != -1 {
		t.Errorf("Expected initial index -1, got %d", iter.Index)
	}

	for i := 1; i <= 3; i++ {
		if !mustNext(t, iter) {
			t.Fatalf("Expected Next() %d to return true", i)
		}
		if iter.Var1() != vm.IntValue(i) {
			t.Errorf("Expected Var1() = %d, got %v", i, iter.Var1())
		}
	}

	// Should be exhausted
	if mustNext(t, iter) {
		t.Error("Expected Next() to return false after exhausting iterator")
	}
}

func TestDictIteratorSortedOrder(t *testing.T) {
	d := vm.StructValue{
		"beta":  vm.IntValue(2),
		"alpha": vm.IntValue(1),
		"gamma": vm.IntValue(3),
	}

	it, exc := iteratorFor(d, 2)
	if exc != nil {
		t.Fatalf("Unexpected exception: %v", exc)
	}

	var keys []string
	var vals []int
	for mustNext(t, it) {
		keys = append(keys, string(it.Var1().(vm.StrValue)))
		vals = append(vals, int(it.Var2().(vm.IntValue)))
	}

	wantKeys := []string{"alpha", "beta", "gamma"}
	wantVals := []int{1, 2, 3}
	if len(keys) != len(wantKeys) {
		t.Fatalf("Expected %d entries, got %d", len(wantKeys), len(keys))
	}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Errorf("Expected key %q at %d, got %q", wantKeys[i], i, keys[i])
		}
		if vals[i] != wantVals[i] {
			t.Errorf("Expected value %d at %d, got %d", wantVals[i], i, vals[i])
		}
	}
}

func TestNotIterable(t *testing.T) {
	_, exc := iteratorFor(vm.IntValue(7), 1)
	if exc == nil {
		t.Fatal("Expected an exception for a non-iterable value")
	}
	if exc.Kind != KindTypeError {
		t.Errorf("Expected TypeError, got %s", exc.Kind)
	}
}

func TestUnpackIterator(t *testing.T) {
	pairs := vm.NewArray(
		vm.NewArray(vm.IntValue(1), vm.StrValue("a")),
		vm.NewArray(vm.IntValue(2), vm.StrValue("b")),
	)

	it, exc := iteratorFor(pairs, 2)
	if exc != nil {
		t.Fatalf("Unexpected exception: %v", exc)
	}

	if !mustNext(t, it) {
		t.Fatal("Expected first Next() to return true")
	}
	if it.Var1() != vm.IntValue(1) || it.Var2() != vm.StrValue("a") {
		t.Errorf("Expected (1, a), got (%v, %v)", it.Var1(), it.Var2())
	}
	if !mustNext(t, it) {
		t.Fatal("Expected second Next() to return true")
	}
	if it.Var1() != vm.IntValue(2) || it.Var2() != vm.StrValue("b") {
		t.Errorf("Expected (2, b), got (%v, %v)", it.Var1(), it.Var2())
	}
	if mustNext(t, it) {
		t.Error("Expected iterator to be exhausted")
	}
}

func TestUnpackIteratorNonPair(t *testing.T) {
	it, exc := iteratorFor(vm.NewArray(vm.IntValue(1)), 2)
	if exc != nil {
		t.Fatalf("Unexpected exception: %v", exc)
	}
	_, err := it.Next()
	if err == nil {
		t.Fatal("Expected an error unpacking a non-pair")
	}
	e, ok := AsExc(err)
	if !ok {
		t.Fatalf("Expected a guest exception, got %v", err)
	}
	if e.Kind != KindTypeError {
		t.Errorf("Expected TypeError, got %s", e.Kind)
	}

	it, exc = iteratorFor(vm.NewArray(vm.NewArray(vm.IntValue(1), vm.IntValue(2), vm.IntValue(3))), 2)
	if exc != nil {
		t.Fatalf("Unexpected exception: %v", exc)
	}
	_, err = it.Next()
	e, ok = AsExc(err)
	if !ok {
		t.Fatalf("Expected a guest exception, got %v", err)
	}
	if e.Kind != KindValueError {
		t.Errorf("Expected ValueError, got %s", e.Kind)
	}
}

func TestZipStopsAtShortest(t *testing.T) {
	a := &SliceIterator{Values: []vm.Value{vm.IntValue(1), vm.IntValue(2)}, Index: -1}
	b := &SliceIterator{Values: []vm.Value{vm.StrValue("x"), vm.StrValue("y"), vm.StrValue("z")}, Index: -1}
	z := &zipIterator{sources: []Iterator{a, b}}

	count := 0
	for mustNext(t, z) {
		count++
		pair := z.Var1().(*vm.ArrayValue)
		if len(pair.Values) != 2 {
			t.Fatalf("Expected a pair, got %d values", len(pair.Values))
		}
	}
	if count != 2 {
		t.Errorf("Expected 2 pairs, got %d", count)
	}
}

func TestZipLeavesLaterSourcesUntouched(t *testing.T) {
	a := &SliceIterator{Values: []vm.Value{vm.IntValue(1)}, Index: -1}
	b := &SliceIterator{Values: []vm.Value{vm.IntValue(10), vm.IntValue(20)}, Index: -1}
	z := &zipIterator{sources: []Iterator{a, b}}

	if !mustNext(t, z) {
		t.Fatal("Expected one pair")
	}
	if mustNext(t, z) {
		t.Fatal("Expected exhaustion after the short source ran out")
	}
	// The final pull stopped at the first source; the second still holds
	// its next element.
	if b.Index != 0 {
		t.Errorf("Expected the later source untouched at index 0, got %d", b.Index)
	}
}

func TestChainIterator(t *testing.T) {
	a := &SliceIterator{Values: []vm.Value{vm.IntValue(1), vm.IntValue(2)}, Index: -1}
	b := &SliceIterator{Values: []vm.Value{}, Index: -1}
	c := &SliceIterator{Values: []vm.Value{vm.IntValue(3)}, Index: -1}
	ch := &chainIterator{sources: []Iterator{a, b, c}}

	var got []int
	for mustNext(t, ch) {
		got = append(got, int(ch.Var1().(vm.IntValue)))
	}
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %d at %d, got %d", want[i], i, got[i])
		}
	}
}

func TestProductIterator(t *testing.T) {
	pools := [][]vm.Value{
		{vm.IntValue(1), vm.IntValue(2)},
		{vm.StrValue("a"), vm.StrValue("b")},
	}
	p := newProductIterator(pools)

	var got [][2]string
	for mustNext(t, p) {
		pair := p.Var1().(*vm.ArrayValue)
		got = append(got, [2]string{
			vm.FormatValue(pair.Values[0]),
			vm.FormatValue(pair.Values[1]),
		})
	}
	// Rightmost pool varies fastest.
	want := [][2]string{
		{"1", `"a"`}, {"1", `"b"`},
		{"2", `"a"`}, {"2", `"b"`},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d tuples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v at %d, got %v", want[i], i, got[i])
		}
	}
}

func TestProductEmptyPool(t *testing.T) {
	pools := [][]vm.Value{
		{vm.IntValue(1), vm.IntValue(2)},
		{},
	}
	p := newProductIterator(pools)
	if mustNext(t, p) {
		t.Error("Expected an empty product when any pool is empty")
	}
}

func TestPermute(t *testing.T) {
	src := []vm.Value{vm.IntValue(1), vm.IntValue(2), vm.IntValue(3)}

	perms := permute(src, 3)
	if len(perms) != 6 {
		t.Fatalf("Expected 6 permutations, got %d", len(perms))
	}
	first := perms[0].(*vm.ArrayValue)
	for i, want := range []int{1, 2, 3} {
		if first.Values[i] != vm.IntValue(want) {
			t.Errorf("Expected first permutation [1, 2, 3], got %v at %d", first.Values[i], i)
		}
	}

	pairs := permute(src, 2)
	if len(pairs) != 6 {
		t.Errorf("Expected 6 ordered pairs, got %d", len(pairs))
	}

	if got := permute(src, 5); got != nil {
		t.Errorf("Expected no permutations for r > n, got %d", len(got))
	}
}
