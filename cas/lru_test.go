package cas

import (
	"testing"

	"github.com/weft-dev/weft/vm"
)

func TestLRUCache_BasicOperation(t *testing.T) {
	underlying := NewMemoryCAS()
	cache := NewLRUCache(underlying, 3) // Small cache for testing

	// Store a few distinct artifacts
	hash1, err := cache.Put(buildAffine(1))
	if err != nil {
		t.Fatalf("Failed to put artifact 1: %v", err)
	}
	hash2, err := cache.Put(buildAffine(2))
	if err != nil {
		t.Fatalf("Failed to put artifact 2: %v", err)
	}
	hash3, err := cache.Put(buildAffine(3))
	if err != nil {
		t.Fatalf("Failed to put artifact 3: %v", err)
	}

	// Retrieve the first one; this should populate the cache
	retrieved1, err := Retrieve[*TraceArtifact](cache, hash1)
	if err != nil {
		t.Fatalf("Failed to retrieve artifact 1: %v", err)
	}
	binds := map[string]vm.Value{"x": vm.NewTensor(5)}
	v, err := retrieved1.Graph.Eval(retrieved1.Root, binds)
	if err != nil {
		t.Fatalf("Failed to evaluate retrieved artifact: %v", err)
	}
	if tv, ok := v.(vm.TensorValue); !ok || !vm.Allclose(tv, vm.NewTensor(11)) {
		t.Errorf("Retrieved artifact evaluates wrong: got %v, want [11]", v)
	}

	// Cache should have entries now (refs and const payloads)
	stats := cache.Stats()
	if stats.Size == 0 {
		t.Errorf("Cache should have entries, got %d", stats.Size)
	}

	// Retrieve the others
	if _, err = Retrieve[*TraceArtifact](cache, hash2); err != nil {
		t.Fatalf("Failed to retrieve artifact 2: %v", err)
	}
	if _, err = Retrieve[*TraceArtifact](cache, hash3); err != nil {
		t.Fatalf("Failed to retrieve artifact 3: %v", err)
	}

	// Cache should not exceed max size
	stats = cache.Stats()
	if stats.Size > stats.MaxSize {
		t.Errorf("Cache size %d exceeds max size %d", stats.Size, stats.MaxSize)
	}

	// One more put and retrieve; evictions should keep the size bounded
	hash4, err := cache.Put(buildAffine(4))
	if err != nil {
		t.Fatalf("Failed to put artifact 4: %v", err)
	}
	if _, err = Retrieve[*TraceArtifact](cache, hash4); err != nil {
		t.Fatalf("Failed to retrieve artifact 4: %v", err)
	}

	stats = cache.Stats()
	if stats.Size > stats.MaxSize {
		t.Errorf("Cache size %d exceeds max size %d after eviction", stats.Size, stats.MaxSize)
	}
}

func TestLRUCache_Has(t *testing.T) {
	underlying := NewMemoryCAS()
	cache := NewLRUCache(underlying, 10)

	hash, err := cache.Put(buildAffine(9))
	if err != nil {
		t.Fatalf("Failed to put artifact: %v", err)
	}

	if !cache.Has(hash) {
		t.Errorf("Cache should report hash exists")
	}

	if cache.Has(Hash(99999)) {
		t.Errorf("Cache should report non-existent hash doesn't exist")
	}
}

func TestLRUCache_LinkLookup(t *testing.T) {
	underlying := NewMemoryCAS()
	cache := NewLRUCache(underlying, 10)

	hash, err := cache.Put(buildAffine(2))
	if err != nil {
		t.Fatalf("Failed to put artifact: %v", err)
	}

	key := Hash(777)
	cache.Link(key, hash)

	// The index lives on the underlying store, visible through the cache
	// and directly.
	got, ok := cache.Lookup(key)
	if !ok || got != hash {
		t.Errorf("Lookup through cache: got (%v, %v), want (%v, true)", got, ok, hash)
	}
	got, ok = underlying.Lookup(key)
	if !ok || got != hash {
		t.Errorf("Lookup on underlying store: got (%v, %v), want (%v, true)", got, ok, hash)
	}
}
