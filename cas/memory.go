package cas

import (
	"io"
	"sync"
)

type MemoryCAS struct {
	mu    sync.RWMutex
	data  map[Hash][]byte
	index map[Hash]Hash
}

func NewMemoryCAS() *MemoryCAS {
	return &MemoryCAS{
		data:  make(map[Hash][]byte),
		index: make(map[Hash]Hash),
	}
}

func (m *MemoryCAS) getValue(h Hash) (bool, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[h]
	if !ok {
		return false, nil, nil
	}
	return true, v, nil
}

func (m *MemoryCAS) getReader(h Hash) (bool, io.Reader, error) {
	return false, nil, nil
}

func (m *MemoryCAS) Has(hash Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[hash]
	return ok
}

func (m *MemoryCAS) Put(item Hashable) (Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Artifacts decompose into nested node references for structural
	// sharing across traces.
	if art, ok := item.(*TraceArtifact); ok {
		return decomposeArtifact(m, art)
	}
	return putDirect(m, item)
}

// Link maps a computed cache key to a stored artifact hash.
func (m *MemoryCAS) Link(key Hash, target Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[key] = target
}

// Lookup resolves a cache key recorded with Link.
func (m *MemoryCAS) Lookup(key Hash) (Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.index[key]
	return h, ok
}
