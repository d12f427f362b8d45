// Package cas is a content-addressed artifact store used as the trace
// cache: artifacts are keyed by a farmhash of their serialized form, graphs
// are decomposed node-wise so identical subgraphs share storage, and an
// index maps computed cache keys to stored artifacts.
package cas

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
)

type CAS interface {
	Put(item Hashable) (Hash, error)
	Has(hash Hash) bool
	getReader(hash Hash) (bool, io.Reader, error)

	// Cache index: Link maps a computed key (not an artifact hash) to a
	// stored artifact; Lookup resolves it.
	Link(key Hash, target Hash)
	Lookup(key Hash) (Hash, bool)
}

type Serde interface {
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

type Hashable interface {
	Serde
}

type directStore interface {
	getValue(h Hash) (bool, []byte, error)
}

type Hash uint64

func Retrieve[T Hashable](c CAS, hash Hash) (T, error) {
	var t T
	v, ok := c.(directStore)
	if !ok {
		return t, errors.New("CAS does not support direct retrieval")
	}

	// Artifacts are stored decomposed and must be recomposed node by node.
	var zeroT T
	if reflect.TypeOf(zeroT) == reflect.TypeOf((*TraceArtifact)(nil)) {
		art, err := recomposeArtifact(v, hash)
		if err != nil {
			return t, fmt.Errorf("recomposing artifact: %w", err)
		}
		return any(art).(T), nil
	}

	has, data, err := v.getValue(hash)
	if err != nil {
		return t, err
	}
	if !has {
		return t, fmt.Errorf("hash not found in CAS: %d", hash)
	}

	typedEntry := &TypedEntry{}
	if err := typedEntry.Deserialize(bytes.NewReader(data)); err != nil {
		return t, fmt.Errorf("deserializing TypedEntry: %w", err)
	}

	instance, err := createInstance(typedEntry.TypeTag)
	if err != nil {
		return t, fmt.Errorf("creating instance: %w", err)
	}
	if err := instance.Deserialize(bytes.NewReader(typedEntry.Data)); err != nil {
		return t, fmt.Errorf("deserializing data: %w", err)
	}

	result, ok := instance.(T)
	if !ok {
		return t, fmt.Errorf("type mismatch: expected %T, got %T", t, instance)
	}
	return result, nil
}
