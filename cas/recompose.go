package cas

import (
	"bytes"
	"fmt"

	msgpack "github.com/shamaton/msgpack/v2"

	"github.com/weft-dev/weft/graph"
	"github.com/weft-dev/weft/vm"
)

// recomposeArtifact rebuilds a decomposed artifact from its ArtifactRef hash.
// Nodes are re-recorded through the graph's interning, so the result is as
// canonical as a freshly traced graph.
func recomposeArtifact(store directStore, hash Hash) (*TraceArtifact, error) {
	ref, err := getDirect[*ArtifactRef](store, hash)
	if err != nil {
		return nil, fmt.Errorf("retrieving ArtifactRef: %w", err)
	}

	g := graph.New()
	memo := make(map[Hash]int)
	root, err := recomposeNode(store, ref.RootHash, g, memo)
	if err != nil {
		return nil, err
	}
	return &TraceArtifact{Graph: g, Root: root}, nil
}

// recomposeNode rebuilds one node and everything below it. memo maps stored
// hashes to rebuilt ids so shared subgraphs recompose once.
func recomposeNode(store directStore, h Hash, g *graph.Graph, memo map[Hash]int) (int, error) {
	if id, ok := memo[h]; ok {
		return id, nil
	}
	ref, err := getDirect[*NodeRef](store, h)
	if err != nil {
		return 0, fmt.Errorf("retrieving NodeRef: %w", err)
	}

	inputs := make([]int, 0, len(ref.InputHashes))
	for _, ih := range ref.InputHashes {
		id, err := recomposeNode(store, ih, g, memo)
		if err != nil {
			return 0, err
		}
		inputs = append(inputs, id)
	}

	var constTag string
	var constData []byte
	if ref.ConstHash != 0 {
		constTag, constData, err = getValueBytes(store, ref.ConstHash)
		if err != nil {
			return 0, fmt.Errorf("retrieving const payload: %w", err)
		}
	}

	id, err := rebuildNode(g, graph.Op(ref.Op), ref.Name, constTag, constData, inputs)
	if err != nil {
		return 0, err
	}
	memo[h] = id
	return id, nil
}

// getDirect retrieves an entry from the store and deserializes it to type T.
func getDirect[T Hashable](store directStore, hash Hash) (T, error) {
	var zero T
	entry, err := getEntry(store, hash)
	if err != nil {
		return zero, err
	}

	instance, err := createInstance(entry.TypeTag)
	if err != nil {
		return zero, fmt.Errorf("creating instance: %w", err)
	}
	if err := instance.Deserialize(bytes.NewReader(entry.Data)); err != nil {
		return zero, fmt.Errorf("deserializing %s: %w", entry.TypeTag, err)
	}

	result, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("type mismatch: expected %T, got %T", zero, instance)
	}
	return result, nil
}

// getValueBytes retrieves a stored value payload's tag and raw bytes.
func getValueBytes(store directStore, hash Hash) (string, []byte, error) {
	entry, err := getEntry(store, hash)
	if err != nil {
		return "", nil, err
	}
	return entry.TypeTag, entry.Data, nil
}

func getEntry(store directStore, hash Hash) (*TypedEntry, error) {
	has, data, err := store.getValue(hash)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("hash not found in store: %d", hash)
	}

	entry := &TypedEntry{}
	if err := entry.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("deserializing TypedEntry: %w", err)
	}
	return entry, nil
}

// recomposeValue reconstructs a stored value payload.
func recomposeValue(store directStore, hash Hash) (vm.Value, error) {
	tag, data, err := getValueBytes(store, hash)
	if err != nil {
		return nil, err
	}
	return decodeValue(tag, data)
}

// decodeValue deserializes a payload written by encodeValue.
func decodeValue(tag string, data []byte) (vm.Value, error) {
	buf := bytes.NewReader(data)
	switch tag {
	case "NoneValue":
		return vm.None, nil
	case "BoolValue":
		var v vm.BoolValue
		err := msgpack.UnmarshalRead(buf, &v)
		return v, err
	case "IntValue":
		var v vm.IntValue
		err := msgpack.UnmarshalRead(buf, &v)
		return v, err
	case "FloatValue":
		var v vm.FloatValue
		err := msgpack.UnmarshalRead(buf, &v)
		return v, err
	case "StrValue":
		var v vm.StrValue
		err := msgpack.UnmarshalRead(buf, &v)
		return v, err
	case "TensorValue":
		var v vm.TensorValue
		err := msgpack.UnmarshalRead(buf, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown value type tag: %s", tag)
	}
}
