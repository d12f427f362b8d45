package cas

import (
	"bytes"
	"fmt"

	"github.com/dgryski/go-farm"
	msgpack "github.com/shamaton/msgpack/v2"

	"github.com/weft-dev/weft/graph"
	"github.com/weft-dev/weft/vm"
)

// decomposeArtifact stores every node reachable from the artifact's root as
// its own content-addressed entry and returns the hash of the ArtifactRef.
// Nodes shared with previously stored artifacts land on existing entries.
func decomposeArtifact(c *MemoryCAS, a *TraceArtifact) (Hash, error) {
	if a == nil || a.Graph == nil {
		return 0, fmt.Errorf("cannot decompose a nil artifact")
	}
	memo := make(map[int]Hash)
	rootHash, err := decomposeNode(c, a.Graph, a.Root, memo)
	if err != nil {
		return 0, err
	}
	return putDirect(c, &ArtifactRef{RootHash: rootHash})
}

// decomposeNode recursively stores a node and its inputs; memo keeps shared
// subgraphs from being walked twice.
func decomposeNode(c *MemoryCAS, g *graph.Graph, id int, memo map[int]Hash) (Hash, error) {
	if h, ok := memo[id]; ok {
		return h, nil
	}
	n, ok := g.Node(id)
	if !ok {
		return 0, fmt.Errorf("no node %d to decompose", id)
	}

	ref := &NodeRef{Op: string(n.Op), Name: n.Name}
	for _, in := range n.Inputs {
		h, err := decomposeNode(c, g, in, memo)
		if err != nil {
			return 0, fmt.Errorf("decomposing input of node %d: %w", id, err)
		}
		ref.InputHashes = append(ref.InputHashes, h)
	}
	if n.Const != nil {
		h, err := putValueDirect(c, n.Const)
		if err != nil {
			return 0, fmt.Errorf("decomposing const of node %d: %w", id, err)
		}
		ref.ConstHash = h
	}

	h, err := putDirect(c, ref)
	if err != nil {
		return 0, err
	}
	memo[id] = h
	return h, nil
}

// putDirect stores an item without further decomposition. The hash is
// computed over the item's own bytes, not the typed envelope, so
// structurally equal items share an entry.
func putDirect(c *MemoryCAS, item Hashable) (Hash, error) {
	var buf bytes.Buffer
	if err := item.Serialize(&buf); err != nil {
		return 0, fmt.Errorf("serializing item: %w", err)
	}
	data := buf.Bytes()
	h := Hash(farm.Hash64(data))
	if _, ok := c.data[h]; ok {
		return h, nil
	}

	entry := &TypedEntry{TypeTag: getTypeTag(item), Data: data}
	var entryBuf bytes.Buffer
	if err := entry.Serialize(&entryBuf); err != nil {
		return 0, fmt.Errorf("serializing typed entry: %w", err)
	}
	c.data[h] = entryBuf.Bytes()
	return h, nil
}

// putValueDirect stores a vm.Value payload under its own tag; values don't
// implement Hashable themselves.
func putValueDirect(c *MemoryCAS, v vm.Value) (Hash, error) {
	tag, data, err := encodeValue(v)
	if err != nil {
		return 0, err
	}
	h := Hash(farm.Hash64(data))
	if _, ok := c.data[h]; ok {
		return h, nil
	}

	entry := &TypedEntry{TypeTag: tag, Data: data}
	var entryBuf bytes.Buffer
	if err := entry.Serialize(&entryBuf); err != nil {
		return 0, fmt.Errorf("serializing typed entry: %w", err)
	}
	c.data[h] = entryBuf.Bytes()
	return h, nil
}

// encodeValue serializes a concrete value with the tag decodeValue expects.
// Only the payload types a graph const can carry are supported.
func encodeValue(v vm.Value) (string, []byte, error) {
	var tag string
	switch v.(type) {
	case vm.NoneValue:
		tag = "NoneValue"
	case vm.BoolValue:
		tag = "BoolValue"
	case vm.IntValue:
		tag = "IntValue"
	case vm.FloatValue:
		tag = "FloatValue"
	case vm.StrValue:
		tag = "StrValue"
	case vm.TensorValue:
		tag = "TensorValue"
	default:
		return "", nil, fmt.Errorf("cannot serialize value type %T", v)
	}

	var buf bytes.Buffer
	if err := msgpack.MarshalWrite(&buf, v); err != nil {
		return "", nil, fmt.Errorf("serializing value: %w", err)
	}
	return tag, buf.Bytes(), nil
}
