package cas

import (
	"fmt"
	"io"

	"github.com/shamaton/msgpack/v2"

	"github.com/weft-dev/weft/graph"
)

// TraceArtifact is the cacheable product of a pure trace: the recorded
// graph and the node that produced the entry's return value. Replaying a
// cache hit evaluates Root against fresh input bindings.
type TraceArtifact struct {
	Graph *graph.Graph
	Root  int
}

// flatNode is the self-contained wire form of one node; inputs stay as
// in-graph indexes. The decomposed NodeRef form is preferred for storage,
// this one backs direct Serialize/Deserialize.
type flatNode struct {
	Op       string
	Name     string
	ConstTag string
	Const    []byte
	Inputs   []int
}

type flatArtifact struct {
	Nodes []flatNode
	Root  int
}

func (a *TraceArtifact) Serialize(w io.Writer) error {
	flat := flatArtifact{Root: a.Root}
	for _, n := range a.Graph.Nodes {
		fn := flatNode{Op: string(n.Op), Name: n.Name, Inputs: n.Inputs}
		if n.Const != nil {
			tag, data, err := encodeValue(n.Const)
			if err != nil {
				return fmt.Errorf("encoding const of node %d: %w", n.ID, err)
			}
			fn.ConstTag = tag
			fn.Const = data
		}
		flat.Nodes = append(flat.Nodes, fn)
	}
	return msgpack.MarshalWrite(w, &flat)
}

func (a *TraceArtifact) Deserialize(r io.Reader) error {
	var flat flatArtifact
	if err := msgpack.UnmarshalRead(r, &flat); err != nil {
		return err
	}
	g := graph.New()
	ids := make([]int, len(flat.Nodes))
	for i, fn := range flat.Nodes {
		id, err := rebuildNode(g, graph.Op(fn.Op), fn.Name, fn.ConstTag, fn.Const, mapIDs(ids, fn.Inputs))
		if err != nil {
			return fmt.Errorf("rebuilding node %d: %w", i, err)
		}
		ids[i] = id
	}
	if flat.Root < 0 || flat.Root >= len(ids) {
		return fmt.Errorf("artifact root %d out of range", flat.Root)
	}
	a.Graph = g
	a.Root = ids[flat.Root]
	return nil
}

// rebuildNode re-records a stored node into a fresh graph. Interning keeps
// the rebuilt graph canonical even if the stored one carried duplicates.
func rebuildNode(g *graph.Graph, op graph.Op, name, constTag string, constData []byte, inputs []int) (int, error) {
	switch {
	case op == graph.OpPlaceholder:
		return g.Placeholder(name), nil
	case op == graph.OpConst:
		v, err := decodeValue(constTag, constData)
		if err != nil {
			return 0, err
		}
		return g.Constant(v), nil
	case len(inputs) == 1:
		return g.Unary(op, inputs[0]), nil
	case len(inputs) == 2:
		return g.Binary(op, inputs[0], inputs[1]), nil
	}
	return 0, fmt.Errorf("node op %s with %d inputs", op, len(inputs))
}

func mapIDs(ids []int, inputs []int) []int {
	out := make([]int, len(inputs))
	for i, in := range inputs {
		if in >= 0 && in < len(ids) {
			out[i] = ids[in]
		} else {
			out[i] = in
		}
	}
	return out
}
