// Package graph holds the node store a tracing session records arithmetic
// into, plus the eager backend that evaluates a recorded graph against
// concrete inputs. The interpreter never imports this package; it only moves
// vm.SymValue references around, and the session maps those to node ids here.
package graph

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/weft-dev/weft/vm"
)

// Op identifies a node's operation.
type Op string

const (
	OpPlaceholder Op = "placeholder"
	OpConst       Op = "const"
	OpAdd         Op = "add"
	OpSub         Op = "sub"
	OpMul         Op = "mul"
	OpDiv         Op = "div"
	OpMod         Op = "mod"
	OpFloorDiv    Op = "floordiv"
	OpPow         Op = "pow"
	OpSin         Op = "sin"
	OpCos         Op = "cos"
	OpTan         Op = "tan"
	OpNeg         Op = "neg"
)

// FromOpcode maps an arithmetic opcode to its graph op.
func FromOpcode(code vm.Opcode) (Op, bool) {
	switch code {
	case vm.ADD:
		return OpAdd, true
	case vm.SUBTRACT:
		return OpSub, true
	case vm.MULTIPLY:
		return OpMul, true
	case vm.DIVIDE:
		return OpDiv, true
	case vm.MODULO:
		return OpMod, true
	case vm.FLOOR_DIVIDE:
		return OpFloorDiv, true
	case vm.POWER:
		return OpPow, true
	}
	return "", false
}

func (o Op) opcode() (vm.Opcode, bool) {
	switch o {
	case OpAdd:
		return vm.ADD, true
	case OpSub:
		return vm.SUBTRACT, true
	case OpMul:
		return vm.MULTIPLY, true
	case OpDiv:
		return vm.DIVIDE, true
	case OpMod:
		return vm.MODULO, true
	case OpFloorDiv:
		return vm.FLOOR_DIVIDE, true
	case OpPow:
		return vm.POWER, true
	}
	return 0, false
}

// unary reports whether the op is a one-input math function.
func (o Op) unary() bool {
	switch o {
	case OpSin, OpCos, OpTan, OpNeg:
		return true
	}
	return false
}

// Node is one recorded operation. Name labels placeholders; Const carries
// literal payloads; Inputs index earlier nodes.
type Node struct {
	ID     int
	Op     Op
	Inputs []int
	Name   string
	Const  vm.Value
}

// Graph is an append-only node store. Identical operations are interned, so
// recording the same computation twice yields the same node id.
type Graph struct {
	Nodes []Node

	memo map[string]int
}

func New() *Graph {
	return &Graph{memo: map[string]int{}}
}

func (g *Graph) intern(key string, n Node) int {
	if id, ok := g.memo[key]; ok {
		return id
	}
	n.ID = len(g.Nodes)
	g.Nodes = append(g.Nodes, n)
	g.memo[key] = n.ID
	log.Trace().Int("id", n.ID).Str("op", string(n.Op)).Ints("inputs", n.Inputs).Msg("graph: recorded node")
	return n.ID
}

// Placeholder records (or finds) the input node for the given name.
func (g *Graph) Placeholder(name string) int {
	return g.intern("placeholder/"+name, Node{Op: OpPlaceholder, Name: name})
}

// Constant records a literal operand.
func (g *Graph) Constant(v vm.Value) int {
	return g.intern("const/"+vm.FormatValue(v), Node{Op: OpConst, Const: v})
}

// Binary records a two-input arithmetic node.
func (g *Graph) Binary(op Op, a, b int) int {
	return g.intern(fmt.Sprintf("%s/%d/%d", op, a, b), Node{Op: op, Inputs: []int{a, b}})
}

// Unary records a one-input math node.
func (g *Graph) Unary(op Op, a int) int {
	return g.intern(fmt.Sprintf("%s/%d", op, a), Node{Op: op, Inputs: []int{a}})
}

// Node fetches a recorded node by id.
func (g *Graph) Node(id int) (Node, bool) {
	if id < 0 || id >= len(g.Nodes) {
		return Node{}, false
	}
	return g.Nodes[id], true
}

func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Nodes)
}

// Eval computes a node against concrete placeholder bindings, memoizing
// shared subgraphs along the way.
func (g *Graph) Eval(id int, binds map[string]vm.Value) (vm.Value, error) {
	cache := make([]vm.Value, len(g.Nodes))
	return g.eval(id, binds, cache)
}

func (g *Graph) eval(id int, binds map[string]vm.Value, cache []vm.Value) (vm.Value, error) {
	if id < 0 || id >= len(g.Nodes) {
		return nil, fmt.Errorf("No node %d in a graph of %d nodes", id, len(g.Nodes))
	}
	if cache[id] != nil {
		return cache[id], nil
	}
	n := g.Nodes[id]
	var v vm.Value
	switch {
	case n.Op == OpPlaceholder:
		b, ok := binds[n.Name]
		if !ok {
			return nil, fmt.Errorf("No binding for placeholder %s", n.Name)
		}
		v = b
	case n.Op == OpConst:
		v = n.Const
	case n.Op.unary():
		in, err := g.eval(n.Inputs[0], binds, cache)
		if err != nil {
			return nil, err
		}
		t, ok := in.(vm.TensorValue)
		if !ok {
			return nil, fmt.Errorf("%s input must evaluate to a tensor, got %T", n.Op, in)
		}
		out, err := vm.TensorUnary(string(n.Op), t)
		if err != nil {
			return nil, err
		}
		v = out
	default:
		code, ok := n.Op.opcode()
		if !ok {
			return nil, fmt.Errorf("Cannot evaluate op %s", n.Op)
		}
		a, err := g.eval(n.Inputs[0], binds, cache)
		if err != nil {
			return nil, err
		}
		b, err := g.eval(n.Inputs[1], binds, cache)
		if err != nil {
			return nil, err
		}
		v, err = vm.TensorBinary(code, a, b)
		if err != nil {
			return nil, err
		}
	}
	cache[id] = v
	return v, nil
}

// Render lists the graph in id order, one node per line, for tests and the
// CLI. The listing is deterministic for a given recording order.
func (g *Graph) Render() string {
	var b strings.Builder
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "%%%d = %s", n.ID, n.Op)
		switch n.Op {
		case OpPlaceholder:
			fmt.Fprintf(&b, " %s", n.Name)
		case OpConst:
			fmt.Fprintf(&b, " %s", vm.FormatValue(n.Const))
		default:
			for i, in := range n.Inputs {
				if i > 0 {
					b.WriteString(",")
				}
				fmt.Fprintf(&b, " %%%d", in)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
