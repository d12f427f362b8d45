package cas

import (
	"io"

	"github.com/shamaton/msgpack/v2"
)

// ArtifactRef is the stored top-level form of a TraceArtifact: everything
// below it hangs off the root node's content hash.
type ArtifactRef struct {
	RootHash Hash
}

func (a *ArtifactRef) Serialize(w io.Writer) error {
	return msgpack.MarshalWrite(w, a)
}

func (a *ArtifactRef) Deserialize(r io.Reader) error {
	return msgpack.UnmarshalRead(r, a)
}

// NodeRef is the stored form of one graph node. Inputs are content hashes
// rather than graph indexes, so identical subgraphs hash identically and
// share storage across artifacts.
type NodeRef struct {
	Op          string
	Name        string // placeholder label, empty otherwise
	ConstHash   Hash   // payload reference for const nodes, 0 otherwise
	InputHashes []Hash
}

func (n *NodeRef) Serialize(w io.Writer) error {
	return msgpack.MarshalWrite(w, n)
}

func (n *NodeRef) Deserialize(r io.Reader) error {
	return msgpack.UnmarshalRead(r, n)
}
