// Package graph parses enclave/partition declarations into a validated Plan:
// a dependency graph plus a deterministic topological order, or rejects them
// with a structured, fully-accumulated error set. See the graph validator
// component design for the checks it performs.
package graph

import (
	"sort"

	"github.com/nclav/nclav/internal/domain"
)

// NodeKind distinguishes an enclave node from a partition node in the graph.
type NodeKind int

// Node kinds.
const (
	NodeEnclave NodeKind = iota
	NodePartition
)

// NodeID identifies one node of the (enclave, partition) dependency graph.
type NodeID struct {
	Kind        NodeKind
	EnclaveID   string
	PartitionID string
}

// String renders a NodeID the way the diff-printing convention and audit
// events reference resources.
func (n NodeID) String() string {
	if n.Kind == NodeEnclave {
		return n.EnclaveID
	}
	return n.EnclaveID + "/" + n.PartitionID
}

// Less orders NodeIDs by (enclave_id, partition_id) lexicographically, the
// tie-break rule the topological sort uses among nodes of equal depth.
func (n NodeID) Less(o NodeID) bool {
	if n.EnclaveID != o.EnclaveID {
		return n.EnclaveID < o.EnclaveID
	}
	return n.PartitionID < o.PartitionID
}

func enclaveNode(id string) NodeID { return NodeID{Kind: NodeEnclave, EnclaveID: id} }
func partitionNode(enclaveID, partitionID string) NodeID {
	return NodeID{Kind: NodePartition, EnclaveID: enclaveID, PartitionID: partitionID}
}

// ImportEdge identifies one import declaration: which scope it belongs to
// (an enclave or one of its partitions) and its alias within that scope.
type ImportEdge struct {
	Scope NodeID
	Alias string
}

// ResolvedExport is the export an import was resolved against.
type ResolvedExport struct {
	SourceEnclaveID string
	Export          domain.Export
}

// Plan is the output of a successful validation: declarations interned by
// id, the dependency graph, a deterministic topological order, and every
// import edge pre-resolved to its source export.
type Plan struct {
	Enclaves   map[string]domain.EnclaveDecl
	Partitions map[NodeID]domain.PartitionDecl

	// adjacency maps a node to the set of nodes it depends on (must be
	// applied before it).
	adjacency map[NodeID]map[NodeID]bool

	Order []NodeID

	Imports map[ImportEdge]ResolvedExport
}

// Dependencies returns the immediate dependencies of a node, sorted for
// deterministic iteration.
func (p *Plan) Dependencies(n NodeID) []NodeID {
	deps := p.adjacency[n]
	out := make([]NodeID, 0, len(deps))
	for d := range deps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// PartitionsOf returns the NodeIDs of every partition owned by an enclave,
// in lexicographic order.
func (p *Plan) PartitionsOf(enclaveID string) []NodeID {
	var out []NodeID
	for n := range p.Partitions {
		if n.EnclaveID == enclaveID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// EnclaveOrder returns Order filtered down to just the enclave nodes, in the
// same relative order.
func (p *Plan) EnclaveOrder() []string {
	var out []string
	for _, n := range p.Order {
		if n.Kind == NodeEnclave {
			out = append(out, n.EnclaveID)
		}
	}
	return out
}
