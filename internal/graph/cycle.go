package graph

import "sort"

type dfsColor int

const (
	white dfsColor = iota
	gray
	black
)

// detectCycles runs a depth-first search over adjacency (node -> its
// dependencies) and returns every cycle found, each as its member-node set.
// Nodes are visited in a deterministic order so that, for a fixed input,
// the reported cycles and their member ordering are stable across runs.
func detectCycles(adjacency map[NodeID]map[NodeID]bool) [][]NodeID {
	nodes := sortedNodes(adjacency)
	color := map[NodeID]dfsColor{}
	var stack []NodeID
	var cycles [][]NodeID
	seenCycle := map[string]bool{}

	var visit func(n NodeID)
	visit = func(n NodeID) {
		color[n] = gray
		stack = append(stack, n)

		deps := sortedNeighbors(adjacency[n])
		for _, d := range deps {
			switch color[d] {
			case white:
				visit(d)
			case gray:
				// Found a back-edge: extract the cycle from the stack.
				idx := indexOf(stack, d)
				cycle := append([]NodeID{}, stack[idx:]...)
				key := cycleKey(cycle)
				if !seenCycle[key] {
					seenCycle[key] = true
					cycles = append(cycles, cycle)
				}
			case black:
				// Already fully explored; no cycle through this edge.
			}
		}

		stack = stack[:len(stack)-1]
		color[n] = black
	}

	for _, n := range nodes {
		if color[n] == white {
			visit(n)
		}
	}

	return cycles
}

func indexOf(stack []NodeID, n NodeID) int {
	for i, s := range stack {
		if s == n {
			return i
		}
	}
	return 0
}

func cycleKey(cycle []NodeID) string {
	members := make([]string, 0, len(cycle))
	for _, n := range cycle {
		members = append(members, n.String())
	}
	sort.Strings(members)
	key := ""
	for _, m := range members {
		key += m + ","
	}
	return key
}

func sortedNodes(adjacency map[NodeID]map[NodeID]bool) []NodeID {
	out := make([]NodeID, 0, len(adjacency))
	for n := range adjacency {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func sortedNeighbors(m map[NodeID]bool) []NodeID {
	out := make([]NodeID, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// topoSort computes a deterministic topological order over adjacency (node
// -> its dependencies): among nodes of equal depth, ties are broken by
// (enclave_id, partition_id) lexicographic order, per the spec's rationale
// that this matters for replay and diffing logs. Assumes the graph is
// acyclic; callers must run detectCycles first.
func topoSort(adjacency map[NodeID]map[NodeID]bool) []NodeID {
	depth := map[NodeID]int{}
	nodes := sortedNodes(adjacency)

	var computeDepth func(n NodeID, visiting map[NodeID]bool) int
	computeDepth = func(n NodeID, visiting map[NodeID]bool) int {
		if d, ok := depth[n]; ok {
			return d
		}
		visiting[n] = true
		max := -1
		for _, d := range sortedNeighbors(adjacency[n]) {
			if visiting[d] {
				continue
			}
			if dd := computeDepth(d, visiting); dd > max {
				max = dd
			}
		}
		delete(visiting, n)
		depth[n] = max + 1
		return depth[n]
	}

	for _, n := range nodes {
		computeDepth(n, map[NodeID]bool{})
	}

	sort.Slice(nodes, func(i, j int) bool {
		if depth[nodes[i]] != depth[nodes[j]] {
			return depth[nodes[i]] < depth[nodes[j]]
		}
		return nodes[i].Less(nodes[j])
	})
	return nodes
}
