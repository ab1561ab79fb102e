package reconciler

import "github.com/nclav/nclav/internal/graph"

// kahnWaves groups nodes into dependency waves: every node in wave i has
// all of its dependencies (per deps) fully contained in waves 0..i-1, and
// two nodes in the same wave have no path between them in either
// direction. That makes each wave's members safe to process concurrently,
// the way the concurrency model allows independent partitions of one
// enclave to provision in parallel while dependent ones respect order.
//
// nodes must be exactly the node set deps is defined over; a node whose
// dependency lies outside that set is treated as having no such
// dependency (the caller is responsible for restricting deps accordingly,
// e.g. teardown's delete-only subgraph).
func kahnWaves(nodes []graph.NodeID, deps func(graph.NodeID) []graph.NodeID) [][]graph.NodeID {
	set := make(map[graph.NodeID]bool, len(nodes))
	for _, n := range nodes {
		set[n] = true
	}

	remaining := make(map[graph.NodeID]int, len(nodes))
	dependents := map[graph.NodeID][]graph.NodeID{}
	for _, n := range nodes {
		count := 0
		for _, d := range deps(n) {
			if !set[d] {
				continue
			}
			count++
			dependents[d] = append(dependents[d], n)
		}
		remaining[n] = count
	}

	var ready []graph.NodeID
	for _, n := range nodes {
		if remaining[n] == 0 {
			ready = append(ready, n)
		}
	}

	var waves [][]graph.NodeID
	seen := 0
	for len(ready) > 0 {
		waves = append(waves, ready)
		seen += len(ready)
		var next []graph.NodeID
		for _, n := range ready {
			for _, dep := range dependents[n] {
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	// A cycle within the restricted subgraph would leave nodes stranded
	// with remaining > 0 forever; the graph validator guarantees the full
	// graph is acyclic and a subgraph of an acyclic graph is acyclic, so
	// this never happens in practice. Stranded nodes are appended as a
	// final, best-effort wave rather than silently dropped.
	if seen < len(nodes) {
		var stranded []graph.NodeID
		for _, n := range nodes {
			if remaining[n] > 0 {
				stranded = append(stranded, n)
			}
		}
		if len(stranded) > 0 {
			waves = append(waves, stranded)
		}
	}

	return waves
}
