package reconciler

import (
	"context"
	"sort"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/graph"
	"github.com/nclav/nclav/internal/store"
)

// diffPlan is the result of comparing a validated Plan against the store's
// current contents: a change classification per node, plus the applied
// records of everything slated for deletion (teardown needs their stored
// Decl, Handle and resolved_cloud).
type diffPlan struct {
	enclaveChange   map[string]ChangeKind
	partitionChange map[graph.NodeID]ChangeKind

	deletedEnclaves   map[string]domain.EnclaveRecord
	deletedPartitions map[graph.NodeID]domain.PartitionRecord
}

func (d *diffPlan) kindOf(n graph.NodeID) ChangeKind {
	if n.Kind == graph.NodeEnclave {
		return d.enclaveChange[n.EnclaveID]
	}
	return d.partitionChange[n]
}

// snapshot lists every enclave and partition currently in the store,
// keyed the way diffing needs them.
func snapshot(ctx context.Context, st store.Store) (map[string]domain.EnclaveRecord, map[graph.NodeID]domain.PartitionRecord, error) {
	enclaves, err := st.ListEnclaves(ctx)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]domain.EnclaveRecord, len(enclaves))
	partitions := map[graph.NodeID]domain.PartitionRecord{}
	for _, e := range enclaves {
		byID[e.Decl.ID] = e
		parts, err := st.ListPartitions(ctx, e.Decl.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range parts {
			partitions[graph.NodeID{Kind: graph.NodePartition, EnclaveID: e.Decl.ID, PartitionID: p.Decl.ID}] = p
		}
	}
	return byID, partitions, nil
}

// computeDiff implements step 3: Create/Update/NoChange/Delete per
// enclave and partition, comparing the fresh desired content hash against
// each applied record's stored desired_hash.
func computeDiff(plan *graph.Plan, existingEnclaves map[string]domain.EnclaveRecord, existingPartitions map[graph.NodeID]domain.PartitionRecord) (*diffPlan, error) {
	d := &diffPlan{
		enclaveChange:     map[string]ChangeKind{},
		partitionChange:   map[graph.NodeID]ChangeKind{},
		deletedEnclaves:   map[string]domain.EnclaveRecord{},
		deletedPartitions: map[graph.NodeID]domain.PartitionRecord{},
	}

	for id, decl := range plan.Enclaves {
		hash, err := domain.DesiredHash(decl)
		if err != nil {
			return nil, err
		}
		rec, ok := existingEnclaves[id]
		switch {
		case !ok:
			d.enclaveChange[id] = ChangeCreate
		case rec.DesiredHash != hash:
			d.enclaveChange[id] = ChangeUpdate
		default:
			d.enclaveChange[id] = ChangeNoChange
		}
	}
	for id, rec := range existingEnclaves {
		if _, ok := plan.Enclaves[id]; !ok {
			d.enclaveChange[id] = ChangeDelete
			d.deletedEnclaves[id] = rec
		}
	}

	for n, decl := range plan.Partitions {
		hash, err := domain.DesiredHash(decl)
		if err != nil {
			return nil, err
		}
		rec, ok := existingPartitions[n]
		switch {
		case !ok:
			d.partitionChange[n] = ChangeCreate
		case rec.DesiredHash != hash:
			d.partitionChange[n] = ChangeUpdate
		default:
			d.partitionChange[n] = ChangeNoChange
		}
	}
	for n, rec := range existingPartitions {
		if _, ok := plan.Partitions[n]; !ok {
			d.partitionChange[n] = ChangeDelete
			d.deletedPartitions[n] = rec
		}
	}

	return d, nil
}

// changes renders the full Create/Update/Delete/NoChange set as a
// deterministically ordered Change list, used directly by dry-run and
// folded into the full result otherwise.
func (d *diffPlan) changes() []Change {
	out := make([]Change, 0, len(d.enclaveChange)+len(d.partitionChange))
	for id, kind := range d.enclaveChange {
		out = append(out, Change{Resource: id, Kind: kind})
	}
	for n, kind := range d.partitionChange {
		out = append(out, Change{Resource: n.String(), Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}
