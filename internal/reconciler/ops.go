package reconciler

import (
	"context"

	"github.com/google/uuid"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/driver"
	"github.com/nclav/nclav/internal/errkind"
	"github.com/nclav/nclav/internal/graph"
	"github.com/nclav/nclav/internal/store"
)

// DeletePartition implements the `DELETE /enclaves/{id}/partitions/{part}`
// shortcut: tear down one partition immediately without requiring the
// caller to first remove it from the on-disk declaration. It refuses when
// another partition's stored declaration still imports from it, the same
// hard-error rule the graph validator applies to a YAML-driven delete.
func (r *Reconciler) DeletePartition(ctx context.Context, enclaveID, partitionID string) (*Result, error) {
	node := graph.NodeID{Kind: graph.NodePartition, EnclaveID: enclaveID, PartitionID: partitionID}
	rec, err := r.Store.GetPartition(ctx, enclaveID, partitionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errkind.Wrap(err, errkind.Validation, "no such partition")
		}
		return nil, errkind.Wrap(err, errkind.StoreError, "cannot read partition")
	}

	if consumer, ok := r.findSamePartitionConsumer(ctx, enclaveID, partitionID); ok {
		return nil, &ValidationError{Issues: []graph.Issue{{
			Rule:    graph.RuleImportSource,
			Message: "partition " + partitionID + " cannot be deleted: still imported by " + consumer,
			Members: []string{node.String(), consumer},
		}}}
	}

	result := &Result{}
	p := &pass{
		runID:          uuid.NewString(),
		result:         result,
		failedEnclaves: map[string]bool{},
		failedNodes:    map[graph.NodeID]bool{},
	}

	if err := r.teardownPartitionNode(ctx, p, node, *rec); err != nil {
		result.addError(node.String(), err)
		return result, nil
	}
	result.addChange(node.String(), ChangeDelete)
	return result, nil
}

// DeleteEnclave implements the `DELETE /enclaves/{id}` shortcut: tear down
// every partition of the enclave, then the enclave itself. Refuses when
// another enclave's stored declaration imports directly from it.
func (r *Reconciler) DeleteEnclave(ctx context.Context, enclaveID string) (*Result, error) {
	rec, err := r.Store.GetEnclave(ctx, enclaveID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errkind.Wrap(err, errkind.Validation, "no such enclave")
		}
		return nil, errkind.Wrap(err, errkind.StoreError, "cannot read enclave")
	}

	if consumer, ok := r.findEnclaveConsumer(ctx, enclaveID); ok {
		return nil, &ValidationError{Issues: []graph.Issue{{
			Rule:    graph.RuleImportSource,
			Message: "enclave " + enclaveID + " cannot be deleted: still imported by " + consumer,
			Members: []string{enclaveID, consumer},
		}}}
	}

	parts, err := r.Store.ListPartitions(ctx, enclaveID)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.StoreError, "cannot list partitions")
	}

	result := &Result{}
	p := &pass{
		runID:          uuid.NewString(),
		result:         result,
		failedEnclaves: map[string]bool{},
		failedNodes:    map[graph.NodeID]bool{},
	}

	allGone := true
	for _, pr := range parts {
		node := graph.NodeID{Kind: graph.NodePartition, EnclaveID: enclaveID, PartitionID: pr.Decl.ID}
		if err := r.teardownPartitionNode(ctx, p, node, pr); err != nil {
			result.addError(node.String(), err)
			allGone = false
			continue
		}
		result.addChange(node.String(), ChangeDelete)
	}
	if !allGone {
		return result, nil
	}

	drv, err := r.Drivers.ByName(rec.ResolvedCloud)
	if err != nil {
		result.addError(enclaveID, errkind.Wrap(err, errkind.Config, "cannot resolve teardown driver"))
		return result, nil
	}
	if err := drv.TeardownEnclave(ctx, rec.Decl, driver.Handle(rec.Handle)); err != nil {
		derr := errkind.WrapDriver(err, errkind.DriverProvisionFailed, "teardown_enclave failed")
		result.addError(enclaveID, derr)
		return result, nil
	}
	if err := r.Store.DeleteEnclave(ctx, enclaveID, rec.Generation); err != nil {
		result.addError(enclaveID, errkind.Wrap(err, errkind.StoreConflict, "cannot delete enclave record"))
		return result, nil
	}
	r.appendEvent(ctx, p, enclaveID, "", domain.EventEnclaveDeleted, "enclave "+enclaveID+" deleted")
	result.addChange(enclaveID, ChangeDelete)
	return result, nil
}

// Observe implements the `?observe=true` drift-read path of 4.6: call
// observe_enclave and every partition's observe_partition, update
// last_seen_at, and flip Active<->Degraded based on observed health.
// Nothing else is mutated; drift is reported, never auto-corrected.
func (r *Reconciler) Observe(ctx context.Context, enclaveID string) (*domain.EnclaveRecord, []domain.PartitionRecord, error) {
	rec, err := r.Store.GetEnclave(ctx, enclaveID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, errkind.Wrap(err, errkind.Validation, "no such enclave")
		}
		return nil, nil, errkind.Wrap(err, errkind.StoreError, "cannot read enclave")
	}

	drv, err := r.Drivers.ByName(rec.ResolvedCloud)
	if err != nil {
		return rec, nil, nil
	}

	obs, err := drv.ObserveEnclave(ctx, rec.Decl, driver.Handle(rec.Handle))
	if err == nil {
		r.applyObservation(ctx, rec, obs)
	}

	parts, err := r.Store.ListPartitions(ctx, enclaveID)
	if err != nil {
		return rec, nil, errkind.Wrap(err, errkind.StoreError, "cannot list partitions")
	}
	for i := range parts {
		pobs, err := drv.ObservePartition(ctx, rec.Decl, parts[i].Decl, driver.Handle(parts[i].Handle))
		if err != nil {
			continue
		}
		r.applyPartitionObservation(ctx, &parts[i], pobs)
	}
	return rec, parts, nil
}

func (r *Reconciler) applyObservation(ctx context.Context, rec *domain.EnclaveRecord, obs driver.Observation) {
	rec.LastSeenAt = r.now()
	if rec.Status == domain.StatusActive || rec.Status == domain.StatusDegraded {
		if obs.Exists && obs.Healthy {
			rec.Status = domain.StatusActive
		} else if obs.Exists {
			rec.Status = domain.StatusDegraded
		}
	}
	_, _ = r.Store.UpsertEnclave(ctx, *rec, rec.Generation)
}

func (r *Reconciler) applyPartitionObservation(ctx context.Context, rec *domain.PartitionRecord, obs driver.Observation) {
	rec.LastSeenAt = r.now()
	if rec.Status == domain.StatusActive || rec.Status == domain.StatusDegraded {
		if obs.Exists && obs.Healthy {
			rec.Status = domain.StatusActive
		} else if obs.Exists {
			rec.Status = domain.StatusDegraded
		}
	}
	_, _ = r.Store.UpsertPartition(ctx, *rec, rec.Generation)
}

// findSamePartitionConsumer reports another partition in the same enclave
// whose stored declaration still imports from partitionID.
func (r *Reconciler) findSamePartitionConsumer(ctx context.Context, enclaveID, partitionID string) (string, bool) {
	parts, err := r.Store.ListPartitions(ctx, enclaveID)
	if err != nil {
		return "", false
	}
	for _, pr := range parts {
		if pr.Decl.ID == partitionID {
			continue
		}
		for _, im := range pr.Decl.Imports {
			if im.From == partitionID {
				return enclaveID + "/" + pr.Decl.ID, true
			}
		}
	}
	return "", false
}

// findEnclaveConsumer reports another enclave whose stored declaration (at
// enclave or partition scope) still imports directly from enclaveID.
func (r *Reconciler) findEnclaveConsumer(ctx context.Context, enclaveID string) (string, bool) {
	enclaves, err := r.Store.ListEnclaves(ctx)
	if err != nil {
		return "", false
	}
	for _, e := range enclaves {
		if e.Decl.ID == enclaveID {
			continue
		}
		for _, im := range e.Decl.Imports {
			if im.From == enclaveID {
				return e.Decl.ID, true
			}
		}
		parts, err := r.Store.ListPartitions(ctx, e.Decl.ID)
		if err != nil {
			continue
		}
		for _, pr := range parts {
			for _, im := range pr.Decl.Imports {
				if im.From == enclaveID {
					return e.Decl.ID + "/" + pr.Decl.ID, true
				}
			}
		}
	}
	return "", false
}
