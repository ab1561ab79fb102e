package reconciler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nclav/nclav/internal/config"
	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/driver"
	"github.com/nclav/nclav/internal/errkind"
	"github.com/nclav/nclav/internal/graph"
)

// teardown implements step 7: delete proceeds in reverse topological
// order. Every enclave slated for deletion has teardown attempted for
// every one of its partitions even if one fails; the enclave itself is
// torn down only once all of its partitions are confirmed gone.
func (r *Reconciler) teardown(ctx context.Context, p *pass, existingEnclaves map[string]domain.EnclaveRecord, existingPartitions map[graph.NodeID]domain.PartitionRecord) {
	deletedPartitions := p.diff.deletedPartitions
	if len(deletedPartitions) == 0 && len(p.diff.deletedEnclaves) == 0 {
		return
	}

	nodes := make([]graph.NodeID, 0, len(deletedPartitions))
	for n := range deletedPartitions {
		nodes = append(nodes, n)
	}

	// Consumers must be destroyed before the producers they import from,
	// the reverse of provisioning order. deps(n) here returns n's
	// dependencies restricted to the set of partitions also being deleted
	// this pass; kahnWaves groups nodes whose dependencies are already
	// satisfied, i.e. wave 0 holds producers with no deleted dependency,
	// later waves hold their consumers. Walking the wave list backwards
	// tears consumers down first.
	waves := kahnWaves(nodes, func(n graph.NodeID) []graph.NodeID {
		return r.teardownDeps(n, existingPartitions, deletedPartitions)
	})

	failedPartition := map[graph.NodeID]bool{}
	sems := map[string]*semaphore.Weighted{}
	semFor := func(enclaveID string) *semaphore.Weighted {
		s, ok := sems[enclaveID]
		if !ok {
			s = semaphore.NewWeighted(r.fanout())
			sems[enclaveID] = s
		}
		return s
	}

	var mu sync.Mutex
	for i := len(waves) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		for _, n := range waves[i] {
			sem := semFor(n.EnclaveID)
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				failedPartition[n] = true
				p.result.addError(n.String(), err)
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func(n graph.NodeID) {
				defer wg.Done()
				defer sem.Release(1)
				if err := r.teardownPartitionNode(ctx, p, n, deletedPartitions[n]); err != nil {
					mu.Lock()
					failedPartition[n] = true
					p.result.addError(n.String(), err)
					mu.Unlock()
				}
			}(n)
		}
		wg.Wait()
	}

	r.teardownEnclaves(ctx, p, existingEnclaves, existingPartitions, failedPartition)
}

// teardownDeps returns n's import-sourced dependencies, restricted to
// partitions also being deleted this pass; an import pointing at a
// partition that survives the new desired state does not constrain
// teardown ordering.
func (r *Reconciler) teardownDeps(n graph.NodeID, existingPartitions map[graph.NodeID]domain.PartitionRecord, deleted map[graph.NodeID]domain.PartitionRecord) []graph.NodeID {
	rec := deleted[n]
	var deps []graph.NodeID
	for _, im := range rec.Decl.Imports {
		src := resolveTeardownSource(n.EnclaveID, im, existingPartitions)
		if src.Kind == graph.NodePartition {
			if _, ok := deleted[src]; ok {
				deps = append(deps, src)
			}
		}
	}
	return deps
}

// resolveTeardownSource mirrors the graph validator's "from" resolution
// (same-enclave partition vs. another enclave) using only the store's
// last-applied records, since the source may no longer appear anywhere in
// a freshly-loaded desired tree.
func resolveTeardownSource(importerEnclaveID string, im domain.Import, existingPartitions map[graph.NodeID]domain.PartitionRecord) graph.NodeID {
	same := graph.NodeID{Kind: graph.NodePartition, EnclaveID: importerEnclaveID, PartitionID: im.From}
	if _, ok := existingPartitions[same]; ok {
		return same
	}
	return graph.NodeID{Kind: graph.NodeEnclave, EnclaveID: im.From}
}

// teardownPartitionNode destroys one partition's Terraform-managed
// workload, then its driver-managed identity, then removes its record.
func (r *Reconciler) teardownPartitionNode(ctx context.Context, p *pass, n graph.NodeID, rec domain.PartitionRecord) error {
	e, authEnv, drv, err := r.teardownContext(ctx, rec.ResolvedCloud, rec.EnclaveID, n.EnclaveID)
	if err != nil {
		return err
	}

	partitionDir := config.PartitionDir(r.EnclavesDir, n.EnclaveID, n.PartitionID)
	_, err = r.withIacRun(ctx, n, domain.IacTeardown, func() (string, error) {
		return r.Runner.Destroy(ctx, e, rec.Decl, partitionDir, authEnv, nil)
	})
	if err != nil {
		derr := errkind.Wrap(err, errkind.Iac, "terraform destroy failed")
		r.failPartition(ctx, p, n, rec, rec.Generation, derr)
		return derr
	}

	if err := drv.TeardownPartition(ctx, e, rec.Decl, driver.Handle(rec.Handle)); err != nil {
		derr := errkind.WrapDriver(err, errkind.DriverProvisionFailed, "teardown_partition failed")
		r.failPartition(ctx, p, n, rec, rec.Generation, derr)
		return derr
	}

	if err := r.Store.DeletePartition(ctx, n.EnclaveID, n.PartitionID, rec.Generation); err != nil {
		return errkind.Wrap(err, errkind.StoreConflict, "cannot delete partition record")
	}
	r.appendEvent(ctx, p, n.EnclaveID, n.PartitionID, domain.EventPartitionDeleted, fmt.Sprintf("partition %s deleted", n.String()))
	return nil
}

// teardownContext resolves the driver and enclave declaration to use for a
// teardown call. The declaration comes from the persisted enclave record;
// when no record is stored, a declaration carrying only enclaveID is used.
func (r *Reconciler) teardownContext(ctx context.Context, resolvedCloud, recEnclaveID, enclaveID string) (domain.EnclaveDecl, map[string]string, driver.Driver, error) {
	drv, err := r.Drivers.ByName(resolvedCloud)
	if err != nil {
		return domain.EnclaveDecl{}, nil, nil, errkind.Wrap(err, errkind.Config, "cannot resolve teardown driver")
	}

	e := domain.EnclaveDecl{ID: enclaveID}
	if rec, err := r.Store.GetEnclave(ctx, enclaveID); err == nil {
		e = rec.Decl
	}

	authEnv, err := drv.AuthEnv(ctx, e)
	if err != nil {
		return domain.EnclaveDecl{}, nil, nil, errkind.Wrap(err, errkind.Driver, "cannot resolve auth env for teardown")
	}
	return e, authEnv, drv, nil
}

// teardownEnclaves tears down every enclave slated for deletion once all
// of its partitions are confirmed gone. Enclaves are visited in map
// iteration order; no ordering between deleted enclaves is applied.
func (r *Reconciler) teardownEnclaves(ctx context.Context, p *pass, existingEnclaves map[string]domain.EnclaveRecord, existingPartitions map[graph.NodeID]domain.PartitionRecord, failedPartition map[graph.NodeID]bool) {
	for enclaveID, rec := range p.diff.deletedEnclaves {
		ready := true
		for n := range existingPartitions {
			if n.EnclaveID != enclaveID {
				continue
			}
			if failedPartition[n] {
				ready = false
				break
			}
			if _, stillThere := p.diff.deletedPartitions[n]; !stillThere {
				// Not actually slated for deletion this pass: shouldn't
				// happen if the enclave itself is fully removed from
				// desired, but guards against a partial-delete YAML edit.
				ready = false
				break
			}
		}
		if !ready {
			p.result.addError(enclaveID, errkind.New(errkind.Validation, "enclave teardown deferred: not all partitions were torn down this pass"))
			continue
		}

		drv, err := r.Drivers.ByName(rec.ResolvedCloud)
		if err != nil {
			p.result.addError(enclaveID, errkind.Wrap(err, errkind.Config, "cannot resolve teardown driver"))
			continue
		}

		if err := drv.TeardownEnclave(ctx, rec.Decl, driver.Handle(rec.Handle)); err != nil {
			derr := errkind.WrapDriver(err, errkind.DriverProvisionFailed, "teardown_enclave failed")
			p.result.addError(enclaveID, derr)
			rec.Status = domain.StatusError
			rec.LastError = derr.Error()
			rec.LastErrorKind = string(errkind.Driver)
			rec.UpdatedAt = r.now()
			_, _ = r.Store.UpsertEnclave(ctx, rec, rec.Generation)
			r.appendEvent(ctx, p, enclaveID, "", domain.EventEnclaveErrored, derr.Error())
			continue
		}

		if err := r.Store.DeleteEnclave(ctx, enclaveID, rec.Generation); err != nil {
			p.result.addError(enclaveID, errkind.Wrap(err, errkind.StoreConflict, "cannot delete enclave record"))
			continue
		}
		r.appendEvent(ctx, p, enclaveID, "", domain.EventEnclaveDeleted, fmt.Sprintf("enclave %s deleted", enclaveID))
	}
}
