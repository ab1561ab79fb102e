package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nclav/nclav/internal/config"
	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/driver"
	"github.com/nclav/nclav/internal/errkind"
	"github.com/nclav/nclav/internal/graph"
	"github.com/nclav/nclav/internal/template"
)

// forwardWalk implements step 5: walk the plan's topological order,
// Create/Update-ing every node whose dependencies already succeeded this
// pass, skipping Delete nodes (teardown's job) and propagating failure to
// dependents as Pending rather than attempting them.
func (r *Reconciler) forwardWalk(ctx context.Context, p *pass) {
	waves := kahnWaves(p.plan.Order, p.plan.Dependencies)
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
	for _, wave := range waves {
		var wg sync.WaitGroup
		for _, n := range wave {
			if p.diff.kindOf(n) == ChangeDelete {
				continue
			}
			if p.failedEnclaves[n.EnclaveID] {
				mu.Lock()
				p.failedNodes[n] = true
				mu.Unlock()
				continue
			}
			if r.dependencyFailed(p, n) {
				mu.Lock()
				p.failedNodes[n] = true
				mu.Unlock()
				r.markPending(ctx, n)
				continue
			}

			if n.Kind == graph.NodeEnclave {
				if err := r.provisionEnclaveNode(ctx, p, n.EnclaveID); err != nil {
					mu.Lock()
					p.failedEnclaves[n.EnclaveID] = true
					p.failedNodes[n] = true
					p.result.addError(n.String(), err)
					mu.Unlock()
				}
				continue
			}

			sem := semFor(n.EnclaveID)
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				p.failedNodes[n] = true
				p.result.addError(n.String(), err)
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func(n graph.NodeID) {
				defer wg.Done()
				defer sem.Release(1)
				if err := r.provisionPartitionNode(ctx, p, n); err != nil {
					mu.Lock()
					p.failedEnclaves[n.EnclaveID] = true
					p.failedNodes[n] = true
					p.result.addError(n.String(), err)
					mu.Unlock()
				}
			}(n)
		}
		wg.Wait()
	}
}

func (r *Reconciler) fanout() int64 {
	if r.MaxPartitionFanout <= 0 {
		return DefaultMaxPartitionFanout
	}
	return r.MaxPartitionFanout
}

// dependencyFailed reports whether any of n's dependencies failed or were
// skipped earlier in this same pass.
func (r *Reconciler) dependencyFailed(p *pass, n graph.NodeID) bool {
	for _, d := range p.plan.Dependencies(n) {
		if p.failedNodes[d] {
			return true
		}
	}
	return false
}

// markPending leaves a resource's status untouched if it does not yet
// exist (nothing to mark), or sets it to Pending if it does, recording
// that this pass did not attempt it because a dependency failed.
func (r *Reconciler) markPending(ctx context.Context, n graph.NodeID) {
	if n.Kind == graph.NodeEnclave {
		rec, err := r.Store.GetEnclave(ctx, n.EnclaveID)
		if err != nil {
			return
		}
		rec.Status = domain.StatusPending
		_, _ = r.Store.UpsertEnclave(ctx, *rec, rec.Generation)
		return
	}
	rec, err := r.Store.GetPartition(ctx, n.EnclaveID, n.PartitionID)
	if err != nil {
		return
	}
	rec.Status = domain.StatusPending
	_, _ = r.Store.UpsertPartition(ctx, *rec, rec.Generation)
}

// provisionEnclaveNode handles one enclave node's Create/Update (step 5,
// enclave branch). NoChange enclaves are left untouched here; re-wiring
// happens in the wire-imports pass regardless of change kind.
func (r *Reconciler) provisionEnclaveNode(ctx context.Context, p *pass, enclaveID string) error {
	kind := p.diff.enclaveChange[enclaveID]
	if kind == ChangeNoChange {
		return nil
	}

	e := p.plan.Enclaves[enclaveID]
	drv, err := r.Drivers.For(e)
	if err != nil {
		return errkind.Wrap(err, errkind.Config, "cannot resolve driver")
	}

	prior, gen := r.loadOrInitEnclave(ctx, enclaveID, e)
	status := domain.StatusProvisioning
	if kind == ChangeUpdate {
		status = domain.StatusUpdating
	}
	prior.Status = status
	prior.UpdatedAt = r.now()
	gen, err = r.Store.UpsertEnclave(ctx, prior, gen)
	if err != nil {
		return errkind.Wrap(err, errkind.StoreConflict, "cannot persist enclave status transition")
	}

	handle, err := drv.ProvisionEnclave(ctx, e, driver.Handle(prior.Handle))
	if err != nil {
		derr := errkind.WrapDriver(err, errkind.DriverProvisionFailed, "provision_enclave failed")
		prior.Status = domain.StatusError
		prior.LastError = derr.Error()
		prior.LastErrorKind = string(errkind.Driver)
		prior.UpdatedAt = r.now()
		_, _ = r.Store.UpsertEnclave(ctx, prior, gen)
		r.appendEvent(ctx, p, enclaveID, "", domain.EventEnclaveErrored, derr.Error())
		return derr
	}

	hash, err := domain.DesiredHash(e)
	if err != nil {
		return errkind.Wrap(err, errkind.Validation, "cannot hash desired enclave config")
	}

	prior.Handle = []byte(handle)
	prior.Status = domain.StatusActive
	prior.DesiredHash = hash
	prior.ResolvedCloud = drv.Name()
	prior.UpdatedAt = r.now()
	if _, err := r.Store.UpsertEnclave(ctx, prior, gen); err != nil {
		return errkind.Wrap(err, errkind.StoreConflict, "cannot persist enclave Active status")
	}

	evKind := domain.EventEnclaveCreated
	if kind == ChangeUpdate {
		evKind = domain.EventEnclaveUpdated
	}
	r.appendEvent(ctx, p, enclaveID, "", evKind, fmt.Sprintf("enclave %s %s", enclaveID, kind))
	return nil
}

func (r *Reconciler) loadOrInitEnclave(ctx context.Context, enclaveID string, e domain.EnclaveDecl) (domain.EnclaveRecord, uint64) {
	rec, err := r.Store.GetEnclave(ctx, enclaveID)
	if err != nil {
		now := r.now()
		return domain.EnclaveRecord{
			ResourceMeta: domain.ResourceMeta{CreatedAt: now, UpdatedAt: now},
			Decl:         e,
		}, 0
	}
	out := *rec
	out.Decl = e
	return out, rec.Generation
}

// provisionPartitionNode handles one partition node's Create/Update: the
// driver creates the per-partition cloud identity, then the Terraform
// workspace orchestrator applies the workload.
func (r *Reconciler) provisionPartitionNode(ctx context.Context, p *pass, n graph.NodeID) error {
	kind := p.diff.partitionChange[n]
	if kind == ChangeNoChange {
		return nil
	}

	pd := p.plan.Partitions[n]
	e := p.plan.Enclaves[n.EnclaveID]
	drv, err := r.Drivers.For(e)
	if err != nil {
		return errkind.Wrap(err, errkind.Config, "cannot resolve driver")
	}

	prior, gen := r.loadOrInitPartition(ctx, n, pd)
	status := domain.StatusProvisioning
	if kind == ChangeUpdate {
		status = domain.StatusUpdating
	}
	prior.Status = status
	prior.UpdatedAt = r.now()
	gen, err = r.Store.UpsertPartition(ctx, prior, gen)
	if err != nil {
		return errkind.Wrap(err, errkind.StoreConflict, "cannot persist partition status transition")
	}

	cv, err := drv.ContextVars(ctx, e)
	if err != nil {
		return errkind.Wrap(err, errkind.Driver, "cannot resolve context vars")
	}
	authEnv, err := drv.AuthEnv(ctx, e)
	if err != nil {
		return errkind.Wrap(err, errkind.Driver, "cannot resolve auth env")
	}

	resolvedInputs, err := r.resolveInputs(ctx, p, n, pd, cv)
	if err != nil {
		r.failPartition(ctx, p, n, prior, gen, err)
		return err
	}

	identityHandle, _, err := drv.ProvisionPartition(ctx, e, pd, resolvedInputs, driver.Handle(prior.Handle))
	if err != nil {
		derr := errkind.WrapDriver(err, errkind.DriverProvisionFailed, "provision_partition failed")
		r.failPartition(ctx, p, n, prior, gen, derr)
		return derr
	}

	partitionDir := config.PartitionDir(r.EnclavesDir, n.EnclaveID, n.PartitionID)
	op := domain.IacProvision
	if kind == ChangeUpdate {
		op = domain.IacUpdate
	}
	outputs, err := r.runIac(ctx, n, e, pd, partitionDir, authEnv, resolvedInputs, op)
	if err != nil {
		r.failPartition(ctx, p, n, prior, gen, err)
		return err
	}

	hash, err := domain.DesiredHash(pd)
	if err != nil {
		return errkind.Wrap(err, errkind.Validation, "cannot hash desired partition config")
	}

	prior.Handle = []byte(identityHandle)
	prior.Status = domain.StatusActive
	prior.DesiredHash = hash
	prior.ResolvedCloud = drv.Name()
	prior.ResolvedOutputs = outputs
	prior.UpdatedAt = r.now()
	if _, err := r.Store.UpsertPartition(ctx, prior, gen); err != nil {
		return errkind.Wrap(err, errkind.StoreConflict, "cannot persist partition Active status")
	}

	evKind := domain.EventPartitionCreated
	if kind == ChangeUpdate {
		evKind = domain.EventPartitionUpdated
	}
	r.appendEvent(ctx, p, n.EnclaveID, n.PartitionID, evKind, fmt.Sprintf("partition %s %s", n.String(), kind))
	return nil
}

func (r *Reconciler) failPartition(ctx context.Context, p *pass, n graph.NodeID, rec domain.PartitionRecord, gen uint64, cause error) {
	rec.Status = domain.StatusError
	rec.LastError = cause.Error()
	rec.LastErrorKind = string(errkind.KindOf(cause))
	rec.UpdatedAt = r.now()
	_, _ = r.Store.UpsertPartition(ctx, rec, gen)
	r.appendEvent(ctx, p, n.EnclaveID, n.PartitionID, domain.EventPartitionErrored, cause.Error())
}

func (r *Reconciler) loadOrInitPartition(ctx context.Context, n graph.NodeID, pd domain.PartitionDecl) (domain.PartitionRecord, uint64) {
	rec, err := r.Store.GetPartition(ctx, n.EnclaveID, n.PartitionID)
	if err != nil {
		now := r.now()
		return domain.PartitionRecord{
			ResourceMeta: domain.ResourceMeta{CreatedAt: now, UpdatedAt: now},
			EnclaveID:    n.EnclaveID,
			Decl:         pd,
		}, 0
	}
	out := *rec
	out.Decl = pd
	return out, rec.Generation
}

// runIac drives the Terraform workspace orchestrator via withIacRun's
// before/after bookkeeping.
func (r *Reconciler) runIac(ctx context.Context, n graph.NodeID, e domain.EnclaveDecl, pd domain.PartitionDecl, partitionDir string, authEnv, resolvedInputs map[string]string, op domain.IacOperation) (map[string]string, error) {
	var outputs map[string]string
	_, err := r.withIacRun(ctx, n, op, func() (string, error) {
		o, log, err := r.Runner.Apply(ctx, e, pd, partitionDir, authEnv, resolvedInputs)
		outputs = o
		return log, err
	})
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Iac, "terraform run failed")
	}
	return outputs, nil
}

// withIacRun wraps fn with the IacRun start/finish bookkeeping the design
// note requires: a Running record before, a Succeeded/Failed record with
// the full log after, plus metrics.
func (r *Reconciler) withIacRun(ctx context.Context, n graph.NodeID, op domain.IacOperation, fn func() (string, error)) (string, error) {
	runID := uuid.NewString()
	started := r.now()
	_ = r.Store.AppendIacRun(ctx, domain.IacRun{
		ID: runID, EnclaveID: n.EnclaveID, PartitionID: n.PartitionID,
		Operation: op, StartedAt: started, Status: domain.IacRunning,
	})

	log, err := fn()

	finished := r.now()
	run := domain.IacRun{
		ID: runID, EnclaveID: n.EnclaveID, PartitionID: n.PartitionID,
		Operation: op, StartedAt: started, FinishedAt: &finished,
		Status: domain.IacSucceeded, Log: log,
	}
	if err != nil {
		run.Status = domain.IacFailed
	}
	_ = r.Store.AppendIacRun(ctx, run)

	if r.Metrics != nil {
		r.Metrics.IacRunsTotal.WithLabelValues(string(op), string(run.Status)).Inc()
		r.Metrics.IacRunDuration.WithLabelValues(string(op)).Observe(finished.Sub(started).Seconds())
	}
	return log, err
}

// resolveInputs template-resolves a partition's inputs map against its
// resolved import aliases and the driver's fixed context vars.
func (r *Reconciler) resolveInputs(ctx context.Context, p *pass, n graph.NodeID, pd domain.PartitionDecl, cv driver.ContextVars) (map[string]string, error) {
	aliases := map[string]map[string]string{}
	for _, im := range pd.Imports {
		edge := graph.ImportEdge{Scope: n, Alias: im.Alias}
		resolved, ok := p.plan.Imports[edge]
		if !ok {
			continue
		}
		srcRec, err := r.Store.GetPartition(ctx, resolved.SourceEnclaveID, resolved.Export.TargetPartition)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.StoreError, "cannot read import source partition")
		}
		aliases[im.Alias] = srcRec.ResolvedOutputs
	}

	fixed := map[string]string{
		"nclav_enclave_id":   n.EnclaveID,
		"nclav_partition_id": n.PartitionID,
		"nclav_project_id":   cv.ProjectID,
		"nclav_region":       cv.Region,
	}

	out := make(map[string]string, len(pd.Inputs))
	for k, v := range pd.Inputs {
		resolved, err := template.Resolve(v, template.Context{Aliases: aliases, Fixed: fixed})
		if err != nil {
			return nil, errkind.Wrap(err, errkind.Validation, fmt.Sprintf("partition %s input %q", n.String(), k))
		}
		out[k] = resolved
	}
	return out, nil
}
