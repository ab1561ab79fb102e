package reconciler

import (
	"context"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/errkind"
	"github.com/nclav/nclav/internal/graph"
)

// wireImports implements step 6: once the forward walk has settled every
// Create/Update/NoChange node, resolve each import edge's side effects via
// the importer's driver and merge the resolved values into the importer's
// resolved_outputs. Running this after the full forward walk (rather than
// per-enclave as each one goes Active) is safe because the topological
// order already guarantees every import's source settled earlier in this
// same pass, or was already Active from a prior pass.
func (r *Reconciler) wireImports(ctx context.Context, p *pass) {
	for _, scope := range p.plan.Order {
		r.wireScope(ctx, p, scope)
	}
}

// wireScope resolves every import declared directly on one scope (an
// enclave or one of its partitions).
func (r *Reconciler) wireScope(ctx context.Context, p *pass, scope graph.NodeID) {
	if p.diff.kindOf(scope) == ChangeDelete {
		return
	}
	if p.failedNodes[scope] || p.failedEnclaves[scope.EnclaveID] {
		return
	}

	imports := importsOf(p.plan, scope)
	if len(imports) == 0 {
		return
	}

	e := p.plan.Enclaves[scope.EnclaveID]
	drv, err := r.Drivers.For(e)
	if err != nil {
		p.result.addError(scope.String(), errkind.Wrap(err, errkind.Config, "cannot resolve importer driver"))
		return
	}

	var pd domain.PartitionDecl
	if scope.Kind == graph.NodePartition {
		pd = p.plan.Partitions[scope]
	}

	merged := map[string]string{}
	for _, im := range imports {
		edge := graph.ImportEdge{Scope: scope, Alias: im.Alias}
		resolved, ok := p.plan.Imports[edge]
		if !ok {
			continue // validator already rejected anything unresolved
		}

		sourceNode := sourceNodeOf(resolved)
		if p.failedNodes[sourceNode] || p.failedEnclaves[sourceNode.EnclaveID] {
			p.result.addError(scope.String(), errkind.New(errkind.Driver, "import "+im.Alias+": source "+sourceNode.String()+" did not provision this pass"))
			continue
		}

		srcRec, err := r.Store.GetPartition(ctx, resolved.SourceEnclaveID, resolved.Export.TargetPartition)
		if err != nil {
			p.result.addError(scope.String(), errkind.Wrap(err, errkind.StoreError, "cannot read import source partition"))
			continue
		}

		if err := drv.ProvisionImport(ctx, e, pd, im.Alias, srcRec.ResolvedOutputs); err != nil {
			derr := errkind.WrapDriver(err, errkind.DriverProvisionFailed, "provision_import failed for alias "+im.Alias)
			p.result.addError(scope.String(), derr)
			continue
		}

		for k, v := range srcRec.ResolvedOutputs {
			merged[im.Alias+"."+k] = v
		}
		r.appendEvent(ctx, p, scope.EnclaveID, scope.PartitionID, domain.EventImportWired, "import "+im.Alias+" wired from "+sourceNode.String())
	}

	if len(merged) == 0 {
		return
	}
	r.mergeResolvedOutputs(ctx, scope, merged)
}

// mergeResolvedOutputs folds newly-wired import values into a scope's
// persisted resolved_outputs with a single write at the generation just
// read. A read or write error, including a concurrency conflict, is
// discarded and the merge is dropped; there is no retry.
func (r *Reconciler) mergeResolvedOutputs(ctx context.Context, scope graph.NodeID, merged map[string]string) {
	if scope.Kind == graph.NodeEnclave {
		rec, err := r.Store.GetEnclave(ctx, scope.EnclaveID)
		if err != nil {
			return
		}
		out := *rec
		if out.ResolvedOutputs == nil {
			out.ResolvedOutputs = map[string]string{}
		}
		for k, v := range merged {
			out.ResolvedOutputs[k] = v
		}
		out.UpdatedAt = r.now()
		_, _ = r.Store.UpsertEnclave(ctx, out, rec.Generation)
		return
	}

	rec, err := r.Store.GetPartition(ctx, scope.EnclaveID, scope.PartitionID)
	if err != nil {
		return
	}
	out := *rec
	if out.ResolvedOutputs == nil {
		out.ResolvedOutputs = map[string]string{}
	}
	for k, v := range merged {
		out.ResolvedOutputs[k] = v
	}
	out.UpdatedAt = r.now()
	_, _ = r.Store.UpsertPartition(ctx, out, rec.Generation)
}

// importsOf returns the import declarations belonging directly to scope
// (an enclave's own imports, or one partition's own imports).
func importsOf(plan *graph.Plan, scope graph.NodeID) []domain.Import {
	if scope.Kind == graph.NodeEnclave {
		return plan.Enclaves[scope.EnclaveID].Imports
	}
	return plan.Partitions[scope].Imports
}

// sourceNodeOf identifies the graph node that produced a resolved import's
// export: always a partition, since every Export names a target partition.
func sourceNodeOf(resolved graph.ResolvedExport) graph.NodeID {
	if resolved.Export.TargetPartition != "" {
		return graph.NodeID{Kind: graph.NodePartition, EnclaveID: resolved.SourceEnclaveID, PartitionID: resolved.Export.TargetPartition}
	}
	return graph.NodeID{Kind: graph.NodeEnclave, EnclaveID: resolved.SourceEnclaveID}
}
