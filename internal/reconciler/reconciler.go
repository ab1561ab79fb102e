package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nclav/nclav/internal/config"
	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/driver"
	"github.com/nclav/nclav/internal/errkind"
	"github.com/nclav/nclav/internal/graph"
	"github.com/nclav/nclav/internal/logging"
	"github.com/nclav/nclav/internal/metrics"
	"github.com/nclav/nclav/internal/store"
)

// DefaultMaxPartitionFanout is the per-enclave concurrent-partition bound
// the concurrency model recommends.
const DefaultMaxPartitionFanout = 8

// Reconciler runs the one-pass algorithm: load, validate, diff, provision
// in dependency order, wire imports, tear down, audit.
type Reconciler struct {
	Store   store.Store
	Drivers *driver.Registry
	Runner  IacRunner

	// EnclavesDir is the root of the on-disk enclave/partition YAML tree
	// config.Load walks.
	EnclavesDir string

	Logger             logging.Logger
	Metrics            *metrics.Metrics
	MaxPartitionFanout int64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l logging.Logger) Option { return func(r *Reconciler) { r.Logger = l } }

// WithMetrics sets the Prometheus instrumentation. Default is nil (no
// metrics recorded).
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.Metrics = m } }

// WithMaxPartitionFanout bounds concurrent partition provisions per
// enclave. Default DefaultMaxPartitionFanout.
func WithMaxPartitionFanout(n int64) Option {
	return func(r *Reconciler) { r.MaxPartitionFanout = n }
}

// New returns a Reconciler rooted at enclavesDir.
func New(st store.Store, drivers *driver.Registry, runner IacRunner, enclavesDir string, o ...Option) *Reconciler {
	r := &Reconciler{
		Store:              st,
		Drivers:            drivers,
		Runner:             runner,
		EnclavesDir:        enclavesDir,
		Logger:             logging.NewNopLogger(),
		MaxPartitionFanout: DefaultMaxPartitionFanout,
	}
	for _, fn := range o {
		fn(r)
	}
	return r
}

// pass carries the mutable state threaded through one Reconcile call's
// helper functions: the validated plan, the diff against applied state,
// the accumulating result, and which enclaves/nodes have failed so far
// this pass (failure isolation).
type pass struct {
	plan   *graph.Plan
	diff   *diffPlan
	runID  string
	result *Result

	failedEnclaves map[string]bool
	failedNodes    map[graph.NodeID]bool
}

// Reconcile runs the full algorithm. When dryRun is true, only steps 1-3
// run and the diff is returned without applying anything.
func (r *Reconciler) Reconcile(ctx context.Context, dryRun bool) (*Result, error) {
	decls, err := config.Load(r.EnclavesDir)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Config, "cannot load enclave declarations")
	}

	plan, verrs := graph.Validate(decls)
	if verrs != nil {
		return nil, &ValidationError{Issues: verrs.Issues}
	}

	existingEnclaves, existingPartitions, err := snapshot(ctx, r.Store)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.StoreError, "cannot snapshot applied state")
	}

	diff, err := computeDiff(plan, existingEnclaves, existingPartitions)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Validation, "cannot compute diff")
	}

	result := &Result{DryRun: dryRun, Changes: diff.changes()}
	if dryRun {
		r.recordOutcome(result)
		return result, nil
	}

	p := &pass{
		plan:           plan,
		diff:           diff,
		runID:          uuid.NewString(),
		result:         result,
		failedEnclaves: map[string]bool{},
		failedNodes:    map[graph.NodeID]bool{},
	}

	r.resolveClouds(ctx, p)
	r.forwardWalk(ctx, p)
	r.wireImports(ctx, p)
	r.teardown(ctx, p, existingEnclaves, existingPartitions)

	r.recordOutcome(result)
	return result, nil
}

func (r *Reconciler) recordOutcome(result *Result) {
	if r.Metrics == nil {
		return
	}
	outcome := "success"
	if len(result.Errors) > 0 {
		outcome = "partial_failure"
	}
	r.Metrics.ReconcilesTotal.WithLabelValues(outcome).Inc()
}

// resolveClouds implements step 4: resolve the effective driver per
// enclave up front, marking Error (and excluding from the rest of the
// pass) any enclave whose cloud does not resolve to a configured driver.
func (r *Reconciler) resolveClouds(ctx context.Context, p *pass) {
	for id, e := range p.plan.Enclaves {
		if _, err := r.Drivers.For(e); err != nil {
			p.failedEnclaves[id] = true
			p.result.addError(id, err)
			r.markEnclaveError(ctx, p, id, err)
		}
	}
}

func (r *Reconciler) markEnclaveError(ctx context.Context, p *pass, enclaveID string, cause error) {
	rec, err := r.Store.GetEnclave(ctx, enclaveID)
	if err != nil {
		// Nothing stored yet for this enclave (it only exists as a fresh
		// desired declaration); there is no record to mark.
		return
	}
	rec.Status = domain.StatusError
	rec.LastError = cause.Error()
	rec.LastErrorKind = string(errkind.KindOf(cause))
	rec.UpdatedAt = r.now()
	if _, err := r.Store.UpsertEnclave(ctx, *rec, rec.Generation); err != nil {
		r.Logger.Error(err, "cannot persist enclave error status", "enclave", enclaveID)
		return
	}
	r.appendEvent(ctx, p, enclaveID, "", domain.EventEnclaveErrored, cause.Error())
}

// now is a seam for a fixed clock; production uses wall time.
func (r *Reconciler) now() time.Time { return time.Now() }

func (r *Reconciler) appendEvent(ctx context.Context, p *pass, enclaveID, partitionID string, kind domain.EventKind, msg string) {
	ev := domain.Event{
		EnclaveID:   enclaveID,
		PartitionID: partitionID,
		Kind:        kind,
		Timestamp:   r.now(),
		RunID:       p.runID,
		Message:     msg,
	}
	if _, err := r.Store.AppendEvent(ctx, ev); err != nil {
		r.Logger.Error(err, "cannot append audit event", "enclave", enclaveID, "partition", partitionID)
	}
}
