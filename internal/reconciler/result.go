// Package reconciler implements the one-pass reconcile algorithm: load and
// validate declarations, diff them against applied state, walk the
// dependency graph provisioning or tearing down resources, wire imports,
// and append an audit trail. It is the component every other piece of
// nclav (store, driver, terraform, workdir, graph, template) exists to
// serve.
package reconciler

import (
	"fmt"

	"github.com/nclav/nclav/internal/errkind"
	"github.com/nclav/nclav/internal/graph"
)

// ChangeKind classifies one resource's diff outcome.
type ChangeKind string

// Change kinds.
const (
	ChangeCreate   ChangeKind = "create"
	ChangeUpdate   ChangeKind = "update"
	ChangeDelete   ChangeKind = "delete"
	ChangeNoChange ChangeKind = "no_change"
)

// Change is one resource's diff outcome, identified the way audit events
// and NodeID.String() identify resources: "enclave" or "enclave/partition".
type Change struct {
	Resource string     `json:"resource"`
	Kind     ChangeKind `json:"kind"`
}

// ResourceError is one resource's per-resource failure, per the error
// handling design's "identify the resource, an error kind, and a message".
type ResourceError struct {
	Resource string `json:"resource"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// Result is a reconcile pass's full outcome. Errors is never fatal to the
// pass itself — a non-nil error returned from Reconcile means the pass
// itself could not run (ValidationError, StoreError), not that some
// resources failed.
type Result struct {
	DryRun  bool            `json:"dry_run"`
	Changes []Change        `json:"changes"`
	Errors  []ResourceError `json:"errors,omitempty"`
}

func (r *Result) addChange(resource string, kind ChangeKind) {
	r.Changes = append(r.Changes, Change{Resource: resource, Kind: kind})
}

func (r *Result) addError(resource string, err error) {
	r.Errors = append(r.Errors, ResourceError{
		Resource: resource,
		Kind:     string(errkind.KindOf(err)),
		Message:  err.Error(),
	})
}

// ValidationError rejects the whole request: the graph validator found at
// least one issue, so no plan exists and nothing is applied.
type ValidationError struct {
	Issues []graph.Issue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed with %d issue(s)", len(e.Issues))
}
