// Package driver defines the cloud driver contract: the seam between the
// reconciler's lifecycle logic and a specific cloud's way of actually
// provisioning an enclave or partition. A driver is free to shell out to
// Terraform/OpenTofu, call a cloud SDK directly, or (in faketest) do
// nothing at all; the reconciler only ever sees this interface.
package driver

import (
	"context"
	"fmt"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/errkind"
)

// Handle is an opaque, driver-owned token persisted alongside a record
// (domain.ResourceMeta.Handle) and handed back on every subsequent call
// for that resource. The reconciler never interprets its contents.
type Handle []byte

// ContextVars returns the fixed "nclav_*" template tokens available to a
// partition declared under enclave e, for the given cloud.
type ContextVars struct {
	ProjectID string
	Region    string
}

// Driver is the contract one cloud backend implements.
type Driver interface {
	// Name identifies the driver, e.g. "aws", "gcp", "faketest".
	Name() string

	// ContextVars resolves the fixed "nclav_*" tokens for an enclave.
	ContextVars(ctx context.Context, e domain.EnclaveDecl) (ContextVars, error)

	// AuthEnv returns the environment variables a Terraform subprocess
	// needs to authenticate against this cloud for the given identity.
	AuthEnv(ctx context.Context, e domain.EnclaveDecl) (map[string]string, error)

	// ProvisionEnclave creates or updates cloud-level scaffolding for an
	// enclave (network, DNS zone) that is not itself a partition. It
	// returns the (possibly new) handle to persist.
	ProvisionEnclave(ctx context.Context, e domain.EnclaveDecl, prior Handle) (Handle, error)

	// ObserveEnclave checks whether the enclave-level scaffolding behind
	// handle is still present and healthy.
	ObserveEnclave(ctx context.Context, e domain.EnclaveDecl, handle Handle) (Observation, error)

	// TeardownEnclave removes the enclave-level scaffolding behind handle.
	TeardownEnclave(ctx context.Context, e domain.EnclaveDecl, handle Handle) error

	// ProvisionPartition creates or updates partition p's driver-side
	// scaffolding and returns the (possibly new) handle plus any outputs
	// the driver resolves itself. The reconciler runs the partition's
	// Terraform/OpenTofu configuration separately, through its IacRunner.
	ProvisionPartition(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, vars map[string]string, prior Handle) (Handle, map[string]string, error)

	// ObservePartition checks the partition's current applied state.
	ObservePartition(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, handle Handle) (Observation, error)

	// TeardownPartition destroys the partition's provisioned resources.
	TeardownPartition(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, handle Handle) error

	// ProvisionImport wires an already-resolved import value into the
	// consuming partition's environment, for drivers that must do more
	// than substitute a template string (e.g. registering a firewall
	// rule admitting the importer).
	ProvisionImport(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, alias string, values map[string]string) error
}

// Observation is the result of an Observe* call.
type Observation struct {
	Exists         bool
	Healthy        bool
	ResolvedOutputs map[string]string
	Message        string
}

// Registry dispatches to a named driver, falling back to a configured
// default when an enclave does not declare one.
type Registry struct {
	drivers map[string]Driver
	def     string
}

// NewRegistry returns a Registry with the given default driver name. The
// default must be registered via Register before use.
func NewRegistry(def string) *Registry {
	return &Registry{drivers: map[string]Driver{}, def: def}
}

// Register adds d under its own Name().
func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

// For resolves the driver for an enclave: the enclave's declared cloud,
// or the registry's default if unset.
func (r *Registry) For(e domain.EnclaveDecl) (Driver, error) {
	name := e.Cloud
	if name == "" {
		name = r.def
	}
	return r.ByName(name)
}

// ByName resolves a driver by its registered name directly, used by
// teardown when the resource's desired declaration is already gone and
// only its persisted resolved_cloud remains to say which driver applies.
func (r *Registry) ByName(name string) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, &errkind.Error{
			Kind:    errkind.Driver,
			SubKind: errkind.DriverNotConfigured,
			Msg:     fmt.Sprintf("driver %q is not configured", name),
		}
	}
	return d, nil
}
