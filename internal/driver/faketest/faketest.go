// Package faketest is an in-memory driver that keeps its state in maps
// instead of calling a cloud API. cmd/nclavd registers it as the driver
// for the --default-cloud name.
package faketest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/driver"
)

type state struct {
	exists  bool
	outputs map[string]string
}

// Driver is an in-memory driver.Driver. Every provisioned partition is
// tracked by (enclave id, partition id) so Observe reflects exactly what
// Provision/Teardown did, with no real infrastructure behind it.
type Driver struct {
	mu sync.Mutex

	name string

	enclaves   map[string]state
	partitions map[string]state

	// FailPartitions, if set, names partitions whose ProvisionPartition
	// call should fail, for exercising the reconciler's failure-isolation
	// path.
	FailPartitions map[string]bool
}

// New returns a faketest driver named name (default "faketest" if empty).
func New(name string) *Driver {
	if name == "" {
		name = "faketest"
	}
	return &Driver{
		name:       name,
		enclaves:   map[string]state{},
		partitions: map[string]state{},
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return d.name }

// ContextVars implements driver.Driver.
func (d *Driver) ContextVars(_ context.Context, e domain.EnclaveDecl) (driver.ContextVars, error) {
	return driver.ContextVars{ProjectID: "faketest-" + e.ID, Region: e.Region}, nil
}

// AuthEnv implements driver.Driver.
func (d *Driver) AuthEnv(_ context.Context, _ domain.EnclaveDecl) (map[string]string, error) {
	return map[string]string{"FAKETEST_AUTH": "1"}, nil
}

func partKey(enclaveID, partitionID string) string { return enclaveID + "/" + partitionID }

// ProvisionEnclave implements driver.Driver.
func (d *Driver) ProvisionEnclave(_ context.Context, e domain.EnclaveDecl, prior driver.Handle) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enclaves[e.ID] = state{exists: true}
	return handleFor(e.ID), nil
}

// ObserveEnclave implements driver.Driver.
func (d *Driver) ObserveEnclave(_ context.Context, e domain.EnclaveDecl, _ driver.Handle) (driver.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.enclaves[e.ID]
	return driver.Observation{Exists: ok && s.exists, Healthy: ok && s.exists}, nil
}

// TeardownEnclave implements driver.Driver.
func (d *Driver) TeardownEnclave(_ context.Context, e domain.EnclaveDecl, _ driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.enclaves, e.ID)
	return nil
}

// ProvisionPartition implements driver.Driver. It synthesizes one value
// per declared output so produces/declared_outputs contracts can be
// exercised without a real backend.
func (d *Driver) ProvisionPartition(_ context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, vars map[string]string, prior driver.Handle) (driver.Handle, map[string]string, error) {
	key := partKey(e.ID, p.ID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailPartitions[key] {
		return nil, nil, fmt.Errorf("faketest: provision of %q configured to fail", key)
	}

	outputs := map[string]string{}
	for _, k := range p.DeclaredOutputs {
		outputs[k] = fmt.Sprintf("%s-%s-value", key, k)
	}
	d.partitions[key] = state{exists: true, outputs: outputs}
	return handleFor(key), outputs, nil
}

// ObservePartition implements driver.Driver.
func (d *Driver) ObservePartition(_ context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, _ driver.Handle) (driver.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.partitions[partKey(e.ID, p.ID)]
	if !ok {
		return driver.Observation{}, nil
	}
	return driver.Observation{Exists: s.exists, Healthy: s.exists, ResolvedOutputs: s.outputs}, nil
}

// TeardownPartition implements driver.Driver.
func (d *Driver) TeardownPartition(_ context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, _ driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.partitions, partKey(e.ID, p.ID))
	return nil
}

// ProvisionImport implements driver.Driver. faketest has no side channel
// to wire, so this is a no-op that always succeeds.
func (d *Driver) ProvisionImport(_ context.Context, _ domain.EnclaveDecl, _ domain.PartitionDecl, _ string, _ map[string]string) error {
	return nil
}

func handleFor(id string) driver.Handle {
	b, _ := json.Marshal(map[string]string{"id": id})
	return driver.Handle(b)
}

var _ driver.Driver = (*Driver)(nil)
