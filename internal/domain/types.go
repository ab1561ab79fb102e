/*
Copyright 2020 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package domain holds nclav's cloud-agnostic types: enclaves, partitions,
// exports, imports and the applied-state records the reconciler persists.
package domain

import "time"

// ProducesType is the typed interface a partition offers to importers.
type ProducesType string

// Supported produces types.
const (
	ProducesNone  ProducesType = ""
	ProducesHTTP  ProducesType = "http"
	ProducesTCP   ProducesType = "tcp"
	ProducesQueue ProducesType = "queue"
)

// MandatoryOutputs returns the declared_outputs keys a produces type
// requires, per the contract in the data model.
func (p ProducesType) MandatoryOutputs() []string {
	switch p {
	case ProducesHTTP:
		return []string{"hostname", "port"}
	case ProducesTCP:
		return []string{"hostname", "port"}
	case ProducesQueue:
		return []string{"queue_url"}
	default:
		return nil
	}
}

// Backend selects the IaC tool used for a partition.
type Backend string

// Supported backends.
const (
	BackendTerraform Backend = "terraform"
	BackendOpenTofu  Backend = "opentofu"
)

// Audience is who an export is visible to.
type Audience string

// Well-known audience prefixes/values.
const (
	AudiencePublic    Audience = "public"
	AudienceVPN       Audience = "vpn"
	AudienceAnyEnclave Audience = "enclave:*"
)

// AuthMode is the auth scheme an export requires.
type AuthMode string

// Supported auth modes.
const (
	AuthNone   AuthMode = "none"
	AuthToken  AuthMode = "token"
	AuthOAuth  AuthMode = "oauth"
	AuthMTLS   AuthMode = "mtls"
	AuthNative AuthMode = "native"
)

// legalTypeAuth is the (type, auth) matrix from the data model invariants.
var legalTypeAuth = map[ProducesType]map[AuthMode]bool{
	ProducesHTTP:  {AuthNone: true, AuthToken: true, AuthOAuth: true, AuthMTLS: true},
	ProducesTCP:   {AuthNone: true, AuthMTLS: true, AuthNative: true},
	ProducesQueue: {AuthNone: true, AuthToken: true, AuthNative: true},
}

// LegalTypeAuth reports whether the (type, auth) pair is permitted for an
// export.
func LegalTypeAuth(t ProducesType, a AuthMode) bool {
	m, ok := legalTypeAuth[t]
	if !ok {
		return false
	}
	return m[a]
}

// Export is a named, typed, access-controlled endpoint an enclave offers.
type Export struct {
	Name            string       `json:"name" yaml:"name"`
	TargetPartition string       `json:"target_partition" yaml:"target_partition"`
	Type            ProducesType `json:"type" yaml:"type"`
	To              Audience     `json:"to" yaml:"to"`
	Auth            AuthMode     `json:"auth" yaml:"auth"`
}

// Import is a consumer's reference to another's export.
type Import struct {
	From       string `json:"from" yaml:"from"`
	ExportName string `json:"export_name" yaml:"export_name"`
	Alias      string `json:"alias" yaml:"alias"`
}

// Network is an enclave's optional VPC declaration.
type Network struct {
	VPCCIDR string   `json:"vpc_cidr,omitempty" yaml:"vpc_cidr,omitempty"`
	Subnets []string `json:"subnets,omitempty" yaml:"subnets,omitempty"`
}

// DNS is an enclave's optional zone declaration.
type DNS struct {
	Zone string `json:"zone,omitempty" yaml:"zone,omitempty"`
}

// TerraformSpec is a partition's IaC configuration.
type TerraformSpec struct {
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Tool   string `json:"tool,omitempty" yaml:"tool,omitempty"`
}

// EnclaveDecl is the parsed, not-yet-validated declaration of one enclave.
type EnclaveDecl struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name,omitempty" yaml:"name,omitempty"`
	Cloud      string          `json:"cloud,omitempty" yaml:"cloud,omitempty"`
	Region     string          `json:"region,omitempty" yaml:"region,omitempty"`
	Identity   string          `json:"identity,omitempty" yaml:"identity,omitempty"`
	Network    *Network        `json:"network,omitempty" yaml:"network,omitempty"`
	DNS        *DNS            `json:"dns,omitempty" yaml:"dns,omitempty"`
	Exports    []Export        `json:"exports,omitempty" yaml:"exports,omitempty"`
	Imports    []Import        `json:"imports,omitempty" yaml:"imports,omitempty"`
	Partitions []PartitionDecl `json:"partitions,omitempty" yaml:"-"`
}

// PartitionDecl is the parsed, not-yet-validated declaration of one
// partition.
type PartitionDecl struct {
	EnclaveID      string            `json:"enclave_id" yaml:"-"`
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	Produces       ProducesType      `json:"produces,omitempty" yaml:"produces,omitempty"`
	Backend        Backend           `json:"backend,omitempty" yaml:"backend,omitempty"`
	Terraform      TerraformSpec     `json:"terraform,omitempty" yaml:"terraform,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DeclaredOutputs []string         `json:"declared_outputs,omitempty" yaml:"declared_outputs,omitempty"`
	Imports        []Import          `json:"imports,omitempty" yaml:"imports,omitempty"`
}

// Status is the lifecycle state of an applied enclave or partition record.
type Status string

// Lifecycle statuses.
const (
	StatusPending      Status = "Pending"
	StatusProvisioning Status = "Provisioning"
	StatusActive       Status = "Active"
	StatusUpdating     Status = "Updating"
	StatusDegraded     Status = "Degraded"
	StatusError        Status = "Error"
	StatusDeleting     Status = "Deleting"
	StatusDeleted      Status = "Deleted"
)

// ResourceMeta is carried by every persisted enclave/partition record.
type ResourceMeta struct {
	Status          Status            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastSeenAt      time.Time         `json:"last_seen_at,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	LastErrorKind   string            `json:"last_error_kind,omitempty"`
	DesiredHash     string            `json:"desired_hash,omitempty"`
	Generation      uint64            `json:"generation"`
	Handle          []byte            `json:"handle,omitempty"`
	ResolvedOutputs map[string]string `json:"resolved_outputs,omitempty"`
	ResolvedCloud   string            `json:"resolved_cloud,omitempty"`
}

// EnclaveRecord is the persisted applied state of one enclave.
type EnclaveRecord struct {
	ResourceMeta
	Decl EnclaveDecl `json:"decl"`
}

// PartitionRecord is the persisted applied state of one partition.
type PartitionRecord struct {
	ResourceMeta
	EnclaveID string        `json:"enclave_id"`
	Decl      PartitionDecl `json:"decl"`
}

// EventKind names the kind of an audit event.
type EventKind string

// Well-known event kinds.
const (
	EventEnclaveCreated    EventKind = "enclave_created"
	EventEnclaveUpdated    EventKind = "enclave_updated"
	EventEnclaveDeleted    EventKind = "enclave_deleted"
	EventEnclaveErrored    EventKind = "enclave_errored"
	EventPartitionCreated  EventKind = "partition_created"
	EventPartitionUpdated  EventKind = "partition_updated"
	EventPartitionDeleted  EventKind = "partition_deleted"
	EventPartitionErrored  EventKind = "partition_errored"
	EventImportWired       EventKind = "import_wired"
	EventExportWired       EventKind = "export_wired"
)

// Event is an append-only audit entry.
type Event struct {
	Sequence    uint64    `json:"sequence"`
	EnclaveID   string    `json:"enclave_id"`
	PartitionID string    `json:"partition_id,omitempty"`
	Kind        EventKind `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id"`
	Message     string    `json:"message,omitempty"`
}

// EventFilter narrows a list_events call.
type EventFilter struct {
	EnclaveID   string
	PartitionID string
}

// IacOperation names the kind of Terraform invocation bundle.
type IacOperation string

// Supported IaC operations.
const (
	IacProvision IacOperation = "Provision"
	IacUpdate    IacOperation = "Update"
	IacTeardown  IacOperation = "Teardown"
)

// IacStatus is the lifecycle of a single IaC run.
type IacStatus string

// IaC run statuses.
const (
	IacRunning   IacStatus = "Running"
	IacSucceeded IacStatus = "Succeeded"
	IacFailed    IacStatus = "Failed"
)

// IacRun is one bundle of `terraform init + apply` (or `destroy`).
type IacRun struct {
	ID          string       `json:"id"`
	EnclaveID   string       `json:"enclave_id"`
	PartitionID string       `json:"partition_id"`
	Operation   IacOperation `json:"operation"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Status      IacStatus    `json:"status"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	Log         string       `json:"log"`
}

// TFLockInfo is the opaque JSON body Terraform sends when acquiring a lock.
type TFLockInfo struct {
	ID   string `json:"ID"`
	Raw  []byte `json:"-"`
}
