// Package store defines the state store's abstract operations: applied
// enclave/partition records with optimistic concurrency, audit events, the
// Terraform HTTP backend's state blobs and advisory locks, and IaC run
// records. Three implementations satisfy Store: memstore (tests),
// filekv (the default persistent single-file implementation) and pgstore
// (shared/clustered Postgres deployment).
package store

import (
	"context"
	"errors"

	"github.com/nclav/nclav/internal/domain"
)

// ErrConflict is returned when an upsert's expected_generation no longer
// matches the stored generation.
var ErrConflict = errors.New("generation conflict")

// ErrNotFound is returned by get/delete operations when no record exists.
var ErrNotFound = errors.New("not found")

// ErrLocked is returned by lock_tf_state when the key is already locked.
var ErrLocked = errors.New("state locked")

// Store is the full state store contract.
type Store interface {
	UpsertEnclave(ctx context.Context, rec domain.EnclaveRecord, expectedGeneration uint64) (uint64, error)
	GetEnclave(ctx context.Context, id string) (*domain.EnclaveRecord, error)
	ListEnclaves(ctx context.Context) ([]domain.EnclaveRecord, error)
	DeleteEnclave(ctx context.Context, id string, expectedGeneration uint64) error

	UpsertPartition(ctx context.Context, rec domain.PartitionRecord, expectedGeneration uint64) (uint64, error)
	GetPartition(ctx context.Context, enclaveID, partitionID string) (*domain.PartitionRecord, error)
	ListPartitions(ctx context.Context, enclaveID string) ([]domain.PartitionRecord, error)
	DeletePartition(ctx context.Context, enclaveID, partitionID string, expectedGeneration uint64) error

	AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error)
	ListEvents(ctx context.Context, filter domain.EventFilter, limit int) ([]domain.Event, error)

	GetTFState(ctx context.Context, key string) ([]byte, error)
	PutTFState(ctx context.Context, key string, data []byte) error
	DeleteTFState(ctx context.Context, key string) error

	LockTFState(ctx context.Context, key string, info domain.TFLockInfo) error
	UnlockTFState(ctx context.Context, key string, lockID string) (domain.TFLockInfo, error)
	CurrentLock(ctx context.Context, key string) (*domain.TFLockInfo, bool, error)

	AppendIacRun(ctx context.Context, run domain.IacRun) error
	GetIacRun(ctx context.Context, id string) (*domain.IacRun, error)
	ListIacRuns(ctx context.Context, enclaveID, partitionID string) ([]domain.IacRun, error)
}

// StateKey builds the "{enclave_id}/{partition_id}" key used for TF state
// and lock storage.
func StateKey(enclaveID, partitionID string) string {
	return enclaveID + "/" + partitionID
}
