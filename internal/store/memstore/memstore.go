// Package memstore is an in-memory Store implementation guarded by a single
// mutex. It backs the workdir garbage-collector tests, serves as filekv's
// in-memory mirror, and is the store nclavd uses with --store=memory.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	enclaves   map[string]domain.EnclaveRecord
	partitions map[string]domain.PartitionRecord // key: enclaveID/partitionID

	events    []domain.Event
	nextEvent uint64

	tfState map[string][]byte
	tfLocks map[string]domain.TFLockInfo

	iacRuns       map[string]domain.IacRun
	iacRunsByPart map[string][]string // key: enclaveID/partitionID -> ordered run ids
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		enclaves:      map[string]domain.EnclaveRecord{},
		partitions:    map[string]domain.PartitionRecord{},
		tfState:       map[string][]byte{},
		tfLocks:       map[string]domain.TFLockInfo{},
		iacRuns:       map[string]domain.IacRun{},
		iacRunsByPart: map[string][]string{},
	}
}

// UpsertEnclave implements store.Store.
func (s *Store) UpsertEnclave(_ context.Context, rec domain.EnclaveRecord, expectedGeneration uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.enclaves[rec.Decl.ID]
	if ok && existing.Generation != expectedGeneration {
		return 0, store.ErrConflict
	}
	if !ok && expectedGeneration != 0 {
		return 0, store.ErrConflict
	}

	rec.Generation = expectedGeneration + 1
	s.enclaves[rec.Decl.ID] = rec
	return rec.Generation, nil
}

// GetEnclave implements store.Store.
func (s *Store) GetEnclave(_ context.Context, id string) (*domain.EnclaveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.enclaves[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

// ListEnclaves implements store.Store.
func (s *Store) ListEnclaves(_ context.Context) ([]domain.EnclaveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EnclaveRecord, 0, len(s.enclaves))
	for _, rec := range s.enclaves {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Decl.ID < out[j].Decl.ID })
	return out, nil
}

// DeleteEnclave implements store.Store.
func (s *Store) DeleteEnclave(_ context.Context, id string, expectedGeneration uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.enclaves[id]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Generation != expectedGeneration {
		return store.ErrConflict
	}
	delete(s.enclaves, id)
	return nil
}

func partKey(enclaveID, partitionID string) string { return enclaveID + "/" + partitionID }

// UpsertPartition implements store.Store.
func (s *Store) UpsertPartition(_ context.Context, rec domain.PartitionRecord, expectedGeneration uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := partKey(rec.EnclaveID, rec.Decl.ID)
	existing, ok := s.partitions[key]
	if ok && existing.Generation != expectedGeneration {
		return 0, store.ErrConflict
	}
	if !ok && expectedGeneration != 0 {
		return 0, store.ErrConflict
	}

	rec.Generation = expectedGeneration + 1
	s.partitions[key] = rec
	return rec.Generation, nil
}

// GetPartition implements store.Store.
func (s *Store) GetPartition(_ context.Context, enclaveID, partitionID string) (*domain.PartitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.partitions[partKey(enclaveID, partitionID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

// ListPartitions implements store.Store.
func (s *Store) ListPartitions(_ context.Context, enclaveID string) ([]domain.PartitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PartitionRecord
	for _, rec := range s.partitions {
		if rec.EnclaveID == enclaveID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Decl.ID < out[j].Decl.ID })
	return out, nil
}

// DeletePartition implements store.Store.
func (s *Store) DeletePartition(_ context.Context, enclaveID, partitionID string, expectedGeneration uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partKey(enclaveID, partitionID)
	existing, ok := s.partitions[key]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Generation != expectedGeneration {
		return store.ErrConflict
	}
	delete(s.partitions, key)
	return nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(_ context.Context, ev domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	ev.Sequence = s.nextEvent
	s.events = append(s.events, ev)
	return ev, nil
}

// ListEvents implements store.Store. Returns newest first.
func (s *Store) ListEvents(_ context.Context, filter domain.EventFilter, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if filter.EnclaveID != "" && ev.EnclaveID != filter.EnclaveID {
			continue
		}
		if filter.PartitionID != "" && ev.PartitionID != filter.PartitionID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetTFState implements store.Store.
func (s *Store) GetTFState(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tfState[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// PutTFState implements store.Store.
func (s *Store) PutTFState(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.tfState[key] = cp
	return nil
}

// DeleteTFState implements store.Store.
func (s *Store) DeleteTFState(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tfState, key)
	return nil
}

// LockTFState implements store.Store. Acquisition fails immediately with
// ErrLocked rather than blocking, per the advisory-lock contract.
func (s *Store) LockTFState(_ context.Context, key string, info domain.TFLockInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.tfLocks[key]; held {
		return store.ErrLocked
	}
	s.tfLocks[key] = info
	return nil
}

// UnlockTFState implements store.Store. An empty lockID force-unlocks.
func (s *Store) UnlockTFState(_ context.Context, key string, lockID string) (domain.TFLockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.tfLocks[key]
	if !held {
		return domain.TFLockInfo{}, store.ErrNotFound
	}
	if lockID != "" && cur.ID != lockID {
		return cur, store.ErrConflict
	}
	delete(s.tfLocks, key)
	return cur, nil
}

// CurrentLock implements store.Store.
func (s *Store) CurrentLock(_ context.Context, key string) (*domain.TFLockInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, held := s.tfLocks[key]
	if !held {
		return nil, false, nil
	}
	return &cur, true, nil
}

// AppendIacRun implements store.Store. Idempotent by run id: a second call
// with the same ID updates the existing record (insert-or-update), matching
// the "written twice" contract for one run (start, then finish).
func (s *Store) AppendIacRun(_ context.Context, run domain.IacRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.iacRuns[run.ID]; !exists {
		key := partKey(run.EnclaveID, run.PartitionID)
		s.iacRunsByPart[key] = append(s.iacRunsByPart[key], run.ID)
	}
	s.iacRuns[run.ID] = run
	return nil
}

// GetIacRun implements store.Store.
func (s *Store) GetIacRun(_ context.Context, id string) (*domain.IacRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.iacRuns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &run, nil
}

// ListIacRuns implements store.Store. Capped at the last 100, newest first.
func (s *Store) ListIacRuns(_ context.Context, enclaveID, partitionID string) ([]domain.IacRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.iacRunsByPart[partKey(enclaveID, partitionID)]
	out := make([]domain.IacRun, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && len(out) < 100; i-- {
		out = append(out, s.iacRuns[ids[i]])
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
