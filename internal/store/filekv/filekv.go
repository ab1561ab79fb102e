// Package filekv is nclav's default persistent Store: a single
// append-only log file on disk, replayed into an in-memory mirror on
// open, the way the teacher's workdir.GarbageCollector addresses its
// filesystem through an afero.Afero so the same code runs against the
// real OS or an in-memory fake in tests.
package filekv

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/store"
	"github.com/nclav/nclav/internal/store/memstore"
)

// Error strings.
const (
	errOpenLog    = "cannot open log file %q"
	errReadLog    = "cannot read log file %q"
	errDecodeLine = "cannot decode log line %d of %q"
	errEncodeOp   = "cannot encode operation"
	errAppendOp   = "cannot append operation to log file %q"
	errSyncLog    = "cannot sync log file %q"
	errReplayOp   = "cannot replay operation %q at line %d"
)

// opKind names one mutating Store call, recorded verbatim so it can be
// replayed in order against a fresh memstore.Store on open.
type opKind string

const (
	opUpsertEnclave   opKind = "upsert_enclave"
	opDeleteEnclave   opKind = "delete_enclave"
	opUpsertPartition opKind = "upsert_partition"
	opDeletePartition opKind = "delete_partition"
	opAppendEvent     opKind = "append_event"
	opPutTFState      opKind = "put_tf_state"
	opDeleteTFState   opKind = "delete_tf_state"
	opLockTFState     opKind = "lock_tf_state"
	opUnlockTFState   opKind = "unlock_tf_state"
	opAppendIacRun    opKind = "append_iac_run"
)

// logEntry is one line of the append-only log.
type logEntry struct {
	Op                 opKind          `json:"op"`
	ExpectedGeneration uint64          `json:"expected_generation,omitempty"`
	Key                string          `json:"key,omitempty"`
	LockID             string          `json:"lock_id,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// Store is a single-file embedded implementation of store.Store. All
// reads are served from an in-memory mirror; every mutation is applied to
// the mirror first and, if that succeeds, appended to the log file and
// fsync'd before the call returns.
type Store struct {
	mu   sync.Mutex
	fs   afero.Afero
	path string
	f    afero.File

	mem *memstore.Store
}

// Option configures a new Store.
type Option func(*Store)

// WithFs configures the afero filesystem the log file is read through.
// The default is the real operating system filesystem.
func WithFs(fs afero.Afero) Option {
	return func(s *Store) { s.fs = fs }
}

// Open opens (creating if absent) the single-file store at path,
// replaying its log into an in-memory mirror.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		fs:   afero.Afero{Fs: afero.NewOsFs()},
		path: path,
		mem:  memstore.New(),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, errOpenLog, path)
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	f, err := s.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, errOpenLog, path)
	}
	s.f = f

	return s, nil
}

// Close flushes and closes the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

func (s *Store) replay() error {
	exists, err := s.fs.Exists(s.path)
	if err != nil {
		return errors.Wrapf(err, errReadLog, s.path)
	}
	if !exists {
		return nil
	}

	f, err := s.fs.Open(s.path)
	if err != nil {
		return errors.Wrapf(err, errReadLog, s.path)
	}
	defer f.Close() //nolint:errcheck // best-effort close after a read-only scan

	ctx := context.Background()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e logEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return errors.Wrapf(err, errDecodeLine, line, s.path)
		}
		if err := s.apply(ctx, e); err != nil {
			return errors.Wrapf(err, errReplayOp, e.Op, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, errReadLog, s.path)
	}
	return nil
}

// apply replays a single logEntry against the in-memory mirror.
// Conflicts encountered during replay are impossible in practice (the
// log only ever contains operations that already succeeded) but are
// surfaced rather than silently ignored, since a conflict here means
// the log itself is corrupt.
func (s *Store) apply(ctx context.Context, e logEntry) error {
	switch e.Op {
	case opUpsertEnclave:
		var rec domain.EnclaveRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return err
		}
		_, err := s.mem.UpsertEnclave(ctx, rec, e.ExpectedGeneration)
		return err
	case opDeleteEnclave:
		return s.mem.DeleteEnclave(ctx, e.Key, e.ExpectedGeneration)
	case opUpsertPartition:
		var rec domain.PartitionRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return err
		}
		_, err := s.mem.UpsertPartition(ctx, rec, e.ExpectedGeneration)
		return err
	case opDeletePartition:
		enclaveID, partitionID := splitKey(e.Key)
		return s.mem.DeletePartition(ctx, enclaveID, partitionID, e.ExpectedGeneration)
	case opAppendEvent:
		var ev domain.Event
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return err
		}
		_, err := s.mem.AppendEvent(ctx, ev)
		return err
	case opPutTFState:
		return s.mem.PutTFState(ctx, e.Key, e.Payload)
	case opDeleteTFState:
		return s.mem.DeleteTFState(ctx, e.Key)
	case opLockTFState:
		var info domain.TFLockInfo
		if err := json.Unmarshal(e.Payload, &info); err != nil {
			return err
		}
		return s.mem.LockTFState(ctx, e.Key, info)
	case opUnlockTFState:
		_, err := s.mem.UnlockTFState(ctx, e.Key, e.LockID)
		return err
	case opAppendIacRun:
		var run domain.IacRun
		if err := json.Unmarshal(e.Payload, &run); err != nil {
			return err
		}
		return s.mem.AppendIacRun(ctx, run)
	}
	return nil
}

// appendLog appends and fsyncs one entry. Called with s.mu held.
func (s *Store) appendLog(e logEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, errEncodeOp)
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		return errors.Wrapf(err, errAppendOp, s.path)
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrapf(err, errSyncLog, s.path)
	}
	return nil
}

func splitKey(key string) (enclaveID, partitionID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// UpsertEnclave implements store.Store.
func (s *Store) UpsertEnclave(ctx context.Context, rec domain.EnclaveRecord, expectedGeneration uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.mem.UpsertEnclave(ctx, rec, expectedGeneration)
	if err != nil {
		return 0, err
	}
	rec.Generation = gen
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, errors.Wrap(err, errEncodeOp)
	}
	if err := s.appendLog(logEntry{Op: opUpsertEnclave, ExpectedGeneration: expectedGeneration, Payload: payload}); err != nil {
		return 0, err
	}
	return gen, nil
}

// GetEnclave implements store.Store.
func (s *Store) GetEnclave(ctx context.Context, id string) (*domain.EnclaveRecord, error) {
	return s.mem.GetEnclave(ctx, id)
}

// ListEnclaves implements store.Store.
func (s *Store) ListEnclaves(ctx context.Context) ([]domain.EnclaveRecord, error) {
	return s.mem.ListEnclaves(ctx)
}

// DeleteEnclave implements store.Store.
func (s *Store) DeleteEnclave(ctx context.Context, id string, expectedGeneration uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.DeleteEnclave(ctx, id, expectedGeneration); err != nil {
		return err
	}
	return s.appendLog(logEntry{Op: opDeleteEnclave, Key: id, ExpectedGeneration: expectedGeneration})
}

// UpsertPartition implements store.Store.
func (s *Store) UpsertPartition(ctx context.Context, rec domain.PartitionRecord, expectedGeneration uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.mem.UpsertPartition(ctx, rec, expectedGeneration)
	if err != nil {
		return 0, err
	}
	rec.Generation = gen
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, errors.Wrap(err, errEncodeOp)
	}
	if err := s.appendLog(logEntry{Op: opUpsertPartition, ExpectedGeneration: expectedGeneration, Payload: payload}); err != nil {
		return 0, err
	}
	return gen, nil
}

// GetPartition implements store.Store.
func (s *Store) GetPartition(ctx context.Context, enclaveID, partitionID string) (*domain.PartitionRecord, error) {
	return s.mem.GetPartition(ctx, enclaveID, partitionID)
}

// ListPartitions implements store.Store.
func (s *Store) ListPartitions(ctx context.Context, enclaveID string) ([]domain.PartitionRecord, error) {
	return s.mem.ListPartitions(ctx, enclaveID)
}

// DeletePartition implements store.Store.
func (s *Store) DeletePartition(ctx context.Context, enclaveID, partitionID string, expectedGeneration uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.DeletePartition(ctx, enclaveID, partitionID, expectedGeneration); err != nil {
		return err
	}
	return s.appendLog(logEntry{Op: opDeletePartition, Key: store.StateKey(enclaveID, partitionID), ExpectedGeneration: expectedGeneration})
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.mem.AppendEvent(ctx, ev)
	if err != nil {
		return domain.Event{}, err
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return domain.Event{}, errors.Wrap(err, errEncodeOp)
	}
	if err := s.appendLog(logEntry{Op: opAppendEvent, Payload: payload}); err != nil {
		return domain.Event{}, err
	}
	return stored, nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter, limit int) ([]domain.Event, error) {
	return s.mem.ListEvents(ctx, filter, limit)
}

// GetTFState implements store.Store.
func (s *Store) GetTFState(ctx context.Context, key string) ([]byte, error) {
	return s.mem.GetTFState(ctx, key)
}

// PutTFState implements store.Store.
func (s *Store) PutTFState(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.PutTFState(ctx, key, data); err != nil {
		return err
	}
	return s.appendLog(logEntry{Op: opPutTFState, Key: key, Payload: data})
}

// DeleteTFState implements store.Store.
func (s *Store) DeleteTFState(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.DeleteTFState(ctx, key); err != nil {
		return err
	}
	return s.appendLog(logEntry{Op: opDeleteTFState, Key: key})
}

// LockTFState implements store.Store.
func (s *Store) LockTFState(ctx context.Context, key string, info domain.TFLockInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.LockTFState(ctx, key, info); err != nil {
		return err
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, errEncodeOp)
	}
	return s.appendLog(logEntry{Op: opLockTFState, Key: key, Payload: payload})
}

// UnlockTFState implements store.Store.
func (s *Store) UnlockTFState(ctx context.Context, key string, lockID string) (domain.TFLockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.mem.UnlockTFState(ctx, key, lockID)
	if err != nil {
		return info, err
	}
	if err := s.appendLog(logEntry{Op: opUnlockTFState, Key: key, LockID: lockID}); err != nil {
		return info, err
	}
	return info, nil
}

// CurrentLock implements store.Store.
func (s *Store) CurrentLock(ctx context.Context, key string) (*domain.TFLockInfo, bool, error) {
	return s.mem.CurrentLock(ctx, key)
}

// AppendIacRun implements store.Store.
func (s *Store) AppendIacRun(ctx context.Context, run domain.IacRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.AppendIacRun(ctx, run); err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, errEncodeOp)
	}
	return s.appendLog(logEntry{Op: opAppendIacRun, Payload: payload})
}

// GetIacRun implements store.Store.
func (s *Store) GetIacRun(ctx context.Context, id string) (*domain.IacRun, error) {
	return s.mem.GetIacRun(ctx, id)
}

// ListIacRuns implements store.Store.
func (s *Store) ListIacRuns(ctx context.Context, enclaveID, partitionID string) ([]domain.IacRun, error) {
	return s.mem.ListIacRuns(ctx, enclaveID, partitionID)
}

var _ store.Store = (*Store)(nil)
