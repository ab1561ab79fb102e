// Package pgstore is nclav's Postgres-backed Store, for shared or
// clustered deployments where several nclavd processes must see one
// consistent view of applied state. Optimistic concurrency is enforced
// with a conditional UPDATE and a RowsAffected check rather than
// SELECT-then-UPDATE, so two concurrent writers racing on the same
// generation can never both succeed.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" sql driver
	"github.com/pkg/errors"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Error strings.
const (
	errOpen     = "cannot open postgres connection"
	errMigrate  = "cannot run migrations"
	errQuery    = "query failed"
	errScan     = "cannot scan row"
	errMarshal  = "cannot marshal value"
	errTx       = "transaction failed"
)

// Store is a Postgres-backed implementation of store.Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and applies any pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errOpen)
	}

	if err := migrateUp(db.DB); err != nil {
		return nil, errors.Wrap(err, errMigrate)
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type enclaveRow struct {
	ID              string          `db:"id"`
	Decl            json.RawMessage `db:"decl"`
	Status          string          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	LastSeenAt      sql.NullTime    `db:"last_seen_at"`
	LastError       string          `db:"last_error"`
	LastErrorKind   string          `db:"last_error_kind"`
	DesiredHash     string          `db:"desired_hash"`
	Generation      uint64          `db:"generation"`
	Handle          []byte          `db:"handle"`
	ResolvedOutputs json.RawMessage `db:"resolved_outputs"`
	ResolvedCloud   string          `db:"resolved_cloud"`
}

func (r enclaveRow) toRecord() (domain.EnclaveRecord, error) {
	rec := domain.EnclaveRecord{
		ResourceMeta: domain.ResourceMeta{
			Status:        domain.Status(r.Status),
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
			LastError:     r.LastError,
			LastErrorKind: r.LastErrorKind,
			DesiredHash:   r.DesiredHash,
			Generation:    r.Generation,
			Handle:        r.Handle,
			ResolvedCloud: r.ResolvedCloud,
		},
	}
	if r.LastSeenAt.Valid {
		rec.LastSeenAt = r.LastSeenAt.Time
	}
	if err := json.Unmarshal(r.Decl, &rec.Decl); err != nil {
		return rec, errors.Wrap(err, errScan)
	}
	if len(r.ResolvedOutputs) > 0 {
		if err := json.Unmarshal(r.ResolvedOutputs, &rec.ResolvedOutputs); err != nil {
			return rec, errors.Wrap(err, errScan)
		}
	}
	return rec, nil
}

// UpsertEnclave implements store.Store.
func (s *Store) UpsertEnclave(ctx context.Context, rec domain.EnclaveRecord, expectedGeneration uint64) (uint64, error) {
	decl, err := json.Marshal(rec.Decl)
	if err != nil {
		return 0, errors.Wrap(err, errMarshal)
	}
	outputs, err := json.Marshal(rec.ResolvedOutputs)
	if err != nil {
		return 0, errors.Wrap(err, errMarshal)
	}
	newGen := expectedGeneration + 1

	if expectedGeneration == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO enclaves (id, decl, status, created_at, updated_at, last_error, last_error_kind, desired_hash, generation, handle, resolved_outputs, resolved_cloud)
			VALUES ($1,$2,$3,$4,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (id) DO NOTHING`,
			rec.Decl.ID, decl, rec.Status, rec.UpdatedAt, rec.LastError, rec.LastErrorKind, rec.DesiredHash, newGen, rec.Handle, outputs, rec.ResolvedCloud)
		if err != nil {
			return 0, errors.Wrap(err, errQuery)
		}
		// ON CONFLICT DO NOTHING silently no-ops if the row already
		// exists, so confirm the insert actually affected a row.
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, errQuery)
		}
		if n == 0 {
			return 0, store.ErrConflict
		}
		return newGen, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE enclaves SET decl=$1, status=$2, updated_at=$3, last_error=$4, last_error_kind=$5,
			desired_hash=$6, generation=$7, handle=$8, resolved_outputs=$9, resolved_cloud=$10
		WHERE id=$11 AND generation=$12`,
		decl, rec.Status, rec.UpdatedAt, rec.LastError, rec.LastErrorKind, rec.DesiredHash, newGen, rec.Handle, outputs, rec.ResolvedCloud, rec.Decl.ID, expectedGeneration)
	if err != nil {
		return 0, errors.Wrap(err, errQuery)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errQuery)
	}
	if n == 0 {
		return 0, store.ErrConflict
	}
	return newGen, nil
}

// GetEnclave implements store.Store.
func (s *Store) GetEnclave(ctx context.Context, id string) (*domain.EnclaveRecord, error) {
	var row enclaveRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM enclaves WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errQuery)
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListEnclaves implements store.Store.
func (s *Store) ListEnclaves(ctx context.Context) ([]domain.EnclaveRecord, error) {
	var rows []enclaveRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM enclaves ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, errQuery)
	}
	out := make([]domain.EnclaveRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteEnclave implements store.Store.
func (s *Store) DeleteEnclave(ctx context.Context, id string, expectedGeneration uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enclaves WHERE id=$1 AND generation=$2`, id, expectedGeneration)
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	if n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM enclaves WHERE id=$1)`, id); err != nil {
			return errors.Wrap(err, errQuery)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

type partitionRow struct {
	EnclaveID       string          `db:"enclave_id"`
	ID              string          `db:"id"`
	Decl            json.RawMessage `db:"decl"`
	Status          string          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	LastSeenAt      sql.NullTime    `db:"last_seen_at"`
	LastError       string          `db:"last_error"`
	LastErrorKind   string          `db:"last_error_kind"`
	DesiredHash     string          `db:"desired_hash"`
	Generation      uint64          `db:"generation"`
	Handle          []byte          `db:"handle"`
	ResolvedOutputs json.RawMessage `db:"resolved_outputs"`
	ResolvedCloud   string          `db:"resolved_cloud"`
}

func (r partitionRow) toRecord() (domain.PartitionRecord, error) {
	rec := domain.PartitionRecord{
		EnclaveID: r.EnclaveID,
		ResourceMeta: domain.ResourceMeta{
			Status:        domain.Status(r.Status),
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
			LastError:     r.LastError,
			LastErrorKind: r.LastErrorKind,
			DesiredHash:   r.DesiredHash,
			Generation:    r.Generation,
			Handle:        r.Handle,
			ResolvedCloud: r.ResolvedCloud,
		},
	}
	if r.LastSeenAt.Valid {
		rec.LastSeenAt = r.LastSeenAt.Time
	}
	if err := json.Unmarshal(r.Decl, &rec.Decl); err != nil {
		return rec, errors.Wrap(err, errScan)
	}
	if len(r.ResolvedOutputs) > 0 {
		if err := json.Unmarshal(r.ResolvedOutputs, &rec.ResolvedOutputs); err != nil {
			return rec, errors.Wrap(err, errScan)
		}
	}
	return rec, nil
}

// UpsertPartition implements store.Store.
func (s *Store) UpsertPartition(ctx context.Context, rec domain.PartitionRecord, expectedGeneration uint64) (uint64, error) {
	decl, err := json.Marshal(rec.Decl)
	if err != nil {
		return 0, errors.Wrap(err, errMarshal)
	}
	outputs, err := json.Marshal(rec.ResolvedOutputs)
	if err != nil {
		return 0, errors.Wrap(err, errMarshal)
	}
	newGen := expectedGeneration + 1

	if expectedGeneration == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO partitions (enclave_id, id, decl, status, created_at, updated_at, last_error, last_error_kind, desired_hash, generation, handle, resolved_outputs, resolved_cloud)
			VALUES ($1,$2,$3,$4,$5,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (enclave_id, id) DO NOTHING`,
			rec.EnclaveID, rec.Decl.ID, decl, rec.Status, rec.UpdatedAt, rec.LastError, rec.LastErrorKind, rec.DesiredHash, newGen, rec.Handle, outputs, rec.ResolvedCloud)
		if err != nil {
			return 0, errors.Wrap(err, errQuery)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, errQuery)
		}
		if n == 0 {
			return 0, store.ErrConflict
		}
		return newGen, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE partitions SET decl=$1, status=$2, updated_at=$3, last_error=$4, last_error_kind=$5,
			desired_hash=$6, generation=$7, handle=$8, resolved_outputs=$9, resolved_cloud=$10
		WHERE enclave_id=$11 AND id=$12 AND generation=$13`,
		decl, rec.Status, rec.UpdatedAt, rec.LastError, rec.LastErrorKind, rec.DesiredHash, newGen, rec.Handle, outputs, rec.ResolvedCloud, rec.EnclaveID, rec.Decl.ID, expectedGeneration)
	if err != nil {
		return 0, errors.Wrap(err, errQuery)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errQuery)
	}
	if n == 0 {
		return 0, store.ErrConflict
	}
	return newGen, nil
}

// GetPartition implements store.Store.
func (s *Store) GetPartition(ctx context.Context, enclaveID, partitionID string) (*domain.PartitionRecord, error) {
	var row partitionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM partitions WHERE enclave_id=$1 AND id=$2`, enclaveID, partitionID)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errQuery)
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListPartitions implements store.Store.
func (s *Store) ListPartitions(ctx context.Context, enclaveID string) ([]domain.PartitionRecord, error) {
	var rows []partitionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM partitions WHERE enclave_id=$1 ORDER BY id`, enclaveID); err != nil {
		return nil, errors.Wrap(err, errQuery)
	}
	out := make([]domain.PartitionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeletePartition implements store.Store.
func (s *Store) DeletePartition(ctx context.Context, enclaveID, partitionID string, expectedGeneration uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM partitions WHERE enclave_id=$1 AND id=$2 AND generation=$3`, enclaveID, partitionID, expectedGeneration)
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	if n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM partitions WHERE enclave_id=$1 AND id=$2)`, enclaveID, partitionID); err != nil {
			return errors.Wrap(err, errQuery)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	err := s.db.GetContext(ctx, &ev.Sequence, `
		INSERT INTO events (enclave_id, partition_id, kind, timestamp, run_id, message)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING sequence`,
		ev.EnclaveID, ev.PartitionID, ev.Kind, ev.Timestamp, ev.RunID, ev.Message)
	if err != nil {
		return domain.Event{}, errors.Wrap(err, errQuery)
	}
	return ev, nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []domain.Event
	var err error
	switch {
	case filter.PartitionID != "":
		err = s.db.SelectContext(ctx, &rows, `
			SELECT sequence, enclave_id, partition_id, kind, timestamp, run_id, message FROM events
			WHERE enclave_id=$1 AND partition_id=$2 ORDER BY sequence DESC LIMIT $3`,
			filter.EnclaveID, filter.PartitionID, limit)
	case filter.EnclaveID != "":
		err = s.db.SelectContext(ctx, &rows, `
			SELECT sequence, enclave_id, partition_id, kind, timestamp, run_id, message FROM events
			WHERE enclave_id=$1 ORDER BY sequence DESC LIMIT $2`,
			filter.EnclaveID, limit)
	default:
		err = s.db.SelectContext(ctx, &rows, `
			SELECT sequence, enclave_id, partition_id, kind, timestamp, run_id, message FROM events
			ORDER BY sequence DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, errQuery)
	}
	return rows, nil
}

// GetTFState implements store.Store.
func (s *Store) GetTFState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM tf_state WHERE key=$1`, key)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errQuery)
	}
	return data, nil
}

// PutTFState implements store.Store.
func (s *Store) PutTFState(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tf_state (key, data) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET data=EXCLUDED.data`, key, data)
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	return nil
}

// DeleteTFState implements store.Store.
func (s *Store) DeleteTFState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tf_state WHERE key=$1`, key)
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	return nil
}

// LockTFState implements store.Store.
func (s *Store) LockTFState(ctx context.Context, key string, info domain.TFLockInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, errMarshal)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tf_locks (key, info) VALUES ($1,$2)
		ON CONFLICT (key) DO NOTHING`, key, payload)
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	if n == 0 {
		return store.ErrLocked
	}
	return nil
}

// UnlockTFState implements store.Store.
func (s *Store) UnlockTFState(ctx context.Context, key string, lockID string) (domain.TFLockInfo, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload, `SELECT info FROM tf_locks WHERE key=$1`, key)
	if err == sql.ErrNoRows {
		return domain.TFLockInfo{}, store.ErrNotFound
	}
	if err != nil {
		return domain.TFLockInfo{}, errors.Wrap(err, errQuery)
	}
	var info domain.TFLockInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return domain.TFLockInfo{}, errors.Wrap(err, errScan)
	}
	if lockID != "" && info.ID != lockID {
		return info, store.ErrConflict
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tf_locks WHERE key=$1`, key); err != nil {
		return info, errors.Wrap(err, errQuery)
	}
	return info, nil
}

// CurrentLock implements store.Store.
func (s *Store) CurrentLock(ctx context.Context, key string) (*domain.TFLockInfo, bool, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload, `SELECT info FROM tf_locks WHERE key=$1`, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errQuery)
	}
	var info domain.TFLockInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, false, errors.Wrap(err, errScan)
	}
	return &info, true, nil
}

// AppendIacRun implements store.Store. Insert-or-update by id, since one
// run is recorded at start and again at completion.
func (s *Store) AppendIacRun(ctx context.Context, run domain.IacRun) error {
	var exitCode sql.NullInt32
	if run.ExitCode != nil {
		exitCode = sql.NullInt32{Int32: int32(*run.ExitCode), Valid: true}
	}
	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iac_runs (id, enclave_id, partition_id, operation, started_at, finished_at, status, exit_code, log)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			finished_at=EXCLUDED.finished_at, status=EXCLUDED.status, exit_code=EXCLUDED.exit_code, log=EXCLUDED.log`,
		run.ID, run.EnclaveID, run.PartitionID, run.Operation, run.StartedAt, finishedAt, run.Status, exitCode, run.Log)
	if err != nil {
		return errors.Wrap(err, errQuery)
	}
	return nil
}

// GetIacRun implements store.Store.
func (s *Store) GetIacRun(ctx context.Context, id string) (*domain.IacRun, error) {
	var row iacRunRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM iac_runs WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errQuery)
	}
	run := row.toRun()
	return &run, nil
}

type iacRunRow struct {
	ID          string        `db:"id"`
	EnclaveID   string        `db:"enclave_id"`
	PartitionID string        `db:"partition_id"`
	Operation   string        `db:"operation"`
	StartedAt   time.Time     `db:"started_at"`
	FinishedAt  sql.NullTime  `db:"finished_at"`
	Status      string        `db:"status"`
	ExitCode    sql.NullInt32 `db:"exit_code"`
	Log         string        `db:"log"`
}

func (r iacRunRow) toRun() domain.IacRun {
	run := domain.IacRun{
		ID:          r.ID,
		EnclaveID:   r.EnclaveID,
		PartitionID: r.PartitionID,
		Operation:   domain.IacOperation(r.Operation),
		StartedAt:   r.StartedAt,
		Status:      domain.IacStatus(r.Status),
		Log:         r.Log,
	}
	if r.FinishedAt.Valid {
		run.FinishedAt = &r.FinishedAt.Time
	}
	if r.ExitCode.Valid {
		ec := int(r.ExitCode.Int32)
		run.ExitCode = &ec
	}
	return run
}

// ListIacRuns implements store.Store.
func (s *Store) ListIacRuns(ctx context.Context, enclaveID, partitionID string) ([]domain.IacRun, error) {
	var rows []iacRunRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM iac_runs WHERE enclave_id=$1 AND partition_id=$2 ORDER BY started_at DESC LIMIT 100`,
		enclaveID, partitionID)
	if err != nil {
		return nil, errors.Wrap(err, errQuery)
	}

	out := make([]domain.IacRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRun())
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
