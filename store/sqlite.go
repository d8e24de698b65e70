package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/fsm"
)

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite persists instances and outbox entries in two tables.
type SQLite struct {
	db          *sql.DB
	now         func() time.Time
	table       string
	outboxTable string

	schemaOnce sync.Once
	schemaErr  error
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens a modernc SQLite database. In-memory databases are pinned
// to one connection so every query sees the same data.
func OpenSQLite(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLite builds a store on db. Tables are created on first use.
func NewSQLite(db *sql.DB, opts ...Option) *SQLite {
	o := buildOptions(opts)
	return &SQLite{
		db:          db,
		now:         o.now,
		table:       o.table,
		outboxTable: o.table + "_outbox",
	}
}

// Load reads one instance.
func (s *SQLite) Load(ctx context.Context, id string) (*fsm.Instance, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	q := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, s.table)
	var data string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance([]byte(data))
}

// Save performs a compare-and-set write on the version column.
func (s *SQLite) Save(ctx context.Context, inst *fsm.Instance, expectedVersion int) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	return s.save(ctx, s.db, inst, expectedVersion)
}

// Delete removes an instance row.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)
	_, err := s.db.ExecContext(ctx, q, strings.TrimSpace(id))
	return err
}

// List returns every instance ordered by id.
func (s *SQLite) List(ctx context.Context) ([]*fsm.Instance, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data FROM %s ORDER BY id ASC`, s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*fsm.Instance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		inst, err := decodeInstance([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Commit saves the snapshot and inserts its intents in one transaction.
func (s *SQLite) Commit(ctx context.Context, inst *fsm.Instance, expectedVersion int, intents []sc.Intent) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	version, err := s.save(ctx, tx, inst, expectedVersion)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	now := s.now().UTC()
	q := fmt.Sprintf(`INSERT INTO %s (id, entity_id, intent, status, attempts, created_at) VALUES (?, ?, ?, ?, 0, ?)`, s.outboxTable)
	for _, it := range intents {
		payload, err := json.Marshal(it)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("encode intent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q, uuid.NewString(), inst.ID, string(payload), StatusPending, now.UnixNano()); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// ClaimPending leases claimable entries in insertion order.
func (s *SQLite) ClaimPending(ctx context.Context, workerID string, limit int, leaseUntil time.Time) ([]OutboxEntry, error) {
	now := s.now().UTC()
	workerID, limit, leaseUntil, err := normalizeClaim(workerID, limit, leaseUntil, now)
	if err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	claimableWhere := `(
		(status = 'pending' AND retry_at <= ?)
		OR (status = 'leased' AND lease_until <= ?)
	)`
	query := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY rowid ASC LIMIT ?`, s.outboxTable, claimableWhere)
	rows, err := tx.QueryContext(ctx, query, now.UnixNano(), now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	update := fmt.Sprintf(`UPDATE %s SET status = 'leased', lease_owner = ?, lease_until = ?, attempts = attempts + 1
		WHERE id = ? AND %s`, s.outboxTable, claimableWhere)
	claimed := make([]OutboxEntry, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, update, workerID, leaseUntil.UnixNano(), id, now.UnixNano(), now.UnixNano())
		if err != nil {
			return nil, err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			continue
		}
		entry, err := s.loadEntry(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

// MarkCompleted marks an entry as delivered.
func (s *SQLite) MarkCompleted(ctx context.Context, id string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'completed', lease_owner = '', lease_until = 0, retry_at = 0,
		processed_at = ?, last_error = '' WHERE id = ?`, s.outboxTable)
	return s.updateEntry(ctx, q, id, s.now().UTC().UnixNano(), strings.TrimSpace(id))
}

// MarkFailed returns an entry to pending with a retry time.
func (s *SQLite) MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'pending', lease_owner = '', lease_until = 0, retry_at = ?,
		processed_at = NULL, last_error = ? WHERE id = ?`, s.outboxTable)
	return s.updateEntry(ctx, q, id, unixNano(retryAt), strings.TrimSpace(reason), strings.TrimSpace(id))
}

// MarkDeadLetter parks an entry permanently.
func (s *SQLite) MarkDeadLetter(ctx context.Context, id string, reason string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'dead_letter', lease_owner = '', lease_until = 0,
		processed_at = ?, last_error = ? WHERE id = ?`, s.outboxTable)
	return s.updateEntry(ctx, q, id, s.now().UTC().UnixNano(), strings.TrimSpace(reason), strings.TrimSpace(id))
}

// Entries returns every outbox entry in insertion order.
func (s *SQLite) Entries(ctx context.Context) ([]OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY rowid ASC`, outboxColumns, s.outboxTable)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLite) save(ctx context.Context, exec sqlExecContext, inst *fsm.Instance, expectedVersion int) (int, error) {
	if err := validateInstance(inst); err != nil {
		return 0, err
	}
	newVersion := expectedVersion + 1
	data, err := encodeInstance(inst, newVersion)
	if err != nil {
		return 0, err
	}
	updatedAt := s.now().UTC().UnixNano()

	var result sql.Result
	if expectedVersion == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, machine_id, state, version, data, updated_at) VALUES (?, ?, ?, 1, ?, ?)`, s.table)
		result, err = exec.ExecContext(ctx, q, inst.ID, inst.MachineID, inst.State, string(data), updatedAt)
	} else {
		q := fmt.Sprintf(`UPDATE %s SET machine_id = ?, state = ?, version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?`, s.table)
		result, err = exec.ExecContext(ctx, q, inst.MachineID, inst.State, newVersion, string(data), updatedAt, inst.ID, expectedVersion)
	}
	if err != nil {
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return 0, conflictError(inst.ID, expectedVersion, s.currentVersion(ctx, exec, inst.ID))
	}
	return newVersion, nil
}

func (s *SQLite) currentVersion(ctx context.Context, exec sqlExecContext, id string) int {
	var version int
	q := fmt.Sprintf(`SELECT version FROM %s WHERE id = ?`, s.table)
	if err := exec.QueryRowContext(ctx, q, id).Scan(&version); err != nil {
		return 0
	}
	return version
}

func (s *SQLite) updateEntry(ctx context.Context, q, id string, args ...any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return outboxNotFound(id)
	}
	return nil
}

func (s *SQLite) loadEntry(ctx context.Context, exec sqlExecContext, id string) (OutboxEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, outboxColumns, s.outboxTable)
	rows, err := exec.QueryContext(ctx, q, id)
	if err != nil {
		return OutboxEntry{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return OutboxEntry{}, err
		}
		return OutboxEntry{}, outboxNotFound(id)
	}
	return scanEntry(rows)
}

func (s *SQLite) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.ensureSchema(ctx)
	})
	return s.schemaErr
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	instanceDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, instanceDDL); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	outboxDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		intent TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_until INTEGER NOT NULL DEFAULT 0,
		retry_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		processed_at INTEGER,
		last_error TEXT NOT NULL DEFAULT ''
	)`, s.outboxTable)
	if _, err := s.db.ExecContext(ctx, outboxDDL); err != nil {
		return fmt.Errorf("create %s: %w", s.outboxTable, err)
	}
	return nil
}

const outboxColumns = `id, entity_id, intent, status, attempts, lease_owner, lease_until, retry_at, created_at, processed_at, last_error`

func scanEntry(rows *sql.Rows) (OutboxEntry, error) {
	var (
		entry       OutboxEntry
		intent      string
		leaseUntil  int64
		retryAt     int64
		createdAt   int64
		processedAt sql.NullInt64
	)
	err := rows.Scan(
		&entry.ID,
		&entry.EntityID,
		&intent,
		&entry.Status,
		&entry.Attempts,
		&entry.LeaseOwner,
		&leaseUntil,
		&retryAt,
		&createdAt,
		&processedAt,
		&entry.LastError,
	)
	if err != nil {
		return OutboxEntry{}, err
	}
	if err := json.Unmarshal([]byte(intent), &entry.Intent); err != nil {
		return OutboxEntry{}, fmt.Errorf("decode outbox %s: %w", entry.ID, err)
	}
	entry.LeaseUntil = fromUnixNano(leaseUntil)
	entry.RetryAt = fromUnixNano(retryAt)
	entry.CreatedAt = fromUnixNano(createdAt)
	if processedAt.Valid {
		ts := fromUnixNano(processedAt.Int64)
		entry.ProcessedAt = &ts
	}
	return entry, nil
}

func unixNano(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
