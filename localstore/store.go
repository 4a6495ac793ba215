// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the durable SQLite store for business records and
// sync metadata. It is the single source of truth on the device: every
// local write lands here, and enqueues its sync work item inside the same
// transaction.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chhinhsovath/plp-attendance-sync/model"
	"github.com/chhinhsovath/plp-attendance-sync/syncqueue"
)

// Store wraps the local SQLite database.
type Store struct {
	db     *sql.DB
	queue  *syncqueue.Manager
	logger *slog.Logger
	now    func() time.Time
}

// OpenDB opens the SQLite database at path with WAL and foreign keys
// enabled. Writes are serialized through a single connection to avoid
// SQLite locking issues.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// New creates a Store over db and ensures the entity schema exists. The
// queue manager must share the same database so business writes and their
// queue items commit atomically.
func New(db *sql.DB, queue *syncqueue.Manager, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, queue: queue, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize local store schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for read-only status queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS attendance (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			check_in_at  INTEGER NOT NULL,
			check_out_at INTEGER,
			latitude     REAL,
			longitude    REAL,
			status       TEXT NOT NULL DEFAULT 'PRESENT',
			notes        TEXT NOT NULL DEFAULT '',
			updated_at   INTEGER NOT NULL,
			is_synced    INTEGER NOT NULL DEFAULT 0,
			synced_at    INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS leave_requests (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			start_date INTEGER NOT NULL,
			end_date   INTEGER NOT NULL,
			leave_type TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'PENDING',
			updated_at INTEGER NOT NULL,
			is_synced  INTEGER NOT NULL DEFAULT 0,
			synced_at  INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			is_synced  INTEGER NOT NULL DEFAULT 0,
			synced_at  INTEGER
		)`,

		// Per-entity download progress.
		`CREATE TABLE IF NOT EXISTS sync_watermarks (
			entity_type        TEXT PRIMARY KEY,
			last_downloaded_at INTEGER NOT NULL DEFAULT 0
		)`,

		// Engine-level key/value state (e.g. last successful sync time).
		`CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func tableFor(entityType model.EntityType) (string, error) {
	switch entityType {
	case model.EntityAttendance:
		return "attendance", nil
	case model.EntityLeave:
		return "leave_requests", nil
	case model.EntityUser:
		return "users", nil
	}
	return "", fmt.Errorf("unknown entity type %q", entityType)
}

// saveTx runs fn (the business-row upsert) and the queue enqueue in one
// transaction, deciding CREATE vs UPDATE from current row existence.
func (s *Store) saveTx(ctx context.Context, entityType model.EntityType, id string, payload json.RawMessage, fn func(tx *sql.Tx) error) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = ?)`, table), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check record existence: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	op := syncqueue.OpCreate
	if exists {
		op = syncqueue.OpUpdate
	}
	if _, err := s.queue.EnqueueTx(ctx, tx, entityType, id, op, payload, entityType.Priority()); err != nil {
		return fmt.Errorf("failed to enqueue sync item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}
	return nil
}

// SaveAttendance upserts an attendance record and enqueues it for upload
// in the same transaction. UpdatedAt is stamped here so it reflects the
// local modification time used for last-writer-wins.
func (s *Store) SaveAttendance(ctx context.Context, rec *model.Attendance) error {
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	rec.UpdatedAt = s.now().UTC()
	rec.IsSynced = false
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal attendance: %w", err)
	}
	return s.saveTx(ctx, model.EntityAttendance, rec.ID, payload, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attendance (id, user_id, check_in_at, check_out_at, latitude, longitude,
				status, notes, updated_at, is_synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id, check_in_at = excluded.check_in_at,
				check_out_at = excluded.check_out_at, latitude = excluded.latitude,
				longitude = excluded.longitude, status = excluded.status,
				notes = excluded.notes, updated_at = excluded.updated_at,
				is_synced = 0, synced_at = NULL
		`, rec.ID, rec.UserID, rec.CheckInAt.UnixMilli(), unixMilliPtr(rec.CheckOutAt),
			rec.Latitude, rec.Longitude, rec.Status, rec.Notes, rec.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to upsert attendance: %w", err)
		}
		return nil
	})
}

// SaveLeave upserts a leave request and enqueues it for upload.
func (s *Store) SaveLeave(ctx context.Context, rec *model.Leave) error {
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	rec.UpdatedAt = s.now().UTC()
	rec.IsSynced = false
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal leave: %w", err)
	}
	return s.saveTx(ctx, model.EntityLeave, rec.ID, payload, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO leave_requests (id, user_id, start_date, end_date, leave_type, reason,
				status, updated_at, is_synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id, start_date = excluded.start_date,
				end_date = excluded.end_date, leave_type = excluded.leave_type,
				reason = excluded.reason, status = excluded.status,
				updated_at = excluded.updated_at, is_synced = 0, synced_at = NULL
		`, rec.ID, rec.UserID, rec.StartDate.UnixMilli(), rec.EndDate.UnixMilli(),
			rec.LeaveType, rec.Reason, rec.Status, rec.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to upsert leave: %w", err)
		}
		return nil
	})
}

// SaveUser upserts a user record and enqueues it for upload.
func (s *Store) SaveUser(ctx context.Context, rec *model.User) error {
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	rec.UpdatedAt = s.now().UTC()
	rec.IsSynced = false
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return s.saveTx(ctx, model.EntityUser, rec.ID, payload, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, email, role, updated_at, is_synced)
			VALUES (?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username, email = excluded.email, role = excluded.role,
				updated_at = excluded.updated_at, is_synced = 0, synced_at = NULL
		`, rec.ID, rec.Username, rec.Email, rec.Role, rec.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// Delete removes a business record locally and queues the deletion for the
// remote side, atomically.
func (s *Store) Delete(ctx context.Context, entityType model.EntityType, id string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if _, err := s.queue.EnqueueTx(ctx, tx, entityType, id, syncqueue.OpDelete, nil, entityType.Priority()); err != nil {
		return fmt.Errorf("failed to enqueue deletion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", err)
	}
	return nil
}

// GetAttendance loads one attendance record.
func (s *Store) GetAttendance(ctx context.Context, id string) (*model.Attendance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, check_in_at, check_out_at, latitude, longitude, status, notes,
			updated_at, is_synced, synced_at
		FROM attendance WHERE id = ?
	`, id)
	return scanAttendance(row)
}

// GetLeave loads one leave request.
func (s *Store) GetLeave(ctx context.Context, id string) (*model.Leave, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, start_date, end_date, leave_type, reason, status,
			updated_at, is_synced, synced_at
		FROM leave_requests WHERE id = ?
	`, id)
	return scanLeave(row)
}

// GetUser loads one user record.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, role, updated_at, is_synced, synced_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// RecordUpdatedAt returns the local UpdatedAt for a record, and whether the
// record exists at all. The reconciler compares this against the remote
// timestamp.
func (s *Store) RecordUpdatedAt(ctx context.Context, entityType model.EntityType, id string) (time.Time, bool, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return time.Time{}, false, err
	}
	var updatedAt int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT updated_at FROM %s WHERE id = ?`, table), id).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read record timestamp: %w", err)
	}
	return time.UnixMilli(updatedAt).UTC(), true, nil
}

// ApplyRemote materializes a downloaded record locally, marked as already
// synchronized. Only the reconciler calls this; the LWW decision has been
// made by the time we get here.
func (s *Store) ApplyRemote(ctx context.Context, entityType model.EntityType, payload json.RawMessage) error {
	syncedAt := s.now().UTC().UnixMilli()

	switch entityType {
	case model.EntityAttendance:
		var rec model.Attendance
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("failed to decode remote attendance: %w", err)
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO attendance (id, user_id, check_in_at, check_out_at, latitude, longitude,
				status, notes, updated_at, is_synced, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id, check_in_at = excluded.check_in_at,
				check_out_at = excluded.check_out_at, latitude = excluded.latitude,
				longitude = excluded.longitude, status = excluded.status,
				notes = excluded.notes, updated_at = excluded.updated_at,
				is_synced = 1, synced_at = excluded.synced_at
		`, rec.ID, rec.UserID, rec.CheckInAt.UnixMilli(), unixMilliPtr(rec.CheckOutAt),
			rec.Latitude, rec.Longitude, rec.Status, rec.Notes, rec.UpdatedAt.UnixMilli(), syncedAt)
		if err != nil {
			return fmt.Errorf("failed to apply remote attendance: %w", err)
		}
		return nil

	case model.EntityLeave:
		var rec model.Leave
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("failed to decode remote leave: %w", err)
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO leave_requests (id, user_id, start_date, end_date, leave_type, reason,
				status, updated_at, is_synced, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id, start_date = excluded.start_date,
				end_date = excluded.end_date, leave_type = excluded.leave_type,
				reason = excluded.reason, status = excluded.status,
				updated_at = excluded.updated_at, is_synced = 1, synced_at = excluded.synced_at
		`, rec.ID, rec.UserID, rec.StartDate.UnixMilli(), rec.EndDate.UnixMilli(),
			rec.LeaveType, rec.Reason, rec.Status, rec.UpdatedAt.UnixMilli(), syncedAt)
		if err != nil {
			return fmt.Errorf("failed to apply remote leave: %w", err)
		}
		return nil

	case model.EntityUser:
		var rec model.User
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("failed to decode remote user: %w", err)
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, username, email, role, updated_at, is_synced, synced_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username, email = excluded.email, role = excluded.role,
				updated_at = excluded.updated_at, is_synced = 1, synced_at = excluded.synced_at
		`, rec.ID, rec.Username, rec.Email, rec.Role, rec.UpdatedAt.UnixMilli(), syncedAt)
		if err != nil {
			return fmt.Errorf("failed to apply remote user: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown entity type %q", entityType)
}

// MarkSynced flips the read-model projection after a queue item reached
// SUCCESS. A DELETE has no surviving row; marking zero rows is fine.
func (s *Store) MarkSynced(ctx context.Context, entityType model.EntityType, id string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET is_synced = 1, synced_at = ? WHERE id = ?`, table),
		s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	return nil
}

// Watermark returns how far downloads for an entity type have progressed.
// Zero time means never downloaded.
func (s *Store) Watermark(ctx context.Context, entityType model.EntityType) (time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_downloaded_at FROM sync_watermarks WHERE entity_type = ?
	`, entityType).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	if at == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(at).UTC(), nil
}

// SetWatermark persists the download watermark for an entity type. The
// watermark only moves forward.
func (s *Store) SetWatermark(ctx context.Context, entityType model.EntityType, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (entity_type, last_downloaded_at) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			last_downloaded_at = MAX(last_downloaded_at, excluded.last_downloaded_at)
	`, entityType, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// LastSyncAt returns the timestamp of the last fully successful sync cycle.
func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = 'last_sync_at'`).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return t, nil
}

// SetLastSyncAt persists the last successful sync time.
func (s *Store) SetLastSyncAt(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES ('last_sync_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist last sync time: %w", err)
	}
	return nil
}

func unixMilliPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtrFromMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func scanAttendance(row *sql.Row) (*model.Attendance, error) {
	var (
		rec                 model.Attendance
		checkIn, updatedAt  int64
		checkOut, syncedAt  sql.NullInt64
		latitude, longitude sql.NullFloat64
		isSynced            int
	)
	err := row.Scan(&rec.ID, &rec.UserID, &checkIn, &checkOut, &latitude, &longitude,
		&rec.Status, &rec.Notes, &updatedAt, &isSynced, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attendance: %w", err)
	}
	rec.CheckInAt = time.UnixMilli(checkIn).UTC()
	rec.CheckOutAt = timePtrFromMilli(checkOut)
	if latitude.Valid {
		rec.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		rec.Longitude = &longitude.Float64
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.IsSynced = isSynced == 1
	rec.SyncedAt = timePtrFromMilli(syncedAt)
	return &rec, nil
}

func scanLeave(row *sql.Row) (*model.Leave, error) {
	var (
		rec                   model.Leave
		start, end, updatedAt int64
		syncedAt              sql.NullInt64
		isSynced              int
	)
	err := row.Scan(&rec.ID, &rec.UserID, &start, &end, &rec.LeaveType, &rec.Reason,
		&rec.Status, &updatedAt, &isSynced, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan leave: %w", err)
	}
	rec.StartDate = time.UnixMilli(start).UTC()
	rec.EndDate = time.UnixMilli(end).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.IsSynced = isSynced == 1
	rec.SyncedAt = timePtrFromMilli(syncedAt)
	return &rec, nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		rec       model.User
		updatedAt int64
		syncedAt  sql.NullInt64
		isSynced  int
	)
	err := row.Scan(&rec.ID, &rec.Username, &rec.Email, &rec.Role, &updatedAt, &isSynced, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.IsSynced = isSynced == 1
	rec.SyncedAt = timePtrFromMilli(syncedAt)
	return &rec, nil
}
