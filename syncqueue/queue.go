// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Package syncqueue implements the durable sync queue: one coalesced work
// item per business record awaiting transmission to the remote service,
// with bounded retries and exponential backoff.
//
// The Manager exclusively owns queue-item lifecycle transitions. Claiming
// an item is a conditional status update, so two orchestration passes can
// never double-process the same item.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chhinhsovath/plp-attendance-sync/model"
)

// Operation is the mutation intended for the remote side.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Status is the lifecycle state of a queue item.
//
// PENDING -> IN_PROGRESS -> {SUCCESS, RETRY, FAILED}; RETRY -> IN_PROGRESS
// once backoff has elapsed. SUCCESS and FAILED are terminal absent a manual
// reset.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// Item is one unit of pending work.
//
// Generation counts coalesces into the row. A claimed Item carries the
// generation observed at claim time; outcome reporting uses it to detect
// that the row gained new work while the claimed snapshot was in flight.
type Item struct {
	ID            int64
	EntityType    model.EntityType
	EntityID      string
	Operation     Operation
	Status        Status
	Payload       json.RawMessage
	Priority      int
	AttemptCount  int
	MaxAttempts   int
	ErrorMessage  string
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	Generation    int64
}

// Outcome is the result of one transmission attempt, reported back by the
// orchestrator.
type Outcome struct {
	kind   outcomeKind
	reason string
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomePermanent
)

// Success marks the attempt as delivered.
func Success() Outcome { return Outcome{kind: outcomeSuccess} }

// RetryableFailure marks a transient failure (network, timeout, 5xx).
func RetryableFailure(reason string) Outcome {
	return Outcome{kind: outcomeRetryable, reason: reason}
}

// PermanentFailure marks a non-recoverable rejection (e.g. server-side
// validation). The item fails immediately regardless of remaining attempts.
func PermanentFailure(reason string) Outcome {
	return Outcome{kind: outcomePermanent, reason: reason}
}

// Config holds retry policy for the queue.
type Config struct {
	BackoffBase time.Duration // delay after the first failed attempt
	BackoffCap  time.Duration // upper bound for the computed delay
	MaxAttempts int           // attempts before an item is marked FAILED
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() *Config {
	return &Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Manager enqueues, claims and transitions queue items.
type Manager struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a queue manager and ensures the queue schema exists.
func NewManager(db *sql.DB, config *Config, logger *slog.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{db: db, config: config, logger: logger, now: time.Now}
	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize sync queue schema: %w", err)
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type     TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			operation       TEXT NOT NULL CHECK (operation IN ('CREATE','UPDATE','DELETE')),
			status          TEXT NOT NULL DEFAULT 'PENDING'
			                CHECK (status IN ('PENDING','IN_PROGRESS','SUCCESS','FAILED','RETRY')),
			payload         TEXT,
			priority        INTEGER NOT NULL DEFAULT 0,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 5,
			error_message   TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			last_attempt_at INTEGER,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			generation      INTEGER NOT NULL DEFAULT 0
		)`,

		// One outstanding non-terminal item per (entity_type, entity_id).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_open_entity
			ON sync_queue(entity_type, entity_id)
			WHERE status IN ('PENDING','IN_PROGRESS','RETRY')`,

		`CREATE INDEX IF NOT EXISTS idx_sync_queue_due
			ON sync_queue(status, next_attempt_at)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync_queue schema: %w", err)
		}
	}
	return nil
}

// Execer covers *sql.DB and *sql.Tx so enqueueing can join the business
// write's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Enqueue records a local mutation for upload, coalescing into an existing
// non-terminal item for the same record if one exists.
func (m *Manager) Enqueue(ctx context.Context, entityType model.EntityType, entityID string, op Operation, payload json.RawMessage, priority int) (int64, error) {
	return m.EnqueueTx(ctx, m.db, entityType, entityID, op, payload, priority)
}

// EnqueueTx is Enqueue running against the caller's transaction. Local
// writes call this inside the same transaction as the business-record write
// so no write is ever un-queued.
//
// Coalescing rules follow what the remote side has and has not seen:
//
//	CREATE + UPDATE -> CREATE (remote never saw the record)
//	CREATE + DELETE -> item dropped (nothing to tell the remote)
//	UPDATE + DELETE -> DELETE
//	DELETE + CREATE -> UPDATE (record resurrected before the delete shipped)
//
// An item that is already IN_PROGRESS keeps its status; a RETRY item is
// reset to PENDING and becomes due immediately, since the fresh payload
// supersedes whatever failed.
func (m *Manager) EnqueueTx(ctx context.Context, q Execer, entityType model.EntityType, entityID string, op Operation, payload json.RawMessage, priority int) (int64, error) {
	if !entityType.Valid() {
		return 0, fmt.Errorf("unknown entity type %q", entityType)
	}
	now := m.now().UnixMilli()

	var (
		id       int64
		curOp    Operation
		curState Status
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, operation, status FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN ('PENDING','IN_PROGRESS','RETRY')
	`, entityType, entityID).Scan(&id, &curOp, &curState)
	if err == sql.ErrNoRows {
		res, err := q.ExecContext(ctx, `
			INSERT INTO sync_queue (entity_type, entity_id, operation, status, payload, priority,
				max_attempts, created_at, next_attempt_at)
			VALUES (?, ?, ?, 'PENDING', ?, ?, ?, ?, ?)
		`, entityType, entityID, op, payloadArg(payload), priority, m.config.MaxAttempts, now, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert queue item: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read queue item id: %w", err)
		}
		return newID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query open queue item: %w", err)
	}

	mergedOp := coalesceOp(curOp, op)
	if mergedOp == "" && curState != StatusInProgress {
		// CREATE followed by DELETE before anything shipped: drop the item.
		if _, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to drop superseded queue item: %w", err)
		}
		return 0, nil
	}
	if mergedOp == "" {
		mergedOp = OpDelete // item already in flight as CREATE; queue the delete behind it
	}

	newStatus := curState
	if curState != StatusInProgress {
		newStatus = StatusPending
	}
	_, err = q.ExecContext(ctx, `
		UPDATE sync_queue
		SET operation = ?, payload = ?, status = ?,
			priority = MAX(priority, ?), next_attempt_at = ?,
			generation = generation + 1
		WHERE id = ?
	`, mergedOp, payloadArg(payload), newStatus, priority, now, id)
	if err != nil {
		return 0, fmt.Errorf("failed to coalesce queue item: %w", err)
	}
	return id, nil
}

// coalesceOp merges a new local mutation into the operation already queued.
// Empty result means the item can be dropped entirely.
func coalesceOp(queued, incoming Operation) Operation {
	switch {
	case queued == OpCreate && incoming == OpUpdate:
		return OpCreate
	case queued == OpCreate && incoming == OpDelete:
		return ""
	case queued == OpUpdate && incoming == OpDelete:
		return OpDelete
	case queued == OpDelete && incoming == OpCreate:
		return OpUpdate
	default:
		return incoming
	}
}

func payloadArg(payload json.RawMessage) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

// ClaimDue atomically selects up to limit due items for the given entity
// type and transitions them to IN_PROGRESS. An item is due when it is
// PENDING, or RETRY with its backoff elapsed. Ordering is priority desc,
// created_at asc.
func (m *Manager) ClaimDue(ctx context.Context, entityType model.EntityType, limit int) ([]Item, error) {
	now := m.now().UnixMilli()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM sync_queue
		WHERE entity_type = ? AND status IN ('PENDING','RETRY') AND next_attempt_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, entityType, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due items: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan due item id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due items: %w", err)
	}

	var claimed []Item
	for _, id := range candidates {
		// Conditional transition is the claim. A concurrent pass that got
		// here first leaves nothing for us to update.
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'IN_PROGRESS'
			WHERE id = ? AND status IN ('PENDING','RETRY')
		`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim item %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result for item %d: %w", id, err)
		}
		if n == 0 {
			continue
		}
		item, err := scanItem(tx.QueryRowContext(ctx, itemQuery+` WHERE id = ?`, id))
		if err != nil {
			return nil, fmt.Errorf("failed to load claimed item %d: %w", id, err)
		}
		claimed = append(claimed, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return claimed, nil
}

// ReportOutcome records the result of a transmission attempt for a claimed
// item and transitions it accordingly. item must be the Item returned by
// ClaimDue: every transition is conditional on the claimed generation, so
// an item that gained a coalesced mutation while its snapshot was in flight
// is requeued instead of terminalized. The outcome of a stale snapshot says
// nothing about work that was never transmitted.
func (m *Manager) ReportOutcome(ctx context.Context, item Item, outcome Outcome) error {
	now := m.now()
	id := item.ID

	switch outcome.kind {
	case outcomeSuccess:
		res, err := m.db.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'SUCCESS', error_message = '', last_attempt_at = ?
			WHERE id = ? AND status = 'IN_PROGRESS' AND generation = ?
		`, now.UnixMilli(), id, item.Generation)
		if err != nil {
			return fmt.Errorf("failed to mark item %d succeeded: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read outcome result for item %d: %w", id, err)
		}
		if n == 0 {
			return m.requeueStale(ctx, id, now)
		}
		return nil

	case outcomePermanent:
		res, err := m.db.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'FAILED', attempt_count = attempt_count + 1,
				error_message = ?, last_attempt_at = ?
			WHERE id = ? AND status = 'IN_PROGRESS' AND generation = ?
		`, outcome.reason, now.UnixMilli(), id, item.Generation)
		if err != nil {
			return fmt.Errorf("failed to mark item %d failed: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read outcome result for item %d: %w", id, err)
		}
		if n == 0 {
			return m.requeueStale(ctx, id, now)
		}
		m.logger.Warn("queue item failed permanently", "item", id, "reason", outcome.reason)
		return nil

	case outcomeRetryable:
		var attempts, maxAttempts int
		err := m.db.QueryRowContext(ctx, `
			SELECT attempt_count, max_attempts FROM sync_queue
			WHERE id = ? AND status = 'IN_PROGRESS' AND generation = ?
		`, id, item.Generation).Scan(&attempts, &maxAttempts)
		if err == sql.ErrNoRows {
			// Not claimed anymore, or coalesced past our snapshot.
			return m.requeueStale(ctx, id, now)
		}
		if err != nil {
			return fmt.Errorf("failed to read attempts for item %d: %w", id, err)
		}

		attempts++
		if attempts >= maxAttempts {
			_, err = m.db.ExecContext(ctx, `
				UPDATE sync_queue
				SET status = 'FAILED', attempt_count = ?, error_message = ?, last_attempt_at = ?
				WHERE id = ? AND status = 'IN_PROGRESS' AND generation = ?
			`, attempts, outcome.reason, now.UnixMilli(), id, item.Generation)
			if err != nil {
				return fmt.Errorf("failed to exhaust item %d: %w", id, err)
			}
			m.logger.Warn("queue item exhausted retry budget",
				"item", id, "attempts", attempts, "reason", outcome.reason)
			return nil
		}

		delay := m.backoffDelay(attempts)
		_, err = m.db.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'RETRY', attempt_count = ?, error_message = ?,
				last_attempt_at = ?, next_attempt_at = ?
			WHERE id = ? AND status = 'IN_PROGRESS' AND generation = ?
		`, attempts, outcome.reason, now.UnixMilli(), now.Add(delay).UnixMilli(), id, item.Generation)
		if err != nil {
			return fmt.Errorf("failed to schedule retry for item %d: %w", id, err)
		}
		m.logger.Debug("queue item scheduled for retry",
			"item", id, "attempt", attempts, "delay", delay, "reason", outcome.reason)
		return nil
	}
	return fmt.Errorf("unknown outcome for item %d", id)
}

// requeueStale returns an in-flight row to PENDING, due immediately, without
// touching its attempt count. Used when an outcome arrives for a snapshot
// the row has since coalesced past; the fresh mutation still needs its own
// attempt. Affecting zero rows is fine: the item is simply not in flight.
func (m *Manager) requeueStale(ctx context.Context, id int64, now time.Time) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'PENDING', next_attempt_at = ?
		WHERE id = ? AND status = 'IN_PROGRESS'
	`, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue item %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		m.logger.Debug("queue item coalesced while in flight, requeued", "item", id)
	}
	return nil
}

// backoffDelay computes min(base * 2^attempts, cap).
func (m *Manager) backoffDelay(attempts int) time.Duration {
	delay := m.config.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= m.config.BackoffCap {
			return m.config.BackoffCap
		}
	}
	return delay
}

// Release returns a claimed item to PENDING without consuming an attempt.
// Used when a cycle aborts for reasons unrelated to the item itself, e.g.
// an expired credential or process shutdown.
func (m *Manager) Release(ctx context.Context, id int64) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'PENDING' WHERE id = ? AND status = 'IN_PROGRESS'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to release item %d: %w", id, err)
	}
	return nil
}

// ReclaimInFlight transitions all IN_PROGRESS items back to PENDING.
// Called on startup: IN_PROGRESS is not crash-safe evidence of transmission.
func (m *Manager) ReclaimInFlight(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'PENDING' WHERE status = 'IN_PROGRESS'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim in-flight items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Info("reclaimed in-flight queue items from previous run", "count", n)
	}
	return n, nil
}

// Retry manually resets a FAILED item to PENDING with a fresh attempt
// budget.
func (m *Manager) Retry(ctx context.Context, id int64) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'PENDING', attempt_count = 0, error_message = '', next_attempt_at = ?
		WHERE id = ? AND status = 'FAILED'
	`, m.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to retry item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read retry result for item %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("item %d is not in FAILED state", id)
	}
	return nil
}

// RetryAllFailed resets every FAILED item to PENDING and returns how many
// were reset.
func (m *Manager) RetryAllFailed(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'PENDING', attempt_count = 0, error_message = '', next_attempt_at = ?
		WHERE status = 'FAILED'
	`, m.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeOld deletes SUCCESS items whose last attempt is older than the
// retention window. FAILED items are never purged automatically.
func (m *Manager) PurgeOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := m.now().Add(-olderThan).UnixMilli()
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE status = 'SUCCESS' AND last_attempt_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge succeeded items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeFailed deletes FAILED items older than the retention window, but
// only those whose attempt budget is exhausted. Permanent rejections keep
// their audit row until they age out too.
func (m *Manager) PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := m.now().Add(-olderThan).UnixMilli()
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = 'FAILED' AND attempt_count >= max_attempts AND last_attempt_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasOpen reports whether a non-terminal queue item exists for the record.
// The reconciler uses this to avoid clobbering an in-flight local edit.
func (m *Manager) HasOpen(ctx context.Context, entityType model.EntityType, entityID string) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM sync_queue
			WHERE entity_type = ? AND entity_id = ? AND status IN ('PENDING','IN_PROGRESS','RETRY'))
	`, entityType, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open queue item: %w", err)
	}
	return exists, nil
}

// Counts is the per-status item count exposed to the UI layer.
type Counts struct {
	Pending    int
	InProgress int
	Retry      int
	Succeeded  int
	Failed     int
}

// Counts returns per-status item counts.
func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_queue GROUP BY status
	`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusInProgress:
			c.InProgress = n
		case StatusRetry:
			c.Retry = n
		case StatusSuccess:
			c.Succeeded = n
		case StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("failed to iterate queue counts: %w", err)
	}
	return c, nil
}

// ListFailed returns FAILED items, newest attempt first, for the "failed
// sync" UI surface.
func (m *Manager) ListFailed(ctx context.Context, limit int) ([]Item, error) {
	rows, err := m.db.QueryContext(ctx, itemQuery+`
		WHERE status = 'FAILED'
		ORDER BY last_attempt_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed items: %w", err)
	}
	return items, nil
}

// Get loads a single queue item by id.
func (m *Manager) Get(ctx context.Context, id int64) (Item, error) {
	item, err := scanItem(m.db.QueryRowContext(ctx, itemQuery+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Item{}, fmt.Errorf("queue item %d not found", id)
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to load queue item %d: %w", id, err)
	}
	return item, nil
}

const itemQuery = `
	SELECT id, entity_type, entity_id, operation, status, payload, priority,
		attempt_count, max_attempts, error_message, created_at, last_attempt_at,
		next_attempt_at, generation
	FROM sync_queue`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item        Item
		payload     sql.NullString
		createdAt   int64
		lastAttempt sql.NullInt64
		nextAttempt int64
	)
	err := row.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Operation, &item.Status,
		&payload, &item.Priority, &item.AttemptCount, &item.MaxAttempts, &item.ErrorMessage,
		&createdAt, &lastAttempt, &nextAttempt, &item.Generation)
	if err != nil {
		return Item{}, err
	}
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastAttempt.Valid {
		t := time.UnixMilli(lastAttempt.Int64).UTC()
		item.LastAttemptAt = &t
	}
	item.NextAttemptAt = time.UnixMilli(nextAttempt).UTC()
	return item, nil
}

func scanItemRows(rows *sql.Rows) (Item, error) {
	item, err := scanItem(rows)
	if err != nil {
		return Item{}, fmt.Errorf("failed to scan queue item: %w", err)
	}
	return item, nil
}
