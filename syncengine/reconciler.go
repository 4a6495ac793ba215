// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chhinhsovath/plp-attendance-sync/localstore"
	"github.com/chhinhsovath/plp-attendance-sync/model"
	"github.com/chhinhsovath/plp-attendance-sync/syncqueue"
	"github.com/chhinhsovath/plp-attendance-sync/transport"
)

// Reconciler merges downloaded remote records into the local store and
// maintains the is_synced read-model projection on business records. It is
// the only component allowed to write that projection.
type Reconciler struct {
	store  *localstore.Store
	queue  *syncqueue.Manager
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store *localstore.Store, queue *syncqueue.Manager, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, queue: queue, logger: logger}
}

// MergeRemote applies last-writer-wins merging: a remote record replaces
// the local copy only when its UpdatedAt is strictly greater; ties favor
// local. Records with a non-terminal queue item are skipped entirely so an
// in-flight local edit is never clobbered; the pending upload will settle
// the record under the same rule on the server.
//
// Known limitation: UpdatedAt values are client-supplied wall-clock
// timestamps with no skew correction, so a device with a fast clock can
// overwrite a genuinely newer edit. This mirrors the upstream service's
// merge rule.
//
// Merging is idempotent: re-applying the same records yields the same
// local state.
//
// Returns the number of records applied and the highest remote UpdatedAt
// the watermark may safely advance to. Records discarded because local won
// are folded into that high mark (re-fetching them would lose again
// forever); records skipped by the in-flight guard hold the watermark back
// just below their timestamp, so they are re-listed and merged once the
// local item settles.
func (r *Reconciler) MergeRemote(ctx context.Context, entityType model.EntityType, records []transport.RemoteRecord) (int, time.Time, error) {
	var (
		applied  int
		high     time.Time
		holdback time.Time // earliest guard-skipped record
	)
	for _, rec := range records {
		if rec.UpdatedAt.After(high) {
			high = rec.UpdatedAt
		}

		open, err := r.queue.HasOpen(ctx, entityType, rec.ID)
		if err != nil {
			return applied, high, fmt.Errorf("%w: %w", ErrLocalStorage, err)
		}
		if open {
			r.logger.Debug("skipping remote record with in-flight local edit",
				"entity", entityType, "id", rec.ID)
			if holdback.IsZero() || rec.UpdatedAt.Before(holdback) {
				holdback = rec.UpdatedAt
			}
			continue
		}

		localAt, exists, err := r.store.RecordUpdatedAt(ctx, entityType, rec.ID)
		if err != nil {
			return applied, high, fmt.Errorf("%w: %w", ErrLocalStorage, err)
		}
		if exists && !rec.UpdatedAt.After(localAt) {
			continue
		}

		if err := r.store.ApplyRemote(ctx, entityType, rec.Payload); err != nil {
			return applied, high, fmt.Errorf("%w: %w", ErrLocalStorage, err)
		}
		applied++
	}
	if !holdback.IsZero() {
		if capped := holdback.Add(-time.Millisecond); capped.Before(high) {
			high = capped
		}
	}
	return applied, high, nil
}

// MarkUploaded flips the record's synchronized projection after its queue
// item reached SUCCESS.
func (r *Reconciler) MarkUploaded(ctx context.Context, entityType model.EntityType, entityID string) error {
	if err := r.store.MarkSynced(ctx, entityType, entityID); err != nil {
		return fmt.Errorf("%w: %w", ErrLocalStorage, err)
	}
	return nil
}
