// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chhinhsovath/plp-attendance-sync/model"
	"github.com/chhinhsovath/plp-attendance-sync/syncqueue"
	"github.com/chhinhsovath/plp-attendance-sync/transport"
)

func entityOrder() []model.EntityType {
	return model.SyncOrder
}

// uploadPhase claims a batch of due queue items for one entity type and
// pushes them through the transport adapter, dispatching up to
// Config.Concurrency calls at once. Per-item outcomes go back to the queue
// manager; the phase itself only fails on storage errors or a rejected
// credential.
func (e *Engine) uploadPhase(ctx context.Context, entityType model.EntityType, result *CycleResult) error {
	items, err := e.queue.ClaimDue(ctx, entityType, e.config.BatchLimit)
	if err != nil {
		return fmt.Errorf("%w: failed to claim due items: %w", ErrLocalStorage, err)
	}
	if len(items) == 0 {
		return nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex // guards result counters and storageErr
		authAbort atomic.Bool
		stoErr    error
	)
	sem := make(chan struct{}, e.config.Concurrency)

	// Queue bookkeeping must land even while ctx is being cancelled for
	// shutdown, or released claims would be lost until the next restart.
	qctx := context.WithoutCancel(ctx)

	for i := range items {
		item := items[i]
		if authAbort.Load() {
			// Credential already rejected this phase; hand unprocessed
			// claims straight back.
			if err := e.queue.Release(qctx, item.ID); err != nil {
				return fmt.Errorf("%w: failed to release claim: %w", ErrLocalStorage, err)
			}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := e.dispatch(ctx, item)
			var qErr error
			switch {
			case err == nil:
				qErr = e.queue.ReportOutcome(qctx, item, syncqueue.Success())
				if qErr == nil && item.Operation != syncqueue.OpDelete {
					qErr = e.reconciler.MarkUploaded(qctx, item.EntityType, item.EntityID)
				}
				mu.Lock()
				result.Uploaded++
				mu.Unlock()

			case ctx.Err() != nil:
				// Shutdown, not the item's fault. Release the claim without
				// burning an attempt; it is reclaimed on the next cycle.
				qErr = e.queue.Release(qctx, item.ID)

			case transport.IsUnauthenticated(err):
				// Not the item's fault either. Release the claim and abort
				// the cycle.
				authAbort.Store(true)
				qErr = e.queue.Release(qctx, item.ID)

			case transport.IsRetryable(err):
				qErr = e.queue.ReportOutcome(qctx, item, syncqueue.RetryableFailure(err.Error()))
				mu.Lock()
				result.Failed++
				mu.Unlock()

			case isClientRejection(err):
				qErr = e.queue.ReportOutcome(qctx, item, syncqueue.PermanentFailure(err.Error()))
				mu.Lock()
				result.Failed++
				mu.Unlock()

			default:
				// Unclassified failure: assume transient rather than
				// discarding the item.
				qErr = e.queue.ReportOutcome(qctx, item, syncqueue.RetryableFailure(err.Error()))
				mu.Lock()
				result.Failed++
				mu.Unlock()
			}

			if qErr != nil {
				mu.Lock()
				if stoErr == nil {
					stoErr = qErr
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if stoErr != nil {
		return fmt.Errorf("%w: %w", ErrLocalStorage, stoErr)
	}
	if authAbort.Load() {
		return errUnauthenticated
	}
	return nil
}

// dispatch maps a queue item's operation onto the transport adapter.
func (e *Engine) dispatch(ctx context.Context, item syncqueue.Item) error {
	switch item.Operation {
	case syncqueue.OpCreate:
		return e.remote.Create(ctx, item.EntityType, item.Payload)
	case syncqueue.OpUpdate:
		return e.remote.Update(ctx, item.EntityType, item.EntityID, item.Payload)
	case syncqueue.OpDelete:
		return e.remote.Delete(ctx, item.EntityType, item.EntityID)
	}
	return fmt.Errorf("unknown operation %q", item.Operation)
}

func isClientRejection(err error) bool {
	var te *transport.Error
	return errors.As(err, &te) && te.Kind == transport.KindClient
}

// downloadPhase fetches remote records changed since the entity's
// watermark and merges them through the reconciler. The watermark advances
// only after a fully merged page.
func (e *Engine) downloadPhase(ctx context.Context, entityType model.EntityType, result *CycleResult) error {
	since, err := e.store.Watermark(ctx, entityType)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalStorage, err)
	}

	records, err := e.remote.ListChangedSince(ctx, entityType, since)
	if err != nil {
		if transport.IsUnauthenticated(err) {
			return errUnauthenticated
		}
		return fmt.Errorf("failed to list remote changes: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	applied, high, err := e.reconciler.MergeRemote(ctx, entityType, records)
	if err != nil {
		return err
	}
	result.Downloaded += applied

	if high.After(since) {
		if err := e.store.SetWatermark(ctx, entityType, high); err != nil {
			return fmt.Errorf("%w: %w", ErrLocalStorage, err)
		}
	}
	return nil
}
