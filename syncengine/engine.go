// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Package syncengine drives synchronization between the local store and
// the remote attendance service: a periodic (or on-demand) cycle that
// uploads pending queue items and downloads remote changes, entity type by
// entity type.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chhinhsovath/plp-attendance-sync/auth"
	"github.com/chhinhsovath/plp-attendance-sync/localstore"
	"github.com/chhinhsovath/plp-attendance-sync/syncqueue"
	"github.com/chhinhsovath/plp-attendance-sync/transport"
)

// ErrCycleRunning is returned by PerformSync when a cycle is already in
// flight. Callers treat it as a no-op, not a failure.
var ErrCycleRunning = errors.New("sync cycle already running")

// ErrLocalStorage marks cycle-fatal local store failures. If local storage
// is failing the queue itself is untrustworthy, so the cycle fails fast
// instead of limping through remaining phases.
var ErrLocalStorage = errors.New("local storage failure")

// errUnauthenticated aborts the remaining phases of a cycle when the
// server rejects our credential mid-cycle.
var errUnauthenticated = errors.New("cycle aborted: unauthenticated")

// Config holds orchestrator tuning.
type Config struct {
	Interval    time.Duration // period of the auto-sync timer
	BatchLimit  int           // queue items claimed per entity phase
	Concurrency int           // in-flight transport calls within a phase
	Retention   time.Duration // age after which SUCCESS queue items are purged
}

// DefaultConfig returns the default orchestrator tuning.
func DefaultConfig() *Config {
	return &Config{
		Interval:    5 * time.Minute,
		BatchLimit:  50,
		Concurrency: 5,
		Retention:   7 * 24 * time.Hour,
	}
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Uploaded    int       // queue items delivered
	Downloaded  int       // remote records merged locally
	Failed      int       // queue items that failed this cycle
	SkippedAuth bool      // cycle short-circuited by missing credential
	Errors      []string  // per-phase failures (phases are isolated)
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Status is the read-only surface exposed to the UI layer.
type Status struct {
	Counts     syncqueue.Counts
	LastSyncAt time.Time
}

// Engine owns the sync cycle and the periodic timer that triggers it.
type Engine struct {
	store      *localstore.Store
	queue      *syncqueue.Manager
	remote     transport.Adapter
	creds      auth.Provider
	reconciler *Reconciler
	config     *Config
	logger     *slog.Logger

	cycleMu     sync.Mutex // single-flight guard for cycles
	recoverOnce sync.Once  // items left IN_PROGRESS by a crash are reclaimed once

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine. config may be nil for defaults.
func New(store *localstore.Store, queue *syncqueue.Manager, remote transport.Adapter, creds auth.Provider, config *Config, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		queue:      queue,
		remote:     remote,
		creds:      creds,
		reconciler: NewReconciler(store, queue, logger),
		config:     config,
		logger:     logger,
	}
}

// StartAutoSync begins the periodic sync timer. The first cycle runs
// immediately. Returns an error if the timer is already running.
func (e *Engine) StartAutoSync(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return errors.New("auto sync already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(loopCtx)
	e.logger.Info("auto sync started", "interval", e.config.Interval)
	return nil
}

// StopSync stops the periodic timer and waits for a running cycle to
// finish. Safe to call when not started.
func (e *Engine) StopSync() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	e.logger.Info("auto sync stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.runTimerCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runTimerCycle(ctx)
		}
	}
}

func (e *Engine) runTimerCycle(ctx context.Context) {
	result, err := e.PerformSync(ctx)
	switch {
	case errors.Is(err, ErrCycleRunning):
		e.logger.Debug("timer tick skipped, cycle already running")
	case err != nil:
		e.logger.Error("sync cycle failed", "error", err)
	case result.SkippedAuth:
		e.logger.Debug("sync cycle skipped, no valid credential")
	default:
		e.logger.Info("sync cycle finished",
			"uploaded", result.Uploaded, "downloaded", result.Downloaded,
			"failed", result.Failed, "phase_errors", len(result.Errors),
			"took", result.FinishedAt.Sub(result.StartedAt))
	}
}

// PerformSync runs one sync cycle. It is single-flight: a concurrent
// invocation returns ErrCycleRunning without doing any work. The returned
// error is non-nil only for cycle-level failures; per-phase failures are
// contained in CycleResult.Errors.
func (e *Engine) PerformSync(ctx context.Context) (*CycleResult, error) {
	if !e.cycleMu.TryLock() {
		return nil, ErrCycleRunning
	}
	defer e.cycleMu.Unlock()

	var recoverErr error
	e.recoverOnce.Do(func() {
		_, recoverErr = e.queue.ReclaimInFlight(ctx)
	})
	if recoverErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalStorage, recoverErr)
	}

	result := &CycleResult{StartedAt: time.Now()}
	defer func() { result.FinishedAt = time.Now() }()

	// Sessions that will never reach the server do not get to churn the
	// retry queue.
	if !e.creds.Valid() {
		result.SkippedAuth = true
		return result, nil
	}

	if err := e.runPhases(ctx, result); err != nil {
		if errors.Is(err, errUnauthenticated) {
			result.Errors = append(result.Errors, err.Error())
			return result, nil
		}
		return result, err
	}

	if len(result.Errors) == 0 {
		if err := e.store.SetLastSyncAt(ctx, time.Now()); err != nil {
			return result, fmt.Errorf("%w: %w", ErrLocalStorage, err)
		}
		if _, err := e.queue.PurgeOld(ctx, e.config.Retention); err != nil {
			e.logger.Warn("failed to purge old queue items", "error", err)
		}
	}
	return result, nil
}

// runPhases executes the fixed sequence: upload attendance, leave, user,
// then download in the same order. A failing phase is recorded and the
// cycle moves on; only storage failures and credential rejection abort.
func (e *Engine) runPhases(ctx context.Context, result *CycleResult) error {
	for _, phase := range e.phases() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := phase.run(ctx, result)
		if err == nil {
			continue
		}
		if errors.Is(err, errUnauthenticated) || errors.Is(err, ErrLocalStorage) {
			return err
		}
		e.logger.Warn("sync phase failed", "phase", phase.name, "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", phase.name, err))
	}
	return nil
}

type phase struct {
	name string
	run  func(ctx context.Context, result *CycleResult) error
}

func (e *Engine) phases() []phase {
	var phases []phase
	for _, et := range entityOrder() {
		et := et
		phases = append(phases, phase{
			name: fmt.Sprintf("upload %s", et),
			run: func(ctx context.Context, r *CycleResult) error {
				return e.uploadPhase(ctx, et, r)
			},
		})
	}
	for _, et := range entityOrder() {
		et := et
		phases = append(phases, phase{
			name: fmt.Sprintf("download %s", et),
			run: func(ctx context.Context, r *CycleResult) error {
				return e.downloadPhase(ctx, et, r)
			},
		})
	}
	return phases
}

// Status returns queue counts and the last successful sync time for the
// UI layer.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrLocalStorage, err)
	}
	lastSync, err := e.store.LastSyncAt(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrLocalStorage, err)
	}
	return Status{Counts: counts, LastSyncAt: lastSync}, nil
}
