// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/chhinhsovath/plp-attendance-sync/localstore"
	"github.com/chhinhsovath/plp-attendance-sync/model"
	"github.com/chhinhsovath/plp-attendance-sync/syncqueue"
	"github.com/chhinhsovath/plp-attendance-sync/transport"
)

type fakeCreds struct{ valid bool }

func (c *fakeCreds) Token(ctx context.Context) (string, error) { return "tok", nil }
func (c *fakeCreds) Valid() bool                               { return c.valid }

type adapterCall struct {
	op         string
	entityType model.EntityType
	id         string
}

// fakeAdapter scripts the remote side: per-entity mutation and list errors,
// canned download pages, and an optional gate that blocks mutations until
// released.
type fakeAdapter struct {
	mu        sync.Mutex
	calls     []adapterCall
	mutateErr map[model.EntityType]error
	listErr   map[model.EntityType]error
	remote    map[model.EntityType][]transport.RemoteRecord

	gate      chan struct{}
	startOnce sync.Once
	started   chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		mutateErr: map[model.EntityType]error{},
		listErr:   map[model.EntityType]error{},
		remote:    map[model.EntityType][]transport.RemoteRecord{},
		started:   make(chan struct{}),
	}
}

func (f *fakeAdapter) record(op string, entityType model.EntityType, id string) {
	f.mu.Lock()
	f.calls = append(f.calls, adapterCall{op: op, entityType: entityType, id: id})
	f.mu.Unlock()
	f.startOnce.Do(func() { close(f.started) })
}

func (f *fakeAdapter) mutate(ctx context.Context, op string, entityType model.EntityType, id string) error {
	f.record(op, entityType, id)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutateErr[entityType]
}

func (f *fakeAdapter) Create(ctx context.Context, entityType model.EntityType, payload json.RawMessage) error {
	return f.mutate(ctx, "create", entityType, "")
}

func (f *fakeAdapter) Update(ctx context.Context, entityType model.EntityType, id string, payload json.RawMessage) error {
	return f.mutate(ctx, "update", entityType, id)
}

func (f *fakeAdapter) Delete(ctx context.Context, entityType model.EntityType, id string) error {
	return f.mutate(ctx, "delete", entityType, id)
}

func (f *fakeAdapter) ListChangedSince(ctx context.Context, entityType model.EntityType, since time.Time) ([]transport.RemoteRecord, error) {
	f.record("list", entityType, "")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[entityType]; err != nil {
		return nil, err
	}
	return f.remote[entityType], nil
}

func (f *fakeAdapter) mutationCalls() []adapterCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []adapterCall
	for _, c := range f.calls {
		if c.op != "list" {
			out = append(out, c)
		}
	}
	return out
}

type testEnv struct {
	engine  *Engine
	store   *localstore.Store
	queue   *syncqueue.Manager
	adapter *fakeAdapter
	creds   *fakeCreds
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	queue, err := syncqueue.NewManager(db, nil, nil)
	require.NoError(t, err)
	store, err := localstore.New(db, queue, nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	creds := &fakeCreds{valid: true}
	config := &Config{
		Interval:    time.Hour,
		BatchLimit:  50,
		Concurrency: 2,
		Retention:   7 * 24 * time.Hour,
	}
	return &testEnv{
		engine:  New(store, queue, adapter, creds, config, nil),
		store:   store,
		queue:   queue,
		adapter: adapter,
		creds:   creds,
	}
}

func remoteUser(t *testing.T, id, username string, at time.Time) transport.RemoteRecord {
	t.Helper()
	payload, err := json.Marshal(model.User{
		ID: id, Username: username, Email: username + "@example.org",
		Role: "teacher", UpdatedAt: at,
	})
	require.NoError(t, err)
	return transport.RemoteRecord{ID: id, UpdatedAt: at, Payload: payload}
}

func TestPerformSyncFullCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	att := &model.Attendance{
		UserID: "teacher-17", CheckInAt: time.Now().UTC(), Status: "PRESENT",
	}
	require.NoError(t, env.store.SaveAttendance(ctx, att))
	leave := &model.Leave{
		UserID: "teacher-17", StartDate: time.Now().UTC(),
		EndDate: time.Now().UTC().Add(24 * time.Hour), LeaveType: "SICK", Status: "PENDING",
	}
	require.NoError(t, env.store.SaveLeave(ctx, leave))

	remoteAt := time.Now().UTC().Truncate(time.Millisecond)
	env.adapter.remote[model.EntityUser] = []transport.RemoteRecord{
		remoteUser(t, "u-remote", "dara", remoteAt),
	}

	result, err := env.engine.PerformSync(ctx)
	require.NoError(t, err)
	require.False(t, result.SkippedAuth)
	require.Empty(t, result.Errors)
	require.Equal(t, 2, result.Uploaded)
	require.Equal(t, 1, result.Downloaded)
	require.Zero(t, result.Failed)

	// Uploaded records are projected as synchronized.
	got, err := env.store.GetAttendance(ctx, att.ID)
	require.NoError(t, err)
	require.True(t, got.IsSynced)

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, syncqueue.Counts{Succeeded: 2}, counts)

	// The downloaded user landed locally and advanced the watermark.
	user, err := env.store.GetUser(ctx, "u-remote")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.True(t, user.IsSynced)

	wm, err := env.store.Watermark(ctx, model.EntityUser)
	require.NoError(t, err)
	require.True(t, wm.Equal(remoteAt))

	status, err := env.engine.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.LastSyncAt.IsZero())
}

func TestPerformSyncSkipsWithoutCredential(t *testing.T) {
	env := newTestEnv(t)
	env.creds.valid = false
	ctx := context.Background()

	att := &model.Attendance{UserID: "teacher-17", CheckInAt: time.Now().UTC(), Status: "PRESENT"}
	require.NoError(t, env.store.SaveAttendance(ctx, att))

	result, err := env.engine.PerformSync(ctx)
	require.NoError(t, err)
	require.True(t, result.SkippedAuth)
	require.Zero(t, result.Uploaded)
	require.Empty(t, env.adapter.calls, "no remote traffic without a credential")

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Pending, "items wait for the next authenticated cycle")
}

func TestUploadRunsAttendanceBeforeLeaveBeforeUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveUser(ctx, &model.User{Username: "sokha"}))
	require.NoError(t, env.store.SaveLeave(ctx, &model.Leave{
		UserID: "u1", StartDate: time.Now().UTC(), EndDate: time.Now().UTC(), LeaveType: "SICK",
	}))
	require.NoError(t, env.store.SaveAttendance(ctx, &model.Attendance{
		UserID: "u1", CheckInAt: time.Now().UTC(), Status: "PRESENT",
	}))

	_, err := env.engine.PerformSync(ctx)
	require.NoError(t, err)

	calls := env.adapter.mutationCalls()
	require.Len(t, calls, 3)
	require.Equal(t, model.EntityAttendance, calls[0].entityType)
	require.Equal(t, model.EntityLeave, calls[1].entityType)
	require.Equal(t, model.EntityUser, calls[2].entityType)
}

func TestServerErrorSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.adapter.mutateErr[model.EntityAttendance] = &transport.Error{
		Kind: transport.KindServer, Status: http.StatusInternalServerError, Msg: "boom",
	}
	att := &model.Attendance{UserID: "u1", CheckInAt: time.Now().UTC(), Status: "PRESENT"}
	require.NoError(t, env.store.SaveAttendance(ctx, att))

	result, err := env.engine.PerformSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Empty(t, result.Errors, "item failures are not phase failures")

	items, err := env.queue.ClaimDue(ctx, model.EntityAttendance, 10)
	require.NoError(t, err)
	require.Empty(t, items, "item is backing off, not due yet")

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Retry)
}

func TestClientRejectionFailsPermanently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.adapter.mutateErr[model.EntityAttendance] = &transport.Error{
		Kind: transport.KindClient, Status: http.StatusBadRequest, Msg: "validation failed",
	}
	att := &model.Attendance{UserID: "u1", CheckInAt: time.Now().UTC(), Status: "PRESENT"}
	require.NoError(t, env.store.SaveAttendance(ctx, att))

	result, err := env.engine.PerformSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	failed, err := env.queue.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].AttemptCount, "no point retrying a rejected payload")
}

func TestUnauthenticatedAbortsCycleWithoutBurningAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.adapter.mutateErr[model.EntityAttendance] = &transport.Error{
		Kind: transport.KindUnauthenticated, Status: http.StatusUnauthorized, Msg: "token expired",
	}
	att := &model.Attendance{UserID: "u1", CheckInAt: time.Now().UTC(), Status: "PRESENT"}
	require.NoError(t, env.store.SaveAttendance(ctx, att))
	leave := &model.Leave{
		UserID: "u1", StartDate: time.Now().UTC(), EndDate: time.Now().UTC(), LeaveType: "SICK",
	}
	require.NoError(t, env.store.SaveLeave(ctx, leave))

	result, err := env.engine.PerformSync(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, result.Errors)
	require.Zero(t, result.Uploaded)

	// The rejected item went back to PENDING with its attempt budget intact,
	// and later phases never ran.
	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, syncqueue.Counts{Pending: 2}, counts)

	for _, c := range env.adapter.calls {
		require.Equal(t, model.EntityAttendance, c.entityType,
			"no leave/user traffic after the credential was rejected")
	}
}

func TestDownloadFailureIsIsolatedPerPhase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.adapter.listErr[model.EntityAttendance] = &transport.Error{
		Kind: transport.KindServer, Status: http.StatusBadGateway, Msg: "upstream down",
	}
	remoteAt := time.Now().UTC().Truncate(time.Millisecond)
	env.adapter.remote[model.EntityUser] = []transport.RemoteRecord{
		remoteUser(t, "u-remote", "dara", remoteAt),
	}

	result, err := env.engine.PerformSync(ctx)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "download attendance")
	require.Equal(t, 1, result.Downloaded, "later phases still ran")

	// A cycle with phase errors does not count as a successful sync.
	last, err := env.store.LastSyncAt(ctx)
	require.NoError(t, err)
	require.True(t, last.IsZero())
}

func TestPerformSyncIsSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.adapter.gate = make(chan struct{})
	att := &model.Attendance{UserID: "u1", CheckInAt: time.Now().UTC(), Status: "PRESENT"}
	require.NoError(t, env.store.SaveAttendance(ctx, att))

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.engine.PerformSync(ctx)
		firstDone <- err
	}()

	select {
	case <-env.adapter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached the transport")
	}

	_, err := env.engine.PerformSync(ctx)
	require.ErrorIs(t, err, ErrCycleRunning)

	close(env.adapter.gate)
	require.NoError(t, <-firstDone)
}

func TestShutdownReleasesClaimWithoutBurningAttempt(t *testing.T) {
	env := newTestEnv(t)

	env.adapter.gate = make(chan struct{})
	att := &model.Attendance{UserID: "u1", CheckInAt: time.Now().UTC(), Status: "PRESENT"}
	require.NoError(t, env.store.SaveAttendance(context.Background(), att))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var cycleErr error
	go func() {
		defer close(done)
		_, cycleErr = env.engine.PerformSync(ctx)
	}()

	select {
	case <-env.adapter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never reached the transport")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not stop after cancellation")
	}
	require.ErrorIs(t, cycleErr, context.Canceled)

	// The interrupted call was not the item's fault: the claim is handed
	// back untouched, ready for the next cycle.
	counts, err := env.queue.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncqueue.Counts{Pending: 1}, counts)

	claimed, err := env.queue.ClaimDue(context.Background(), model.EntityAttendance, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Zero(t, claimed[0].AttemptCount)
}

func TestStartupReclaimsInFlightItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	att := &model.Attendance{UserID: "u1", CheckInAt: time.Now().UTC(), Status: "PRESENT"}
	require.NoError(t, env.store.SaveAttendance(ctx, att))

	// Claim and walk away: a crash leaves the item IN_PROGRESS.
	claimed, err := env.queue.ClaimDue(ctx, model.EntityAttendance, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	restarted := New(env.store, env.queue, env.adapter, env.creds, nil, nil)
	result, err := restarted.PerformSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Uploaded, "the orphaned claim was reclaimed and delivered")
}

func TestStartStopAutoSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.StartAutoSync(ctx))
	require.Error(t, env.engine.StartAutoSync(ctx), "second start must be rejected")

	// The immediate first cycle reaches the adapter even with nothing queued.
	select {
	case <-env.adapter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first timer cycle never ran")
	}

	env.engine.StopSync()
	env.engine.StopSync() // idempotent
}
