// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Package transport is the thin adapter over the remote attendance
// service. It maps entity operations onto REST calls, attaches the bearer
// credential, and classifies failures into a typed error taxonomy. It
// performs no retries; retry policy lives in the queue manager and the
// orchestrator.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chhinhsovath/plp-attendance-sync/model"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindNetwork covers connection failures and timeouts. Transient.
	KindNetwork Kind = iota
	// KindClient covers 4xx rejections other than auth. Permanent.
	KindClient
	// KindServer covers 5xx responses. Transient.
	KindServer
	// KindUnauthenticated covers 401/403. The orchestrator aborts the
	// whole cycle rather than retrying per item.
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindUnauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// Error is a classified transport failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 for network-level failures
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Msg)
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindNetwork || te.Kind == KindServer
	}
	return false
}

// IsUnauthenticated reports whether err is a credential failure.
func IsUnauthenticated(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindUnauthenticated
}

// RemoteRecord is one record returned by a changed-since listing. Payload
// is the full record body; ID and UpdatedAt are lifted out for the
// reconciler's last-writer-wins comparison.
type RemoteRecord struct {
	ID        string
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// Adapter is the remote service interface the orchestrator drives. The
// payload is the queue item's snapshot, opaque to the adapter beyond
// serialization.
type Adapter interface {
	Create(ctx context.Context, entityType model.EntityType, payload json.RawMessage) error
	Update(ctx context.Context, entityType model.EntityType, id string, payload json.RawMessage) error
	Delete(ctx context.Context, entityType model.EntityType, id string) error
	ListChangedSince(ctx context.Context, entityType model.EntityType, since time.Time) ([]RemoteRecord, error)
}
