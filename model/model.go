// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Package model defines the business records the sync engine moves between
// the local store and the remote service. Domain fields are opaque to the
// engine beyond (ID, UpdatedAt); everything else is carried as serialized
// payload.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType identifies one of the synchronized business entities.
type EntityType string

const (
	EntityAttendance EntityType = "attendance"
	EntityLeave      EntityType = "leave"
	EntityUser       EntityType = "user"
)

// SyncOrder is the fixed priority order sync phases run in. Attendance is
// the most business-critical record and goes first.
var SyncOrder = []EntityType{EntityAttendance, EntityLeave, EntityUser}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityAttendance, EntityLeave, EntityUser:
		return true
	}
	return false
}

// Priority returns the queue priority assigned to new items of this entity
// type. Higher is served first.
func (e EntityType) Priority() int {
	switch e {
	case EntityAttendance:
		return 30
	case EntityLeave:
		return 20
	case EntityUser:
		return 10
	}
	return 0
}

// NewID returns a client-generated record identifier, valid before any
// server round-trip.
func NewID() string {
	return uuid.New().String()
}

// Attendance is a single check-in/check-out record.
type Attendance struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	CheckInAt  time.Time  `json:"check_in_at"`
	CheckOutAt *time.Time `json:"check_out_at,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	Status     string     `json:"status"`
	Notes      string     `json:"notes,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// IsSynced/SyncedAt are a read-model projection of queue state, written
	// only by the reconciler.
	IsSynced bool       `json:"-"`
	SyncedAt *time.Time `json:"-"`
}

// Leave is a leave/time-off request.
type Leave struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	LeaveType string    `json:"leave_type"`
	Reason    string    `json:"reason,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`

	IsSynced bool       `json:"-"`
	SyncedAt *time.Time `json:"-"`
}

// User is a locally cached user profile.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	UpdatedAt time.Time `json:"updated_at"`

	IsSynced bool       `json:"-"`
	SyncedAt *time.Time `json:"-"`
}
