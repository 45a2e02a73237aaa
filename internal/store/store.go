// ABOUTME: Store interface and data types for the broker's session audit trail
// ABOUTME: Defines SessionEvent, EventFilter, and the Store interface

package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// EventKind is a session lifecycle step.
type EventKind string

const (
	EventAdmitted  EventKind = "admitted"
	EventRejected  EventKind = "rejected"
	EventActivated EventKind = "activated"
	EventPreempted EventKind = "preempted"
	EventKilled    EventKind = "killed"
	EventRetired   EventKind = "retired"
)

// ValidEventKinds lists all event kinds.
var ValidEventKinds = []EventKind{
	EventAdmitted,
	EventRejected,
	EventActivated,
	EventPreempted,
	EventKilled,
	EventRetired,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	return slices.Contains(ValidEventKinds, k)
}

// SessionEvent is one row of the audit trail.
type SessionEvent struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	SessionID string         `json:"session_id,omitempty"` // empty for rejections before a session exists
	Identity  string         `json:"identity"`
	Target    string         `json:"target"` // canonical target key
	Mode      string         `json:"mode,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// EventFilter specifies filtering options for listing events. Nil fields
// match everything.
type EventFilter struct {
	Since     *time.Time
	Until     *time.Time
	SessionID *string
	Identity  *string
	Kind      *EventKind
	Target    *string
	Limit     int // max results (default 100, max 1000)
}

// Store records and lists session events.
type Store interface {
	AppendSessionEvent(ctx context.Context, e *SessionEvent) error
	ListSessionEvents(ctx context.Context, f EventFilter) ([]SessionEvent, error)
	Close() error
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
