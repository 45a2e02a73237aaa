// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []SessionEvent // append order
	closed bool

	// AppendErr, when set, is returned by AppendSessionEvent.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// AppendSessionEvent records e.
func (m *MockStore) AppendSessionEvent(ctx context.Context, e *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("store closed")
	}
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Copy so the caller cannot mutate what was stored.
	c := *e
	if e.Detail != nil {
		c.Detail = maps.Clone(e.Detail)
	}
	m.events = append(m.events, c)
	return nil
}

// ListSessionEvents returns matching events, newest first.
func (m *MockStore) ListSessionEvents(ctx context.Context, f EventFilter) ([]SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []SessionEvent{}
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
	}

	// Stable keeps append order for equal timestamps.
	slices.SortStableFunc(out, func(a, b SessionEvent) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(e SessionEvent, f EventFilter) bool {
	switch {
	case f.Since != nil && e.Timestamp.Before(*f.Since):
		return false
	case f.Until != nil && e.Timestamp.After(*f.Until):
		return false
	case f.SessionID != nil && e.SessionID != *f.SessionID:
		return false
	case f.Identity != nil && e.Identity != *f.Identity:
		return false
	case f.Kind != nil && e.Kind != *f.Kind:
		return false
	case f.Target != nil && e.Target != *f.Target:
		return false
	}
	return true
}

// Kinds returns the kinds recorded for sessionID in append order.
func (m *MockStore) Kinds(sessionID string) []EventKind {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var kinds []EventKind
	for _, e := range m.events {
		if e.SessionID == sessionID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
