// ABOUTME: Session event store methods backing the audit trail
// ABOUTME: Append-only inserts and filtered listing, newest first

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

const eventColumns = "event_id, kind, session_id, identity, target, mode, reason, ts, detail_json"

// AppendSessionEvent stores e, filling in ID and Timestamp when unset.
func (s *SQLiteStore) AppendSessionEvent(ctx context.Context, e *SessionEvent) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detail sql.NullString
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO session_events ("+eventColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, string(e.Kind), e.SessionID, e.Identity, e.Target, e.Mode, e.Reason,
		formatTS(e.Timestamp), detail,
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}

	s.logger.Debug("session event", "kind", e.Kind, "session_id", e.SessionID, "target", e.Target)
	return nil
}

// eventWhere renders f as a WHERE clause and its arguments.
func eventWhere(f EventFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if f.Since != nil {
		add("ts >= ?", formatTS(*f.Since))
	}
	if f.Until != nil {
		add("ts <= ?", formatTS(*f.Until))
	}
	if f.SessionID != nil {
		add("session_id = ?", *f.SessionID)
	}
	if f.Identity != nil {
		add("identity = ?", *f.Identity)
	}
	if f.Kind != nil {
		add("kind = ?", string(*f.Kind))
	}
	if f.Target != nil {
		add("target = ?", *f.Target)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListSessionEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListSessionEvents(ctx context.Context, f EventFilter) ([]SessionEvent, error) {
	where, args := eventWhere(f)
	query := "SELECT " + eventColumns + " FROM session_events" + where + " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []SessionEvent{}
	for rows.Next() {
		var (
			e        SessionEvent
			kind, ts string
			detail   sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &e.SessionID, &e.Identity, &e.Target, &e.Mode, &e.Reason, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		e.Kind = EventKind(kind)
		if e.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("event %s: parsing timestamp: %w", e.ID, err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("event %s: decoding detail: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}
	return events, nil
}
