// Package store persists the broker's session audit trail using SQLite.
//
// # Data Model
//
// The trail is a single append-only table of SessionEvent rows. Each row
// records one lifecycle step of one session:
//
//   - admitted: the broker accepted the hello and granted a claim
//   - rejected: the hello was refused (entitlement, conflict, provisioning, bad request)
//   - activated: the agent answered the handshake and frames started flowing
//   - preempted: the session's claim was displaced by a steal
//   - killed: an operator asked for the session to be drained
//   - retired: the session closed and its claim was released
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (no cgo) with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// Database locations:
//
//   - Production: /var/lib/mirror-broker/audit.db
//   - Development and tests: :memory:
//
// # Testing
//
// Use NewMockStore() for unit tests of code that records events, and
// NewSQLiteStore(":memory:") for tests that need real queries.
package store
