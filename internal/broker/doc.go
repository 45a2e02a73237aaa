// Package broker orchestrates the mirror-broker server components.
//
// # Overview
//
// The broker package owns the session listener, the admin HTTP API, and a
// gRPC health service. It wires together the license gate, the target lock
// manager, the session registry, the relay multiplexer, the agent
// provisioner, and the audit store.
//
// # Session Lifecycle
//
// Each accepted connection runs through handleConn:
//
//  1. Read the client's hello within relay.handshake_timeout
//  2. Negotiate the protocol version, parse the mode, validate the target
//  3. Authenticate with a JWT or an SSH proof (or anonymously if allowed)
//  4. Create the session: license check, seat reservation, target claim
//  5. Attach and dial an agent, then ping it within agent_handshake_timeout
//  6. Activate and write exactly one admitted outcome
//  7. Relay frames until either side ends or a drain is requested
//  8. Retire the session and release its claim, seat, and agent
//
// Every failure before step 6 produces a single non-admitted outcome
// (invalid, denied, conflict, or provision_failed) and closes the connection.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - GET /api/sessions - List live sessions
//   - GET /api/sessions/{id} - Show one session
//   - DELETE /api/sessions/{id} - Kill a session (drains it)
//   - GET /api/claims - List target claims
//   - GET /api/license - License gate status
//   - POST /api/license/refresh - Fetch the entitlement now
//   - GET /api/audit - Query session events
//
// Everything under /api requires a JWT with the admin role.
//
// # Shutdown
//
// Shutdown stops accepting connections, asks every session to drain, and
// waits for relays to finish. Relays still running at the deadline are
// forced closed.
//
// # Tailscale
//
// When tailscale.enabled is set the broker joins the tailnet with tsnet and
// listens on :7640 (sessions), :7642 (gRPC health), and :80 or :443 (HTTP).
package broker
