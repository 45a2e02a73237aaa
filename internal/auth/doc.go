// Package auth authenticates broker clients and admin API callers.
//
// # Session Clients
//
// A client's hello carries one of:
//
//   - JWT Token: HS256 signed with auth.jwt_secret. The "sub" claim is the
//     identity used for seat accounting and audit.
//
//   - SSH Signature: the client signs "timestamp|nonce" with its SSH key. The
//     identity is "ssh:<sha256 fingerprint>". Nonces are remembered for the
//     signature window so a captured hello cannot be replayed. The broker
//     only accepts SSH proofs from keys listed in auth.authorized_keys.
//
//   - Nothing: accepted as "anonymous" only when auth.allow_anonymous is set.
//
// # Admin API
//
// RequireAdminHTTP guards the HTTP admin endpoints. Tokens must carry
// role=admin:
//
//	mirror-broker token --subject ops --admin
package auth
