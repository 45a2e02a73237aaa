// ABOUTME: Resolves the credentials in a session hello to a client identity
// ABOUTME: Accepts a JWT, an SSH signature, or anonymous access when allowed

package auth

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when credentials are missing or rejected.
var ErrUnauthenticated = errors.New("unauthenticated")

// AnonymousIdentity is the identity given to clients when anonymous access is on.
const AnonymousIdentity = "anonymous"

// Method names how a client proved its identity.
type Method string

const (
	MethodToken     Method = "token"
	MethodSSH       Method = "ssh"
	MethodAnonymous Method = "anonymous"
)

// Credentials are what a client presents.
type Credentials struct {
	Token string
	SSH   *SSHAuthRequest
}

// Identity is an authenticated client.
type Identity struct {
	ID     string
	Method Method
	Admin  bool
}

// Authenticator checks credentials against the configured verifiers. A nil
// verifier disables that method.
type Authenticator struct {
	Tokens         TokenVerifier
	SSH            *SSHVerifier
	AllowAnonymous bool
}

// Authenticate returns the identity for creds. A token takes precedence over
// an SSH proof when both are sent.
func (a *Authenticator) Authenticate(creds Credentials) (Identity, error) {
	switch {
	case creds.Token != "":
		if a.Tokens == nil {
			return Identity{}, fmt.Errorf("%w: token auth is not configured", ErrUnauthenticated)
		}
		claims, err := a.Tokens.Verify(creds.Token)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return Identity{ID: claims.Subject, Method: MethodToken, Admin: claims.IsAdmin()}, nil

	case creds.SSH != nil:
		if a.SSH == nil {
			return Identity{}, fmt.Errorf("%w: ssh auth is not configured", ErrUnauthenticated)
		}
		fp, err := a.SSH.Verify(creds.SSH)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return Identity{ID: "ssh:" + fp, Method: MethodSSH}, nil

	case a.AllowAnonymous:
		return Identity{ID: AnonymousIdentity, Method: MethodAnonymous}, nil

	default:
		return Identity{}, fmt.Errorf("%w: no credentials", ErrUnauthenticated)
	}
}
