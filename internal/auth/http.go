// ABOUTME: HTTP middleware guarding the admin API with bearer JWTs
// ABOUTME: Requires the admin role and puts the caller's identity on the request context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	errNoAuthHeader  = errors.New("missing authorization header")
	errNotBearer     = errors.New("authorization header must use the Bearer scheme")
	errEmptyBearer   = errors.New("empty bearer token")
	errAdminDisabled = errors.New("admin api requires auth.jwt_secret")
)

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errNoAuthHeader
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNotBearer
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errEmptyBearer
	}
	return token, nil
}

// RequireAdminHTTP wraps next so only admin tokens reach it. A nil verifier
// disables the wrapped routes with 503.
func RequireAdminHTTP(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, status, err := adminIdentity(verifier, r)
			if err != nil {
				writeAuthError(w, status, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func adminIdentity(verifier TokenVerifier, r *http.Request) (Identity, int, error) {
	if verifier == nil {
		return Identity{}, http.StatusServiceUnavailable, errAdminDisabled
	}
	token, err := bearerToken(r)
	if err != nil {
		return Identity{}, http.StatusUnauthorized, err
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		return Identity{}, http.StatusUnauthorized, ErrInvalidToken
	}
	if !claims.IsAdmin() {
		return Identity{}, http.StatusForbidden, errors.New("admin role required")
	}
	return Identity{ID: claims.Subject, Method: MethodToken, Admin: true}, http.StatusOK, nil
}

func writeAuthError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
