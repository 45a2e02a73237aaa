// ABOUTME: Entitlement snapshot describing what the installed license permits
// ABOUTME: Snapshots are replaced wholesale on refresh and never mutated

package license

import (
	"slices"
	"time"
)

// Feature is a licensed capability.
type Feature string

const (
	// FeatureMirror permits non-exclusive traffic mirroring.
	FeatureMirror Feature = "mirror"
	// FeatureSteal permits exclusive traffic interception.
	FeatureSteal Feature = "steal"
)

// CloseToExpiration is how far ahead of expiry refreshes start warning.
const CloseToExpiration = 7 * 24 * time.Hour

// Entitlement is a point-in-time license snapshot. Treat it as immutable.
type Entitlement struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Seats       int       `json:"seats"`
	Features    []Feature `json:"features"`
	// Clients restricts which client identities may use the license.
	// Empty means any authenticated client.
	Clients   []string  `json:"clients,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Trial     bool      `json:"trial"`

	// FetchedAt is set by the gate when the snapshot is stored.
	FetchedAt time.Time `json:"fetched_at"`
}

// Ungated returns the snapshot used when enforcement is disabled: every
// feature, unlimited seats, no expiry.
func Ungated() *Entitlement {
	return &Entitlement{
		Name:     "ungated",
		Features: []Feature{FeatureMirror, FeatureSteal},
	}
}

// HasFeature reports whether f is licensed.
func (e *Entitlement) HasFeature(f Feature) bool {
	return slices.Contains(e.Features, f)
}

// AllowsClient reports whether identity may use this license.
func (e *Entitlement) AllowsClient(identity string) bool {
	return len(e.Clients) == 0 || slices.Contains(e.Clients, identity)
}

// Expired reports whether the license has passed its expiry. A zero expiry
// never expires.
func (e *Entitlement) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ExpiresSoon reports whether the license expires within CloseToExpiration.
func (e *Entitlement) ExpiresSoon(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.Expired(now) && e.ExpiresAt.Sub(now) <= CloseToExpiration
}

// DaysRemaining returns whole days until expiry, or -1 for no expiry.
func (e *Entitlement) DaysRemaining(now time.Time) int {
	if e.ExpiresAt.IsZero() {
		return -1
	}
	d := e.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// Age returns how long ago the snapshot was fetched.
func (e *Entitlement) Age(now time.Time) time.Duration {
	if e.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(e.FetchedAt)
}
