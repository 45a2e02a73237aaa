// ABOUTME: Tests for the license gate and HTTP entitlement fetcher
// ABOUTME: Verifies cached checks, staleness flags, refresh retries, and denial reasons

package license

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticFetcher(ent *Entitlement, calls *atomic.Int32) Fetcher {
	return FetcherFunc(func(ctx context.Context) (*Entitlement, error) {
		if calls != nil {
			calls.Add(1)
		}
		return ent, nil
	})
}

func TestCheckUngated(t *testing.T) {
	g := NewGate(nil, Config{Enforce: false}, testLogger())
	g.Start(context.Background())
	defer g.Close()

	d := g.Check("anyone", FeatureSteal)
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.Equal(t, 0, g.SeatLimit())
	assert.Equal(t, "ungated", g.Current().Name)
}

func TestCheckDecisions(t *testing.T) {
	future := time.Now().Add(90 * 24 * time.Hour)
	tests := []struct {
		name     string
		ent      *Entitlement
		identity string
		feature  Feature
		allowed  bool
		code     DenyCode
	}{
		{
			name:     "licensed feature",
			ent:      &Entitlement{Features: []Feature{FeatureMirror, FeatureSteal}, ExpiresAt: future},
			identity: "alice", feature: FeatureSteal, allowed: true,
		},
		{
			name:     "missing feature",
			ent:      &Entitlement{Features: []Feature{FeatureMirror}, ExpiresAt: future},
			identity: "alice", feature: FeatureSteal, code: DenyFeature,
		},
		{
			name:     "expired",
			ent:      &Entitlement{Features: []Feature{FeatureMirror}, ExpiresAt: time.Now().Add(-time.Hour)},
			identity: "alice", feature: FeatureMirror, code: DenyExpired,
		},
		{
			name:     "client not listed",
			ent:      &Entitlement{Features: []Feature{FeatureMirror}, Clients: []string{"bob"}},
			identity: "alice", feature: FeatureMirror, code: DenyClient,
		},
		{
			name:     "no expiry",
			ent:      &Entitlement{Features: []Feature{FeatureMirror}},
			identity: "alice", feature: FeatureMirror, allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(staticFetcher(tt.ent, nil), Config{Enforce: true}, testLogger())
			require.NoError(t, g.RefreshNow(context.Background()))

			d := g.Check(tt.identity, tt.feature)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.code, d.Code)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestCheckWithoutSnapshotDenies(t *testing.T) {
	g := NewGate(staticFetcher(&Entitlement{}, nil), Config{Enforce: true}, testLogger())
	d := g.Check("alice", FeatureMirror)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyNoEntitlement, d.Code)
	assert.True(t, g.Stale())
}

func TestCheckNeverFetches(t *testing.T) {
	var calls atomic.Int32
	g := NewGate(staticFetcher(&Entitlement{Features: []Feature{FeatureMirror}}, &calls), Config{Enforce: true}, testLogger())
	require.NoError(t, g.RefreshNow(context.Background()))
	require.Equal(t, int32(1), calls.Load())

	for range 100 {
		g.Check("alice", FeatureMirror)
		g.Check("alice", FeatureSteal)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckStaleSnapshotDegraded(t *testing.T) {
	g := NewGate(staticFetcher(&Entitlement{Features: []Feature{FeatureMirror}}, nil), Config{
		Enforce:         true,
		RefreshInterval: time.Minute,
		StaleAfter:      5 * time.Minute,
	}, testLogger())
	require.NoError(t, g.RefreshNow(context.Background()))

	d := g.Check("alice", FeatureMirror)
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)

	g.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	d = g.Check("alice", FeatureMirror)
	assert.True(t, d.Allowed, "stale snapshot still answers")
	assert.True(t, d.Degraded)
	assert.Equal(t, int64(1), g.DegradedChecks())
	assert.True(t, g.Status().Stale)
}

func TestStaleWarningLoggedOncePerSnapshot(t *testing.T) {
	var logs bytes.Buffer
	g := NewGate(staticFetcher(&Entitlement{Features: []Feature{FeatureMirror}}, nil), Config{
		Enforce:         true,
		RefreshInterval: time.Minute,
		StaleAfter:      5 * time.Minute,
	}, slog.New(slog.NewTextHandler(&logs, nil)))
	clock := time.Now()
	g.now = func() time.Time { return clock }
	require.NoError(t, g.RefreshNow(context.Background()))
	warnings := func() int { return strings.Count(logs.String(), "served from stale snapshot") }

	clock = clock.Add(10 * time.Minute)
	for range 5 {
		assert.True(t, g.Check("alice", FeatureMirror).Degraded)
	}
	assert.Equal(t, 1, warnings())
	assert.Equal(t, int64(5), g.DegradedChecks())

	require.NoError(t, g.RefreshNow(context.Background()))
	assert.False(t, g.Check("alice", FeatureMirror).Degraded)

	clock = clock.Add(10 * time.Minute)
	assert.True(t, g.Check("alice", FeatureMirror).Degraded)
	assert.Equal(t, 2, warnings(), "a new snapshot going stale warns again")
	assert.Equal(t, int64(6), g.DegradedChecks())
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	var fail atomic.Bool
	fetcher := FetcherFunc(func(ctx context.Context) (*Entitlement, error) {
		if fail.Load() {
			return nil, errors.New("license service unreachable")
		}
		return &Entitlement{Name: "team", Features: []Feature{FeatureMirror}}, nil
	})

	g := NewGate(fetcher, Config{Enforce: true}, testLogger())
	require.NoError(t, g.RefreshNow(context.Background()))

	fail.Store(true)
	require.Error(t, g.RefreshNow(context.Background()))

	assert.Equal(t, "team", g.Current().Name)
	assert.True(t, g.Check("alice", FeatureMirror).Allowed)
	assert.Contains(t, g.Status().LastError, "unreachable")
}

func TestRefreshLoopRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context) (*Entitlement, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("temporarily unavailable")
		}
		return &Entitlement{Name: "recovered", Features: []Feature{FeatureMirror}}, nil
	})

	g := NewGate(fetcher, Config{
		Enforce:         true,
		RefreshInterval: time.Minute,
		RetryInitial:    5 * time.Millisecond,
		RetryMax:        10 * time.Millisecond,
	}, testLogger())
	g.Start(context.Background())
	defer g.Close()

	require.Eventually(t, func() bool {
		return g.Current() != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "recovered", g.Current().Name)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRefreshOnDemand(t *testing.T) {
	var calls atomic.Int32
	g := NewGate(staticFetcher(&Entitlement{Features: []Feature{FeatureMirror}}, &calls), Config{
		Enforce:         true,
		RefreshInterval: time.Hour,
	}, testLogger())
	g.Start(context.Background())
	defer g.Close()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	g.Refresh()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	g := NewGate(staticFetcher(&Entitlement{}, nil), Config{Enforce: true}, testLogger())
	g.Close()
	g.Close()

	started := NewGate(staticFetcher(&Entitlement{}, nil), Config{Enforce: true}, testLogger())
	started.Start(context.Background())
	started.Close()
	started.Close()
}

func TestExpiryHelpers(t *testing.T) {
	now := time.Now()
	e := &Entitlement{ExpiresAt: now.Add(3 * 24 * time.Hour).Add(time.Hour)}
	assert.True(t, e.ExpiresSoon(now))
	assert.Equal(t, 3, e.DaysRemaining(now))

	far := &Entitlement{ExpiresAt: now.Add(30 * 24 * time.Hour)}
	assert.False(t, far.ExpiresSoon(now))

	none := &Entitlement{}
	assert.False(t, none.Expired(now))
	assert.Equal(t, -1, none.DaysRemaining(now))
}

func TestHTTPFetcher(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/entitlement", r.URL.Path)
			assert.Equal(t, "Bearer lic-key", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"acme","seats":5,"features":["mirror","steal"],"trial":true}`))
		}))
		defer srv.Close()

		ent, err := NewHTTPFetcher(srv.URL, "lic-key", time.Second).FetchEntitlement(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "acme", ent.Name)
		assert.Equal(t, 5, ent.Seats)
		assert.True(t, ent.HasFeature(FeatureSteal))
		assert.True(t, ent.Trial)
	})

	t.Run("unknown key is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := NewHTTPFetcher(srv.URL, "bad", time.Second).FetchEntitlement(context.Background())
		require.ErrorIs(t, err, ErrPermanent)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, http.StatusUnauthorized, fe.StatusCode)
		assert.Contains(t, err.Error(), "status 401")
		assert.Contains(t, err.Error(), ErrPermanent.Error())
	})

	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewHTTPFetcher(srv.URL, "", time.Second).FetchEntitlement(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPermanent)
		assert.Contains(t, err.Error(), "status 502")
		assert.Contains(t, err.Error(), "boom")
	})
}
