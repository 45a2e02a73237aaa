// ABOUTME: License gate answering entitlement checks from a cached snapshot
// ABOUTME: Refreshes asynchronously with backoff; checks never touch the network

package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default refresh timings.
const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultRetryInitial    = time.Second
	DefaultRetryMax        = time.Minute
)

// DenyCode classifies why a check was denied.
type DenyCode int

const (
	DenyNone DenyCode = iota
	DenyNoEntitlement
	DenyExpired
	DenyClient
	DenyFeature
)

// Decision is the answer to a Check.
type Decision struct {
	Allowed bool
	Code    DenyCode
	Reason  string
	// Degraded is set when the answer came from a snapshot older than the
	// staleness threshold.
	Degraded bool
}

// Config controls gate behavior.
type Config struct {
	// Enforce turns on license checks. When false every check is allowed.
	Enforce         bool
	RefreshInterval time.Duration
	// StaleAfter is the snapshot age at which checks are flagged degraded.
	// Defaults to three refresh intervals.
	StaleAfter   time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.RefreshInterval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	return c
}

// Status summarizes the gate for health and admin endpoints.
type Status struct {
	Enforced       bool         `json:"enforced"`
	Entitlement    *Entitlement `json:"entitlement,omitempty"`
	Stale          bool         `json:"stale"`
	LastError      string       `json:"last_error,omitempty"`
	LastRefresh    time.Time    `json:"last_refresh,omitzero"`
	DegradedChecks int64        `json:"degraded_checks"`
}

// Gate holds the process-wide entitlement cache.
type Gate struct {
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	snapshot       atomic.Pointer[Entitlement]
	degradedChecks atomic.Int64
	// staleWarned is set once the current snapshot has been reported stale.
	staleWarned atomic.Bool

	mu          sync.Mutex
	lastErr     error
	lastRefresh time.Time

	trigger   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewGate creates a gate. fetcher may be nil when enforcement is off.
func NewGate(fetcher Fetcher, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "license"),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if !cfg.Enforce {
		g.snapshot.Store(Ungated())
	}
	return g
}

// Start launches the refresh loop. The first fetch happens immediately.
// When enforcement is off, Start does nothing.
func (g *Gate) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		if !g.cfg.Enforce || g.fetcher == nil {
			close(g.done)
			if g.cfg.Enforce {
				g.logger.Error("license enforcement enabled without a fetcher; all checks will be denied")
			}
			return
		}
		ctx, g.cancel = context.WithCancel(ctx)
		go g.run(ctx)
	})
}

// Close stops the refresh loop and waits for it to exit. Safe to call more
// than once, and before Start.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		started := true
		g.startOnce.Do(func() {
			started = false
			close(g.done)
		})
		if started && g.cancel != nil {
			g.cancel()
		}
		<-g.done
	})
}

// Refresh asks the loop to fetch now. It never blocks; a pending request
// absorbs later ones.
func (g *Gate) Refresh() {
	select {
	case g.trigger <- struct{}{}:
	default:
	}
}

func (g *Gate) run(ctx context.Context) {
	defer close(g.done)

	g.refreshWithRetry(ctx)

	ticker := time.NewTicker(g.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshWithRetry(ctx)
		case <-g.trigger:
			g.refreshWithRetry(ctx)
		}
	}
}

// refreshWithRetry fetches with exponential backoff, giving up after one
// refresh interval so the next tick starts a fresh attempt.
func (g *Gate) refreshWithRetry(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryInitial
	b.MaxInterval = g.cfg.RetryMax
	b.MaxElapsedTime = g.cfg.RefreshInterval

	op := func() error {
		err := g.RefreshNow(ctx)
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Warn("entitlement refresh failed, retrying", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil && ctx.Err() == nil {
		g.logger.Error("entitlement refresh gave up; serving cached snapshot", "error", err)
	}
}

// RefreshNow performs one fetch and stores the result. On failure the
// previous snapshot stays in place.
func (g *Gate) RefreshNow(ctx context.Context) error {
	if g.fetcher == nil {
		return errors.New("no entitlement fetcher configured")
	}
	ent, err := g.fetcher.FetchEntitlement(ctx)
	if err == nil && ent == nil {
		err = errors.New("fetcher returned no entitlement")
	}

	g.mu.Lock()
	g.lastErr = err
	if err == nil {
		g.lastRefresh = g.now()
	}
	g.mu.Unlock()

	if err != nil {
		return err
	}

	snap := *ent
	snap.FetchedAt = g.now()
	g.snapshot.Store(&snap)
	g.staleWarned.Store(false)
	g.logSnapshot(&snap)
	return nil
}

func (g *Gate) logSnapshot(e *Entitlement) {
	now := g.now()
	attrs := []any{"name", e.Name, "seats", e.Seats, "features", e.Features}
	switch {
	case e.Expired(now):
		g.logger.Error("license expired", append(attrs, "expired_at", e.ExpiresAt)...)
	case e.ExpiresSoon(now):
		g.logger.Warn("license expires soon", append(attrs, "days_remaining", e.DaysRemaining(now))...)
	default:
		g.logger.Debug("entitlement refreshed", attrs...)
	}
	if e.Trial {
		g.logger.Info("running on a trial license", "days_remaining", e.DaysRemaining(now))
	}
}

// Check answers whether identity may use feature right now, from the cached
// snapshot only.
func (g *Gate) Check(identity string, feature Feature) Decision {
	if !g.cfg.Enforce {
		return Decision{Allowed: true}
	}

	ent := g.snapshot.Load()
	if ent == nil {
		return Decision{Code: DenyNoEntitlement, Reason: "no entitlement available"}
	}

	now := g.now()
	var d Decision
	if ent.Age(now) > g.cfg.StaleAfter {
		d.Degraded = true
		n := g.degradedChecks.Add(1)
		if g.staleWarned.CompareAndSwap(false, true) {
			g.logger.Warn("entitlement checks served from stale snapshot", "age", ent.Age(now), "degraded_checks", n)
		}
	}

	switch {
	case ent.Expired(now):
		d.Code, d.Reason = DenyExpired, "license expired"
	case !ent.AllowsClient(identity):
		d.Code, d.Reason = DenyClient, "client is not entitled by the license"
	case !ent.HasFeature(feature):
		d.Code, d.Reason = DenyFeature, "feature "+string(feature)+" is not licensed"
	default:
		d.Allowed = true
	}
	return d
}

// Current returns the cached snapshot, or nil if none has been fetched.
func (g *Gate) Current() *Entitlement {
	return g.snapshot.Load()
}

// SeatLimit returns the licensed seat count; zero means unlimited.
func (g *Gate) SeatLimit() int {
	if !g.cfg.Enforce {
		return 0
	}
	if ent := g.snapshot.Load(); ent != nil {
		return ent.Seats
	}
	return 0
}

// Stale reports whether the cached snapshot is past the staleness threshold.
func (g *Gate) Stale() bool {
	if !g.cfg.Enforce {
		return false
	}
	ent := g.snapshot.Load()
	return ent == nil || ent.Age(g.now()) > g.cfg.StaleAfter
}

// DegradedChecks counts checks answered from a stale snapshot.
func (g *Gate) DegradedChecks() int64 {
	return g.degradedChecks.Load()
}

// Status returns a summary for admin endpoints.
func (g *Gate) Status() Status {
	g.mu.Lock()
	lastErr, lastRefresh := g.lastErr, g.lastRefresh
	g.mu.Unlock()

	s := Status{
		Enforced:       g.cfg.Enforce,
		Entitlement:    g.snapshot.Load(),
		Stale:          g.Stale(),
		LastRefresh:    lastRefresh,
		DegradedChecks: g.DegradedChecks(),
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}
