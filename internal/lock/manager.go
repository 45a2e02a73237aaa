// ABOUTME: Target lock manager arbitrating Mirror and Steal claims per workload
// ABOUTME: State is sharded by target key; each shard is its own critical section

package lock

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/mirror-broker/internal/target"
)

// Mode is the kind of claim a session holds on a target.
type Mode int

const (
	// Mirror is non-exclusive observation; Mirror claims coexist.
	Mirror Mode = iota
	// Steal is exclusive interception; it excludes every other claim.
	Steal
)

func (m Mode) String() string {
	switch m {
	case Mirror:
		return "mirror"
	case Steal:
		return "steal"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts "mirror" or "steal" into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "mirror":
		return Mirror, nil
	case "steal":
		return Steal, nil
	default:
		return 0, fmt.Errorf("unknown lock mode %q", s)
	}
}

// Policy decides what happens when a Steal request meets existing claims.
type Policy int

const (
	// PolicyReject answers a Steal against any existing claim with a conflict.
	PolicyReject Policy = iota
	// PolicyPreempt evicts the existing claims and grants the Steal.
	PolicyPreempt
)

func (p Policy) String() string {
	if p == PolicyPreempt {
		return "preempt"
	}
	return "reject"
}

// ParsePolicy converts "reject" or "preempt" into a Policy. Empty means reject.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "reject":
		return PolicyReject, nil
	case "preempt":
		return PolicyPreempt, nil
	default:
		return 0, fmt.Errorf("unknown concurrent steal policy %q", s)
	}
}

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("target already claimed")

// Holder describes the current claim on a target.
type Holder struct {
	Mode     Mode
	Sessions []string
}

// ConflictError is returned when a claim cannot be granted.
type ConflictError struct {
	Target target.Target
	Holder Holder
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("target %s already claimed in %s mode by %d session(s)", e.Target, e.Holder.Mode, len(e.Holder.Sessions))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Grant is a successful acquisition. Preempted lists sessions whose claims
// were evicted to make room for it.
type Grant struct {
	Target    target.Target
	Mode      Mode
	SessionID string
	Preempted []string
}

// Claim is a snapshot of one target's claim.
type Claim struct {
	Target   target.Target
	Mode     Mode
	Sessions []string
}

const shardCount = 32

// Manager tracks claims on targets.
type Manager struct {
	shards [shardCount]*shard
	policy Policy
	logger *slog.Logger
}

type shard struct {
	mu     sync.Mutex
	claims map[string]*claim
}

type claim struct {
	target target.Target
	mode   Mode
	// sessions in arrival order
	sessions []string
}

// NewManager creates a lock manager with the given concurrent steal policy.
func NewManager(policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		policy: policy,
		logger: logger.With("component", "locks"),
	}
	for i := range m.shards {
		m.shards[i] = &shard{claims: make(map[string]*claim)}
	}
	return m
}

// Policy returns the configured concurrent steal policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

func (m *Manager) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Acquire requests a claim on t for sessionID. Steal conflicts with any
// existing claim unless the policy is PolicyPreempt; Mirror conflicts only
// with an existing Steal. Acquiring again with the same session and mode is a
// no-op grant.
func (m *Manager) Acquire(t target.Target, mode Mode, sessionID string) (Grant, error) {
	key := t.Key()
	sh := m.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, exists := sh.claims[key]
	if !exists {
		sh.claims[key] = &claim{target: t, mode: mode, sessions: []string{sessionID}}
		m.logger.Debug("claim granted", "target", key, "mode", mode, "session_id", sessionID)
		return Grant{Target: t, Mode: mode, SessionID: sessionID}, nil
	}

	if slices.Contains(c.sessions, sessionID) {
		if c.mode != mode {
			panic(fmt.Sprintf("lock: session %s re-acquiring %s in %s mode while holding %s", sessionID, key, mode, c.mode))
		}
		return Grant{Target: t, Mode: mode, SessionID: sessionID}, nil
	}

	holder := Holder{Mode: c.mode, Sessions: slices.Clone(c.sessions)}

	switch {
	case c.mode == Mirror && mode == Mirror:
		c.sessions = append(c.sessions, sessionID)
		m.checkInvariant(key, c)
		m.logger.Debug("claim granted", "target", key, "mode", mode, "session_id", sessionID, "holders", len(c.sessions))
		return Grant{Target: t, Mode: mode, SessionID: sessionID}, nil

	case mode == Steal && m.policy == PolicyPreempt:
		evicted := slices.Clone(c.sessions)
		c.mode = Steal
		c.sessions = []string{sessionID}
		m.checkInvariant(key, c)
		m.logger.Info("claim preempted", "target", key, "session_id", sessionID, "evicted", evicted)
		return Grant{Target: t, Mode: mode, SessionID: sessionID, Preempted: evicted}, nil

	default:
		m.logger.Debug("claim conflict", "target", key, "mode", mode, "session_id", sessionID, "holder_mode", c.mode)
		return Grant{}, &ConflictError{Target: t, Holder: holder}
	}
}

// checkInvariant panics when a claim is internally inconsistent. Must be
// called with the shard lock held.
func (m *Manager) checkInvariant(key string, c *claim) {
	if len(c.sessions) == 0 {
		panic(fmt.Sprintf("lock: empty claim retained for %s", key))
	}
	if c.mode == Steal && len(c.sessions) > 1 {
		panic(fmt.Sprintf("lock: %d steal holders on %s", len(c.sessions), key))
	}
}

// Release drops sessionID's claim on t. Releasing a claim that is not held is
// a no-op, and releasing one session never affects another's claim.
func (m *Manager) Release(t target.Target, sessionID string) {
	key := t.Key()
	sh := m.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.claims[key]
	if !ok {
		return
	}
	idx := slices.Index(c.sessions, sessionID)
	if idx < 0 {
		return
	}
	c.sessions = slices.Delete(c.sessions, idx, idx+1)
	if len(c.sessions) == 0 {
		delete(sh.claims, key)
	}
	m.logger.Debug("claim released", "target", key, "session_id", sessionID)
}

// Holder returns the current claim on t, if any.
func (m *Manager) Holder(t target.Target) (Holder, bool) {
	key := t.Key()
	sh := m.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.claims[key]
	if !ok {
		return Holder{}, false
	}
	return Holder{Mode: c.mode, Sessions: slices.Clone(c.sessions)}, true
}

// Claims returns a snapshot of all claims. Shards are visited one at a time,
// so the result is not a single atomic view across targets.
func (m *Manager) Claims() []Claim {
	var out []Claim
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, c := range sh.claims {
			out = append(out, Claim{Target: c.target, Mode: c.mode, Sessions: slices.Clone(c.sessions)})
		}
		sh.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Claim) int {
		switch {
		case a.Target.Key() < b.Target.Key():
			return -1
		case a.Target.Key() > b.Target.Key():
			return 1
		}
		return 0
	})
	return out
}
