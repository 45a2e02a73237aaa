// ABOUTME: Session registry owning every live session and its claim on a target
// ABOUTME: Create gates on license then lock; Retire releases claims and unreferenced agents

package session

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mirror-broker/internal/cluster"
	"github.com/2389/mirror-broker/internal/license"
	"github.com/2389/mirror-broker/internal/lock"
	"github.com/2389/mirror-broker/internal/target"
)

// teardownTimeout bounds agent teardown, which may outlive a canceled caller.
const teardownTimeout = 30 * time.Second

// ErrNotFound is returned when no live session has the requested id.
var ErrNotFound = errors.New("session not found")

// Gate answers entitlement questions from cached state.
type Gate interface {
	Check(identity string, feature license.Feature) license.Decision
	SeatLimit() int
}

// Locker arbitrates target claims.
type Locker interface {
	Acquire(t target.Target, mode lock.Mode, sessionID string) (lock.Grant, error)
	Release(t target.Target, sessionID string)
}

// DenialPolicy decides how a license denial affects admission.
type DenialPolicy int

const (
	// DenyAll rejects the session on any denial.
	DenyAll DenialPolicy = iota
	// DowngradeToMirror admits a Steal request as Mirror when only the steal
	// feature is unlicensed.
	DowngradeToMirror
)

// ParseDenialPolicy converts "deny" or "read_only" into a DenialPolicy.
func ParseDenialPolicy(s string) (DenialPolicy, error) {
	switch s {
	case "", "deny":
		return DenyAll, nil
	case "read_only":
		return DowngradeToMirror, nil
	default:
		return 0, fmt.Errorf("unknown license denial policy %q", s)
	}
}

// AdmissionKind classifies a rejected Create.
type AdmissionKind int

const (
	EntitlementDenied AdmissionKind = iota
	TargetConflict
	ProvisionFailed
	InvalidRequest
)

func (k AdmissionKind) String() string {
	switch k {
	case EntitlementDenied:
		return "entitlement_denied"
	case TargetConflict:
		return "target_conflict"
	case ProvisionFailed:
		return "provision_failed"
	case InvalidRequest:
		return "invalid_request"
	default:
		return fmt.Sprintf("admission_kind(%d)", int(k))
	}
}

// AdmissionError is a structured admission rejection.
type AdmissionError struct {
	Kind   AdmissionKind
	Reason string
	// HolderMode is set for TargetConflict.
	HolderMode lock.Mode
	Err        error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// CreateRequest describes a session to admit.
type CreateRequest struct {
	Identity   string
	ClientName string
	Hostname   string
	Target     target.Target
	Mode       lock.Mode
	// Client is closed when the session is retired.
	Client io.Closer
}

// Options tunes registry behavior.
type Options struct {
	DenialPolicy DenialPolicy
}

// Registry owns the set of live sessions.
type Registry struct {
	gate    Gate
	locks   Locker
	agents  cluster.Provisioner
	opts    Options
	logger  *slog.Logger
	targets *keyedMutex
	agentMu *keyedMutex

	mu        sync.RWMutex
	sessions  map[string]*Session
	byTarget  map[string]map[string]*Session
	seats     map[string]int
	agentRefs map[string]int
}

// NewRegistry creates a registry.
func NewRegistry(gate Gate, locks Locker, agents cluster.Provisioner, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		gate:      gate,
		locks:     locks,
		agents:    agents,
		opts:      opts,
		logger:    logger.With("component", "registry"),
		targets:   newKeyedMutex(),
		agentMu:   newKeyedMutex(),
		sessions:  make(map[string]*Session),
		byTarget:  make(map[string]map[string]*Session),
		seats:     make(map[string]int),
		agentRefs: make(map[string]int),
	}
}

func featureFor(mode lock.Mode) license.Feature {
	if mode == lock.Steal {
		return license.FeatureSteal
	}
	return license.FeatureMirror
}

// Create admits a new session: license check, seat reservation, then target
// claim. Work on one target is serialized; any partial progress is rolled
// back on rejection.
func (r *Registry) Create(req CreateRequest) (*Session, error) {
	if err := req.Target.Validate(); err != nil {
		return nil, &AdmissionError{Kind: InvalidRequest, Reason: "invalid target", Err: err}
	}

	key := req.Target.Key()
	unlock := r.targets.lock(key)
	defer unlock()

	log := r.logger.With("target", key, "identity", req.Identity, "mode", req.Mode)

	mode, err := r.checkEntitlement(req, log)
	if err != nil {
		return nil, err
	}

	if err := r.reserveSeat(req.Identity); err != nil {
		log.Info("admission denied", "reason", err.Error())
		return nil, err
	}

	id := uuid.NewString()
	grant, err := r.locks.Acquire(req.Target, mode, id)
	if err != nil {
		r.releaseSeat(req.Identity)
		var ce *lock.ConflictError
		if errors.As(err, &ce) {
			log.Info("admission conflict", "holder_mode", ce.Holder.Mode, "holders", len(ce.Holder.Sessions))
			return nil, &AdmissionError{Kind: TargetConflict, Reason: "target is claimed in " + ce.Holder.Mode.String() + " mode", HolderMode: ce.Holder.Mode, Err: err}
		}
		return nil, &AdmissionError{Kind: TargetConflict, Reason: "claim failed", Err: err}
	}

	s := newSession(id, newCorrelation(), req, mode, grant.Preempted)

	r.mu.Lock()
	if _, dup := r.sessions[id]; dup {
		r.mu.Unlock()
		panic("session: duplicate session id " + id)
	}
	peers := r.byTarget[key]
	if peers == nil {
		peers = make(map[string]*Session)
		r.byTarget[key] = peers
	}
	r.checkClaimConsistency(key, mode, grant, peers)
	peers[id] = s
	r.sessions[id] = s
	r.mu.Unlock()

	for _, pid := range grant.Preempted {
		if ps, err := r.Get(pid); err == nil {
			log.Info("preempting session", "preempted_session_id", pid, "session_id", id)
			ps.preempt(id)
		}
	}

	log.Info("session admitted", "session_id", id, "granted_mode", mode)
	return s, nil
}

// checkEntitlement returns the mode to grant, which may be downgraded under
// DowngradeToMirror.
func (r *Registry) checkEntitlement(req CreateRequest, log *slog.Logger) (lock.Mode, error) {
	d := r.gate.Check(req.Identity, featureFor(req.Mode))
	if d.Degraded {
		log.Warn("admission decided on stale entitlement")
	}
	if d.Allowed {
		return req.Mode, nil
	}

	if r.opts.DenialPolicy == DowngradeToMirror && req.Mode == lock.Steal && d.Code == license.DenyFeature {
		if md := r.gate.Check(req.Identity, license.FeatureMirror); md.Allowed {
			log.Info("steal not licensed, admitting as mirror")
			return lock.Mirror, nil
		}
	}

	log.Info("admission denied", "reason", d.Reason)
	return 0, &AdmissionError{Kind: EntitlementDenied, Reason: d.Reason}
}

func (r *Registry) reserveSeat(identity string) error {
	limit := r.gate.SeatLimit()

	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && r.seats[identity] == 0 && len(r.seats) >= limit {
		return &AdmissionError{Kind: EntitlementDenied, Reason: fmt.Sprintf("license seat limit of %d reached", limit)}
	}
	r.seats[identity]++
	return nil
}

func (r *Registry) releaseSeat(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseSeatLocked(identity)
}

func (r *Registry) releaseSeatLocked(identity string) {
	if r.seats[identity] <= 1 {
		delete(r.seats, identity)
		return
	}
	r.seats[identity]--
}

// checkClaimConsistency panics if a grant contradicts the sessions the
// registry already tracks on the target. Must be called with r.mu held.
func (r *Registry) checkClaimConsistency(key string, mode lock.Mode, grant lock.Grant, peers map[string]*Session) {
	for pid, ps := range peers {
		if ps.State() >= Draining || ps.drainRequested() || slices.Contains(grant.Preempted, pid) {
			continue
		}
		if mode == lock.Steal || ps.Mode == lock.Steal {
			panic(fmt.Sprintf("session: %s claim on %s granted while live session %s holds %s", mode, key, pid, ps.Mode))
		}
	}
}

// AttachAgent obtains an agent for the session from the provisioner and
// records the reference. Agent work on one target is serialized with
// teardown so a retiring session never deletes an agent being handed out.
func (r *Registry) AttachAgent(ctx context.Context, id string) (cluster.AgentHandle, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	unlock := r.agentMu.lock(s.Target.Key())
	defer unlock()

	h, err := r.agents.EnsureAgent(ctx, s.Target)
	if err != nil {
		return nil, &AdmissionError{Kind: ProvisionFailed, Reason: "agent could not be provisioned", Err: err}
	}

	// The reference and the session's handle are set under r.mu so Retire
	// either sees the handle or this call sees the session gone.
	r.mu.Lock()
	if _, live := r.sessions[id]; !live {
		unused := r.agentRefs[h.ID()] == 0
		r.mu.Unlock()
		if unused {
			r.teardown(ctx, h)
		}
		return nil, ErrNotFound
	}
	r.agentRefs[h.ID()]++
	s.setAgent(h)
	r.mu.Unlock()

	r.logger.Debug("agent attached", "session_id", id, "agent_id", h.ID())
	return h, nil
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Retire closes the session, releases its claim and seat, and tears down its
// agent when no other session references it. Retiring an unknown or already
// retired session is a no-op.
func (r *Registry) Retire(ctx context.Context, id string) {
	s, err := r.Get(id)
	if err != nil {
		return
	}

	key := s.Target.Key()
	unlock := r.targets.lock(key)
	if !s.close() {
		unlock()
		return
	}

	r.locks.Release(s.Target, id)

	r.mu.Lock()
	agent := s.Agent()
	delete(r.sessions, id)
	if peers := r.byTarget[key]; peers != nil {
		delete(peers, id)
		if len(peers) == 0 {
			delete(r.byTarget, key)
		}
	}
	r.releaseSeatLocked(s.Identity)
	r.mu.Unlock()
	unlock()

	r.logger.Info("session retired", "session_id", id, "target", key, "reason", s.DrainReason())

	if agent != nil {
		r.releaseAgent(ctx, agent)
	}
}

func (r *Registry) releaseAgent(ctx context.Context, h cluster.AgentHandle) {
	unlock := r.agentMu.lock(h.Target().Key())
	defer unlock()

	r.mu.Lock()
	r.agentRefs[h.ID()]--
	remaining := r.agentRefs[h.ID()]
	if remaining <= 0 {
		delete(r.agentRefs, h.ID())
	}
	r.mu.Unlock()

	if remaining > 0 {
		return
	}
	r.teardown(ctx, h)
}

// teardown releases an agent nothing references. Callers hold agentMu for
// the agent's target.
func (r *Registry) teardown(ctx context.Context, h cluster.AgentHandle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := r.agents.TeardownAgent(ctx, h); err != nil {
		r.logger.Warn("agent teardown failed", "agent_id", h.ID(), "error", err)
		return
	}
	r.logger.Debug("agent torn down", "agent_id", h.ID())
}

// Drain asks a live session to drain, for example when an operator kills it.
func (r *Registry) Drain(id, reason string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.RequestDrain(reason)
	return nil
}

// DrainAll asks every live session to drain.
func (r *Registry) DrainAll(reason string) {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.RequestDrain(reason)
	}
}

// List returns a snapshot of live sessions ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func newCorrelation() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
