// ABOUTME: Session state machine tying one client connection to one agent for one target
// ABOUTME: Lifecycle is monotonic: admitted, active, draining, closed

package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mirror-broker/internal/cluster"
	"github.com/2389/mirror-broker/internal/lock"
	"github.com/2389/mirror-broker/internal/target"
)

// State is a session lifecycle state. States only move forward.
type State int32

const (
	Admitted State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidTransition is returned when a transition would move a session
// backwards or skip a required state.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Session is the live association of a client, an agent, and a target.
type Session struct {
	ID string
	// Correlation is stamped on every relayed frame header.
	Correlation   uint64
	Identity      string
	ClientName    string
	Hostname      string
	Target        target.Target
	Mode          lock.Mode
	RequestedMode lock.Mode
	CreatedAt     time.Time
	// Preempted lists sessions whose claims this session displaced.
	Preempted []string

	// Frame counters maintained by the relay.
	ClientFrames atomic.Uint64
	AgentFrames  atomic.Uint64

	state  atomic.Int32
	client io.Closer

	mu          sync.Mutex
	agent       cluster.AgentHandle
	drainReason string
	preemptedBy string
	activatedAt time.Time

	drainOnce sync.Once
	drainReq  chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, correlation uint64, req CreateRequest, mode lock.Mode, preempted []string) *Session {
	return &Session{
		ID:            id,
		Correlation:   correlation,
		Identity:      req.Identity,
		ClientName:    req.ClientName,
		Hostname:      req.Hostname,
		Target:        req.Target,
		Mode:          mode,
		RequestedMode: req.Mode,
		CreatedAt:     time.Now(),
		Preempted:     preempted,
		client:        req.Client,
		drainReq:      make(chan struct{}),
		closed:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Flowing reports whether frames may currently be accepted for relay.
func (s *Session) Flowing() bool {
	return s.State() == Active
}

// transition moves the session from one of the allowed states to next.
func (s *Session) transition(next State, from ...State) error {
	for {
		cur := State(s.state.Load())
		allowed := false
		for _, f := range from {
			if cur == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

// Activate marks the agent handshake complete: Admitted -> Active.
func (s *Session) Activate() error {
	if err := s.transition(Active, Admitted); err != nil {
		return err
	}
	s.mu.Lock()
	s.activatedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// BeginDrain moves Active -> Draining. It returns false when the session was
// not Active, which makes it safe to call from several goroutines.
func (s *Session) BeginDrain(reason string) bool {
	if err := s.transition(Draining, Active); err != nil {
		return false
	}
	s.mu.Lock()
	if s.drainReason == "" {
		s.drainReason = reason
	}
	s.mu.Unlock()
	return true
}

// close forces the session to Closed from any state. Returns false if it was
// already closed.
func (s *Session) close() bool {
	if err := s.transition(Closed, Admitted, Active, Draining); err != nil {
		return false
	}
	s.closeOnce.Do(func() { close(s.closed) })
	if s.client != nil {
		_ = s.client.Close()
	}
	return true
}

// RequestDrain asks whoever is relaying this session to drain it. Used for
// kills, preemption, and shutdown.
func (s *Session) RequestDrain(reason string) {
	s.drainOnce.Do(func() {
		s.mu.Lock()
		if s.drainReason == "" {
			s.drainReason = reason
		}
		s.mu.Unlock()
		close(s.drainReq)
	})
}

// preempt records the steal session that displaced this one and asks for a
// drain.
func (s *Session) preempt(by string) {
	s.mu.Lock()
	if s.preemptedBy == "" {
		s.preemptedBy = by
	}
	s.mu.Unlock()
	s.RequestDrain("preempted by steal session " + by)
}

// PreemptedBy returns the id of the steal session that displaced this one,
// or "" if it was never preempted.
func (s *Session) PreemptedBy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preemptedBy
}

// DrainRequested is closed once RequestDrain has been called.
func (s *Session) DrainRequested() <-chan struct{} {
	return s.drainReq
}

func (s *Session) drainRequested() bool {
	select {
	case <-s.drainReq:
		return true
	default:
		return false
	}
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// DrainReason returns why the session started draining, if it has.
func (s *Session) DrainReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainReason
}

// Agent returns the attached agent handle, or nil before attachment.
func (s *Session) Agent() cluster.AgentHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) setAgent(h cluster.AgentHandle) {
	s.mu.Lock()
	s.agent = h
	s.mu.Unlock()
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID            string        `json:"id"`
	Identity      string        `json:"identity"`
	ClientName    string        `json:"client_name,omitempty"`
	Hostname      string        `json:"hostname,omitempty"`
	Target        target.Target `json:"target"`
	Mode          string        `json:"mode"`
	RequestedMode string        `json:"requested_mode"`
	State         string        `json:"state"`
	AgentID       string        `json:"agent_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ActivatedAt   time.Time     `json:"activated_at,omitzero"`
	DrainReason   string        `json:"drain_reason,omitempty"`
	ClientFrames  uint64        `json:"client_frames"`
	AgentFrames   uint64        `json:"agent_frames"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	agentID := ""
	if s.agent != nil {
		agentID = s.agent.ID()
	}
	activatedAt, reason := s.activatedAt, s.drainReason
	s.mu.Unlock()

	return Info{
		ID:            s.ID,
		Identity:      s.Identity,
		ClientName:    s.ClientName,
		Hostname:      s.Hostname,
		Target:        s.Target,
		Mode:          s.Mode.String(),
		RequestedMode: s.RequestedMode.String(),
		State:         s.State().String(),
		AgentID:       agentID,
		CreatedAt:     s.CreatedAt,
		ActivatedAt:   activatedAt,
		DrainReason:   reason,
		ClientFrames:  s.ClientFrames.Load(),
		AgentFrames:   s.AgentFrames.Load(),
	}
}
