// ABOUTME: Cluster collaborator contract for obtaining and releasing in-cluster agents
// ABOUTME: Also provides a static provisioner that points every target at a fixed agent

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/2389/mirror-broker/internal/target"
)

// AgentHandle refers to an agent owned by the provisioner. The broker borrows
// it for the lifetime of the sessions that use it.
type AgentHandle interface {
	// ID is stable for as long as the agent lives; sessions sharing an agent
	// see the same ID.
	ID() string
	Target() target.Target
	// Dial opens a new stream to the agent.
	Dial(ctx context.Context) (net.Conn, error)
}

// Provisioner creates and destroys agents.
type Provisioner interface {
	EnsureAgent(ctx context.Context, t target.Target) (AgentHandle, error)
	TeardownAgent(ctx context.Context, h AgentHandle) error
}

// ErrTargetNotFound is returned when the target workload does not exist or has
// no running pod.
var ErrTargetNotFound = errors.New("target not found")

// ProvisionError wraps a failure to obtain an agent.
type ProvisionError struct {
	Target target.Target
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning agent for %s: %v", e.Target, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// StaticProvisioner hands out an agent at a fixed address for every target.
// Teardown does nothing because the agent is managed outside the broker.
type StaticProvisioner struct {
	addr   string
	dialer net.Dialer
	logger *slog.Logger
}

// NewStaticProvisioner returns a provisioner for an agent listening at addr.
func NewStaticProvisioner(addr string, logger *slog.Logger) *StaticProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticProvisioner{addr: addr, logger: logger.With("component", "provisioner")}
}

// EnsureAgent returns a handle to the static agent.
func (p *StaticProvisioner) EnsureAgent(ctx context.Context, t target.Target) (AgentHandle, error) {
	if p.addr == "" {
		return nil, &ProvisionError{Target: t, Err: errors.New("no static agent address configured")}
	}
	return &staticHandle{id: "static:" + t.Key(), target: t, addr: p.addr, dialer: &p.dialer}, nil
}

// TeardownAgent is a no-op.
func (p *StaticProvisioner) TeardownAgent(ctx context.Context, h AgentHandle) error {
	p.logger.Debug("static agent released", "agent_id", h.ID())
	return nil
}

type staticHandle struct {
	id     string
	target target.Target
	addr   string
	dialer *net.Dialer
}

func (h *staticHandle) ID() string            { return h.id }
func (h *staticHandle) Target() target.Target { return h.target }

func (h *staticHandle) Dial(ctx context.Context) (net.Conn, error) {
	return h.dialer.DialContext(ctx, "tcp", h.addr)
}
