// ABOUTME: Tests for agent setup being abandoned when the client leaves or the session is killed
// ABOUTME: Uses a provisioner that blocks in EnsureAgent until the test releases it

package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mirror-broker/internal/cluster"
	"github.com/2389/mirror-broker/internal/protocol"
	"github.com/2389/mirror-broker/internal/store"
	"github.com/2389/mirror-broker/internal/target"
)

// gatedProvisioner blocks EnsureAgent until release is closed. With
// honorCancel set it also returns when its context ends.
type gatedProvisioner struct {
	*cluster.StaticProvisioner
	honorCancel bool
	entered     chan struct{}
	release     chan struct{}
	canceled    chan struct{}
	teardowns   atomic.Int32
}

func newGatedProvisioner(addr string, honorCancel bool) *gatedProvisioner {
	return &gatedProvisioner{
		StaticProvisioner: cluster.NewStaticProvisioner(addr, testLogger()),
		honorCancel:       honorCancel,
		entered:           make(chan struct{}, 1),
		release:           make(chan struct{}),
		canceled:          make(chan struct{}, 1),
	}
}

func (p *gatedProvisioner) EnsureAgent(ctx context.Context, t target.Target) (cluster.AgentHandle, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	if p.honorCancel {
		select {
		case <-p.release:
		case <-ctx.Done():
			p.canceled <- struct{}{}
			return nil, ctx.Err()
		}
	} else {
		<-p.release
	}
	return p.StaticProvisioner.EnsureAgent(ctx, t)
}

func (p *gatedProvisioner) TeardownAgent(ctx context.Context, h cluster.AgentHandle) error {
	p.teardowns.Add(1)
	return p.StaticProvisioner.TeardownAgent(ctx, h)
}

func (p *gatedProvisioner) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-p.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureAgent was not called")
	}
}

// startHello sends a hello without waiting for the outcome.
func (c *client) startHello(t *testing.T, h protocol.Hello) {
	t.Helper()
	require.NoError(t, protocol.Write(c.enc, 0, protocol.Message{Kind: protocol.KindHello, Hello: &h}))
}

func lastEvent(rb *runningBroker, id string) (store.SessionEvent, bool) {
	events, err := rb.store.ListSessionEvents(context.Background(), store.EventFilter{SessionID: &id})
	if err != nil || len(events) == 0 {
		return store.SessionEvent{}, false
	}
	return events[0], true
}

func onlySessionID(t *testing.T, rb *runningBroker) string {
	t.Helper()
	infos := rb.registry.List()
	require.Len(t, infos, 1)
	return infos[0].ID
}

func TestAttach_ClientCloseCancelsSetup(t *testing.T) {
	agent := startAgent(t)
	prov := newGatedProvisioner(agent.addr(), true)
	defer close(prov.release)
	rb := startBroker(t, testConfig(t, agent.addr(), ""), WithProvisioner(prov))

	c := dialBroker(t, rb)
	c.startHello(t, testHello(t, "alice", "steal", "api"))
	prov.waitEntered(t)
	id := onlySessionID(t, rb)
	require.NoError(t, c.conn.Close())

	select {
	case <-prov.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("provisioning was not canceled after the client closed")
	}
	require.Eventually(t, func() bool { return rb.registry.Len() == 0 }, 1500*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, rb.locks.Claims())

	require.Eventually(t, func() bool {
		e, ok := lastEvent(rb, id)
		return ok && e.Kind == store.EventRetired
	}, time.Second, 10*time.Millisecond)
	e, _ := lastEvent(rb, id)
	assert.Equal(t, "client closed", e.Reason)
}

func TestAttach_KillDuringSetup(t *testing.T) {
	agent := startAgent(t)
	prov := newGatedProvisioner(agent.addr(), true)
	defer close(prov.release)
	rb := startBroker(t, testConfig(t, agent.addr(), ""), WithProvisioner(prov))

	c := dialBroker(t, rb)
	c.startHello(t, testHello(t, "alice", "mirror", "api"))
	prov.waitEntered(t)
	id := onlySessionID(t, rb)

	require.NoError(t, rb.registry.Drain(id, killReason))

	_, out := c.readOutcome(t)
	assert.Equal(t, protocol.StatusDenied, out.Status)
	assert.Equal(t, killReason, out.Reason)
	c.waitClosed(t)

	require.Eventually(t, func() bool {
		e, ok := lastEvent(rb, id)
		return ok && e.Kind == store.EventKilled
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, rb.registry.Len())
	assert.Empty(t, rb.locks.Claims())
}

func TestAttach_EarlyClientDataDrains(t *testing.T) {
	agent := startAgent(t)
	prov := newGatedProvisioner(agent.addr(), true)
	defer close(prov.release)
	rb := startBroker(t, testConfig(t, agent.addr(), ""), WithProvisioner(prov))

	c := dialBroker(t, rb)
	c.startHello(t, testHello(t, "alice", "mirror", "api"))
	prov.waitEntered(t)
	c.send(t, "too soon")

	_, out := c.readOutcome(t)
	assert.Equal(t, protocol.StatusDenied, out.Status)
	assert.Equal(t, "client sent data before admission", out.Reason)
	require.Eventually(t, func() bool { return rb.registry.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestAttach_StuckProvisionerIsAbandoned(t *testing.T) {
	agent := startAgent(t)
	prov := newGatedProvisioner(agent.addr(), false)
	rb := startBroker(t, testConfig(t, agent.addr(), ""), WithProvisioner(prov))

	c := dialBroker(t, rb)
	c.startHello(t, testHello(t, "alice", "steal", "api"))
	prov.waitEntered(t)
	closed := time.Now()
	require.NoError(t, c.conn.Close())

	// drain_timeout is 500ms in testConfig.
	require.Eventually(t, func() bool { return rb.registry.Len() == 0 }, 1500*time.Millisecond, 10*time.Millisecond)
	assert.Less(t, time.Since(closed), 1500*time.Millisecond)
	assert.Empty(t, rb.locks.Claims())
	assert.Zero(t, prov.teardowns.Load())

	// The late handle belongs to no session and is released.
	close(prov.release)
	require.Eventually(t, func() bool { return prov.teardowns.Load() == 1 }, time.Second, 10*time.Millisecond)
}
