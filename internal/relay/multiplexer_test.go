// ABOUTME: Tests for the per-session relay over in-memory pipes
// ABOUTME: Covers ordering, back-pressure, drain flushing, forced close, and failure isolation

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mirror-broker/internal/cluster"
	"github.com/2389/mirror-broker/internal/frame"
	"github.com/2389/mirror-broker/internal/license"
	"github.com/2389/mirror-broker/internal/lock"
	"github.com/2389/mirror-broker/internal/session"
	"github.com/2389/mirror-broker/internal/target"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sessionSeq atomic.Int64

// activeSession admits and activates a session through a real registry.
func activeSession(t *testing.T) *session.Session {
	t.Helper()
	logger := testLogger()
	reg := session.NewRegistry(
		license.NewGate(nil, license.Config{}, logger),
		lock.NewManager(lock.PolicyReject, logger),
		cluster.NewStaticProvisioner("127.0.0.1:1", logger),
		session.Options{},
		logger,
	)
	s, err := reg.Create(session.CreateRequest{
		Identity: "alice",
		Target: target.Target{
			Namespace: "default",
			Kind:      target.KindPod,
			Name:      fmt.Sprintf("api-%d", sessionSeq.Add(1)),
		},
		Mode: lock.Mirror,
	})
	require.NoError(t, err)
	require.NoError(t, s.Activate())
	return s
}

type endpoints struct {
	clientPeer, clientBroker net.Conn
	agentPeer, agentBroker   net.Conn
}

func newEndpoints() endpoints {
	var e endpoints
	e.clientPeer, e.clientBroker = net.Pipe()
	e.agentPeer, e.agentBroker = net.Pipe()
	return e
}

type runResult struct {
	res Result
	err error
}

func startRun(ctx context.Context, m *Multiplexer, s *session.Session, client, agent io.ReadWriteCloser) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		res, err := m.Run(ctx, s, client, agent)
		out <- runResult{res, err}
	}()
	return out
}

func waitRun(t *testing.T, ch <-chan runResult, within time.Duration) Result {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.res
	case <-time.After(within):
		t.Fatalf("relay did not finish within %s", within)
		return Result{}
	}
}

func writeFrame(t *testing.T, w io.Writer, f frame.Frame) {
	t.Helper()
	_, err := w.Write(frame.Encode(f))
	assert.NoError(t, err)
}

func dataFrame(dir frame.Direction, payload string) frame.Frame {
	return frame.Frame{Direction: dir, Payload: []byte(payload)}
}

func TestRelayPreservesOrderBothWays(t *testing.T) {
	s := activeSession(t)
	e := newEndpoints()
	m := New(Config{}, testLogger())
	done := startRun(context.Background(), m, s, e.clientBroker, e.agentBroker)

	const n = 50
	var wg sync.WaitGroup
	var toAgent, toClient []frame.Frame

	wg.Add(4)
	go func() {
		defer wg.Done()
		writeFrame(t, e.clientPeer, frame.Frame{Direction: frame.DirControl, Payload: []byte("ctl")})
		for i := range n {
			writeFrame(t, e.clientPeer, dataFrame(frame.DirClientToAgent, fmt.Sprintf("c%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := range n {
			writeFrame(t, e.agentPeer, dataFrame(frame.DirAgentToClient, fmt.Sprintf("a%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		dec := frame.NewDecoder(e.agentPeer, 0)
		for range n + 1 {
			f, err := dec.Next()
			if !assert.NoError(t, err) {
				return
			}
			toAgent = append(toAgent, f)
		}
	}()
	go func() {
		defer wg.Done()
		dec := frame.NewDecoder(e.clientPeer, 0)
		for range n {
			f, err := dec.Next()
			if !assert.NoError(t, err) {
				return
			}
			toClient = append(toClient, f)
		}
	}()
	wg.Wait()

	require.Len(t, toAgent, n+1)
	assert.Equal(t, frame.DirControl, toAgent[0].Direction)
	assert.Equal(t, "ctl", string(toAgent[0].Payload))
	for i, f := range toAgent[1:] {
		assert.Equal(t, fmt.Sprintf("c%d", i), string(f.Payload))
		assert.Equal(t, frame.DirClientToAgent, f.Direction)
		assert.Equal(t, s.Correlation, f.Correlation)
	}

	require.Len(t, toClient, n)
	for i, f := range toClient {
		assert.Equal(t, fmt.Sprintf("a%d", i), string(f.Payload))
		assert.Equal(t, frame.DirAgentToClient, f.Direction)
		assert.Equal(t, s.Correlation, f.Correlation)
	}

	require.NoError(t, e.clientPeer.Close())
	res := waitRun(t, done, 5*time.Second)

	assert.Equal(t, SideClient, res.Side)
	assert.Equal(t, "client closed", res.Reason)
	assert.NoError(t, res.Err)
	assert.False(t, res.Forced)
	assert.Equal(t, uint64(n+1), res.ClientFrames)
	assert.Equal(t, uint64(n), res.AgentFrames)
	assert.Equal(t, session.Draining, s.State())
	assert.Equal(t, "client closed", s.DrainReason())

	_, err := e.agentPeer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayBackPressure(t *testing.T) {
	s := activeSession(t)
	e := newEndpoints()
	m := New(Config{BufferFrames: 2}, testLogger())
	done := startRun(context.Background(), m, s, e.clientBroker, e.agentBroker)

	const n = 10
	var written atomic.Int32
	go func() {
		for i := range n {
			if _, err := e.clientPeer.Write(frame.Encode(dataFrame(frame.DirClientToAgent, fmt.Sprintf("c%d", i)))); err != nil {
				return
			}
			written.Add(1)
		}
	}()

	// One frame in the agent writer, two queued, one held by the reader.
	require.Eventually(t, func() bool { return written.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), written.Load(), "reader must stall while the queue is full")

	dec := frame.NewDecoder(e.agentPeer, 0)
	for i := range n {
		f, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("c%d", i), string(f.Payload))
	}
	assert.Equal(t, int32(n), written.Load())

	require.NoError(t, e.clientPeer.Close())
	res := waitRun(t, done, 5*time.Second)
	assert.Equal(t, uint64(n), res.ClientFrames)
}

func TestRelayMuteAgentForcedClose(t *testing.T) {
	s := activeSession(t)
	e := newEndpoints()
	m := New(Config{DrainTimeout: 100 * time.Millisecond}, testLogger())
	done := startRun(context.Background(), m, s, e.clientBroker, e.agentBroker)

	for i := range 3 {
		writeFrame(t, e.clientPeer, dataFrame(frame.DirClientToAgent, fmt.Sprintf("c%d", i)))
	}
	require.NoError(t, e.clientPeer.Close())

	start := time.Now()
	res := waitRun(t, done, 2*time.Second)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Forced)
	assert.Equal(t, SideClient, res.Side)
	assert.Equal(t, uint64(0), res.ClientFrames)
	assert.Equal(t, session.Draining, s.State())
}

// brokenWriter fails every write, as a reset connection would.
type brokenWriter struct {
	net.Conn
}

func (b brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestRelayAgentWriteFailureFlushesToClient(t *testing.T) {
	s := activeSession(t)
	e := newEndpoints()
	m := New(Config{}, testLogger())
	done := startRun(context.Background(), m, s, e.clientBroker, brokenWriter{e.agentBroker})

	// The client is not reading yet, so the first frame blocks in the client
	// writer and the rest wait in the queue. The fourth write returning means
	// the third has been queued.
	for i := range 4 {
		writeFrame(t, e.agentPeer, dataFrame(frame.DirAgentToClient, fmt.Sprintf("a%d", i)))
	}

	// Anything sent toward the agent now fails and starts the drain.
	writeFrame(t, e.clientPeer, dataFrame(frame.DirClientToAgent, "c0"))

	var got []string
	dec := frame.NewDecoder(e.clientPeer, 0)
	for {
		f, err := dec.Next()
		if err != nil {
			break
		}
		got = append(got, string(f.Payload))
	}

	res := waitRun(t, done, 5*time.Second)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, []string{"a0", "a1", "a2"}, got[:3])
	assert.Equal(t, SideAgent, res.Side)
	assert.Equal(t, "write to agent failed", res.Reason)
	assert.Error(t, res.Err)
	assert.False(t, res.Forced)
	assert.Equal(t, session.Draining, s.State())
}

func TestRelayOversizedFrameIsolated(t *testing.T) {
	m := New(Config{MaxFrameSize: 1024}, testLogger())

	bad := activeSession(t)
	badEnds := newEndpoints()
	badDone := startRun(context.Background(), m, bad, badEnds.clientBroker, badEnds.agentBroker)

	good := activeSession(t)
	goodEnds := newEndpoints()
	goodDone := startRun(context.Background(), m, good, goodEnds.clientBroker, goodEnds.agentBroker)

	var hdr [frame.HeaderLen]byte
	hdr[0], hdr[1], hdr[2], hdr[3] = 0, 0, 0x10, 0x00 // 4096 bytes
	hdr[4] = byte(frame.DirClientToAgent)
	_, err := badEnds.clientPeer.Write(hdr[:])
	require.NoError(t, err)

	res := waitRun(t, badDone, 5*time.Second)
	assert.Equal(t, SideClient, res.Side)
	assert.ErrorIs(t, res.Err, frame.ErrOversized)
	assert.Equal(t, session.Draining, bad.State())

	assert.Equal(t, session.Active, good.State())
	go writeFrame(t, goodEnds.clientPeer, dataFrame(frame.DirClientToAgent, "still here"))
	f, err := frame.NewDecoder(goodEnds.agentPeer, 0).Next()
	require.NoError(t, err)
	assert.Equal(t, "still here", string(f.Payload))

	require.NoError(t, goodEnds.agentPeer.Close())
	res = waitRun(t, goodDone, 5*time.Second)
	assert.Equal(t, SideAgent, res.Side)
	assert.Equal(t, "agent closed", res.Reason)
}

func TestRelayExternalDrain(t *testing.T) {
	t.Run("drain request", func(t *testing.T) {
		s := activeSession(t)
		e := newEndpoints()
		done := startRun(context.Background(), New(Config{}, testLogger()), s, e.clientBroker, e.agentBroker)

		s.RequestDrain("killed by admin")
		res := waitRun(t, done, 5*time.Second)

		assert.Equal(t, Side(""), res.Side)
		assert.Equal(t, "killed by admin", res.Reason)
		assert.Equal(t, "killed by admin", s.DrainReason())

		_, err := e.clientPeer.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("context canceled", func(t *testing.T) {
		s := activeSession(t)
		e := newEndpoints()
		ctx, cancel := context.WithCancel(context.Background())
		done := startRun(ctx, New(Config{}, testLogger()), s, e.clientBroker, e.agentBroker)

		cancel()
		res := waitRun(t, done, 5*time.Second)
		assert.Equal(t, "broker shutting down", res.Reason)
		assert.Equal(t, session.Draining, s.State())
	})
}

func TestRelayRequiresActiveSession(t *testing.T) {
	s := activeSession(t)
	require.True(t, s.BeginDrain("test"))

	e := newEndpoints()
	_, err := New(Config{}, testLogger()).Run(context.Background(), s, e.clientBroker, e.agentBroker)
	assert.Error(t, err)
}
