// ABOUTME: Test helpers for the broker: config builder, fake agent, and framed client
// ABOUTME: Runs a real broker on loopback ports against an in-process echo agent

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/mirror-broker/internal/auth"
	"github.com/2389/mirror-broker/internal/config"
	"github.com/2389/mirror-broker/internal/frame"
	"github.com/2389/mirror-broker/internal/protocol"
	"github.com/2389/mirror-broker/internal/store"
	"github.com/2389/mirror-broker/internal/target"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig parses a config for a loopback broker whose static agent lives
// at agentAddr. extra is appended to the YAML document.
func testConfig(t *testing.T, agentAddr, extra string) *config.Config {
	t.Helper()
	doc := fmt.Sprintf(`
server:
  broker_addr: "127.0.0.1:0"
  http_addr: "127.0.0.1:0"
auth:
  jwt_secret: %q
relay:
  buffer_frames: 16
  drain_timeout: "500ms"
  handshake_timeout: "2s"
  agent_handshake_timeout: "1s"
cluster:
  mode: static
  static_address: %q
  ready_timeout: "1s"
%s`, testSecret, agentAddr, extra)
	cfg, err := config.Parse([]byte(doc), false)
	require.NoError(t, err)
	return cfg
}

// fakeAgent answers pings and echoes every data frame back.
type fakeAgent struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startAgent(t *testing.T) *fakeAgent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := &fakeAgent{ln: ln}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			a.mu.Lock()
			a.conns = append(a.conns, conn)
			a.mu.Unlock()
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.serve(conn)
			}()
		}
	}()
	t.Cleanup(a.close)
	return a
}

func (a *fakeAgent) addr() string { return a.ln.Addr().String() }

func (a *fakeAgent) serve(conn net.Conn) {
	defer conn.Close()
	dec := frame.NewDecoder(conn, 0)
	enc := frame.NewEncoder(conn, 0)
	for f, err := range dec.All() {
		if err != nil {
			return
		}
		if f.Direction == frame.DirControl {
			msg, err := protocol.Decode(f)
			if err == nil && msg.Kind == protocol.KindPing {
				if protocol.Write(enc, f.Correlation, protocol.Message{Kind: protocol.KindPong, Seq: msg.Seq}) != nil {
					return
				}
			}
			continue
		}
		if enc.Encode(frame.Frame{Correlation: f.Correlation, Direction: frame.DirAgentToClient, Payload: f.Payload}) != nil {
			return
		}
	}
}

func (a *fakeAgent) close() {
	_ = a.ln.Close()
	a.mu.Lock()
	for _, c := range a.conns {
		_ = c.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// runningBroker is a broker serving on loopback until the test ends.
type runningBroker struct {
	*Broker
	store  *store.MockStore
	cancel context.CancelFunc
	done   chan error
}

func startBroker(t *testing.T, cfg *config.Config, opts ...Option) *runningBroker {
	t.Helper()
	st := store.NewMockStore()
	b, err := New(cfg, testLogger(), append([]Option{WithStore(st)}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rb := &runningBroker{Broker: b, store: st, cancel: cancel, done: make(chan error, 1)}
	go func() { rb.done <- b.Run(ctx) }()

	select {
	case <-b.Ready():
	case err := <-rb.done:
		t.Fatalf("broker exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not become ready")
	}

	t.Cleanup(func() { _ = rb.stop() })
	return rb
}

// stop cancels the broker and waits for Run to return.
func (rb *runningBroker) stop() error {
	rb.cancel()
	select {
	case err := <-rb.done:
		rb.done <- err
		return err
	case <-time.After(10 * time.Second):
		return errors.New("broker did not stop")
	}
}

func adminToken(t *testing.T) string {
	return tokenFor(t, "ops", auth.RoleAdmin)
}

func tokenFor(t *testing.T, subject, role string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	tok, err := v.Generate(subject, time.Hour, role)
	require.NoError(t, err)
	return tok
}

// client is a framed connection to the broker's session port.
type client struct {
	conn net.Conn
	enc  *frame.Encoder
	dec  *frame.Decoder
}

func dialBroker(t *testing.T, rb *runningBroker) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", rb.SessionAddr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &client{conn: conn, enc: frame.NewEncoder(conn, 0), dec: frame.NewDecoder(conn, 0)}
}

func testHello(t *testing.T, subject, mode, name string) protocol.Hello {
	return protocol.Hello{
		Token:      tokenFor(t, subject, ""),
		Target:     target.Target{Namespace: "default", Kind: target.KindPod, Name: name},
		Mode:       mode,
		ClientName: "laptop",
		Hostname:   "dev-box",
		Version:    protocol.Version,
	}
}

// handshake sends hello and returns the outcome frame's correlation and body.
func (c *client) handshake(t *testing.T, h protocol.Hello) (uint64, protocol.Outcome) {
	t.Helper()
	require.NoError(t, protocol.Write(c.enc, 0, protocol.Message{Kind: protocol.KindHello, Hello: &h}))
	return c.readOutcome(t)
}

func (c *client) readOutcome(t *testing.T) (uint64, protocol.Outcome) {
	t.Helper()
	f, err := c.dec.Next()
	require.NoError(t, err)
	msg, err := protocol.Decode(f)
	require.NoError(t, err)
	require.Equal(t, protocol.KindOutcome, msg.Kind)
	return f.Correlation, *msg.Outcome
}

func (c *client) send(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, c.enc.Encode(frame.Frame{Direction: frame.DirClientToAgent, Payload: []byte(payload)}))
}

// waitClosed reads until the broker closes the connection.
func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	for {
		if _, err := c.dec.Next(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection was not closed")
			}
			return
		}
	}
}
