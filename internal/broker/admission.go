// ABOUTME: Per-connection admission: hello, authentication, session creation, agent handshake
// ABOUTME: Hands admitted sessions to the relay and retires them when the relay returns

package broker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/2389/mirror-broker/internal/auth"
	"github.com/2389/mirror-broker/internal/frame"
	"github.com/2389/mirror-broker/internal/lock"
	"github.com/2389/mirror-broker/internal/protocol"
	"github.com/2389/mirror-broker/internal/session"
	"github.com/2389/mirror-broker/internal/store"
)

const (
	agentDialTimeout  = 10 * time.Second
	retireTimeout     = 30 * time.Second
	auditWriteTimeout = 2 * time.Second
)

// acceptLoop accepts client connections until the listener is closed.
func (b *Broker) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || b.shuttingDown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				b.logger.Warn("accept timeout", "error", err)
				continue
			}
			return err
		}

		b.conns.Add(1)
		go func() {
			defer b.conns.Done()
			b.handleConn(conn)
		}()
	}
}

// rejection is an admission failure reported to the client in an outcome.
type rejection struct {
	status     protocol.Status
	reason     string
	holderMode string
}

func reject(status protocol.Status, format string, args ...any) *rejection {
	return &rejection{status: status, reason: fmt.Sprintf(format, args...)}
}

// rejectionFor maps a registry admission error onto an outcome.
func rejectionFor(err error) *rejection {
	var ae *session.AdmissionError
	if !errors.As(err, &ae) {
		return reject(protocol.StatusProvisionFailed, "%v", err)
	}
	switch ae.Kind {
	case session.EntitlementDenied:
		return reject(protocol.StatusDenied, "%s", ae.Reason)
	case session.TargetConflict:
		return &rejection{status: protocol.StatusConflict, reason: ae.Reason, holderMode: ae.HolderMode.String()}
	case session.InvalidRequest:
		return reject(protocol.StatusInvalid, "%s", ae.Reason)
	default:
		return reject(protocol.StatusProvisionFailed, "%s", ae.Reason)
	}
}

// handleConn runs one client connection from hello to retirement. Exactly one
// outcome is written to the client before any relayed frame.
func (b *Broker) handleConn(conn net.Conn) {
	log := b.logger.With("remote_addr", conn.RemoteAddr().String())
	maxFrame := b.config.Relay.MaxFrameSize
	dec := frame.NewDecoder(conn, maxFrame)
	enc := frame.NewEncoder(conn, maxFrame)

	if b.shuttingDown.Load() {
		b.writeOutcome(enc, conn, 0, protocol.Outcome{Status: protocol.StatusDenied, Reason: "broker shutting down"}, log)
		_ = conn.Close()
		return
	}

	_ = conn.SetDeadline(time.Now().Add(b.config.Relay.HandshakeTimeout))

	hello, req, rej := b.readHello(dec, log)
	if rej != nil {
		log.Info("handshake rejected", "status", rej.status, "reason", rej.reason)
		b.writeOutcome(enc, conn, 0, protocol.Outcome{Status: rej.status, Reason: rej.reason, Version: protocol.Version}, log)
		if hello != nil {
			b.recordRejection(hello, req, rej)
		}
		_ = conn.Close()
		return
	}

	req.Client = conn
	s, err := b.registry.Create(req)
	if err != nil {
		rej := rejectionFor(err)
		log.Info("session rejected", "status", rej.status, "reason", rej.reason, "identity", req.Identity)
		b.writeOutcome(enc, conn, 0, protocol.Outcome{Status: rej.status, Reason: rej.reason, HolderMode: rej.holderMode, Version: hello.Version}, log)
		b.recordRejection(hello, req, rej)
		_ = conn.Close()
		return
	}

	log = log.With("session_id", s.ID, "target", s.Target.Key(), "mode", s.Mode)
	b.record(s, store.EventAdmitted, "", map[string]any{
		"client_name":    s.ClientName,
		"hostname":       s.Hostname,
		"requested_mode": s.RequestedMode.String(),
	})

	agentConn, rej := b.attachAgent(s, conn, dec, log)
	if rej != nil {
		log.Warn("agent setup failed", "reason", rej.reason)
		b.writeOutcome(enc, conn, s.Correlation, protocol.Outcome{Status: rej.status, Reason: rej.reason, Version: hello.Version}, log)
		s.RequestDrain(rej.reason)
		b.retire(s, map[string]any{"status": string(rej.status)})
		return
	}

	if err := b.activate(s); err != nil {
		log.Info("session drained before activation", "reason", err.Error())
		b.writeOutcome(enc, conn, s.Correlation, protocol.Outcome{Status: protocol.StatusDenied, Reason: err.Error(), Version: hello.Version}, log)
		_ = agentConn.Close()
		b.retire(s, nil)
		return
	}

	admitted := protocol.Outcome{
		Status:    protocol.StatusAdmitted,
		SessionID: s.ID,
		Mode:      s.Mode.String(),
		Version:   hello.Version,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(b.config.Relay.HandshakeTimeout))
	if err := protocol.Write(enc, s.Correlation, protocol.Message{Kind: protocol.KindOutcome, Outcome: &admitted}); err != nil {
		log.Info("client went away before admission", "error", err)
		_ = agentConn.Close()
		s.RequestDrain("client closed")
		b.retire(s, nil)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	b.record(s, store.EventActivated, "", map[string]any{"agent_id": s.Agent().ID()})
	log.Info("session active", "identity", s.Identity, "version", hello.Version)

	res, err := b.mux.Run(b.connCtx, s, conn, agentConn)
	if err != nil {
		log.Error("relay failed to start", "error", err)
		_ = conn.Close()
		_ = agentConn.Close()
	}

	detail := map[string]any{
		"client_frames": res.ClientFrames,
		"agent_frames":  res.AgentFrames,
		"duration_ms":   res.Duration.Milliseconds(),
		"forced":        res.Forced,
	}
	if res.Side != "" {
		detail["side"] = string(res.Side)
	}
	if res.Err != nil {
		detail["error"] = res.Err.Error()
	}
	b.retire(s, detail)
}

// activate moves s to Active unless it was killed or preempted while its
// agent was being set up.
func (b *Broker) activate(s *session.Session) error {
	select {
	case <-s.DrainRequested():
		return errors.New(s.DrainReason())
	default:
	}
	return s.Activate()
}

// readHello reads and validates the client's hello. The returned hello is
// non-nil once one was decoded, so rejections after that point can be audited.
func (b *Broker) readHello(dec *frame.Decoder, log *slog.Logger) (*protocol.Hello, session.CreateRequest, *rejection) {
	var req session.CreateRequest

	msg, err := protocol.Read(dec)
	if err != nil {
		return nil, req, reject(protocol.StatusInvalid, "malformed hello: %v", err)
	}
	if msg.Kind != protocol.KindHello {
		return nil, req, reject(protocol.StatusInvalid, "expected hello, got %s", msg.Kind)
	}
	hello := msg.Hello

	version, err := protocol.Negotiate(hello.Version)
	if err != nil {
		return hello, req, reject(protocol.StatusInvalid, "%v", err)
	}
	hello.Version = version

	mode, err := lock.ParseMode(hello.Mode)
	if err != nil {
		return hello, req, reject(protocol.StatusInvalid, "%v", err)
	}
	if err := hello.Target.Validate(); err != nil {
		return hello, req, reject(protocol.StatusInvalid, "%v", err)
	}

	req = session.CreateRequest{
		ClientName: protocol.SanitizeName(hello.ClientName),
		Hostname:   protocol.SanitizeName(hello.Hostname),
		Target:     hello.Target,
		Mode:       mode,
	}

	creds := auth.Credentials{Token: hello.Token}
	if p := hello.SSH; p != nil {
		creds.SSH = &auth.SSHAuthRequest{
			Pubkey:    p.Pubkey,
			Signature: p.Signature,
			Timestamp: p.Timestamp,
			Nonce:     p.Nonce,
		}
	}
	id, err := b.auth.Authenticate(creds)
	if err != nil {
		log.Debug("authentication failed", "error", err)
		return hello, req, reject(protocol.StatusDenied, "authentication failed")
	}
	req.Identity = id.ID

	return hello, req, nil
}

type attachResult struct {
	conn net.Conn
	rej  *rejection
}

// attachAgent runs connectAgent for an Admitted session. A drain request or
// the client closing cancels the attach, and the wait after cancellation is
// bounded by the relay drain timeout. Clients must not send frames before
// their outcome; one that does is treated like a client that went away.
func (b *Broker) attachAgent(s *session.Session, conn net.Conn, dec *frame.Decoder, log *slog.Logger) (net.Conn, *rejection) {
	ctx, cancel := context.WithCancel(b.connCtx)
	defer cancel()
	go func() {
		select {
		case <-s.DrainRequested():
			cancel()
		case <-ctx.Done():
		}
	}()

	_ = conn.SetReadDeadline(time.Time{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		b.watchClient(s, dec)
	}()

	results := make(chan attachResult, 1)
	go func() {
		c, rej := b.connectAgent(ctx, s, log)
		results <- attachResult{c, rej}
	}()

	var res attachResult
	select {
	case res = <-results:
	case <-ctx.Done():
		timer := time.NewTimer(b.config.Relay.DrainTimeout)
		select {
		case res = <-results:
		case <-timer.C:
			log.Warn("agent setup did not stop within the drain timeout")
			go func() {
				if late := <-results; late.conn != nil {
					_ = late.conn.Close()
				}
			}()
			res = attachResult{rej: reject(protocol.StatusDenied, "agent setup abandoned")}
		}
		timer.Stop()
	}

	// Stop the watcher before the relay takes over the connection.
	_ = conn.SetReadDeadline(time.Unix(1, 0))
	<-watched
	_ = conn.SetReadDeadline(time.Time{})

	if reason, drained := drainedReason(s); drained {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, reject(protocol.StatusDenied, "%s", reason)
	}
	return res.conn, res.rej
}

// watchClient reads the client while its agent is being set up. Anything
// other than the read deadline used to stop the watcher drains the session.
func (b *Broker) watchClient(s *session.Session, dec *frame.Decoder) {
	_, err := dec.Next()
	switch {
	case err == nil:
		s.RequestDrain("client sent data before admission")
	case isTimeout(err):
	default:
		s.RequestDrain("client closed")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func drainedReason(s *session.Session) (string, bool) {
	select {
	case <-s.DrainRequested():
		return s.DrainReason(), true
	default:
		return "", false
	}
}

// connectAgent attaches an agent to s, dials it, and confirms it answers a
// ping within the agent handshake timeout.
func (b *Broker) connectAgent(parent context.Context, s *session.Session, log *slog.Logger) (net.Conn, *rejection) {
	ctx, cancel := context.WithTimeout(parent, b.config.Cluster.ReadyTimeout+agentDialTimeout)
	defer cancel()

	h, err := b.registry.AttachAgent(ctx, s.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, reject(protocol.StatusDenied, "session ended during setup")
		}
		return nil, rejectionFor(err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, agentDialTimeout)
	defer dialCancel()
	agentConn, err := h.Dial(dialCtx)
	if err != nil {
		return nil, reject(protocol.StatusProvisionFailed, "agent unreachable: %v", err)
	}

	// Canceling the attach interrupts a ping in flight.
	stop := context.AfterFunc(ctx, func() { _ = agentConn.SetDeadline(time.Unix(1, 0)) })
	err = b.pingAgent(agentConn, s.Correlation)
	if !stop() {
		err = cmp.Or(ctx.Err(), err)
	}
	if err != nil {
		_ = agentConn.Close()
		return nil, reject(protocol.StatusProvisionFailed, "agent handshake failed: %v", err)
	}
	log.Debug("agent handshake complete", "agent_id", h.ID())
	return agentConn, nil
}

// pingAgent sends a ping and waits for the matching pong.
func (b *Broker) pingAgent(conn net.Conn, correlation uint64) error {
	_ = conn.SetDeadline(time.Now().Add(b.config.Relay.AgentHandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	const seq = 1
	enc := frame.NewEncoder(conn, b.config.Relay.MaxFrameSize)
	dec := frame.NewDecoder(conn, b.config.Relay.MaxFrameSize)
	if err := protocol.Write(enc, correlation, protocol.Message{Kind: protocol.KindPing, Seq: seq}); err != nil {
		return err
	}
	msg, err := protocol.Read(dec)
	if err != nil {
		return err
	}
	if msg.Kind != protocol.KindPong || msg.Seq != seq {
		return fmt.Errorf("expected pong %d, got %s %d", seq, msg.Kind, msg.Seq)
	}
	return nil
}

// writeOutcome sends a single outcome, ignoring write failures since the
// connection is about to be dropped or relayed.
func (b *Broker) writeOutcome(enc *frame.Encoder, conn net.Conn, correlation uint64, o protocol.Outcome, log *slog.Logger) {
	_ = conn.SetWriteDeadline(time.Now().Add(b.config.Relay.HandshakeTimeout))
	if err := protocol.Write(enc, correlation, protocol.Message{Kind: protocol.KindOutcome, Outcome: &o}); err != nil {
		log.Debug("failed to write outcome", "status", o.Status, "error", err)
	}
}

// retire releases everything the session holds and records why it ended.
func (b *Broker) retire(s *session.Session, detail map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()
	b.registry.Retire(ctx, s.ID)

	if by := s.PreemptedBy(); by != "" {
		b.record(s, store.EventPreempted, s.DrainReason(), map[string]any{"preempted_by": by})
	}
	kind := store.EventRetired
	if s.DrainReason() == killReason {
		kind = store.EventKilled
	}
	b.record(s, kind, s.DrainReason(), detail)
}

func (b *Broker) recordRejection(hello *protocol.Hello, req session.CreateRequest, rej *rejection) {
	identity := req.Identity
	if identity == "" {
		identity = "unauthenticated"
	}
	detail := map[string]any{"status": string(rej.status)}
	if rej.holderMode != "" {
		detail["holder_mode"] = rej.holderMode
	}
	b.recordEvent(&store.SessionEvent{
		Kind:     store.EventRejected,
		Identity: identity,
		Target:   hello.Target.Key(),
		Mode:     hello.Mode,
		Reason:   rej.reason,
		Detail:   detail,
	})
}

func (b *Broker) record(s *session.Session, kind store.EventKind, reason string, detail map[string]any) {
	b.recordEvent(&store.SessionEvent{
		Kind:      kind,
		SessionID: s.ID,
		Identity:  s.Identity,
		Target:    s.Target.Key(),
		Mode:      s.Mode.String(),
		Reason:    reason,
		Detail:    detail,
	})
}

// recordEvent appends to the audit log. Audit failures never affect sessions.
func (b *Broker) recordEvent(e *store.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := b.store.AppendSessionEvent(ctx, e); err != nil {
		b.logger.Warn("failed to record session event", "kind", e.Kind, "session_id", e.SessionID, "error", err)
	}
}
