// ABOUTME: Per-session frame relay between a client connection and its agent
// ABOUTME: Bounded queues give back-pressure; closing either side drains and flushes the other

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mirror-broker/internal/frame"
	"github.com/2389/mirror-broker/internal/session"
)

// Defaults for Config.
const (
	DefaultBufferFrames = 1000
	DefaultDrainTimeout = 5 * time.Second
)

// Config tunes the multiplexer.
type Config struct {
	// BufferFrames bounds each direction's queue. A full queue suspends the
	// reader feeding it.
	BufferFrames int
	// DrainTimeout bounds how long a draining session may spend flushing
	// before both connections are forced closed.
	DrainTimeout time.Duration
	MaxFrameSize uint32
}

func (c Config) withDefaults() Config {
	if c.BufferFrames <= 0 {
		c.BufferFrames = DefaultBufferFrames
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = frame.DefaultMaxPayload
	}
	return c
}

// Side names one end of a relayed session.
type Side string

const (
	SideClient Side = "client"
	SideAgent  Side = "agent"
)

// Result describes how a relay ended.
type Result struct {
	// Side is the end whose failure or close started the drain. Empty when
	// the drain was requested externally.
	Side   Side
	Reason string
	// Err is the error that ended the side, if it was not a clean close.
	Err error
	// Forced is set when the drain timeout expired before flushing finished.
	Forced       bool
	ClientFrames uint64
	AgentFrames  uint64
	Duration     time.Duration
}

// Multiplexer relays frames for active sessions. One Multiplexer serves any
// number of sessions concurrently; it keeps no per-session state itself.
type Multiplexer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a multiplexer.
func New(cfg Config, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{cfg: cfg.withDefaults(), logger: logger.With("component", "relay")}
}

type endEvent struct {
	side   Side
	reason string
	err    error
}

type pipeline struct {
	s        *session.Session
	cfg      Config
	draining chan struct{}
	events   chan endEvent
}

// Run relays frames between client and agent until either side ends, the
// session is asked to drain, or ctx is canceled. The session must be Active;
// Run leaves it Draining; retiring it is the caller's job. Both connections
// are closed when Run returns.
func (m *Multiplexer) Run(ctx context.Context, s *session.Session, client, agent io.ReadWriteCloser) (Result, error) {
	if !s.Flowing() {
		return Result{}, fmt.Errorf("session %s is %s, not active", s.ID, s.State())
	}

	started := time.Now()
	log := m.logger.With("session_id", s.ID, "target", s.Target.Key(), "mode", s.Mode)

	p := &pipeline{
		s:        s,
		cfg:      m.cfg,
		draining: make(chan struct{}),
		events:   make(chan endEvent, 4),
	}

	toAgent := make(chan frame.Frame, m.cfg.BufferFrames)
	toClient := make(chan frame.Frame, m.cfg.BufferFrames)

	var readers, writers sync.WaitGroup
	readers.Add(2)
	writers.Add(2)
	go func() {
		defer readers.Done()
		p.read(client, SideClient, frame.DirClientToAgent, toAgent)
	}()
	go func() {
		defer readers.Done()
		p.read(agent, SideAgent, frame.DirAgentToClient, toClient)
	}()
	go func() {
		defer writers.Done()
		p.write(agent, SideAgent, toAgent, &s.ClientFrames)
	}()
	go func() {
		defer writers.Done()
		p.write(client, SideClient, toClient, &s.AgentFrames)
	}()

	log.Debug("relay started")

	var first endEvent
	select {
	case first = <-p.events:
	case <-s.DrainRequested():
		first = endEvent{reason: s.DrainReason()}
	case <-ctx.Done():
		first = endEvent{reason: "broker shutting down"}
	}

	s.BeginDrain(first.reason)
	close(p.draining)

	switch first.side {
	case SideClient:
		_ = client.Close()
	case SideAgent:
		_ = agent.Close()
	}

	flushed := make(chan struct{})
	go func() {
		writers.Wait()
		close(flushed)
	}()

	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()

	forced := false
	select {
	case <-flushed:
	case <-timer.C:
		forced = true
		log.Warn("drain timeout expired, forcing close", "timeout", m.cfg.DrainTimeout)
	}

	_ = client.Close()
	_ = agent.Close()
	<-flushed
	readers.Wait()

	res := Result{
		Side:         first.side,
		Reason:       first.reason,
		Err:          first.err,
		Forced:       forced,
		ClientFrames: s.ClientFrames.Load(),
		AgentFrames:  s.AgentFrames.Load(),
		Duration:     time.Since(started),
	}

	attrs := []any{"reason", res.Reason, "side", res.Side, "forced", res.Forced,
		"client_frames", res.ClientFrames, "agent_frames", res.AgentFrames, "duration", res.Duration}
	if res.Err != nil {
		log.Warn("relay ended with error", append(attrs, "error", res.Err)...)
	} else {
		log.Info("relay ended", attrs...)
	}
	return res, nil
}

func (p *pipeline) end(ev endEvent) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *pipeline) isDraining() bool {
	select {
	case <-p.draining:
		return true
	default:
		return false
	}
}

// read decodes frames from src and queues them for the opposite side. After
// the drain starts it keeps reading so the peer is never blocked, but
// discards what it reads.
func (p *pipeline) read(src io.Reader, side Side, dir frame.Direction, out chan<- frame.Frame) {
	dec := frame.NewDecoder(src, p.cfg.MaxFrameSize)
	for {
		f, err := dec.Next()
		if err != nil {
			p.end(classifyReadError(side, err))
			return
		}

		if p.isDraining() || !p.s.Flowing() {
			continue
		}

		f.Correlation = p.s.Correlation
		if f.Direction != frame.DirControl {
			f.Direction = dir
		}

		select {
		case out <- f:
		case <-p.draining:
		}
	}
}

func classifyReadError(side Side, err error) endEvent {
	switch {
	case frame.IsCleanClose(err):
		return endEvent{side: side, reason: string(side) + " closed"}
	case errors.Is(err, frame.ErrOversized):
		return endEvent{side: side, reason: string(side) + " sent an oversized frame", err: err}
	case errors.Is(err, frame.ErrInvalidDirection):
		return endEvent{side: side, reason: string(side) + " sent a malformed frame", err: err}
	default:
		return endEvent{side: side, reason: string(side) + " read failed", err: err}
	}
}

// write sends queued frames to dst in order. Once the drain starts it
// flushes whatever is already queued and stops; it does not wait for more.
func (p *pipeline) write(dst io.Writer, side Side, in <-chan frame.Frame, delivered *atomic.Uint64) {
	enc := frame.NewEncoder(dst, p.cfg.MaxFrameSize)
	send := func(f frame.Frame) bool {
		if err := enc.Encode(f); err != nil {
			p.end(endEvent{side: side, reason: "write to " + string(side) + " failed", err: err})
			return false
		}
		delivered.Add(1)
		return true
	}

	for {
		select {
		case f := <-in:
			if !send(f) {
				return
			}
		case <-p.draining:
			for {
				select {
				case f := <-in:
					if !send(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
