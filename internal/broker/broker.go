// ABOUTME: Broker orchestrator that owns the session listener, admin HTTP API, and gRPC health
// ABOUTME: Wires license gate, lock manager, registry, relay, provisioner, and audit store

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/mirror-broker/internal/auth"
	"github.com/2389/mirror-broker/internal/cluster"
	"github.com/2389/mirror-broker/internal/config"
	"github.com/2389/mirror-broker/internal/license"
	"github.com/2389/mirror-broker/internal/lock"
	"github.com/2389/mirror-broker/internal/relay"
	"github.com/2389/mirror-broker/internal/session"
	"github.com/2389/mirror-broker/internal/store"
)

// Broker accepts client connections, admits sessions, and relays them to
// agents. It also serves the admin HTTP API and a gRPC health service.
type Broker struct {
	config   *config.Config
	gate     *license.Gate
	locks    *lock.Manager
	registry *session.Registry
	mux      *relay.Multiplexer
	agents   cluster.Provisioner
	store    store.Store
	auth     *auth.Authenticator
	tokens   *auth.JWTVerifier
	ssh      *auth.SSHVerifier
	logger   *slog.Logger

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	listener     net.Listener
	ready        chan struct{}
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	// connCtx is canceled to force relays closed once the shutdown grace
	// period is over.
	connCtx    context.Context
	connCancel context.CancelFunc
	conns      sync.WaitGroup
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	provisioner cluster.Provisioner
	store       store.Store
	fetcher     license.Fetcher
}

// WithProvisioner supplies the agent provisioner.
func WithProvisioner(p cluster.Provisioner) Option {
	return func(o *options) { o.provisioner = p }
}

// WithStore supplies the audit store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithFetcher supplies the entitlement fetcher.
func WithFetcher(f license.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// initStore creates the audit store from config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initProvisioner builds the provisioner for the configured cluster mode.
func initProvisioner(cfg *config.Config, logger *slog.Logger) (cluster.Provisioner, error) {
	switch cfg.Cluster.Mode {
	case config.ClusterStatic:
		logger.Warn("static cluster mode: every target is served by one agent", "addr", cfg.Cluster.StaticAddress)
		return cluster.NewStaticProvisioner(cfg.Cluster.StaticAddress, logger), nil
	default:
		client, err := cluster.NewKubeClient(cfg.Cluster.Kubeconfig, logger)
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		return cluster.NewKubeProvisioner(client, cluster.KubeConfig{
			AgentNamespace: cfg.Cluster.AgentNamespace,
			AgentImage:     cfg.Cluster.AgentImage,
			AgentPort:      int32(cfg.Cluster.AgentPort),
			ServiceAccount: cfg.Cluster.ServiceAccount,
			ReadyTimeout:   cfg.Cluster.ReadyTimeout,
		}, logger), nil
	}
}

// initAuth builds the authenticator and the verifiers behind it.
func initAuth(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, *auth.JWTVerifier, *auth.SSHVerifier, error) {
	a := &auth.Authenticator{AllowAnonymous: cfg.Auth.AllowAnonymous}

	var tokens *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		tokens = v
		a.Tokens = v
	}

	// An empty allowlist accepts any key, so SSH auth stays off until
	// keys are configured.
	sshv := auth.NewSSHVerifier()
	if err := sshv.Authorize(cfg.Auth.AuthorizedKeys...); err != nil {
		sshv.Close()
		return nil, nil, nil, fmt.Errorf("loading authorized_keys: %w", err)
	}
	if sshv.Restricted() {
		a.SSH = sshv
		logger.Info("ssh authentication enabled", "authorized_keys", len(cfg.Auth.AuthorizedKeys))
	}

	if cfg.Auth.AllowAnonymous {
		logger.Warn("anonymous sessions allowed")
	}
	if tokens == nil {
		logger.Warn("no jwt_secret configured; admin API is disabled")
	}
	return a, tokens, sshv, nil
}

// New creates a broker from cfg. Components not supplied through opts are
// built from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	denial, err := session.ParseDenialPolicy(cfg.License.DenialPolicy)
	if err != nil {
		return nil, err
	}
	stealPolicy, err := lock.ParsePolicy(cfg.Locks.ConcurrentSteal)
	if err != nil {
		return nil, err
	}

	authn, tokens, sshv, err := initAuth(cfg, logger)
	if err != nil {
		return nil, err
	}

	st := o.store
	if st == nil {
		if st, err = initStore(cfg); err != nil {
			sshv.Close()
			return nil, err
		}
	}

	agents := o.provisioner
	if agents == nil {
		if agents, err = initProvisioner(cfg, logger); err != nil {
			sshv.Close()
			_ = st.Close()
			return nil, err
		}
	}

	fetcher := o.fetcher
	if fetcher == nil && cfg.License.Enforce {
		fetcher = license.NewHTTPFetcher(cfg.License.URL, cfg.License.Key, cfg.License.Timeout)
	}
	gate := license.NewGate(fetcher, license.Config{
		Enforce:         cfg.License.Enforce,
		RefreshInterval: cfg.License.RefreshInterval,
		StaleAfter:      cfg.License.StaleAfter,
	}, logger)

	locks := lock.NewManager(stealPolicy, logger)

	connCtx, connCancel := context.WithCancel(context.Background())
	b := &Broker{
		config:   cfg,
		gate:     gate,
		locks:    locks,
		registry: session.NewRegistry(gate, locks, agents, session.Options{DenialPolicy: denial}, logger),
		mux: relay.New(relay.Config{
			BufferFrames: cfg.Relay.BufferFrames,
			DrainTimeout: cfg.Relay.DrainTimeout,
			MaxFrameSize: cfg.Relay.MaxFrameSize,
		}, logger),
		agents:     agents,
		store:      st,
		auth:       authn,
		tokens:     tokens,
		ssh:        sshv,
		logger:     logger.With("component", "broker"),
		ready:      make(chan struct{}),
		connCtx:    connCtx,
		connCancel: connCancel,
	}

	mux := http.NewServeMux()
	b.registerHTTPRoutes(mux)
	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.grpcServer, b.health = newGRPCServer(logger.With("component", "grpc"))

	return b, nil
}

// listeners groups the sockets the broker serves on. http and grpc may be nil.
type listeners struct {
	broker net.Listener
	http   net.Listener
	grpc   net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.broker, l.http, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// setupTCPListeners creates standard TCP listeners.
func (b *Broker) setupTCPListeners() (listeners, error) {
	var ls listeners
	var err error

	b.logger.Info("starting broker",
		"broker_addr", b.config.Server.BrokerAddr,
		"http_addr", b.config.Server.HTTPAddr,
		"grpc_addr", b.config.Server.GRPCAddr,
	)

	ls.broker, err = net.Listen("tcp", b.config.Server.BrokerAddr)
	if err != nil {
		return ls, fmt.Errorf("listening on broker address: %w", err)
	}

	if b.config.Server.HTTPAddr != "" {
		ls.http, err = net.Listen("tcp", b.config.Server.HTTPAddr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}

	if b.config.Server.GRPCAddr != "" {
		ls.grpc, err = net.Listen("tcp", b.config.Server.GRPCAddr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return ls, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (b *Broker) setupListeners(ctx context.Context) (listeners, error) {
	if b.config.Tailscale.Enabled {
		return b.setupTailscaleListeners(ctx)
	}
	return b.setupTCPListeners()
}

// startServers starts every server in its own goroutine, returning the error channel.
func (b *Broker) startServers(ls listeners) chan error {
	errCh := make(chan error, 3)

	b.listener = ls.broker
	b.conns.Add(1)
	go func() {
		defer b.conns.Done()
		b.logger.Info("session listener ready", "addr", ls.broker.Addr().String())
		if err := b.acceptLoop(ls.broker); err != nil {
			errCh <- fmt.Errorf("session listener: %w", err)
		}
	}()

	if ls.http != nil {
		go func() {
			b.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
			if err := b.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	if ls.grpc != nil {
		go func() {
			b.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := b.grpcServer.Serve(ls.grpc); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (b *Broker) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		b.logger.Error("server error", "error", err)
		b.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (b *Broker) drainErrors(errCh chan error) {
	for {
		select {
		case err := <-errCh:
			b.logger.Error("additional server error", "error", err)
		default:
			return
		}
	}
}

// Run starts the license gate and all servers and blocks until ctx is
// canceled. Returns nil on graceful shutdown, or the first server error.
func (b *Broker) Run(ctx context.Context) error {
	ls, err := b.setupListeners(ctx)
	if err != nil {
		_ = b.gracefulShutdown()
		return err
	}

	b.gate.Start(ctx)
	b.markServing()

	errCh := b.startServers(ls)
	close(b.ready)

	serverErr := b.waitForShutdownSignal(ctx, errCh)
	shutdownErr := b.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Ready is closed once the broker is accepting connections.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// SessionAddr returns the session listener address once Ready is closed.
func (b *Broker) SessionAddr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Handler returns the admin HTTP handler.
func (b *Broker) Handler() http.Handler {
	return b.httpServer.Handler
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (b *Broker) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.Relay.DrainTimeout+5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// drainSessions asks every session to drain and waits for relays to finish,
// forcing them closed when ctx expires.
func (b *Broker) drainSessions(ctx context.Context) {
	b.registry.DrainAll("broker shutting down")

	done := make(chan struct{})
	go func() {
		b.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("sessions still draining at shutdown deadline, forcing close", "sessions", b.registry.Len())
		b.connCancel()
		<-done
	}
}

// Shutdown stops accepting sessions, drains live ones, and stops all servers.
// Safe to call more than once.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.logger.Info("shutting down broker", "sessions", b.registry.Len())
		b.shuttingDown.Store(true)
		b.health.Shutdown()

		var errs []error
		if b.listener != nil {
			if err := b.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("session listener close: %w", err))
			}
		}

		b.drainSessions(ctx)
		b.connCancel()

		errs = appendCloseError(errs, "HTTP shutdown", b.httpServer.Shutdown(ctx))
		b.shutdownGRPCServer(ctx)

		if b.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", b.tsnetServer.Close())
		}

		b.gate.Close()
		b.ssh.Close()
		errs = appendCloseError(errs, "store close", b.store.Close())

		if len(errs) > 0 {
			b.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return b.shutdownErr
}
