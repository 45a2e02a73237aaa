// ABOUTME: Tailscale (tsnet) listeners so the broker can join a tailnet instead of binding TCP
// ABOUTME: Serves sessions, gRPC health, and the admin API (HTTP or HTTPS) on the tailnet node

package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/mirror-broker/internal/config"
)

// Fixed ports on the tailnet node.
const (
	tailnetSessionPort = ":7640"
	tailnetGRPCPort    = ":7642"
	tailnetHTTPPort    = ":80"
	tailnetHTTPSPort   = ":443"
)

var errNoTailscaleAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

// newTSNetServer builds the node from config, filling the state dir and auth
// key from defaults and the environment.
func newTSNetServer(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	dir := cfg.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no tailscale.state_dir and no home directory: %w", err)
		}
		dir = filepath.Join(home, ".local", "share", "mirror-broker", "tailscale")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	key := cfg.AuthKey
	if key == "" {
		key = os.Getenv("TS_AUTHKEY")
	}
	if key == "" {
		return nil, errNoTailscaleAuthKey
	}

	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   key,
	}, nil
}

// setupTailscaleListeners brings up a tsnet node and listens on it.
// Configured server addresses are ignored in this mode.
func (b *Broker) setupTailscaleListeners(ctx context.Context) (ls listeners, err error) {
	srv := b.config.Server
	if srv.BrokerAddr != "" || srv.HTTPAddr != "" || srv.GRPCAddr != "" {
		b.logger.Warn("server addresses are ignored when tailscale is enabled",
			"broker_addr", srv.BrokerAddr, "http_addr", srv.HTTPAddr, "grpc_addr", srv.GRPCAddr)
	}

	ts := b.config.Tailscale
	node, err := newTSNetServer(ts)
	if err != nil {
		return listeners{}, err
	}
	defer func() {
		if err != nil {
			ls.close()
			_ = node.Close()
			ls = listeners{}
		}
	}()

	b.logger.Info("joining tailnet", "hostname", ts.Hostname, "state_dir", node.Dir, "ephemeral", ts.Ephemeral)
	st, err := node.Up(ctx)
	if err != nil {
		return ls, fmt.Errorf("starting tailscale: %w", err)
	}

	attrs := []any{"hostname", ts.Hostname}
	if len(st.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", st.TailscaleIPs[0].String())
	}
	if st.Self != nil {
		attrs = append(attrs, "dns_name", st.Self.DNSName)
	}
	b.logger.Info("tailscale node ready", attrs...)

	if ls.broker, err = node.Listen("tcp", tailnetSessionPort); err != nil {
		return ls, fmt.Errorf("tailnet session listener: %w", err)
	}
	if ls.grpc, err = node.Listen("tcp", tailnetGRPCPort); err != nil {
		return ls, fmt.Errorf("tailnet grpc listener: %w", err)
	}
	if ls.http, err = tailnetHTTPListener(node, ts.HTTPS); err != nil {
		return ls, fmt.Errorf("tailnet http listener: %w", err)
	}
	b.tsnetServer = node
	return ls, nil
}

// tailnetHTTPListener serves plain HTTP on :80, or TLS on :443 with
// certificates issued for the node's tailnet name.
func tailnetHTTPListener(node *tsnet.Server, https bool) (net.Listener, error) {
	if !https {
		return node.Listen("tcp", tailnetHTTPPort)
	}
	lc, err := node.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	ln, err := node.Listen("tcp", tailnetHTTPSPort)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
