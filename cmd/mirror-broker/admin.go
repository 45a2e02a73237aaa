// ABOUTME: Admin subcommands that talk to a running broker's HTTP API
// ABOUTME: Authenticates with MIRROR_BROKER_TOKEN or a short-lived token minted from the config

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"

	"github.com/2389/mirror-broker/internal/auth"
	"github.com/2389/mirror-broker/internal/broker"
	"github.com/2389/mirror-broker/internal/config"
	"github.com/2389/mirror-broker/internal/license"
	"github.com/2389/mirror-broker/internal/session"
	"github.com/2389/mirror-broker/internal/store"
)

const (
	envBrokerURL   = "MIRROR_BROKER_URL"
	envBrokerToken = "MIRROR_BROKER_TOKEN"
	adminTokenTTL  = 5 * time.Minute
)

// apiError is the JSON error body the broker returns.
type apiError struct {
	Error string `json:"error"`
}

// newAPIClient builds a client for the broker's admin API.
func newAPIClient() (*resty.Client, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	baseURL := os.Getenv(envBrokerURL)
	if baseURL == "" {
		baseURL = "http://" + dialableAddr(cfg.Server.HTTPAddr)
	}

	token := os.Getenv(envBrokerToken)
	if token == "" {
		if cfg.Auth.JWTSecret == "" {
			return nil, fmt.Errorf("set %s or configure auth.jwt_secret", envBrokerToken)
		}
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, err
		}
		if token, err = v.Generate("mirror-broker-cli", adminTokenTTL, auth.RoleAdmin); err != nil {
			return nil, fmt.Errorf("generating admin token: %w", err)
		}
	}

	return resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(10 * time.Second).
		SetError(&apiError{}), nil
}

// dialableAddr swaps a wildcard listen host for loopback.
func dialableAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// checkResponse turns transport failures and non-2xx answers into errors.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status(), e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status(), resp.String())
	}
	return nil
}

func runHealth(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.R().SetContext(ctx).Get("/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("not ready: %s", resp.String())
	}
	color.Green("healthy: %s", resp.String())
	return nil
}

func runSessions(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var sessions []session.Info
	if err := checkResponse(client.R().SetContext(ctx).SetResult(&sessions).Get("/api/sessions")); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No live sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIDENTITY\tTARGET\tMODE\tSTATE\tAGE\tFRAMES (C/A)")
	for _, s := range sessions {
		mode := s.Mode
		if s.RequestedMode != s.Mode {
			mode += " (asked " + s.RequestedMode + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			s.ID, s.Identity, s.Target.Key(), mode, s.State,
			time.Since(s.CreatedAt).Truncate(time.Second), s.ClientFrames, s.AgentFrames)
	}
	return w.Flush()
}

func runKill(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: mirror-broker kill <session-id>")
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var res broker.KillResponse
	if err := checkResponse(client.R().SetContext(ctx).SetResult(&res).Delete("/api/sessions/" + url.PathEscape(args[0]))); err != nil {
		return err
	}
	color.Yellow("session %s is %s", res.ID, res.Status)
	return nil
}

func runClaims(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var claims []broker.ClaimResponse
	if err := checkResponse(client.R().SetContext(ctx).SetResult(&claims).Get("/api/claims")); err != nil {
		return err
	}
	if len(claims) == 0 {
		fmt.Println("No targets claimed")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tMODE\tSESSIONS")
	for _, c := range claims {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.Key, c.Mode, len(c.Sessions))
	}
	return w.Flush()
}

func runLicense(ctx context.Context, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	req := client.R().SetContext(ctx)
	var st license.Status
	req.SetResult(&st)
	if len(args) > 0 && args[0] == "refresh" {
		err = checkResponse(req.Post("/api/license/refresh"))
	} else {
		err = checkResponse(req.Get("/api/license"))
	}
	if err != nil {
		return err
	}

	if !st.Enforced {
		color.Yellow("License enforcement is off")
		return nil
	}
	if st.Entitlement == nil {
		color.Red("No entitlement loaded (last error: %s)", st.LastError)
		return nil
	}
	e := st.Entitlement
	fmt.Printf("Name:      %s\n", e.Name)
	fmt.Printf("Seats:     %d\n", e.Seats)
	fmt.Printf("Features:  %v\n", e.Features)
	if !e.ExpiresAt.IsZero() {
		fmt.Printf("Expires:   %s (%d days)\n", e.ExpiresAt.Format(time.DateOnly), e.DaysRemaining(time.Now()))
	}
	fmt.Printf("Refreshed: %s\n", st.LastRefresh.Format(time.RFC3339))
	if st.Stale {
		color.Yellow("Snapshot is stale (%d degraded checks)", st.DegradedChecks)
	}
	return nil
}

func runAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	sessionID := fs.String("session", "", "only events for this session")
	identity := fs.String("identity", "", "only events for this identity")
	kind := fs.String("kind", "", "only events of this kind")
	limit := fs.Int("limit", 50, "maximum events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	params := map[string]string{"limit": strconv.Itoa(*limit)}
	for k, v := range map[string]string{"session_id": *sessionID, "identity": *identity, "kind": *kind} {
		if v != "" {
			params[k] = v
		}
	}

	var events []store.SessionEvent
	if err := checkResponse(client.R().SetContext(ctx).SetQueryParams(params).SetResult(&events).Get("/api/audit")); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tSESSION\tIDENTITY\tTARGET\tREASON")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Kind, e.SessionID, e.Identity, e.Target, e.Reason)
	}
	return w.Flush()
}

// runToken mints a client token signed with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "identity the token authenticates as")
	admin := fs.Bool("admin", false, "grant the admin role")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	role := ""
	if *admin {
		role = auth.RoleAdmin
	}
	token, err := v.Generate(*subject, *ttl, role)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
