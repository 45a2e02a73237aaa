// ABOUTME: Entry point for the mirror-broker session broker
// ABOUTME: Runs the server and offers setup and admin subcommands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/mirror-broker/internal/broker"
	"github.com/2389/mirror-broker/internal/config"
	"github.com/2389/mirror-broker/internal/protocol"
)

// version is set with -ldflags at build time.
var version = "dev"

const banner = `
           _                           _               _
 _ __ ___ (_)_ __ _ __ ___  _ __      | |__  _ __ ___ | | _____ _ __
| '_ ' _ \| | '__| '__/ _ \| '__|_____| '_ \| '__/ _ \| |/ / _ \ '__|
| | | | | | | |  | | | (_) | | |_____| |_) | | | (_) |   <  __/ |
|_| |_| |_|_|_|  |_|  \___/|_|       |_.__/|_|  \___/|_|\_\___|_|
`

// getConfigPath returns the path to the broker config file.
func getConfigPath() string {
	if p := config.DefaultPath(); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "mirror-broker", "config.yaml")
}

var commands = [][2]string{
	{"serve", "Start the broker"},
	{"init", "Write a starter config with a random jwt_secret"},
	{"health", "Check broker readiness"},
	{"sessions", "List live sessions"},
	{"kill <session-id>", "Drain and close a session"},
	{"claims", "List target claims"},
	{"license [refresh]", "Show (or refresh) license status"},
	{"audit [--session ID] [--limit N]", "Show recent session events"},
	{"token --subject NAME [--admin]", "Mint a client token"},
	{"version", "Print build and protocol versions"},
}

func printUsage() {
	fmt.Println("Usage: mirror-broker <command>")
	fmt.Println()
	fmt.Println("Commands:")
	for _, c := range commands {
		fmt.Printf("  %-34s %s\n", c[0], c[1])
	}
	fmt.Println()
	fmt.Printf("Config: %s (override with %s)\n", getConfigPath(), config.EnvConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	case "kill":
		err = runKill(ctx, args)
	case "claims":
		err = runClaims(ctx)
	case "license":
		err = runLicense(ctx, args)
	case "audit":
		err = runAudit(ctx, args)
	case "token":
		err = runToken(args)
	case "version":
		fmt.Printf("mirror-broker %s (protocol %s)\n", version, protocol.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	printServeSummary(configPath, cfg)

	logger.Info("starting mirror-broker",
		"config", configPath,
		"broker_addr", cfg.Server.BrokerAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"cluster_mode", cfg.Cluster.Mode,
	)

	b, err := broker.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}
	return b.Run(ctx)
}

// printServeSummary shows the banner and the effective listen settings.
func printServeSummary(configPath string, cfg *config.Config) {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version %s, protocol %s\n\n", version, protocol.Version)

	lic := color.YellowString("not enforced")
	if cfg.License.Enforce {
		lic = "enforced, " + cfg.License.DenialPolicy + " on denial"
	}
	rows := [][2]string{
		{"Config", configPath},
		{"Sessions", cfg.Server.BrokerAddr},
		{"HTTP", cfg.Server.HTTPAddr},
		{"gRPC", cfg.Server.GRPCAddr},
		{"Cluster", cfg.Cluster.Mode},
		{"Steal", cfg.Locks.ConcurrentSteal},
		{"License", lic},
	}
	if ts := cfg.Tailscale; ts.Enabled {
		node := color.CyanString(ts.Hostname)
		if ts.HTTPS {
			node += " https"
		}
		if ts.Ephemeral {
			node += color.HiBlackString(" ephemeral")
		}
		rows = append(rows, [2]string{"Tailscale", node})
	}

	arrow := color.GreenString("▸")
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		fmt.Printf("  %s %-10s %s\n", arrow, r[0], r[1])
	}
	fmt.Println()
}

// runInit writes a starter config with a random JWT secret.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config: %w", err)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := fmt.Sprintf(`# mirror-broker configuration
# Generated by mirror-broker init

server:
  broker_addr: "%s"
  http_addr: "%s"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

license:
  enforce: false
  denial_policy: "deny"

locks:
  concurrent_steal: "reject"

cluster:
  mode: "kubernetes"
  agent_namespace: "mirror-system"
  agent_image: "ghcr.io/2389/mirror-agent:%s"

logging:
  level: "info"
  format: "text"
`, config.DefaultBrokerAddr, config.DefaultHTTPAddr, filepath.Join(filepath.Dir(configPath), "audit.db"), jwtSecret, protocol.Version)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    mirror-broker token --subject you@example.com   # mint a client token")
	fmt.Println("    mirror-broker serve                             # start the broker")
	return nil
}
