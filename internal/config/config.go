// ABOUTME: Configuration loading and parsing for mirror-broker
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "MIRROR_BROKER_CONFIG"

// Defaults applied by Load when a field is left empty.
const (
	DefaultBrokerAddr            = "0.0.0.0:7640"
	DefaultHTTPAddr              = "0.0.0.0:7641"
	DefaultDatabasePath          = ":memory:"
	DefaultBufferFrames          = 1000
	DefaultMaxFrameSize          = 8 << 20
	DefaultDrainTimeout          = 5 * time.Second
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultAgentHandshakeTimeout = 5 * time.Second
	DefaultRefreshInterval       = 5 * time.Minute
	DefaultLicenseTimeout        = 10 * time.Second
	DefaultReadyTimeout          = 60 * time.Second
	DefaultAgentPort             = 61337
)

// Cluster modes.
const (
	ClusterKubernetes = "kubernetes"
	ClusterStatic     = "static"
)

// Config represents the complete mirror-broker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	License   LicenseConfig   `yaml:"license" toml:"license"`
	Locks     LocksConfig     `yaml:"locks" toml:"locks"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Cluster   ClusterConfig   `yaml:"cluster" toml:"cluster"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses. GRPCAddr is optional and serves
// only the health service.
type ServerConfig struct {
	BrokerAddr string `yaml:"broker_addr" toml:"broker_addr"`
	HTTPAddr   string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr   string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the admin API on :443 with certificates issued by the
	// tailnet instead of plain HTTP on :80.
	HTTPS bool `yaml:"https" toml:"https"`
}

// DatabaseConfig holds audit database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
	AllowAnonymous bool     `yaml:"allow_anonymous" toml:"allow_anonymous"`
	AuthorizedKeys []string `yaml:"authorized_keys" toml:"authorized_keys"`
}

// LicenseConfig holds entitlement settings
type LicenseConfig struct {
	Enforce bool   `yaml:"enforce" toml:"enforce"`
	URL     string `yaml:"url" toml:"url"`
	Key     string `yaml:"key" toml:"key"`
	// DenialPolicy is "deny" or "read_only".
	DenialPolicy string `yaml:"denial_policy" toml:"denial_policy"`

	RefreshInterval time.Duration `yaml:"-" toml:"-"`
	StaleAfter      time.Duration `yaml:"-" toml:"-"`
	Timeout         time.Duration `yaml:"-" toml:"-"`

	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
	StaleAfterRaw      string `yaml:"stale_after" toml:"stale_after"`
	TimeoutRaw         string `yaml:"timeout" toml:"timeout"`
}

// LocksConfig holds target lock settings
type LocksConfig struct {
	// ConcurrentSteal is "reject" or "preempt".
	ConcurrentSteal string `yaml:"concurrent_steal" toml:"concurrent_steal"`
}

// RelayConfig holds per-session relay settings
type RelayConfig struct {
	BufferFrames int    `yaml:"buffer_frames" toml:"buffer_frames"`
	MaxFrameSize uint32 `yaml:"max_frame_size" toml:"max_frame_size"`

	DrainTimeout          time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout      time.Duration `yaml:"-" toml:"-"`
	AgentHandshakeTimeout time.Duration `yaml:"-" toml:"-"`

	DrainTimeoutRaw          string `yaml:"drain_timeout" toml:"drain_timeout"`
	HandshakeTimeoutRaw      string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	AgentHandshakeTimeoutRaw string `yaml:"agent_handshake_timeout" toml:"agent_handshake_timeout"`
}

// ClusterConfig selects and configures the agent provisioner
type ClusterConfig struct {
	Mode           string `yaml:"mode" toml:"mode"`
	Kubeconfig     string `yaml:"kubeconfig" toml:"kubeconfig"`
	AgentNamespace string `yaml:"agent_namespace" toml:"agent_namespace"`
	AgentImage     string `yaml:"agent_image" toml:"agent_image"`
	AgentPort      int    `yaml:"agent_port" toml:"agent_port"`
	ServiceAccount string `yaml:"service_account" toml:"service_account"`
	StaticAddress  string `yaml:"static_address" toml:"static_address"`

	ReadyTimeout    time.Duration `yaml:"-" toml:"-"`
	ReadyTimeoutRaw string        `yaml:"ready_timeout" toml:"ready_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration bytes.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		md, err := toml.Decode(expanded, &cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config file: unknown keys %v", undecoded)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config path to use when none is given on the
// command line: $MIRROR_BROKER_CONFIG, then ./config.yaml, then
// ~/.config/mirror-broker/config.yaml. It returns "" when none exist.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	candidates := []string{"config.yaml", "config.toml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(dir, "mirror-broker", "config.yaml"),
			filepath.Join(dir, "mirror-broker", "config.toml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.BrokerAddr == "" && !c.Tailscale.Enabled {
		c.Server.BrokerAddr = DefaultBrokerAddr
	}
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.License.DenialPolicy == "" {
		c.License.DenialPolicy = "deny"
	}
	if c.License.RefreshInterval == 0 {
		c.License.RefreshInterval = DefaultRefreshInterval
	}
	if c.License.StaleAfter == 0 {
		c.License.StaleAfter = 3 * c.License.RefreshInterval
	}
	if c.License.Timeout == 0 {
		c.License.Timeout = DefaultLicenseTimeout
	}
	if c.Locks.ConcurrentSteal == "" {
		c.Locks.ConcurrentSteal = "reject"
	}
	if c.Relay.BufferFrames == 0 {
		c.Relay.BufferFrames = DefaultBufferFrames
	}
	if c.Relay.MaxFrameSize == 0 {
		c.Relay.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Relay.DrainTimeout == 0 {
		c.Relay.DrainTimeout = DefaultDrainTimeout
	}
	if c.Relay.HandshakeTimeout == 0 {
		c.Relay.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Relay.AgentHandshakeTimeout == 0 {
		c.Relay.AgentHandshakeTimeout = DefaultAgentHandshakeTimeout
	}
	if c.Cluster.Mode == "" {
		c.Cluster.Mode = ClusterKubernetes
	}
	if c.Cluster.AgentPort == 0 {
		c.Cluster.AgentPort = DefaultAgentPort
	}
	if c.Cluster.ReadyTimeout == 0 {
		c.Cluster.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.BrokerAddr == "" {
		return errors.New("server.broker_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret == "" && len(c.Auth.AuthorizedKeys) == 0 && !c.Auth.AllowAnonymous {
		return errors.New("auth: set jwt_secret or authorized_keys, or enable allow_anonymous")
	}

	if c.License.Enforce && c.License.URL == "" {
		return errors.New("license.url is required when license.enforce is true")
	}
	switch c.License.DenialPolicy {
	case "deny", "read_only":
	default:
		return fmt.Errorf("license.denial_policy %q must be deny or read_only", c.License.DenialPolicy)
	}

	switch c.Locks.ConcurrentSteal {
	case "reject", "preempt":
	default:
		return fmt.Errorf("locks.concurrent_steal %q must be reject or preempt", c.Locks.ConcurrentSteal)
	}

	if c.Relay.BufferFrames < 1 {
		return errors.New("relay.buffer_frames must be positive")
	}

	switch c.Cluster.Mode {
	case ClusterKubernetes:
		if c.Cluster.AgentImage == "" {
			return errors.New("cluster.agent_image is required in kubernetes mode")
		}
	case ClusterStatic:
		if c.Cluster.StaticAddress == "" {
			return errors.New("cluster.static_address is required in static mode")
		}
	default:
		return fmt.Errorf("cluster.mode %q must be kubernetes or static", c.Cluster.Mode)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"license.refresh_interval", cfg.License.RefreshIntervalRaw, &cfg.License.RefreshInterval},
		{"license.stale_after", cfg.License.StaleAfterRaw, &cfg.License.StaleAfter},
		{"license.timeout", cfg.License.TimeoutRaw, &cfg.License.Timeout},
		{"relay.drain_timeout", cfg.Relay.DrainTimeoutRaw, &cfg.Relay.DrainTimeout},
		{"relay.handshake_timeout", cfg.Relay.HandshakeTimeoutRaw, &cfg.Relay.HandshakeTimeout},
		{"relay.agent_handshake_timeout", cfg.Relay.AgentHandshakeTimeoutRaw, &cfg.Relay.AgentHandshakeTimeout},
		{"cluster.ready_timeout", cfg.Cluster.ReadyTimeoutRaw, &cfg.Cluster.ReadyTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
