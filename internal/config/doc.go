// Package config handles configuration loading for mirror-broker.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion, defaults, and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MIRROR_BROKER_CONFIG environment variable
//  2. ./config.yaml or ./config.toml
//  3. ~/.config/mirror-broker/config.yaml or config.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MIRROR_BROKER_JWT_SECRET}"
//	license:
//	  key: "${MIRROR_LICENSE_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  drain_timeout: "5s"
//	license:
//	  refresh_interval: "5m"
//
// # Example
//
//	server:
//	  broker_addr: "0.0.0.0:7640"
//	  http_addr: "0.0.0.0:7641"
//	  grpc_addr: "0.0.0.0:7642"
//
//	auth:
//	  jwt_secret: "${MIRROR_BROKER_JWT_SECRET}"
//
//	license:
//	  enforce: true
//	  url: "https://licensing.example.com"
//	  key: "${MIRROR_LICENSE_KEY}"
//	  denial_policy: "read_only"
//
//	locks:
//	  concurrent_steal: "reject"
//
//	cluster:
//	  mode: "kubernetes"
//	  agent_namespace: "mirror-system"
//	  agent_image: "ghcr.io/example/mirror-agent:1.2.0"
package config
