// Package config handles configuration loading for edge-c2.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from EDGE_C2_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/edge-c2/server.yaml
//  3. ~/.config/edge-c2/server.yaml
//
// Files ending in .toml are read as TOML; anything else as YAML. Both formats use the
// same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${EDGE_C2_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	c2:
//	  ack_dedupe_ttl: "10m"
//	  agent_timeout: "90s"
//
// # Example Configuration
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  coap_addr: "0.0.0.0:5683"
//	  grpc_addr: "0.0.0.0:50051"
//
//	database:
//	  driver: "sqlite"
//	  path: "/var/lib/edge-c2/edge-c2.db"
//
//	c2:
//	  max_batch_size: 100   # -1 for no limit
//	  base_url: "https://c2.example.net"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
