// Package config handles configuration loading for lurkbot-gateway.
//
// # Overview
//
// Configuration is read from a YAML file, or TOML when the path ends in
// ".toml". ${VAR_NAME} references are expanded from the environment before
// parsing, and missing values fall back to Default().
//
// # Configuration File
//
// The CLI resolves the path in order:
//
//  1. --config flag
//  2. LURKBOT_CONFIG environment variable
//  3. ./config.yaml
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax ("250ms", "30s", "5m").
//
// # Configuration Sections
//
//	server:
//	  addr: "127.0.0.1:18789"        # NDJSON over TCP
//	  http_addr: "127.0.0.1:18790"   # /ws, /health, /metrics
//	  grpc_addr: ""                  # optional gRPC health service
//
//	protocol:
//	  min: 3
//	  max: 3
//	  max_frame_bytes: 1048576
//	  max_inflight: 16
//	  handshake_timeout: "10s"
//
//	batching:
//	  enabled: true
//	  size: 32
//	  delay: "5ms"
//
//	events:
//	  subscriber_buffer: 256
//
//	pending:
//	  default_timeout: "2m"
//
//	auth:
//	  jwt_secret: "${LURKBOT_JWT_SECRET}"
//	  paired_keys: ["ssh-ed25519 AAAA... phone"]
//	  required: false
//
//	store:
//	  driver: "sqlite"               # memory, sqlite, redis
//	  path: "./lurkbot.db"
//	  redis_addr: "redis://localhost:6379/0"
//
//	tailscale:
//	  enabled: false
//	  hostname: "lurkbot"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Environment Overrides
//
// LURKBOT_DB_PATH replaces store.path and TS_AUTHKEY replaces
// tailscale.auth_key when set.
package config
