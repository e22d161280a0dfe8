// Package config handles configuration loading for zybo-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, ZYBO_* overrides and defaults.
//
// # Configuration File
//
// The CLI resolves the path in order:
//
//  1. Path from ZYBO_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/zybo/gateway.yaml
//  3. ~/.config/zybo/gateway.yaml
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${ZYBO_JWT_SECRET}"
//
// A fixed set of ZYBO_* variables (ZYBO_HTTP_ADDR, ZYBO_GRPC_ADDR,
// ZYBO_DATABASE_PATH, ZYBO_DATABASE_DRIVER, ZYBO_JWT_SECRET, ZYBO_LOG_LEVEL,
// ZYBO_LOG_FORMAT, ZYBO_CHAT_TIMEZONE, ZYBO_TAILSCALE_AUTH_KEY) override the
// file after parsing.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health
//	  http_addr: "0.0.0.0:8080"    # WebSockets and API
//	  allowed_origins: ["https://chat.example.com"]
//
//	database:
//	  driver: "sqlite"             # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "~/.local/share/zybo/gateway.db"
//
//	auth:
//	  jwt_secret: "${ZYBO_JWT_SECRET}"  # empty runs the insecure X-User-ID provider
//	  token_ttl: "720h"
//
//	chat:
//	  timezone: "Europe/Berlin"    # HH:MM rendering, default UTC
//	  send_buffer: 64
//	  write_timeout: "10s"
//	  pong_wait: "60s"
//	  ping_interval: "54s"
//	  max_frame_bytes: 65536
//	  dedupe_ttl: "5m"
//	  dedupe_max_entries: 10000
//
//	tailscale:
//	  enabled: false
//	  hostname: "zybo"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use time.ParseDuration syntax and must be positive.
package config
