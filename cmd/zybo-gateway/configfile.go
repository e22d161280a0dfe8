// ABOUTME: Renders the gateway's YAML config file for init and adduser
// ABOUTME: Output is commented and loads cleanly through config.Load

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/template"
)

// configValues are the settings the CLI asks about; everything else is left
// to config defaults.
type configValues struct {
	GRPCAddr string
	HTTPAddr string

	DBDriver string
	DBPath   string

	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool
	TSFunnel    bool

	JWTSecret string
	Timezone  string

	LogLevel  string
	LogFormat string
}

func defaultConfigValues(dbPath, secret string) configValues {
	return configValues{
		GRPCAddr:  "localhost:50051",
		HTTPAddr:  "localhost:8080",
		DBDriver:  "sqlite",
		DBPath:    dbPath,
		JWTSecret: secret,
		Timezone:  "UTC",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

var configTemplate = template.Must(template.New("gateway.yaml").
	Funcs(template.FuncMap{"q": strconv.Quote}).
	Parse(`# zybo-gateway configuration
# Generated by zybo-gateway

server:
  grpc_addr: {{q .GRPCAddr}}
  http_addr: {{q .HTTPAddr}}
  # Browser origins allowed to open WebSockets; same-host is always allowed.
  allowed_origins: []

database:
  driver: {{q .DBDriver}}
  path: {{q .DBPath}}

tailscale:
  enabled: {{.Tailscale}}
{{- if .Tailscale}}
  hostname: {{q .TSHostname}}
{{- if .TSAuthKey}}
  auth_key: {{q .TSAuthKey}}
{{- end}}
  ephemeral: {{.TSEphemeral}}
  funnel: {{.TSFunnel}}
{{- end}}

auth:
{{- if .JWTSecret}}
  jwt_secret: {{q .JWTSecret}}
{{- else}}
  # Without a secret, clients are trusted by X-User-ID. Development only.
  jwt_secret: ""
{{- end}}
  token_ttl: "720h"

chat:
  timezone: {{q .Timezone}}
  send_buffer: 64
  write_timeout: "10s"
  pong_wait: "60s"
  ping_interval: "54s"
  max_frame_bytes: 65536
  dedupe_ttl: "5m"

logging:
  level: {{q .LogLevel}}
  format: {{q .LogFormat}}
`))

func renderConfig(v configValues) ([]byte, error) {
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return buf.Bytes(), nil
}

// writeConfig renders v to path with owner-only permissions, since the file
// holds the JWT secret.
func writeConfig(path string, v configValues) error {
	data, err := renderConfig(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
