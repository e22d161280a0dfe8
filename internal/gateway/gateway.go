// ABOUTME: Gateway orchestrator that coordinates gRPC health and HTTP/WebSocket servers
// ABOUTME: Wires store, broadcast hub, presence and session registries and owns their lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/zybochat/zybo-gateway/internal/auth"
	"github.com/zybochat/zybo-gateway/internal/broadcast"
	"github.com/zybochat/zybo-gateway/internal/config"
	"github.com/zybochat/zybo-gateway/internal/dedupe"
	"github.com/zybochat/zybo-gateway/internal/presence"
	"github.com/zybochat/zybo-gateway/internal/session"
	"github.com/zybochat/zybo-gateway/internal/store"
)

// Gateway orchestrates the zybo-gateway server components.
// It serves WebSocket sessions and the JSON API over HTTP, and the standard
// gRPC health service for probes.
type Gateway struct {
	config      *config.Config
	store       store.Store
	hub         *broadcast.Hub
	presence    *presence.Registry
	sessions    *session.Registry
	manager     *session.Manager
	dedupe      *dedupe.Cache
	identity    auth.Provider
	upgrader    *upgrader
	location    *time.Location
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// draining is set once shutdown begins; readiness reports 503 from then on.
	draining atomic.Bool
}

// initStore opens the configured SQLite database. ZYBO_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ZYBO_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// createIdentityProvider returns the JWT provider when a secret is
// configured and the insecure header provider otherwise.
func createIdentityProvider(cfg *config.Config, users auth.UserLookup, logger *slog.Logger) auth.Provider {
	if cfg.Auth.JWTSecret != "" {
		logger.Info("identity: bearer JWT")
		return auth.NewJWTProvider(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), users, logger)
	}
	logger.Warn("auth disabled - no jwt_secret configured, trusting X-User-ID header")
	return auth.NewHeaderProvider(users, logger)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := cfg.Chat.Location()
	if err != nil {
		return nil, fmt.Errorf("loading chat timezone: %w", err)
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	// Nobody is connected yet; flags left by a crashed process are stale.
	if err := sqlStore.ResetPresence(context.Background()); err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("resetting presence: %w", err)
	}

	hub := broadcast.NewHub(logger)
	presenceRegistry := presence.NewRegistry(sqlStore, logger)
	sessions := session.NewRegistry(logger)
	dedupeCache := dedupe.New(cfg.Chat.DedupeTTL, cfg.Chat.DedupeMaxEntries)

	manager := session.NewManager(session.Options{
		Store:      sqlStore,
		Groups:     hub,
		Presence:   presenceRegistry,
		Sessions:   sessions,
		Dedupe:     dedupeCache,
		Location:   loc,
		SendBuffer: cfg.Chat.SendBuffer,
		Logger:     logger,
	})

	grpcServer, healthServer := createGRPCServer()

	gw := &Gateway{
		config:     cfg,
		store:      sqlStore,
		hub:        hub,
		presence:   presenceRegistry,
		sessions:   sessions,
		manager:    manager,
		dedupe:     dedupeCache,
		identity:   createIdentityProvider(cfg, sqlStore, logger.With("component", "auth")),
		location:   loc,
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger.With("component", "gateway"),
	}
	gw.upgrader = newUpgrader(cfg.Server.AllowedOrigins, cfg.Chat, gw.logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return gw, nil
}

// Handler returns the HTTP handler serving WebSockets, the API and health.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	// The run context is already canceled here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "zybo", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
// An empty key is allowed when the state dir already holds a logged-in node.
func resolveTailscaleAuthKey(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv("TS_AUTHKEY")
}

// setupTailscaleListeners starts a tsnet node and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   resolveTailscaleAuthKey(tsCfg.AuthKey),
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks Funnel, tailnet HTTPS or plain :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every live session and lets
// their teardowns finish, then releases the hub, cache and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.draining.Swap(true) {
		return nil
	}
	g.logger.Info("shutting down gateway", "sessions", g.sessions.Len())
	g.health.Shutdown()

	var errs []error
	// Hijacked WebSocket connections are not tracked by http.Server.
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "closing sessions", g.sessions.CloseAll(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.hub.Close()
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
