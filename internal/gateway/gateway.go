// ABOUTME: Gateway orchestrator that wires the store, registry, OAuth server and HTTP listener
// ABOUTME: Manages startup loading, background loops and graceful shutdown

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
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/audit"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/httpexec"
	"github.com/2389/relay-gateway/internal/invoke"
	"github.com/2389/relay-gateway/internal/mcp"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/oauth"
	"github.com/2389/relay-gateway/internal/params"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/secrets"
	"github.com/2389/relay-gateway/internal/store"
)

// Version is reported in initialize responses. The CLI overrides it at startup.
var Version = "dev"

// Gateway owns every long-lived component of the relay gateway.
type Gateway struct {
	config   *config.Config
	store    store.Store
	registry *registry.Registry
	oauth    *oauth.Service
	access   *auth.Middleware
	sink     audit.Sink
	metrics  *metrics.Metrics
	handler  http.Handler
	logger   *slog.Logger

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// background loops started by Run
	wg sync.WaitGroup
}

// initStore opens the SQLite store named by config or RELAY_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCipher loads the master key. Running without one is allowed; secret
// globals then fail to resolve at call time.
func initCipher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (params.Decrypter, error) {
	cipher, err := secrets.LoadCipher(ctx, secrets.KeyConfig{
		MasterKey: cfg.Secrets.MasterKey,
		SecretID:  cfg.Secrets.MasterKeySecretID,
		Region:    cfg.Secrets.Region,
		JSONField: cfg.Secrets.JSONField,
	}, logger)
	if errors.Is(err, secrets.ErrNoMasterKey) {
		logger.Warn("no master key configured, secret globals cannot be resolved")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading master key: %w", err)
	}
	return cipher, nil
}

// initAuditSink builds the execution sink: the gateway database plus any
// configured Postgres and AMQP sinks.
func initAuditSink(ctx context.Context, cfg *config.Config, s store.ExecutionStore, logger *slog.Logger) (*audit.MultiSink, error) {
	sinks := []audit.Sink{audit.NewStoreSink(s)}

	if cfg.Audit.PostgresDSN != "" {
		pg, err := audit.NewPostgresSink(ctx, cfg.Audit.PostgresDSN, logger)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("connecting audit postgres: %w", err)
		}
		sinks = append(sinks, pg)
		logger.Info("postgres audit sink enabled")
	}

	if cfg.Audit.AMQPURL != "" {
		mq, err := audit.NewAMQPSink(cfg.Audit.AMQPURL, cfg.Audit.AMQPExchange, logger)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("connecting audit amqp: %w", err)
		}
		sinks = append(sinks, mq)
		logger.Info("amqp audit sink enabled", "exchange", cfg.Audit.AMQPExchange)
	}

	return audit.NewMultiSink(logger, sinks...), nil
}

func closeSinks(sinks []audit.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// New creates a Gateway with the given configuration. Tenants are not loaded
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	cipher, err := initCipher(ctx, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	sink, err := initAuditSink(ctx, cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	m := metrics.New()

	executor := invoke.NewExecutor(
		params.NewResolver(s, cipher, logger),
		httpexec.New(httpexec.Options{
			DefaultTimeout:   cfg.Executor.DefaultTimeout,
			MaxResponseBytes: cfg.Executor.MaxResponseBytes,
			Logger:           logger,
		}),
		sink, m, logger,
	)

	reg := registry.New(registry.Config{
		Catalog: s,
		Invoker: executor,
		Version: Version,
		Metrics: m,
		Logger:  logger,
	})

	endpoints := oauth.Endpoints{
		BaseURL:      cfg.Server.BaseURL,
		TenantDomain: cfg.Server.TenantDomain,
	}
	oauthService := oauth.NewService(s, logger)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		oauth:    oauthService,
		sink:     sink,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
		access: auth.NewMiddleware(auth.MiddlewareConfig{
			Tenants:   s,
			Tokens:    oauthService,
			Endpoints: endpoints,
			Metrics:   m,
			Logger:    logger,
		}),
	}

	oauthHandlers := oauth.NewHandlers(oauth.HandlersConfig{
		Service:   oauthService,
		Sessions:  oauth.NewSessions([]byte(cfg.OAuth.SessionSecret), cfg.OAuth.SessionCookie, cfg.OAuth.CSRFTTL),
		Tenants:   s,
		Endpoints: endpoints,
		LoginURL:  cfg.OAuth.LoginURL,
		Logger:    logger,
	})

	var admin auth.TokenVerifier
	if cfg.Admin.JWTSecret != "" {
		admin = auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret))
	} else {
		logger.Warn("admin API disabled - no admin.jwt_secret configured")
	}

	gw.handler = gw.routes(oauthHandlers, admin, logger)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Registry returns the live tenant registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Run loads every tenant, starts the listener and background loops, and
// blocks until the context is canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.registry.LoadAll(ctx); err != nil {
		return err
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	g.startBackground(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopLoops()
	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startBackground launches the OAuth cleanup loop and, when configured, the
// Redis reload listener.
func (g *Gateway) startBackground(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.cleanupLoop(ctx, g.config.OAuth.CleanupInterval)
	}()

	if g.config.Reload.RedisURL == "" {
		return
	}
	listener, err := NewReloadListener(g.config.Reload.RedisURL, g.config.Reload.Channel, g.registry, g.logger)
	if err != nil {
		g.logger.Error("reload listener disabled", "error", err)
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { _ = listener.Close() }()
		listener.Run(ctx)
	}()
}

// cleanupLoop deletes expired OAuth rows on every tick.
func (g *Gateway) cleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cleanupOnce(ctx)
		}
	}
}

func (g *Gateway) cleanupOnce(ctx context.Context) {
	n, err := g.oauth.CleanupExpired(ctx)
	if err != nil {
		g.logger.Warn("oauth cleanup failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("removed expired oauth records", "count", n)
	}
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" && g.config.Server.HTTPAddr != config.DefaultHTTPAddr {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
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
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :443 (Funnel or
// tailnet TLS).
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}
	return g.createTailscaleTLSListener()
}

// logTailscaleStatus logs info about the tailscale node status.
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

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, drains every tenant and releases resources.
// Open streams are ended by the instance shutdown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Streams block Shutdown until they end, so close instances concurrently.
	drained := make(chan struct{})
	go func() {
		g.registry.ShutdownAll()
		close(drained)
	}()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	<-drained
	g.wg.Wait()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "audit close", g.sink.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// transportFor returns the transport serving one addressing form.
func (g *Gateway) transportFor(tenant mcp.TenantFunc) *mcp.Transport {
	return mcp.NewTransport(mcp.TransportConfig{
		Instances: g.registry,
		Tenant:    tenant,
		Metrics:   g.metrics,
		Logger:    g.logger,
	})
}
