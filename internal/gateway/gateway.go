// ABOUTME: Gateway orchestrator wiring config, store, hub, and identity into one HTTP server.
// ABOUTME: Serves the WebSocket session endpoint, the REST API, and health checks.

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
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/parley-hub/internal/config"
	"github.com/2389/parley-hub/internal/dedupe"
	"github.com/2389/parley-hub/internal/identity"
	"github.com/2389/parley-hub/internal/space"
	"github.com/2389/parley-hub/internal/store"
)

// Gateway is the parley-hub server. It owns the hub of conversation spaces,
// the persistent store, the identity provider chain, and the HTTP server
// carrying both the WebSocket session endpoint and the REST API.
type Gateway struct {
	config      *config.Config
	hub         *space.Hub
	store       store.MessageStore // nil when persistence is disabled
	presets     config.Presets
	defaults    space.Config
	identity    identity.Provider
	sshProvider *identity.SSHProvider // kept for Close; nil unless SSH auth is on
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// dedupe suppresses duplicate client send retries by client_msg_id.
	dedupe *dedupe.Cache

	startedAt time.Time
}

// initStore creates the history store selected by config. The none driver
// returns nil: spaces then keep history in memory only.
func initStore(cfg *config.Config, logger *slog.Logger) (store.MessageStore, error) {
	switch cfg.Database.EffectiveDriver() {
	case "sqlite":
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := store.NewRedisStore(cfg.Database.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

// buildIdentityChain assembles providers in trust order: JWT first, then
// SSH, then anonymous if the deployment allows it.
func buildIdentityChain(cfg *config.Config, logger *slog.Logger) (identity.Provider, *identity.SSHProvider) {
	var chain identity.Chain
	var sshProv *identity.SSHProvider

	if cfg.Auth.JWTSecret != "" {
		chain = append(chain, identity.NewJWTProvider([]byte(cfg.Auth.JWTSecret)))
		logger.Info("jwt identity provider enabled")
	}
	if cfg.Auth.AllowSSH {
		sshProv = identity.NewSSHProvider()
		chain = append(chain, sshProv)
		logger.Info("ssh identity provider enabled")
	}
	if cfg.Auth.AllowAnonymous {
		chain = append(chain, identity.NewAnonymousProvider())
		logger.Warn("anonymous identity provider enabled - clients pick their own ids")
	}
	return chain, sshProv
}

// New creates a gateway from config. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	hubCfg, err := cfg.HubDefaults()
	if err != nil {
		return nil, err
	}
	hub, err := space.NewHub(hubCfg, st, logger)
	if err != nil {
		return nil, err
	}

	presets := config.Presets{}
	if cfg.Conversation.PresetsFile != "" {
		presets, err = config.LoadPresets(cfg.Conversation.PresetsFile)
		if err != nil {
			return nil, err
		}
		if len(presets) > 0 {
			logger.Info("conversation presets loaded",
				"file", cfg.Conversation.PresetsFile,
				"presets", presets.Names(),
			)
		}
	}

	providers, sshProv := buildIdentityChain(cfg, logger)

	g := &Gateway{
		config:      cfg,
		hub:         hub,
		store:       st,
		presets:     presets,
		defaults:    hubCfg.Defaults,
		identity:    providers,
		sshProvider: sshProv,
		logger:      logger.With("component", "gateway"),
		dedupe:      dedupe.New(5*time.Minute, 100_000),
		startedAt:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /ws", g.handleWS)
	g.registerAPIRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Hub exposes the conversation hub for embedding and tests.
func (g *Gateway) Hub() *space.Hub { return g.hub }

// Run starts the server and blocks until the context is canceled or the
// server fails. Graceful shutdown drains HTTP, then closes every space.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the HTTP listener: tsnet when Tailscale is enabled,
// plain TCP otherwise.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
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
	return filepath.Join(homeDir, ".local", "share", "parley-hub", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener brings up the tsnet node and returns the listener
// matching the configured exposure: plain :80, HTTPS :443, or public Funnel.
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

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return g.setupTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener serves HTTPS with Tailscale-provisioned certs.
func (g *Gateway) setupTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("loading tailscale cert: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every conversation space, and
// releases the store and identity resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "http shutdown", g.httpServer.Shutdown(ctx))

	g.hub.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	g.dedupe.Close()
	if g.sshProvider != nil {
		g.sshProvider.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the server is accepting sessions. The
// body reports how many conversations are live.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations)", g.hub.Len())
}

// spaceFor resolves the space for a session hello: an existing conversation
// wins; otherwise one is created from the named preset over the defaults.
func (g *Gateway) spaceFor(conversationID, preset string) (*space.Space, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	sp, err := g.hub.Get(conversationID)
	if err == nil {
		return sp, nil
	}
	if !errors.Is(err, space.ErrUnknownConversation) {
		return nil, err
	}

	cfg, err := g.spaceConfig(preset)
	if err != nil {
		return nil, err
	}
	sp, err = g.hub.Create(conversationID, &cfg)
	if errors.Is(err, space.ErrConversationExists) {
		// Lost the creation race; the winner's config stands.
		return g.hub.Get(conversationID)
	}
	return sp, err
}

// spaceConfig overlays the named preset on the configured defaults. An
// empty name means plain defaults.
func (g *Gateway) spaceConfig(preset string) (space.Config, error) {
	if preset == "" {
		return g.defaults, nil
	}
	p, ok := g.presets[preset]
	if !ok {
		return space.Config{}, fmt.Errorf("unknown preset %q", preset)
	}
	return p.Apply(g.defaults)
}
