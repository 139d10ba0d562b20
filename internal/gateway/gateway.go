// ABOUTME: Gateway orchestrator that wires the stores, auth gate, notifier, and DirectLine transport
// ABOUTME: Owns the HTTP and websocket listeners (TCP or tsnet), health endpoints, and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/directline-gateway/internal/auth"
	"github.com/2389/directline-gateway/internal/botclient"
	"github.com/2389/directline-gateway/internal/config"
	"github.com/2389/directline-gateway/internal/dedupe"
	"github.com/2389/directline-gateway/internal/directline"
	"github.com/2389/directline-gateway/internal/notify"
	"github.com/2389/directline-gateway/internal/store"
)

// Gateway orchestrates the directline-gateway server components.
// The HTTP listener serves the DirectLine and connector routes; the websocket
// listener serves change signals.
type Gateway struct {
	config      *config.Config
	store       *store.MemoryStore
	transcripts store.TranscriptStore
	hub         *notify.Hub
	replay      *dedupe.Cache
	verifier    *auth.JWTVerifier
	transport   *directline.Server
	httpServer  *http.Server
	wsServer    *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serviceURL is stamped on activities and handed to bots
	serviceURL string

	draining     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// initTranscriptStore opens SQLite when a path is configured, memory otherwise.
func initTranscriptStore(cfg *config.Config) (store.TranscriptStore, error) {
	path := cfg.Transcripts.Path
	if envPath := os.Getenv("DIRECTLINE_TRANSCRIPTS_PATH"); envPath != "" {
		path = envPath
	}
	if path == "" {
		return store.NewMemoryTranscriptStore(), nil
	}
	s, err := store.NewSQLiteTranscriptStore(path)
	if err != nil {
		return nil, fmt.Errorf("initializing transcript store: %w", err)
	}
	return s, nil
}

// determineServiceURL resolves the externally reachable base URL from config or environment.
func determineServiceURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	if envURL := os.Getenv("DIRECTLINE_PUBLIC_URL"); envURL != "" {
		return strings.TrimSuffix(envURL, "/")
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// defaultBotEndpoint builds the endpoint used by conversations that do not name one.
func defaultBotEndpoint(cfg config.BotConfig) *store.BotEndpoint {
	if cfg.Endpoint == "" {
		return nil
	}
	return &store.BotEndpoint{
		ID:     "default",
		BotID:  cfg.BotID,
		BotURL: cfg.Endpoint,
		AppID:  cfg.AppID,
	}
}

// newReplayCache sizes the clientActivityID cache, falling back to 5m / 10k entries.
func newReplayCache(cfg config.DedupeConfig) *dedupe.Cache {
	ttl, maxEntries := cfg.TTL, cfg.MaxEntries
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return dedupe.New(ttl, maxEntries)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transcripts, err := initTranscriptStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       store.NewMemoryStore(logger.With("component", "conversation-store")),
		transcripts: transcripts,
		hub:         notify.NewHub(logger),
		replay:      newReplayCache(cfg.Dedupe),
		logger:      logger.With("component", "gateway"),
		serviceURL:  determineServiceURL(cfg),
	}

	var gate *auth.Gate
	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			_ = transcripts.Close()
			gw.replay.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gate = auth.NewGate(gw.verifier, logger)
		logger.Info("auth gate enabled (JWT)")
	} else {
		gate = auth.NewGate(nil, logger)
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	deps := directline.Deps{
		Store:       gw.store,
		Transcripts: transcripts,
		Gate:        gate,
		Notifier:    gw.hub,
		Replay:      gw.replay,
		Logger:      logger,
	}
	botCfg := botclient.Config{
		ServiceURL: gw.serviceURL,
		Timeout:    cfg.Bot.Timeout,
	}
	// Only assign when non-nil so the interfaces stay nil in open mode.
	if gw.verifier != nil {
		deps.Tokens = gw.verifier
		botCfg.Tokens = gw.verifier
	}
	deps.Bot = botclient.New(botCfg, logger)

	gw.transport = directline.New(directline.Config{
		ServiceURL:         gw.serviceURL,
		StreamURL:          cfg.Server.StreamURL,
		MaxAttachmentBytes: cfg.Attachments.MaxBytes,
		TokenTTL:           cfg.Auth.TokenTTL,
		Bot:                defaultBotEndpoint(cfg.Bot),
	}, deps)

	router := gw.transport.Router()
	// Health endpoints - no auth required
	router.Get("/health", gw.handleHealth)
	router.Get("/health/ready", gw.handleReady)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wsRouter := chi.NewRouter()
	wsRouter.Handle("/ws", notify.NewHandler(gw.hub, logger))
	gw.wsServer = &http.Server{
		Addr:              cfg.Server.WSAddr,
		Handler:           wsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the DirectLine routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for HTTP and websocket.
func (g *Gateway) setupTCPListeners() (httpLn, wsLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"ws_addr", g.config.Server.WSAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	wsLn, err = net.Listen("tcp", g.config.Server.WSAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on websocket address: %w", err)
	}

	return httpLn, wsLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" || g.config.Server.WSAddr != "" {
		g.logger.Warn("server.http_addr and server.ws_addr are ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
			"ws_addr", g.config.Server.WSAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, wsLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// listenerPort extracts the bound port from a listener address.
func listenerPort(ln net.Listener) int {
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// startServers starts the HTTP and websocket servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, wsLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("websocket server listening", "addr", wsLn.Addr().String())
		if err := g.wsServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
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
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, wsListener, err := g.setupListeners(ctx)
	if err != nil {
		// release the transcript store and cache even though nothing started
		if shutdownErr := g.gracefulShutdown(); shutdownErr != nil {
			g.logger.Warn("cleanup after listen failure", "error", shutdownErr)
		}
		return err
	}

	g.transport.SetWebsocketPort(listenerPort(wsListener))

	errCh := g.startServers(httpListener, wsListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "directline-gateway", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for HTTP (:80) and websocket (:81).
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, wsLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	wsLn, err = g.tsnetServer.Listen("tcp", ":81")
	if err != nil {
		_ = httpLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale websocket port: %w", err)
	}

	return httpLn, wsLn, nil
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
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
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

// Shutdown gracefully stops all gateway servers and releases resources.
// Later calls return the result of the first.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.draining.Store(true)

	// Websocket connections are hijacked, so Shutdown does not wait for them.
	// Closing the hub ends every subscription first.
	g.hub.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "websocket shutdown", g.wsServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "transcript store close", g.transcripts.Close())

	g.replay.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts traffic, 503 once it is draining.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}

	convs, err := g.store.ListConversations(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("conversation store unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations, %d subscribers)", len(convs), g.hub.SubscriberCount())
}
