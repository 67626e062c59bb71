// ABOUTME: Gateway orchestrator wiring store, tools, dispatcher, HTTP API, and channel adapters.
// ABOUTME: Manages listener setup (TCP or tsnet), background workers, and graceful shutdown.

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
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/yen-gateway/internal/auth"
	"github.com/2389/yen-gateway/internal/caption"
	"github.com/2389/yen-gateway/internal/config"
	"github.com/2389/yen-gateway/internal/httpapi"
	"github.com/2389/yen-gateway/internal/router"
	"github.com/2389/yen-gateway/internal/store"
	"github.com/2389/yen-gateway/internal/telegram"
	"github.com/2389/yen-gateway/internal/tools"
	"github.com/2389/yen-gateway/internal/webchat"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepLimit    = 50
)

// Gateway assembles the assistant: one store, one tool registry, one
// dispatcher, and the HTTP and Telegram surfaces over them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	dispatcher  *router.Dispatcher
	captions    *caption.Worker
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	telegram    *telegram.Bot
	logger      *slog.Logger
}

// initStore creates a store based on config and environment. The
// YEN_DB_PATH env var overrides the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("YEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildRegistry wires the capability tools from provider config. The
// general tool is the default; search and reason register after it so
// trigger scanning is deterministic.
func buildRegistry(cfg *config.Config, httpClient *http.Client) *tools.Registry {
	provider := func(p config.ProviderConfig) tools.ProviderConfig {
		return tools.ProviderConfig{
			BaseURL:   p.BaseURL,
			APIKey:    p.APIKey,
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
		}
	}

	registry := tools.NewRegistry(tools.NewGeneralTool(provider(cfg.Providers.General), httpClient))
	if cfg.Providers.Search.BaseURL != "" {
		registry.Register(tools.NewSearchTool(provider(cfg.Providers.Search), httpClient))
	}
	if cfg.Providers.Reason.BaseURL != "" {
		registry.Register(tools.NewReasonTool(provider(cfg.Providers.Reason), httpClient))
	}
	return registry
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	registry := buildRegistry(cfg, httpClient)

	var captioner caption.Captioner
	if cfg.Providers.Vision.BaseURL != "" {
		captioner = tools.NewVisionTool(tools.ProviderConfig{
			BaseURL:   cfg.Providers.Vision.BaseURL,
			APIKey:    cfg.Providers.Vision.APIKey,
			Model:     cfg.Providers.Vision.Model,
			MaxTokens: cfg.Providers.Vision.MaxTokens,
		}, httpClient)
	}
	captionWorker := caption.NewWorker(s, captioner, caption.Options{
		Workers:   cfg.Captions.Workers,
		QueueSize: cfg.Captions.QueueSize,
	})

	dispatcher := router.New(s, registry, captionWorker, router.Options{
		Prompts:       cfg.Router.Prompts,
		Apology:       cfg.Router.Apology,
		InvokeTimeout: cfg.Router.InvokeTimeout,
	})

	gw := &Gateway{
		config:     cfg,
		store:      s,
		dispatcher: dispatcher,
		captions:   captionWorker,
		logger:     logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	api := httpapi.New(dispatcher, s)
	api.RegisterRoutes(mux, gw.authMiddleware(cfg, logger))

	chat := webchat.New(s, logger)
	chat.RegisterRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Telegram.Enabled {
		gw.telegram = telegram.NewBot(telegram.Options{
			Token:        cfg.Telegram.BotToken,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			DefaultMode:  cfg.Telegram.DefaultMode,
		}, dispatcher, logger)
	}

	return gw, nil
}

// authMiddleware returns the bearer-token middleware, or nil when no
// jwt_secret is configured and the API runs open.
func (g *Gateway) authMiddleware(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil
	}
	logger.Info("HTTP auth middleware enabled")
	return auth.Middleware(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)))
}

// Run starts the HTTP server and background workers and blocks until
// the context is canceled. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	sweepInterval := g.config.Captions.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	sweepLimit := g.config.Captions.SweepLimit
	if sweepLimit <= 0 {
		sweepLimit = defaultSweepLimit
	}
	go g.captions.RunSweeper(workerCtx, sweepInterval, sweepLimit)

	if g.telegram != nil {
		go func() {
			if err := g.telegram.Run(workerCtx); err != nil {
				errCh <- fmt.Errorf("telegram bot: %w", err)
			}
		}()
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or a component error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context since the
// original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.captions.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the HTTP listener, over tsnet when Tailscale
// is enabled and plain TCP otherwise.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's home when not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "yen-gateway", "tailscale"), nil
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

// setupTailscaleListener creates a tsnet node and listens on :80.
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

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
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
