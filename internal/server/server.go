// Package server orchestrates streamrelay's public gateway server and admin
// server. The gateway server carries WebSocket traffic and the REST surface;
// the admin server exposes health checks, readiness probes, and Prometheus
// metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/streamrelay/streamrelay/internal/config"
	"github.com/streamrelay/streamrelay/internal/entity"
	"github.com/streamrelay/streamrelay/internal/gateway"
	"github.com/streamrelay/streamrelay/internal/httpapi"
	"github.com/streamrelay/streamrelay/internal/observability"
	"github.com/streamrelay/streamrelay/internal/quota"
	"github.com/streamrelay/streamrelay/internal/ratelimit"
	iredis "github.com/streamrelay/streamrelay/internal/redis"
	"github.com/streamrelay/streamrelay/internal/token"
	"github.com/streamrelay/streamrelay/internal/usage"
)

// Server is the composed streamrelay process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	adminServer *http.Server

	rdb       iredis.Client
	entityRdb iredis.Client // equal to rdb when no dedicated entity redis is configured
	store     *entity.Store
	ledger    *usage.Ledger
	agg       *usage.Aggregator
	disabled  *quota.DisabledSet
	enforcer  *quota.Enforcer
	limiter   *ratelimit.FailureLimiter
	gw        *gateway.Gateway

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a streamrelay server instance and connects to Redis.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// Route go-redis internal logs through slog.
	iredis.InitLogger(logger)

	// Warn about insecure configurations at startup.
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	if cfg.EntityRedis != nil {
		iredis.WarnInsecureRedis(cfg.EntityRedis.TLS, logger)
	}

	rdb, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect counters redis: %w", err)
	}
	health.SetRedisPinger(pingAdapter{rdb})

	entityRdb := rdb
	if cfg.EntityRedis != nil {
		entityRdb, err = iredis.NewClient(cfg.EntityRedisConfig())
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect entity redis: %w", err)
		}
	}

	cacheTTL, _ := config.ParseDuration(cfg.Sweep.CacheInterval, 30*time.Minute)
	store := entity.NewStore(entityRdb, cacheTTL, logger)
	ledger := usage.NewLedger(rdb, logger)

	fedTimeout, _ := config.ParseDuration(cfg.Federation.Timeout, 5*time.Second)
	agg := usage.NewAggregator(store, ledger, cfg.Federation.Region, cfg.Federation.Peers, fedTimeout, logger, metrics)

	disabled := quota.NewDisabledSet()
	enforcer := quota.NewEnforcer(ledger, agg, disabled, 0, logger, metrics)

	window, _ := config.ParseDuration(cfg.RateLimit.Window, 5*time.Minute)
	limiter := ratelimit.NewFailureLimiter(window, cfg.RateLimit.MaxFailures, cfg.RateLimit.MaxEntries)

	gwCfg := gateway.Config{
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
		IdleTimeout:   config.MustParseDuration(cfg.Server.SocketIdleTimeout, 2*time.Minute),
		SendBuffer:    cfg.Server.SendBuffer,
	}
	gw := gateway.New(gwCfg, cfg.Federation.Region, store, ledger, agg, enforcer, disabled,
		limiter, token.NewVerifier(cfg.Auth.Scheme), logger, metrics)

	api := httpapi.New(store, ledger, gw, cfg.Admin.Password, logger)

	mainServer := buildMainServer(cfg, gw, api, logger)
	adminServer := buildAdminServer(cfg, health, reg, logger)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		adminServer: adminServer,
		rdb:         rdb,
		entityRdb:   entityRdb,
		store:       store,
		ledger:      ledger,
		agg:         agg,
		disabled:    disabled,
		enforcer:    enforcer,
		limiter:     limiter,
		gw:          gw,
		health:      health,
		metrics:     metrics,
	}, nil
}

// pingAdapter narrows the redis client to the health checker's Pinger.
type pingAdapter struct {
	c iredis.Client
}

func (p pingAdapter) Ping(ctx context.Context) error {
	return p.c.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, gw *gateway.Gateway, api *httpapi.API, logger *slog.Logger) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	api.Register(mux)

	h2s := &http2.Server{}
	handler := httpapi.CORS(h2c.NewHandler(mux, h2s))

	return &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     handler,
		ReadTimeout: readTimeout,
		// WriteTimeout stays zero: WebSocket connections outlive any fixed
		// response deadline. Per-write deadlines are set in the gateway.
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// Run starts both servers and the maintenance sweeps, then blocks until the
// context is canceled and performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	defer cancelSweeps()
	go s.runSweeps(sweepCtx)

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("streamrelay is ready",
			"version", s.version, "region", s.cfg.Federation.Region)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"region", s.cfg.Federation.Region,
		"auth_scheme", s.cfg.Auth.Scheme)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

// runSweeps drives the two maintenance jobs: the entity cache clear and the
// daily ledger reset. The ledger sweep also re-enables disabled owners; the
// cache sweep never touches counters.
func (s *Server) runSweeps(ctx context.Context) {
	cacheInterval, _ := config.ParseDuration(s.cfg.Sweep.CacheInterval, 30*time.Minute)
	ledgerInterval, _ := config.ParseDuration(s.cfg.Sweep.LedgerInterval, 24*time.Hour)

	cacheTicker := time.NewTicker(cacheInterval)
	defer cacheTicker.Stop()
	ledgerTicker := time.NewTicker(ledgerInterval)
	defer ledgerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cacheTicker.C:
			s.store.ResetAll()
		case <-ledgerTicker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := s.ledger.Reset(sweepCtx); err != nil {
				s.logger.Error("ledger sweep failed", "error", err)
			}
			cancel()
			s.disabled.Reset()
			s.logger.Info("ledger sweep complete", "owners_reenabled", true)
		}
	}
}

// Reload applies a hot-reloadable config. Fields that need a restart are
// logged and skipped.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config fields changed that require a restart, ignoring them", "fields", fields)
	}

	s.agg.SetPeers(newCfg.Federation.Peers)
	s.cfg = newCfg
	s.logger.Info("configuration reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	// Drain queued metering before the Redis clients go away.
	s.enforcer.Close()
	s.limiter.Close()
	s.store.Stop()

	if s.entityRdb != s.rdb {
		if err := s.entityRdb.Close(); err != nil {
			s.logger.Error("entity redis close error", "error", err)
		}
	}
	if err := s.rdb.Close(); err != nil {
		s.logger.Error("redis close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
