package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paddock-dev/paddock/internal/analytics"
	"github.com/paddock-dev/paddock/internal/app/migrate"
	"github.com/paddock-dev/paddock/internal/channel"
	"github.com/paddock-dev/paddock/internal/gatewaycfg"
	"github.com/paddock-dev/paddock/internal/health"
	httpx "github.com/paddock-dev/paddock/internal/http"
	"github.com/paddock-dev/paddock/internal/ports"
	"github.com/paddock-dev/paddock/internal/proxy"
	"github.com/paddock-dev/paddock/internal/registry"
	"github.com/paddock-dev/paddock/internal/repository"
	"github.com/paddock-dev/paddock/internal/repository/memory"
	"github.com/paddock-dev/paddock/internal/repository/postgres"
	dockerruntime "github.com/paddock-dev/paddock/internal/runtime/docker"
	"github.com/paddock-dev/paddock/internal/service/instance"
	"github.com/paddock-dev/paddock/internal/service/link"
	"github.com/paddock-dev/paddock/internal/watch"
	"github.com/paddock-dev/paddock/internal/ws"
	"github.com/paddock-dev/paddock/pkg/config"
	"github.com/paddock-dev/paddock/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("orchestrator", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var linkRepo repository.LinkRepository
	var sessionRepo repository.ChannelSessionRepository
	var dbHealth func(context.Context) error

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo := postgres.New(pool)
		linkRepo = repo
		sessionRepo = repo
		dbHealth = pool.Ping
	} else {
		// without a database identity links do not survive restarts
		log.Warn("DATABASE_URL not set, using in-memory link store")
		repo := memory.New()
		linkRepo = repo
		sessionRepo = repo
	}

	docker, err := dockerruntime.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to container runtime", "error", err)
		os.Exit(1)
	}
	if err := docker.Ping(ctx); err != nil {
		log.Error("container runtime ping failed", "error", err)
		os.Exit(1)
	}

	store := registry.NewMemory()
	allocator, err := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd, store)
	if err != nil {
		log.Error("invalid port range", "error", err)
		os.Exit(1)
	}

	prober := health.New(cfg.HealthPollInterval, cfg.HealthAttemptLimit)
	injector := gatewaycfg.NewInjector(docker, log)
	watchers := watch.NewManager(watch.NewHTTPApprover(), log, 0)
	notifier := channel.NewHTTPNotifier(cfg.ChannelNotifyURL, log)
	emitter := analytics.NewHTTPEmitter(cfg.AnalyticsURL, cfg.AnalyticsToken, log)
	hub := ws.NewHub()

	linkSvc := link.New(store, linkRepo, sessionRepo, notifier, log)
	instanceSvc := instance.New(cfg, store, allocator, docker, prober, injector, watchers, linkSvc, notifier, emitter, log)
	instanceSvc.SetEventSink(hub)

	// adopt containers that survived a restart before serving traffic
	instanceSvc.Reconcile(ctx)

	session := httpx.SessionResolver(cfg.SessionSecret, log)
	gateway := proxy.NewGateway(instanceSvc, linkSvc, watchers, allocator, session, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, instanceSvc, gateway, hub, limiter, cfg.SessionSecret, cfg.ChannelToken, dbHealth)
	router.SetRuntimeHealth(docker.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
