package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/config"
	"ledgerdesk.org/internal/httpapi"
	"ledgerdesk.org/internal/obs"
	"ledgerdesk.org/internal/ratelimit"
	"ledgerdesk.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const throttleIdle = 10 * time.Minute

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := obs.NewLogger(cfg.Env, os.Stdout)
	slog.SetDefault(log)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log.Info("starting ledgerdesk-api", "env", cfg.Env, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var (
		principals auth.PrincipalStore
		sessions   auth.SessionStore
		probe      httpapi.ReadyProbe
	)
	if cfg.DB.URL != "" {
		store, err := pg.Open(cfg.DB.URL)
		if err != nil {
			return err
		}
		defer store.Close()
		principals, sessions, probe.DB = store.Principals(), store.Sessions(), store.DB()
	} else {
		log.Warn("db_url_empty_using_memory_store")
		mem := auth.NewMemoryStore()
		principals, sessions = mem.Principals(), mem.Sessions()
	}

	var limitStore ratelimit.Store
	var memLimits *ratelimit.MemoryStore
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		probe.Redis = rdb
		if cfg.RateLimit.Backend == "redis" {
			limitStore = ratelimit.NewRedisStore(rdb, "")
		}
	}
	if limitStore == nil {
		memLimits = ratelimit.NewMemoryStore()
		limitStore = memLimits
	}
	limiter := ratelimit.New(limitStore,
		ratelimit.WithWindow(cfg.RateLimit.Window),
		ratelimit.WithLimit(cfg.RateLimit.Limit),
		ratelimit.WithLogger(log),
	)
	throttle := ratelimit.NewThrottle(cfg.RateLimit.LoginPerSec, cfg.RateLimit.LoginBurst)

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithRefreshTTL(cfg.Auth.RefreshTokenTTL),
		auth.WithProductionMode(cfg.Production()),
	)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(principals, sessions, tokens,
		auth.WithLockout(cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration),
		auth.WithLookupTimeout(cfg.Auth.LookupTimeout),
		auth.WithLogger(log),
	)
	if err != nil {
		return err
	}
	if err := bootstrapAdmin(ctx, svc, cfg.Auth, log); err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:           svc,
		Tokens:         tokens,
		Limiter:        limiter,
		LoginThrottle:  throttle,
		Ready:          probe,
		Version:        version,
		Logger:         log,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		TrustProxy:     cfg.HTTP.TrustProxy,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	wg.Add(1)
	go func() {
		defer wg.Done()
		every(bgCtx, cfg.Auth.JanitorInterval, func() {
			n, err := svc.Sessions().PurgeExpired(bgCtx)
			if err != nil {
				log.Warn("session_purge_failed", "error", err)
				return
			}
			if n > 0 {
				log.Info("sessions_purged", "count", n)
			}
		})
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		every(bgCtx, cfg.RateLimit.SweepEvery, func() {
			throttle.Sweep(throttleIdle)
			if memLimits != nil {
				memLimits.Sweep(time.Now(), limiter.Window())
			}
		})
	}()

	errCh := make(chan error, 2)

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr())
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		health := httpapi.NewHealthServer(probe, log)
		health.Register(gs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			health.Watch(bgCtx, 5*time.Second)
		}()
		go func() {
			log.Info("grpc_listen_start", "addr", cfg.GRPC.Addr())
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
		defer gs.GracefulStop()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	go func() {
		log.Info("http_listen_start", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown_requested")
	case err := <-errCh:
		cancelBg()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_failed", "error", err)
	}
	cancelBg()
	return nil
}

// bootstrapAdmin provisions the configured administrator on first start.
func bootstrapAdmin(ctx context.Context, svc *auth.Service, cfg config.AuthConfig, log *slog.Logger) error {
	if cfg.BootstrapEmail == "" {
		return nil
	}
	p, err := svc.Provision(ctx, auth.NewPrincipal{
		Username:           "admin",
		Email:              cfg.BootstrapEmail,
		Password:           cfg.BootstrapPassword,
		Role:               string(auth.RoleAdministrator),
		MustChangePassword: true,
	})
	switch {
	case errors.Is(err, auth.ErrConflict):
		return nil
	case err != nil:
		return err
	}
	log.Info("bootstrap_admin_created", "principal_id", p.ID)
	return nil
}

func every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
