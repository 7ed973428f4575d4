package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"relay/internal/alertloop"
	"relay/internal/api"
	"relay/internal/auth"
	"relay/internal/config"
	"relay/internal/jobs"
	"relay/internal/lifecycle"
	"relay/internal/logsink"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/push"
	"relay/internal/ratelimit"
	"relay/internal/router"
	"relay/internal/statemachine"
	"relay/internal/store"
	"relay/internal/watchdog"
)

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		db, err := gorm.Open(sqlite.Open("relay.db"), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return db, nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func ratesFromConfig(cfg *config.Config) map[string]ratelimit.Rule {
	if len(cfg.RateLimits) == 0 {
		return ratelimit.DefaultRules()
	}
	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimits))
	for class, rule := range cfg.RateLimits {
		rules[class] = ratelimit.Rule{Max: rule.Max, Window: time.Duration(rule.WindowMs) * time.Millisecond}
	}
	return rules
}

func newPushProvider(cfg *config.Config, log *zap.Logger) push.Provider {
	if cfg.PushProvider == "http" && cfg.PushEndpoint != "" {
		return push.NewWebhookProvider(cfg.PushEndpoint)
	}
	return push.NewLogProvider(log)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	s, err := store.NewGormStore(db)
	if err != nil {
		logger.Fatal("failed to migrate store", zap.Error(err))
	}

	fanout := push.NewFanout(newPushProvider(cfg, logger), s, cfg.DeviceFailureThreshold, logger)
	limiter := ratelimit.New(ratesFromConfig(cfg))
	alerts := alertloop.New(s, s, fanout, cfg.AlertLoopInterval, cfg.AlertLoopMax, logger)

	var rt *router.Router
	wd := watchdog.New(cfg.HeartbeatTimeout, cfg.ReconnectGracePeriod, func(clientID string) {
		rt.TimeoutByClientID(clientID)
	})

	sm := statemachine.New(s, wd, fanout, alerts, logger)

	a := auth.NewAdapter(s, cfg.LegacyTokens)
	a.SetDisconnector(sm)
	jwtVerifier := auth.NewJWTVerifier(cfg.JWTSecret)

	var ring logsink.Ring = logsink.NewMemoryRing()
	if cfg.RedisAddr != "" {
		ring = logsink.NewRedisRing(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	sink := logsink.New(s, ring)

	rt = router.New(router.NewHub(), s, a, jwtVerifier, sm, limiter, fanout, sink, wd, logger, wd.GraceClose)

	reconciler := lifecycle.New(s, alerts, logger)
	if err := reconciler.Reconcile(context.Background()); err != nil {
		logger.Fatal("startup reconciliation failed", zap.Error(err))
	}

	sweeper := jobs.NewSweeper(s, limiter, jobs.SweeperConfig{
		LogRetentionSchedule:   "0 3 * * *",
		RateLimitSweepSchedule: "*/5 * * * *",
		LogRetentionDays:       cfg.LogRetentionDays,
	}, logger)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("failed to start background sweeps", zap.Error(err))
	}

	handlers := api.NewHandlers(s, alerts, logger)

	chiRouter := chi.NewRouter()
	chiRouter.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
		metrics.Middleware,
	)
	chiRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))

	chiRouter.Get("/healthz", handlers.Health)
	chiRouter.Handle("/metrics", metrics.Handler())
	chiRouter.Get("/ws", rt.ServeHTTP)
	chiRouter.Post("/alerts/{id}/acknowledge", handlers.AcknowledgeAlert)
	chiRouter.Get("/users/{id}/sessions", handlers.ListSessions)
	chiRouter.Get("/users/{id}/devices", handlers.ListDevices)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      chiRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("relay shutting down")
	sweeper.Stop()

	shutdownCtx := context.Background()
	if err := lifecycle.Shutdown(shutdownCtx, 30*time.Second,
		func() error { return server.Shutdown(shutdownCtx) },
		func() error {
			rt.CloseAll(shutdownCtx, models.DisconnectServerShutdown, "Server restarted")
			return nil
		},
		func() error { wd.StopAll(); return nil },
		func() error { alerts.StopAll(); return nil },
		func() error {
			if rr, ok := ring.(*logsink.RedisRing); ok {
				return rr.Client.Close()
			}
			return nil
		},
		func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	); err != nil {
		logger.Error("graceful shutdown did not complete cleanly", zap.Error(err))
	}
	logger.Info("relay exited")
}
