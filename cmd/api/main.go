// Package main is the entry point for the progression API.
//
// The API records lesson completions and serves streaks, weekly
// leaderboards and achievements to the portal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/maternar/progression/config"
	"github.com/maternar/progression/internal/app"
	httpserver "github.com/maternar/progression/internal/interface/http"
	"github.com/maternar/progression/pkg/logger"
)

// devJWTSecret signs tokens when development runs without JWT_SECRET.
const devJWTSecret = "development-only-secret-do-not-use-in-prod"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. Configuration and logging
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := app.NewLogger(cfg)
	defer log.Sync()

	log.Info("starting progression API",
		logger.String("timezone", cfg.App.Timezone),
		logger.Bool("debug", cfg.App.Debug),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Storage, cache and handlers
	// ─────────────────────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. HTTP server
	// ─────────────────────────────────────────────────────────────────────────
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		log.Warn("JWT_SECRET not set, using the development secret")
		secret = devJWTSecret
	}

	health := httpserver.NewHealthChecker(cfg.App.Version)
	health.AddCheck("database", a.PingDB)
	health.AddOptionalCheck("cache", a.Cache.Ping)

	srvCfg := httpserver.DefaultConfig()
	srvCfg.Host = cfg.HTTP.Host
	srvCfg.Port = cfg.HTTP.Port
	srvCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	srvCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	srvCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	srvCfg.AllowedOrigins = cfg.HTTP.CORSOrigins
	srvCfg.CompletionRateLimit = cfg.HTTP.CompletionRateLimit
	srvCfg.Debug = cfg.App.Debug

	var counter httpserver.Counter
	if a.Cache.Enabled() {
		counter = a.Cache
	}

	server := httpserver.NewServer(srvCfg, httpserver.Dependencies{
		CompleteLesson:       a.CompleteLesson,
		Enroll:               a.Enroll,
		UpdateCourseProgress: a.UpdateCourseProgress,
		ResetWeeklyXP:        a.ResetWeeklyXP,
		GetStreak:            a.GetStreak,
		GetLeaderboard:       a.GetLeaderboard,
		GetAchievements:      a.GetAchievements,
		Cache:                a.Invalid,
		Counter:              counter,
		Auth:                 httpserver.NewAuthenticator(secret, cfg.Auth.Issuer),
		Features:             cfg.Features,
		Health:               health,
		Logger:               log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 4. Run until a signal arrives
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown completed")
	return nil
}
