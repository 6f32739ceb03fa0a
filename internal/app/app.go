// Package app wires configuration into the repositories, caches and handlers
// shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/maternar/progression/config"
	"github.com/maternar/progression/internal/application/command"
	"github.com/maternar/progression/internal/application/query"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/infrastructure/messaging"
	"github.com/maternar/progression/internal/infrastructure/persistence/memory"
	"github.com/maternar/progression/internal/infrastructure/persistence/postgres"
	"github.com/maternar/progression/internal/infrastructure/persistence/redis"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Calendar *timeutil.Calendar

	Repo      progress.Repository
	DB        *postgres.Connection // nil when running on the in-memory store
	Cache     *redis.Cache
	Invalid   *redis.Invalidator
	Publisher *messaging.Publisher

	// Commands
	CompleteLesson       *command.CompleteLessonHandler
	Enroll               *command.EnrollHandler
	UpdateCourseProgress *command.UpdateCourseProgressHandler
	UpdateStreak         *command.UpdateStreakHandler
	ResetWeeklyXP        *command.ResetWeeklyXPHandler

	// Queries
	GetStreak       *query.GetStreakHandler
	GetLeaderboard  *query.GetWeeklyLeaderboardHandler
	GetAchievements *query.GetAchievementsHandler

	closers []func() error
}

// NewLogger builds the process logger from the observability settings.
func NewLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = cfg.Observability.LogFormat
	return logger.New(opts).With(
		logger.String("service", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
	)
}

// New connects storage and cache and builds every handler.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   log,
		Calendar: timeutil.NewCalendar(timeutil.SystemClock{}, cfg.App.Location),
	}

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.openCache()
	a.buildHandlers()
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	if cfg.Database.URL == "" {
		if !cfg.IsDevelopment() {
			return errors.New("app: DATABASE_URL is required outside development")
		}
		a.Logger.Warn("DATABASE_URL not set, using in-memory store")
		a.Repo = memory.NewStore()
		return nil
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	pgCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	pgCfg.MinConns = int32(min(cfg.Database.MaxIdleConns, cfg.Database.MaxOpenConns))
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pgCfg.StatementTimeout = cfg.Database.QueryTimeout

	a.Logger.Info("connecting to database")
	conn, err := postgres.NewConnection(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("app: connect database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, func() error { conn.Close(); return nil })

	if cfg.Database.AutoMigrate {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			return fmt.Errorf("app: migrate: %w", err)
		}
		a.Logger.Info("database schema is up to date")
	}

	a.Repo = postgres.NewProgressRepository(conn)
	return nil
}

// openCache never fails: without Redis every cache call is a miss and
// realtime notifications are dropped.
func (a *App) openCache() {
	cfg := a.Config.Redis

	var client *goredis.Client
	if cfg.Disabled {
		a.Logger.Warn("redis disabled, caching and realtime notifications are off")
	} else {
		rc := redis.DefaultConfig()
		rc.URL = cfg.URL
		rc.Host = cfg.Host
		rc.Port = cfg.Port
		rc.Password = cfg.Password
		rc.DB = cfg.DB
		rc.PoolSize = cfg.PoolSize
		rc.MinIdleConns = cfg.MinIdleConns
		rc.DialTimeout = cfg.DialTimeout
		rc.ReadTimeout = cfg.ReadTimeout
		rc.WriteTimeout = cfg.WriteTimeout

		c, err := redis.NewClient(rc)
		if err != nil {
			a.Logger.Warn("invalid redis configuration, caching disabled", logger.Err(err))
		} else {
			client = c
		}
	}

	a.Cache = redis.NewCache(client, a.Logger)
	a.Invalid = redis.NewInvalidator(a.Cache, a.Logger)

	pubCfg := messaging.DefaultConfig()
	pubCfg.Channel = cfg.RealtimeChannel
	pubCfg.Allow = a.Config.Features.ForUser(config.FeatureRealtime)
	a.Publisher = messaging.NewPublisher(client, pubCfg, timeutil.SystemClock{}, a.Logger)

	a.closers = append(a.closers, a.Publisher.Close, a.Cache.Close)
}

func (a *App) buildHandlers() {
	var (
		repo  = a.Repo
		log   = a.Logger
		clock = timeutil.SystemClock{}
		cache = a.Config.Cache
	)

	ledger := command.NewXPLedger(clock)

	a.UpdateStreak = command.NewUpdateStreakHandler(repo, a.Calendar, a.Invalid, a.Publisher, log).
		WithAchievementGate(a.Config.Features.ForUser(config.FeatureStreakAchievements))
	a.UpdateCourseProgress = command.NewUpdateCourseProgressHandler(repo, ledger, clock, a.Invalid, a.Publisher, log)
	a.CompleteLesson = command.NewCompleteLessonHandler(repo, ledger, a.UpdateStreak, a.UpdateCourseProgress, a.Invalid, a.Publisher, clock, log)
	a.Enroll = command.NewEnrollHandler(repo, a.Invalid, clock, log)
	a.ResetWeeklyXP = command.NewResetWeeklyXPHandler(repo, a.Cache, a.Calendar, log)

	a.GetStreak = query.NewGetStreakHandler(repo, a.Cache, a.Calendar, cache.StatsTTL, log)
	a.GetLeaderboard = query.NewGetWeeklyLeaderboardHandler(repo, a.Cache, cache.LeaderboardTTL, log)
	a.GetAchievements = query.NewGetAchievementsHandler(repo, a.Cache, cache.AchievementsTTL, log)
}

// PingDB checks the database; the in-memory store is always healthy.
func (a *App) PingDB(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Ping(ctx)
}

// Close releases every opened resource.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", logger.Err(err))
		}
	}
	a.closers = nil
}
