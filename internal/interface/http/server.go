// Package http exposes the progression operations as a JSON API on gin.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maternar/progression/config"
	"github.com/maternar/progression/internal/application/command"
	"github.com/maternar/progression/internal/application/query"
	"github.com/maternar/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// AllowedOrigins for CORS; ["*"] allows any origin without credentials.
	AllowedOrigins []string

	// CompletionRateLimit - lesson completions per user per minute (0 = disabled).
	CompletionRateLimit int

	// Debug switches gin to debug mode.
	Debug bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8080,
		ReadTimeout:         15 * time.Second,
		WriteTimeout:        15 * time.Second,
		IdleTimeout:         60 * time.Second,
		MaxHeaderBytes:      1 << 20, // 1 MB
		AllowedOrigins:      []string{"http://localhost:3000"},
		CompletionRateLimit: 30,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// CacheAdmin evicts cache entries by invalidation event name.
type CacheAdmin interface {
	InvalidateByName(ctx context.Context, name string, ids ...string) (bool, error)
}

// Dependencies contains everything the handlers call.
type Dependencies struct {
	// Command handlers (write side)
	CompleteLesson       *command.CompleteLessonHandler
	Enroll               *command.EnrollHandler
	UpdateCourseProgress *command.UpdateCourseProgressHandler
	ResetWeeklyXP        *command.ResetWeeklyXPHandler

	// Query handlers (read side)
	GetStreak       *query.GetStreakHandler
	GetLeaderboard  *query.GetWeeklyLeaderboardHandler
	GetAchievements *query.GetAchievementsHandler

	// Cache administration; optional.
	Cache CacheAdmin

	// Rate limit counter; optional, rate limiting is off without it.
	Counter Counter

	Auth     *Authenticator
	Features *config.FeatureFlags
	Health   *HealthChecker
	Logger   *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(cfg Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = NewHealthChecker("")
	}
	if deps.Auth == nil {
		deps.Auth = NewAuthenticator("", "")
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		engine: gin.New(),
		logger: deps.Logger.With(logger.Component("http")),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           cfg.Address(),
		Handler:        s.engine,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

// Handler returns the routed engine, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.engine
	r.Use(recovery(s.logger), requestID(), requestLogger(s.logger))
	if len(s.config.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(s.config.AllowedOrigins))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Health
	// ─────────────────────────────────────────────────────────────────────────
	r.GET("/healthz", s.handleHealth)
	r.GET("/livez", s.handleLive)

	auth := s.deps.Auth
	api := r.Group("/api/v1")

	// ─────────────────────────────────────────────────────────────────────────
	// Learner
	// ─────────────────────────────────────────────────────────────────────────
	learner := api.Group("", auth.RequireAuth())
	learner.POST("/lessons/:lessonId/complete",
		rateLimit(s.deps.Counter, "complete_lesson", s.config.CompletionRateLimit, time.Minute, s.flagForUser(config.FeatureRateLimit)),
		s.handleCompleteLesson)
	learner.POST("/courses/:courseId/enroll", s.handleEnroll)
	learner.POST("/courses/:courseId/progress", s.handleUpdateCourseProgress)

	// ─────────────────────────────────────────────────────────────────────────
	// Public reads
	// ─────────────────────────────────────────────────────────────────────────
	public := api.Group("", auth.OptionalAuth())
	public.GET("/users/:userId/streak", s.handleGetStreak)
	public.GET("/users/:userId/achievements", s.handleGetAchievements)
	public.GET("/leaderboard/weekly", s.handleGetLeaderboard)

	// ─────────────────────────────────────────────────────────────────────────
	// Admin
	// ─────────────────────────────────────────────────────────────────────────
	admin := api.Group("/admin", auth.RequireAuth(), RequireRole(RoleAdmin))
	admin.POST("/xp/weekly-reset", s.handleResetWeeklyXP)
	admin.POST("/cache/invalidate", s.handleInvalidateCache)
}

func (s *Server) flagForUser(feature string) func(string) bool {
	if s.deps.Features == nil {
		return nil
	}
	return s.deps.Features.ForUser(feature)
}

func (s *Server) flagEnabled(feature string) bool {
	return s.deps.Features == nil || s.deps.Features.IsEnabled(feature, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start listens until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server. A Start that has not begun
// listening yet returns immediately afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
