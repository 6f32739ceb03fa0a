package command

import (
	"context"
	"fmt"
	"time"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESET WEEKLY XP COMMAND
// Zeroes weekly XP for every user. Run by the worker at the start of each
// week; a per-week marker keeps replicas from running it twice.
// ══════════════════════════════════════════════════════════════════════════════

// WeeklyResetJob is the job name used for the run marker.
const WeeklyResetJob = "weekly_xp_reset"

// ResetCache claims weekly runs and evicts the caches that embed weekly XP.
// Implementations report ok=false when they cannot answer; the reset then
// runs anyway.
type ResetCache interface {
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) (added, ok bool)
	RemoveFromSet(ctx context.Context, key, member string) bool
	DeleteMany(ctx context.Context, keys ...string) bool
	DeleteMatching(ctx context.Context, pattern string) (int64, bool)
}

// ResetWeeklyXPCommand triggers the weekly reset.
type ResetWeeklyXPCommand struct {
	// Force skips the run marker check.
	Force bool
}

// ResetWeeklyXPResult describes what the reset did.
type ResetWeeklyXPResult struct {
	Week       string
	UsersReset int64
	Skipped    bool
}

// ResetWeeklyXPHandler handles ResetWeeklyXPCommand.
type ResetWeeklyXPHandler struct {
	repo     progress.Repository
	cache    ResetCache
	calendar *timeutil.Calendar
	log      *logger.Logger
}

// NewResetWeeklyXPHandler creates a new ResetWeeklyXPHandler. cache may be nil.
func NewResetWeeklyXPHandler(repo progress.Repository, cache ResetCache, calendar *timeutil.Calendar, log *logger.Logger) *ResetWeeklyXPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ResetWeeklyXPHandler{
		repo:     repo,
		cache:    cache,
		calendar: calendar,
		log:      log.With(logger.Component("weekly_reset")),
	}
}

// WeekLabel formats d's ISO week, e.g. "2026-W42".
func WeekLabel(d timeutil.Date) string {
	y, w := d.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// Handle executes the weekly reset.
func (h *ResetWeeklyXPHandler) Handle(ctx context.Context, cmd ResetWeeklyXPCommand) (*ResetWeeklyXPResult, error) {
	const op = "ResetWeeklyXP"
	start := time.Now()

	week := WeekLabel(h.calendar.Today())
	result := &ResetWeeklyXPResult{Week: week}

	runs := cachekeys.JobRunsKey(WeeklyResetJob)

	// Claim the week before touching the store so only one replica resets.
	claimed := false
	if h.cache != nil {
		added, ok := h.cache.AddToSet(ctx, runs, week, cachekeys.JobRunsTTL)
		switch {
		case ok && !added && !cmd.Force:
			h.log.Info("weekly xp already reset", logger.String("week", week))
			result.Skipped = true
			return result, nil
		case ok:
			claimed = added
		default:
			h.log.Warn("could not claim weekly reset run", logger.String("week", week))
		}
	}

	n, err := h.repo.ResetWeeklyXP(ctx)
	if err != nil {
		h.log.Error("weekly xp reset failed", logger.Operation(op), logger.String("week", week), logger.Err(err))
		if claimed {
			h.cache.RemoveFromSet(ctx, runs, week)
		}
		return nil, err
	}
	result.UsersReset = n

	if h.cache != nil {
		h.cache.DeleteMany(ctx, cachekeys.KeyLeaderboard)
		if evicted, ok := h.cache.DeleteMatching(ctx, cachekeys.UserStatsPattern); ok {
			h.log.Debug("user stats evicted", logger.Int64("keys", evicted))
		} else {
			h.log.Warn("could not evict user stats after weekly reset", logger.String("week", week))
		}
	}

	h.log.Info("weekly xp reset",
		logger.String("week", week),
		logger.Int64("users_reset", n),
		since(start),
	)
	return result, nil
}
