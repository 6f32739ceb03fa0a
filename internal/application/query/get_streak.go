// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// ReadCache is the read-through cache used by queries. Implementations
// report a miss rather than an error when the cache is unavailable.
type ReadCache interface {
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool
}

type noCache struct{}

func (noCache) Get(context.Context, string, any) bool                { return false }
func (noCache) Set(context.Context, string, any, time.Duration) bool { return false }

// ══════════════════════════════════════════════════════════════════════════════
// GET STREAK QUERY
// Reads a user's streak as of today. A streak whose last day is older than
// yesterday is broken; the zero is written back so every reader agrees.
// ══════════════════════════════════════════════════════════════════════════════

// GetStreakQuery identifies the user.
type GetStreakQuery struct {
	UserID string
}

// StreakDTO is the streak and XP summary of a user.
type StreakDTO struct {
	UserID         string        `json:"userId"`
	CurrentStreak  int           `json:"currentStreak"`
	LongestStreak  int           `json:"longestStreak"`
	LastStreakDate timeutil.Date `json:"lastStreakDate"`
	TotalXP        int           `json:"totalXp"`
	WeeklyXP       int           `json:"weeklyXp"`

	// DaysUntilBreak is 2 when today already counts, 1 when the user has to
	// be active today, 0 when there is no streak.
	DaysUntilBreak int `json:"daysUntilBreak"`
}

func (d *StreakDTO) streak() progress.Streak {
	return progress.Streak{Current: d.CurrentStreak, Longest: d.LongestStreak, LastDate: d.LastStreakDate}
}

// GetStreakHandler handles GetStreakQuery.
type GetStreakHandler struct {
	repo     progress.Repository
	cache    ReadCache
	calendar *timeutil.Calendar
	ttl      time.Duration
	log      *logger.Logger
}

// NewGetStreakHandler creates a new GetStreakHandler. cache may be nil.
func NewGetStreakHandler(repo progress.Repository, cache ReadCache, calendar *timeutil.Calendar, ttl time.Duration, log *logger.Logger) *GetStreakHandler {
	if cache == nil {
		cache = noCache{}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GetStreakHandler{
		repo:     repo,
		cache:    cache,
		calendar: calendar,
		ttl:      ttl,
		log:      log.With(logger.Component("get_streak")),
	}
}

// Handle executes the query.
func (h *GetStreakHandler) Handle(ctx context.Context, q GetStreakQuery) (*StreakDTO, error) {
	const op = "GetStreak"

	if q.UserID == "" {
		return nil, shared.NewDomainError("progress", op, shared.ErrInvalidID, "user id is required")
	}

	today := h.calendar.Today()
	key := cachekeys.UserStatsKey(q.UserID)

	var cached StreakDTO
	if h.cache.Get(ctx, key, &cached) {
		// A cached streak that has since broken must go through the store.
		if _, stale := cached.streak().Decay(today); !stale {
			cached.DaysUntilBreak = cached.streak().DaysUntilBreak(today)
			return &cached, nil
		}
	}

	p, err := h.repo.GetProgress(ctx, q.UserID)
	if err != nil {
		logQueryFailure(ctx, h.log, op, q.UserID, err)
		return nil, err
	}

	streak, err := h.decay(ctx, p, today)
	if err != nil {
		logQueryFailure(ctx, h.log, op, q.UserID, err)
		return nil, err
	}

	dto := &StreakDTO{
		UserID:         q.UserID,
		CurrentStreak:  streak.Current,
		LongestStreak:  streak.Longest,
		LastStreakDate: streak.LastDate,
		TotalXP:        p.TotalXP,
		WeeklyXP:       p.WeeklyXP,
		DaysUntilBreak: streak.DaysUntilBreak(today),
	}
	h.cache.Set(ctx, key, dto, h.ttl)
	return dto, nil
}

// decay persists a broken streak as zero. If the row moved concurrently the
// stored value wins.
func (h *GetStreakHandler) decay(ctx context.Context, p *progress.UserProgress, today timeutil.Date) (progress.Streak, error) {
	decayed, stale := p.Streak.Decay(today)
	if !stale {
		return p.Streak, nil
	}

	stored, err := h.repo.CompareAndSetStreak(ctx, p.UserID, p.Streak.LastDate, decayed)
	if err != nil {
		return progress.Streak{}, err
	}
	if stored {
		h.log.Info("streak broken",
			logger.UserID(p.UserID),
			logger.Int("previous", p.Streak.Current),
			logger.String("last_day", p.Streak.LastDate.String()),
		)
		return decayed, nil
	}

	latest, err := h.repo.GetProgress(ctx, p.UserID)
	if err != nil {
		return progress.Streak{}, err
	}
	*p = *latest
	current, _ := latest.Streak.Decay(today)
	return current, nil
}

func logQueryFailure(ctx context.Context, log *logger.Logger, op, userID string, err error) {
	log = log.Ctx(ctx)
	fields := []logger.Field{logger.Operation(op), logger.UserID(userID), logger.Err(err)}
	if shared.IsExpected(err) {
		log.Info("query rejected", fields...)
		return
	}
	log.Error("query failed", fields...)
}
