package query

import (
	"context"
	"time"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET WEEKLY LEADERBOARD QUERY
// Ranks users by XP earned since the last weekly reset. The top entries are
// cached as one value; completions and achievements evict it.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// MaxLeaderboardSize is how many entries are loaded and cached.
	MaxLeaderboardSize = 100

	// DefaultLeaderboardLimit is used when the query gives no limit.
	DefaultLeaderboardLimit = 10
)

// GetWeeklyLeaderboardQuery selects the top entries.
type GetWeeklyLeaderboardQuery struct {
	Limit int
}

// Validate normalizes the limit.
func (q *GetWeeklyLeaderboardQuery) Validate() error {
	if q.Limit < 0 {
		return shared.NewDomainError("progress", "GetWeeklyLeaderboard", shared.ErrInvalidInput, "limit cannot be negative")
	}
	if q.Limit == 0 {
		q.Limit = DefaultLeaderboardLimit
	}
	if q.Limit > MaxLeaderboardSize {
		q.Limit = MaxLeaderboardSize
	}
	return nil
}

// LeaderboardDTO is a page of the weekly ranking.
type LeaderboardDTO struct {
	Entries []progress.LeaderboardEntry `json:"entries"`
}

// GetWeeklyLeaderboardHandler handles GetWeeklyLeaderboardQuery.
type GetWeeklyLeaderboardHandler struct {
	repo  progress.Repository
	cache ReadCache
	ttl   time.Duration
	log   *logger.Logger
}

// NewGetWeeklyLeaderboardHandler creates a new GetWeeklyLeaderboardHandler.
func NewGetWeeklyLeaderboardHandler(repo progress.Repository, cache ReadCache, ttl time.Duration, log *logger.Logger) *GetWeeklyLeaderboardHandler {
	if cache == nil {
		cache = noCache{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GetWeeklyLeaderboardHandler{repo: repo, cache: cache, ttl: ttl, log: log.With(logger.Component("leaderboard"))}
}

// Handle executes the query.
func (h *GetWeeklyLeaderboardHandler) Handle(ctx context.Context, q GetWeeklyLeaderboardQuery) (*LeaderboardDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var top []progress.LeaderboardEntry
	if !h.cache.Get(ctx, cachekeys.KeyLeaderboard, &top) {
		var err error
		top, err = h.repo.WeeklyLeaderboard(ctx, MaxLeaderboardSize)
		if err != nil {
			h.log.Error("failed to load weekly leaderboard", logger.Operation("GetWeeklyLeaderboard"), logger.Err(err))
			return nil, err
		}
		h.cache.Set(ctx, cachekeys.KeyLeaderboard, top, h.ttl)
	}

	if len(top) > q.Limit {
		top = top[:q.Limit]
	}
	if top == nil {
		top = []progress.LeaderboardEntry{}
	}
	return &LeaderboardDTO{Entries: top}, nil
}
