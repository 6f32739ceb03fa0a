package query

import (
	"context"
	"time"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/pkg/logger"
)

// GetAchievementsQuery identifies the user.
type GetAchievementsQuery struct {
	UserID string
}

// AchievementsDTO lists a user's unlocked achievements, oldest first.
type AchievementsDTO struct {
	UserID       string                 `json:"userId"`
	Achievements []progress.Achievement `json:"achievements"`
}

// GetAchievementsHandler handles GetAchievementsQuery.
type GetAchievementsHandler struct {
	repo  progress.Repository
	cache ReadCache
	ttl   time.Duration
	log   *logger.Logger
}

// NewGetAchievementsHandler creates a new GetAchievementsHandler.
func NewGetAchievementsHandler(repo progress.Repository, cache ReadCache, ttl time.Duration, log *logger.Logger) *GetAchievementsHandler {
	if cache == nil {
		cache = noCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GetAchievementsHandler{repo: repo, cache: cache, ttl: ttl, log: log.With(logger.Component("achievements"))}
}

// Handle executes the query.
func (h *GetAchievementsHandler) Handle(ctx context.Context, q GetAchievementsQuery) (*AchievementsDTO, error) {
	const op = "GetAchievements"

	if q.UserID == "" {
		return nil, shared.NewDomainError("progress", op, shared.ErrInvalidID, "user id is required")
	}

	key := cachekeys.UserAchievementsKey(q.UserID)

	var dto AchievementsDTO
	if h.cache.Get(ctx, key, &dto) {
		return &dto, nil
	}

	list, err := h.repo.ListAchievements(ctx, q.UserID)
	if err != nil {
		logQueryFailure(ctx, h.log, op, q.UserID, err)
		return nil, err
	}
	if list == nil {
		list = []progress.Achievement{}
	}

	dto = AchievementsDTO{UserID: q.UserID, Achievements: list}
	h.cache.Set(ctx, key, dto, h.ttl)
	return &dto, nil
}
