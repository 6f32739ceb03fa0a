package command

import (
	"context"
	"time"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE STREAK COMMAND
// Applies today's activity to the user's daily streak. Days are calendar days
// in the portal timezone.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateStreakCommand identifies whose streak to advance.
type UpdateStreakCommand struct {
	UserID string
}

// UpdateStreakResult is the streak after the command.
type UpdateStreakResult struct {
	CurrentStreak int
	LongestStreak int

	// Changed is false when today was already counted, when there was no
	// activity today, or when a concurrent update won the race.
	Changed bool

	// Unlocked lists achievements first reached by this update.
	Unlocked []progress.AchievementCode
}

// UpdateStreakHandler handles UpdateStreakCommand.
type UpdateStreakHandler struct {
	repo        progress.Repository
	calendar    *timeutil.Calendar
	invalidator progress.CacheInvalidator
	broadcaster progress.Broadcaster
	log         *logger.Logger

	// achievementsOn gates milestone unlocks per user. Nil means always.
	achievementsOn func(userID string) bool
}

// NewUpdateStreakHandler creates a new UpdateStreakHandler. The invalidator
// and broadcaster are optional.
func NewUpdateStreakHandler(
	repo progress.Repository,
	calendar *timeutil.Calendar,
	invalidator progress.CacheInvalidator,
	broadcaster progress.Broadcaster,
	log *logger.Logger,
) *UpdateStreakHandler {
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &UpdateStreakHandler{
		repo:        repo,
		calendar:    calendar,
		invalidator: invalidator,
		broadcaster: broadcaster,
		log:         log.With(logger.Component("streak_engine")),
	}
}

// WithAchievementGate restricts milestone unlocks to users for whom on
// returns true.
func (h *UpdateStreakHandler) WithAchievementGate(on func(userID string) bool) *UpdateStreakHandler {
	h.achievementsOn = on
	return h
}

// Handle executes the update streak command.
func (h *UpdateStreakHandler) Handle(ctx context.Context, cmd UpdateStreakCommand) (*UpdateStreakResult, error) {
	const op = "UpdateStreak"

	if err := requireID(op, "user id", cmd.UserID); err != nil {
		return nil, err
	}

	p, err := h.repo.GetProgress(ctx, cmd.UserID)
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err)
		return nil, err
	}

	unchanged := &UpdateStreakResult{
		CurrentStreak: p.Streak.Current,
		LongestStreak: p.Streak.Longest,
	}

	active, err := h.repo.HasCompletionSince(ctx, cmd.UserID, h.calendar.StartOfToday())
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err)
		return nil, err
	}
	if !active {
		return unchanged, nil
	}

	today := h.calendar.Today()
	next, changed := p.Streak.Advance(today)
	if !changed {
		return unchanged, nil
	}

	stored, err := h.repo.CompareAndSetStreak(ctx, cmd.UserID, p.Streak.LastDate, next)
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err)
		return nil, err
	}
	if !stored {
		// Another request already moved the streak; report what it stored.
		latest, err := h.repo.GetProgress(ctx, cmd.UserID)
		if err != nil {
			logFailure(ctx, h.log, op, cmd.UserID, err)
			return nil, err
		}
		h.log.Debug("streak updated concurrently", logger.UserID(cmd.UserID), logger.Streak(latest.Streak.Current))
		return &UpdateStreakResult{
			CurrentStreak: latest.Streak.Current,
			LongestStreak: latest.Streak.Longest,
		}, nil
	}

	result := &UpdateStreakResult{
		CurrentStreak: next.Current,
		LongestStreak: max(next.Longest, p.Streak.Longest),
		Changed:       true,
	}

	h.log.Info("streak advanced",
		logger.UserID(cmd.UserID),
		logger.Streak(result.CurrentStreak),
		logger.Int("longest", result.LongestStreak),
		logger.String("day", today.String()),
	)

	if h.achievementsOn == nil || h.achievementsOn(cmd.UserID) {
		result.Unlocked = h.unlockMilestones(ctx, cmd.UserID, p.Streak, next)
	}

	h.broadcaster.NotifyUser(ctx, cmd.UserID, progress.NotifyStreakUpdated, map[string]any{
		"currentStreak": result.CurrentStreak,
		"longestStreak": result.LongestStreak,
	})

	return result, nil
}

// unlockMilestones grants the streak achievements crossed by prev → next.
// Failures are logged; the streak itself is already stored.
func (h *UpdateStreakHandler) unlockMilestones(ctx context.Context, userID string, prev, next progress.Streak) []progress.AchievementCode {
	var unlocked []progress.AchievementCode
	now := h.calendar.Now().UTC().Truncate(time.Microsecond)

	for _, code := range progress.CrossedMilestones(prev, next) {
		ok, err := h.repo.UnlockAchievement(ctx, userID, code, now)
		if err != nil {
			h.log.Warn("failed to unlock achievement",
				logger.UserID(userID), logger.String("achievement", string(code)), logger.Err(err))
			continue
		}
		if ok {
			unlocked = append(unlocked, code)
		}
	}

	if len(unlocked) == 0 {
		return nil
	}

	h.invalidator.Invalidate(ctx, cachekeys.OnAchievementUnlock, userID)
	for _, code := range unlocked {
		h.log.Info("achievement unlocked", logger.UserID(userID), logger.String("achievement", string(code)))
		h.broadcaster.NotifyUser(ctx, userID, progress.NotifyAchievementUnlocked, map[string]any{"code": code})
	}
	return unlocked
}
