package command

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETE LESSON COMMAND
// Records a lesson completion and pays its XP in one transaction. Streak,
// course progress, cache eviction and the realtime notification follow as
// best-effort steps: their failures are logged and never undo the completion.
// ══════════════════════════════════════════════════════════════════════════════

// CompleteLessonCommand contains the data to complete a lesson.
type CompleteLessonCommand struct {
	UserID   string
	LessonID string
}

// CompleteLessonResult contains the result of completing a lesson.
type CompleteLessonResult struct {
	Completion progress.LessonCompletion
	CourseID   string
	XPEarned   int

	// Streak is nil when the streak follow-up failed.
	Streak *UpdateStreakResult

	// CourseProgress is nil when the progress follow-up failed.
	CourseProgress *UpdateCourseProgressResult
}

// CompleteLessonHandler handles CompleteLessonCommand.
type CompleteLessonHandler struct {
	repo        progress.Repository
	ledger      *XPLedger
	streak      *UpdateStreakHandler
	course      *UpdateCourseProgressHandler
	invalidator progress.CacheInvalidator
	broadcaster progress.Broadcaster
	clock       timeutil.Clock
	newID       func() string
	log         *logger.Logger
}

// NewCompleteLessonHandler creates a new CompleteLessonHandler.
func NewCompleteLessonHandler(
	repo progress.Repository,
	ledger *XPLedger,
	streak *UpdateStreakHandler,
	course *UpdateCourseProgressHandler,
	invalidator progress.CacheInvalidator,
	broadcaster progress.Broadcaster,
	clock timeutil.Clock,
	log *logger.Logger,
) *CompleteLessonHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if ledger == nil {
		ledger = NewXPLedger(clock)
	}
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CompleteLessonHandler{
		repo:        repo,
		ledger:      ledger,
		streak:      streak,
		course:      course,
		invalidator: invalidator,
		broadcaster: broadcaster,
		clock:       clock,
		newID:       uuid.NewString,
		log:         log.With(logger.Component("complete_lesson")),
	}
}

// Handle executes the complete lesson command.
func (h *CompleteLessonHandler) Handle(ctx context.Context, cmd CompleteLessonCommand) (*CompleteLessonResult, error) {
	const op = "CompleteLesson"
	start := time.Now()

	if err := requireID(op, "user id", cmd.UserID); err != nil {
		return nil, err
	}
	if err := requireID(op, "lesson id", cmd.LessonID); err != nil {
		return nil, err
	}

	lesson, err := h.repo.GetLesson(ctx, cmd.LessonID)
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.LessonID(cmd.LessonID))
		return nil, err
	}

	if _, err := h.repo.GetEnrollment(ctx, cmd.UserID, lesson.CourseID); err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.LessonID(cmd.LessonID), logger.CourseID(lesson.CourseID))
		return nil, err
	}

	completion := progress.LessonCompletion{
		ID:          h.newID(),
		UserID:      cmd.UserID,
		LessonID:    lesson.ID,
		CompletedAt: h.clock.Now().UTC().Truncate(time.Microsecond),
	}

	// Completion and XP commit together or not at all.
	err = h.repo.WithinTx(ctx, func(tx progress.TxRepository) error {
		if err := tx.InsertCompletion(ctx, &completion); err != nil {
			return err
		}
		return h.ledger.Award(ctx, tx, cmd.UserID, lesson.XPReward, progress.XPSourceLessonCompleted, lesson.ID)
	})
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.LessonID(cmd.LessonID))
		return nil, err
	}

	result := &CompleteLessonResult{
		Completion: completion,
		CourseID:   lesson.CourseID,
		XPEarned:   lesson.XPReward,
	}

	h.log.Info("lesson completed",
		logger.UserID(cmd.UserID),
		logger.LessonID(lesson.ID),
		logger.CourseID(lesson.CourseID),
		logger.XPAmount(lesson.XPReward),
	)

	h.followUp(ctx, result)

	h.log.Debug("complete lesson finished", logger.UserID(cmd.UserID), since(start))
	return result, nil
}

// followUp runs the steps after the commit. Each one is independent.
func (h *CompleteLessonHandler) followUp(ctx context.Context, result *CompleteLessonResult) {
	userID := result.Completion.UserID

	if h.streak != nil {
		streak, err := h.streak.Handle(ctx, UpdateStreakCommand{UserID: userID})
		if err != nil {
			h.log.Warn("streak update failed after completion", logger.UserID(userID), logger.Err(err))
		} else {
			result.Streak = streak
		}
	}

	if h.course != nil {
		course, _, err := h.course.recompute(ctx, UpdateCourseProgressCommand{UserID: userID, CourseID: result.CourseID})
		if err != nil {
			h.log.Warn("course progress update failed after completion",
				logger.UserID(userID), logger.CourseID(result.CourseID), logger.Err(err))
		} else {
			result.CourseProgress = course
		}
	}

	if !h.invalidator.Invalidate(ctx, cachekeys.OnLessonComplete, userID, result.CourseID) {
		h.log.Debug("cache not invalidated after completion", logger.UserID(userID))
	}

	payload := map[string]any{
		"lessonId": result.Completion.LessonID,
		"courseId": result.CourseID,
		"xpEarned": result.XPEarned,
	}
	if result.Streak != nil {
		payload["currentStreak"] = result.Streak.CurrentStreak
	}
	if result.CourseProgress != nil {
		payload["courseProgress"] = result.CourseProgress.Progress
	}
	h.broadcaster.NotifyUser(ctx, userID, progress.NotifyLessonCompleted, payload)
}
