package command

import (
	"context"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE COURSE PROGRESS COMMAND
// Recomputes an enrollment's completion percentage and pays the course bonus
// the first time it reaches 100.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateCourseProgressCommand identifies the enrollment to recompute.
type UpdateCourseProgressCommand struct {
	UserID   string
	CourseID string
}

// UpdateCourseProgressResult is the recomputed enrollment state.
type UpdateCourseProgressResult struct {
	// Progress is round(100 * completed / total).
	Progress int

	// Completed is true once the course bonus has been granted, by this call
	// or an earlier one.
	Completed bool

	// XPAwarded is the bonus paid by this call; zero on re-entry.
	XPAwarded int
}

// UpdateCourseProgressHandler handles UpdateCourseProgressCommand.
type UpdateCourseProgressHandler struct {
	repo        progress.Repository
	ledger      *XPLedger
	clock       timeutil.Clock
	invalidator progress.CacheInvalidator
	broadcaster progress.Broadcaster
	log         *logger.Logger
}

// NewUpdateCourseProgressHandler creates a new UpdateCourseProgressHandler.
func NewUpdateCourseProgressHandler(
	repo progress.Repository,
	ledger *XPLedger,
	clock timeutil.Clock,
	invalidator progress.CacheInvalidator,
	broadcaster progress.Broadcaster,
	log *logger.Logger,
) *UpdateCourseProgressHandler {
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
	return &UpdateCourseProgressHandler{
		repo:        repo,
		ledger:      ledger,
		clock:       clock,
		invalidator: invalidator,
		broadcaster: broadcaster,
		log:         log.With(logger.Component("course_progress")),
	}
}

// Handle recomputes progress and evicts the affected cache keys when
// anything changed.
func (h *UpdateCourseProgressHandler) Handle(ctx context.Context, cmd UpdateCourseProgressCommand) (*UpdateCourseProgressResult, error) {
	res, changed, err := h.recompute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if changed {
		h.invalidator.Invalidate(ctx, cachekeys.OnLessonComplete, cmd.UserID, cmd.CourseID)
	}
	return res, nil
}

// recompute does the work of Handle without cache eviction. The boolean
// reports whether stored state changed.
func (h *UpdateCourseProgressHandler) recompute(ctx context.Context, cmd UpdateCourseProgressCommand) (*UpdateCourseProgressResult, bool, error) {
	const op = "UpdateCourseProgress"

	if err := requireID(op, "user id", cmd.UserID); err != nil {
		return nil, false, err
	}
	if err := requireID(op, "course id", cmd.CourseID); err != nil {
		return nil, false, err
	}

	enrollment, err := h.repo.GetEnrollment(ctx, cmd.UserID, cmd.CourseID)
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
		return nil, false, err
	}

	course, err := h.repo.GetCourse(ctx, cmd.CourseID)
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
		return nil, false, err
	}

	total, err := h.repo.CountLessons(ctx, cmd.CourseID)
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
		return nil, false, err
	}
	done, err := h.repo.CountCompletedLessons(ctx, cmd.UserID, cmd.CourseID)
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
		return nil, false, err
	}

	pct, err := progress.CourseProgress(done, total)
	if err != nil {
		h.log.Error("course progress is undefined",
			logger.Operation(op), logger.UserID(cmd.UserID), logger.CourseID(cmd.CourseID), logger.Err(err))
		return nil, false, err
	}

	changed := pct != enrollment.Progress
	if changed {
		if err := h.repo.SetEnrollmentProgress(ctx, cmd.UserID, cmd.CourseID, pct); err != nil {
			logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
			return nil, false, err
		}
	}

	res := &UpdateCourseProgressResult{Progress: pct, Completed: enrollment.IsCompleted()}
	if pct < 100 || enrollment.IsCompleted() {
		return res, changed, nil
	}

	var marked bool
	err = h.repo.WithinTx(ctx, func(tx progress.TxRepository) error {
		var err error
		marked, err = tx.MarkEnrollmentCompleted(ctx, cmd.UserID, cmd.CourseID, h.clock.Now().UTC())
		if err != nil || !marked {
			return err
		}
		return h.ledger.Award(ctx, tx, cmd.UserID, course.XPReward, progress.XPSourceCourseCompleted, course.ID)
	})
	if err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
		return nil, false, err
	}
	res.Completed = true

	if marked {
		changed = true
		res.XPAwarded = course.XPReward
		h.log.Info("course completed",
			logger.UserID(cmd.UserID), logger.CourseID(cmd.CourseID), logger.XPAmount(res.XPAwarded))
		h.broadcaster.NotifyUser(ctx, cmd.UserID, progress.NotifyCourseCompleted, map[string]any{
			"courseId": cmd.CourseID,
			"xpEarned": res.XPAwarded,
		})
	}

	return res, changed, nil
}
