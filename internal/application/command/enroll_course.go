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
// ENROLL COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// EnrollCommand registers a user in a course.
type EnrollCommand struct {
	UserID   string
	CourseID string
}

// EnrollHandler handles EnrollCommand.
type EnrollHandler struct {
	repo        progress.Repository
	invalidator progress.CacheInvalidator
	clock       timeutil.Clock
	log         *logger.Logger
}

// NewEnrollHandler creates a new EnrollHandler.
func NewEnrollHandler(repo progress.Repository, invalidator progress.CacheInvalidator, clock timeutil.Clock, log *logger.Logger) *EnrollHandler {
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EnrollHandler{
		repo:        repo,
		invalidator: invalidator,
		clock:       clock,
		log:         log.With(logger.Component("enroll")),
	}
}

// Handle creates the enrollment.
func (h *EnrollHandler) Handle(ctx context.Context, cmd EnrollCommand) (*progress.Enrollment, error) {
	const op = "Enroll"

	if err := requireID(op, "user id", cmd.UserID); err != nil {
		return nil, err
	}
	if err := requireID(op, "course id", cmd.CourseID); err != nil {
		return nil, err
	}

	if _, err := h.repo.GetCourse(ctx, cmd.CourseID); err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
		return nil, err
	}

	enrollment := &progress.Enrollment{
		UserID:     cmd.UserID,
		CourseID:   cmd.CourseID,
		EnrolledAt: h.clock.Now().UTC().Truncate(time.Microsecond),
	}
	if err := h.repo.CreateEnrollment(ctx, enrollment); err != nil {
		logFailure(ctx, h.log, op, cmd.UserID, err, logger.CourseID(cmd.CourseID))
		return nil, err
	}

	h.invalidator.Invalidate(ctx, cachekeys.OnUserUpdate, cmd.UserID)
	h.invalidator.Invalidate(ctx, cachekeys.OnCourseUpdate, cmd.CourseID)

	h.log.Info("user enrolled", logger.UserID(cmd.UserID), logger.CourseID(cmd.CourseID))
	return enrollment, nil
}
