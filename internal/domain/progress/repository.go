package progress

import (
	"context"
	"time"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/pkg/timeutil"
)

// Repository is the persistent store for progression data.
//
// Implementations must enforce uniqueness of (user, lesson) completions and
// (user, course) enrollments, and must apply XP increments as row-level
// atomic updates, never as read-modify-write.
type Repository interface {
	// GetProgress returns shared.ErrUserNotFound for unknown users.
	GetProgress(ctx context.Context, userID string) (*UserProgress, error)

	// CompareAndSetStreak stores next only if the stored last streak date is
	// still prevLast (zero means NULL). Returns false if the row moved on.
	CompareAndSetStreak(ctx context.Context, userID string, prevLast timeutil.Date, next Streak) (bool, error)

	// HasCompletionSince reports whether the user completed any lesson at or after since.
	HasCompletionSince(ctx context.Context, userID string, since time.Time) (bool, error)

	GetLesson(ctx context.Context, lessonID string) (*Lesson, error)
	GetCourse(ctx context.Context, courseID string) (*Course, error)

	// GetEnrollment returns shared.ErrNotEnrolled when there is none.
	GetEnrollment(ctx context.Context, userID, courseID string) (*Enrollment, error)

	// CreateEnrollment returns shared.ErrAlreadyEnrolled on duplicates.
	CreateEnrollment(ctx context.Context, e *Enrollment) error

	CountLessons(ctx context.Context, courseID string) (int, error)
	CountCompletedLessons(ctx context.Context, userID, courseID string) (int, error)
	SetEnrollmentProgress(ctx context.Context, userID, courseID string, progress int) error

	// UnlockAchievement returns false if the user already had it.
	UnlockAchievement(ctx context.Context, userID string, code AchievementCode, at time.Time) (bool, error)

	// ListAchievements returns a user's achievements, oldest first.
	ListAchievements(ctx context.Context, userID string) ([]Achievement, error)

	// WeeklyLeaderboard returns the top users by weekly XP. Users with no
	// weekly XP are left out; ties are broken by user id.
	WeeklyLeaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)

	// ResetWeeklyXP zeroes weekly XP for every user and returns the rows touched.
	ResetWeeklyXP(ctx context.Context) (int64, error)

	// WithinTx runs fn in a single transaction; fn's error rolls it back.
	WithinTx(ctx context.Context, fn func(tx TxRepository) error) error
}

// TxRepository holds the writes that must commit together.
type TxRepository interface {
	// InsertCompletion returns shared.ErrAlreadyCompleted on duplicates.
	InsertCompletion(ctx context.Context, c *LessonCompletion) error

	// IncrementXP adds amount to both total and weekly XP.
	IncrementXP(ctx context.Context, userID string, amount int) error

	AppendLedger(ctx context.Context, e *XPLedgerEntry) error

	// MarkEnrollmentCompleted sets completed_at only while it is NULL and
	// reports whether this call made the transition.
	MarkEnrollmentCompleted(ctx context.Context, userID, courseID string, at time.Time) (bool, error)
}

// CacheInvalidator evicts cache keys after a mutation. Implementations
// never fail the caller: false means the eviction did not happen.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, event cachekeys.Event, ids ...string) bool
}

// Broadcaster delivers realtime notifications. Calls must not block on delivery.
type Broadcaster interface {
	NotifyUser(ctx context.Context, userID, event string, payload any)
}

// Realtime event names.
const (
	NotifyLessonCompleted     = "lesson_completed"
	NotifyStreakUpdated       = "streak_updated"
	NotifyCourseCompleted     = "course_completed"
	NotifyAchievementUnlocked = "achievement_unlocked"
)
