// Package progress contains the user progression domain: XP totals, daily
// streaks, lesson completions, course enrollments and achievements.
package progress

import (
	"fmt"
	"time"

	"github.com/maternar/progression/internal/domain/shared"
)

// UserProgress is the progression subset of a portal user.
type UserProgress struct {
	UserID   string
	TotalXP  int
	WeeklyXP int
	Streak   Streak
}

// Lesson is a unit of a course that can be completed once per user.
type Lesson struct {
	ID       string
	CourseID string
	Title    string
	XPReward int
}

// Course groups lessons and pays a bonus when all of them are completed.
type Course struct {
	ID       string
	Title    string
	XPReward int
}

// Enrollment is a user's registration in a course.
type Enrollment struct {
	UserID      string
	CourseID    string
	Progress    int // 0..100
	EnrolledAt  time.Time
	CompletedAt *time.Time
}

// IsCompleted reports whether the course bonus has already been granted.
func (e *Enrollment) IsCompleted() bool {
	return e.CompletedAt != nil
}

// LessonCompletion is an immutable fact, unique per (UserID, LessonID).
type LessonCompletion struct {
	ID          string
	UserID      string
	LessonID    string
	CompletedAt time.Time
}

// XPSource names what an award was paid for.
type XPSource string

const (
	XPSourceLessonCompleted XPSource = "lesson_completed"
	XPSourceCourseCompleted XPSource = "course_completed"
)

// Valid reports whether s is a known source.
func (s XPSource) Valid() bool {
	switch s {
	case XPSourceLessonCompleted, XPSourceCourseCompleted:
		return true
	}
	return false
}

// XPLedgerEntry is the audit row written alongside every non-zero award.
type XPLedgerEntry struct {
	ID        string
	UserID    string
	Amount    int
	Source    XPSource
	RefID     string
	CreatedAt time.Time
}

// Validate checks the entry before it is persisted.
func (e *XPLedgerEntry) Validate() error {
	if e.UserID == "" {
		return shared.NewDomainError("progress", "AwardXP", shared.ErrInvalidID, "user id is required")
	}
	if e.Amount < 0 {
		return shared.ErrNegativeXP
	}
	if !e.Source.Valid() {
		return shared.NewDomainError("progress", "AwardXP", shared.ErrInvalidInput,
			fmt.Sprintf("unknown xp source %q", e.Source))
	}
	return nil
}

// CourseProgress computes round(100 * completed / total).
// A course without lessons has no defined progress.
func CourseProgress(completed, total int) (int, error) {
	if total <= 0 {
		return 0, shared.ErrEmptyCourse
	}
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	// Integer half-up rounding of 100*completed/total.
	return (200*completed + total) / (2 * total), nil
}

// Achievement is an unlocked achievement of a user.
type Achievement struct {
	Code       AchievementCode `json:"code"`
	UnlockedAt time.Time       `json:"unlockedAt"`
}

// LeaderboardEntry is one row of the weekly XP ranking.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	WeeklyXP    int    `json:"weeklyXp"`
}
