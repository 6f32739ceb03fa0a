package progress

import (
	"github.com/maternar/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STREAK
// ══════════════════════════════════════════════════════════════════════════════

// Streak tracks consecutive calendar days with at least one completed lesson.
//
// States: NO_STREAK (Current == 0), ACTIVE(n). A qualifying day either
// continues the streak (n+1) or restarts it at 1.
type Streak struct {
	Current int
	Longest int
	// LastDate is the last qualifying day. Zero means "never".
	LastDate timeutil.Date
}

// Advance applies a qualifying activity on today and returns the new state.
// The boolean is false when nothing changed (already counted today).
func (s Streak) Advance(today timeutil.Date) (Streak, bool) {
	next := s
	switch {
	case s.LastDate.IsZero():
		next.Current = 1
	case s.LastDate.Equal(today):
		return s, false
	case s.LastDate.Equal(today.AddDays(-1)):
		next.Current = s.Current + 1
	default:
		next.Current = 1
	}

	if next.Current > next.Longest {
		next.Longest = next.Current
	}
	next.LastDate = today
	return next, true
}

// Decay returns the state as seen on today: a streak whose last day is
// neither today nor yesterday is broken and reads as zero.
// The boolean is true when the stored value has to be rewritten.
func (s Streak) Decay(today timeutil.Date) (Streak, bool) {
	if s.Current == 0 {
		return s, false
	}
	if s.IsAlive(today) {
		return s, false
	}
	s.Current = 0
	return s, true
}

// IsAlive reports whether the streak can still be continued today.
func (s Streak) IsAlive(today timeutil.Date) bool {
	if s.LastDate.IsZero() {
		return false
	}
	return s.LastDate.Equal(today) || s.LastDate.Equal(today.AddDays(-1))
}

// DaysUntilBreak returns 2 if the user was active today, 1 if they must be
// active today to keep the streak, and 0 if it is already broken.
func (s Streak) DaysUntilBreak(today timeutil.Date) int {
	if s.Current == 0 || s.LastDate.IsZero() {
		return 0
	}
	switch s.LastDate.DaysUntil(today) {
	case 0:
		return 2
	case 1:
		return 1
	default:
		return 0
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

// AchievementCode identifies an unlockable achievement.
type AchievementCode string

const (
	AchievementStreak3   AchievementCode = "streak_3"
	AchievementStreak7   AchievementCode = "streak_7"
	AchievementStreak30  AchievementCode = "streak_30"
	AchievementStreak100 AchievementCode = "streak_100"
)

var streakMilestones = []struct {
	days int
	code AchievementCode
}{
	{3, AchievementStreak3},
	{7, AchievementStreak7},
	{30, AchievementStreak30},
	{100, AchievementStreak100},
}

// CrossedMilestones returns the streak achievements reached by moving from
// prev to next. Milestones are only crossed on the way up.
func CrossedMilestones(prev, next Streak) []AchievementCode {
	var codes []AchievementCode
	for _, m := range streakMilestones {
		if next.Current >= m.days && prev.Current < m.days {
			codes = append(codes, m.code)
		}
	}
	return codes
}
