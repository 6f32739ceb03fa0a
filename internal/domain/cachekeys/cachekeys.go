// Package cachekeys maps domain mutation events to the cache keys they make
// stale. It is pure: computing keys never touches the cache.
package cachekeys

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maternar/progression/internal/domain/shared"
)

// Event is a closed set of mutation kinds. Adding a kind means adding a
// case to every switch below.
type Event int

const (
	eventUnknown Event = iota
	OnCourseUpdate
	OnUserUpdate
	OnLessonComplete
	OnMessageSent
	OnTaskUpdate
	OnAchievementUnlock
)

// Events lists every valid event.
var Events = []Event{
	OnCourseUpdate,
	OnUserUpdate,
	OnLessonComplete,
	OnMessageSent,
	OnTaskUpdate,
	OnAchievementUnlock,
}

// String returns the wire name of the event.
func (e Event) String() string {
	switch e {
	case OnCourseUpdate:
		return "onCourseUpdate"
	case OnUserUpdate:
		return "onUserUpdate"
	case OnLessonComplete:
		return "onLessonComplete"
	case OnMessageSent:
		return "onMessageSent"
	case OnTaskUpdate:
		return "onTaskUpdate"
	case OnAchievementUnlock:
		return "onAchievementUnlock"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// ParseEvent resolves an event by its wire name.
func ParseEvent(name string) (Event, error) {
	for _, e := range Events {
		if e.String() == name {
			return e, nil
		}
	}
	return eventUnknown, fmt.Errorf("%w: %q", shared.ErrUnknownCacheEvent, name)
}

// Key prefixes.
const (
	PrefixUser     = "user:"
	PrefixCourse   = "course:"
	PrefixChannel  = "channel:"
	PrefixTask     = "task:"
	PrefixProject  = "project:"
	KeyCoursesAll  = "courses:all"
	KeyUsersAll    = "users:all"
	KeyLeaderboard = "leaderboard:weekly"
)

// UserKey is the cache key of a user profile.
func UserKey(userID string) string { return PrefixUser + userID }

// UserStatsKey holds totals and streak for a user.
func UserStatsKey(userID string) string { return PrefixUser + userID + ":stats" }

// UserProgressKey holds per-course progress of a user.
func UserProgressKey(userID string) string { return PrefixUser + userID + ":progress" }

// UserAchievementsKey holds the unlocked achievements of a user.
func UserAchievementsKey(userID string) string { return PrefixUser + userID + ":achievements" }

// CourseProgressKey holds one user's progress in one course.
func CourseProgressKey(courseID, userID string) string {
	return PrefixCourse + courseID + ":progress:" + userID
}

// UserStatsPattern matches every UserStatsKey. Stats embed weekly XP, so
// the weekly reset evicts them all.
const UserStatsPattern = PrefixUser + "*:stats"

// RateLimitKey counts one identifier's calls of action in the current window.
func RateLimitKey(identifier, action string) string {
	return "ratelimit:" + identifier + ":" + action
}

// JobRunsKey is the set of periods a job already ran for.
func JobRunsKey(job string) string {
	return "jobs:" + job + ":runs"
}

// JobRunsTTL keeps weekly run markers a little longer than a week.
const JobRunsTTL = 8 * 24 * time.Hour

// arity returns how many ids an event takes.
func (e Event) arity() int {
	switch e {
	case OnCourseUpdate, OnUserUpdate, OnMessageSent, OnAchievementUnlock:
		return 1
	case OnLessonComplete, OnTaskUpdate:
		return 2
	default:
		return -1
	}
}

// Keys returns the sorted, de-duplicated cache keys staled by event.
// IDs are interpolated positionally; see the per-event comments.
func Keys(event Event, ids ...string) ([]string, error) {
	n := event.arity()
	if n < 0 {
		return nil, fmt.Errorf("%w: %s", shared.ErrUnknownCacheEvent, event)
	}
	if len(ids) != n {
		return nil, fmt.Errorf("%w: %s wants %d, got %d", shared.ErrCacheEventArity, event, n, len(ids))
	}
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: %s id #%d", shared.ErrCacheEmptyID, event, i)
		}
	}

	var keys []string
	switch event {
	case OnCourseUpdate: // courseID
		c := ids[0]
		keys = []string{PrefixCourse + c, PrefixCourse + c + ":lessons", KeyCoursesAll}
	case OnUserUpdate: // userID
		u := ids[0]
		keys = []string{UserKey(u), PrefixUser + u + ":profile", KeyUsersAll}
	case OnLessonComplete: // userID, courseID
		u, c := ids[0], ids[1]
		keys = []string{UserProgressKey(u), UserStatsKey(u), CourseProgressKey(c, u), KeyLeaderboard}
	case OnMessageSent: // channelID
		ch := ids[0]
		keys = []string{PrefixChannel + ch + ":messages", PrefixChannel + ch}
	case OnTaskUpdate: // taskID, projectID
		t, p := ids[0], ids[1]
		keys = []string{PrefixTask + t, PrefixProject + p + ":tasks", PrefixProject + p}
	case OnAchievementUnlock: // userID
		u := ids[0]
		keys = []string{UserAchievementsKey(u), UserStatsKey(u), KeyLeaderboard}
	}

	return dedupe(keys), nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
