// Package memory implements progress.Repository in process memory. It backs
// development runs without a database and the application tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/pkg/timeutil"
)

type pairKey struct{ a, b string }

// Store is a mutex-guarded in-memory repository. Transactions hold the lock
// for their whole duration and buffer writes until commit.
type Store struct {
	mu           sync.Mutex
	users        map[string]*progress.UserProgress
	names        map[string]string
	courses      map[string]progress.Course
	lessons      map[string]progress.Lesson
	enrollments  map[pairKey]*progress.Enrollment
	completions  map[pairKey]progress.LessonCompletion
	achievements map[pairKey]time.Time
	ledger       []progress.XPLedgerEntry
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		users:        make(map[string]*progress.UserProgress),
		names:        make(map[string]string),
		courses:      make(map[string]progress.Course),
		lessons:      make(map[string]progress.Lesson),
		enrollments:  make(map[pairKey]*progress.Enrollment),
		completions:  make(map[pairKey]progress.LessonCompletion),
		achievements: make(map[pairKey]time.Time),
	}
}

var _ progress.Repository = (*Store)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// SEEDING
// ══════════════════════════════════════════════════════════════════════════════

// PutUser inserts or replaces a user's progress row.
func (s *Store) PutUser(p progress.UserProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.users[p.UserID] = &cp
}

// SetDisplayName sets the name shown on the leaderboard.
func (s *Store) SetDisplayName(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
}

// PutCourse inserts a course with its lessons.
func (s *Store) PutCourse(c progress.Course, lessons ...progress.Lesson) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
	for _, l := range lessons {
		l.CourseID = c.ID
		s.lessons[l.ID] = l
	}
}

// PutCompletion records a completion directly, bypassing XP.
func (s *Store) PutCompletion(c progress.LessonCompletion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions[pairKey{c.UserID, c.LessonID}] = c
}

// Ledger returns a copy of the XP ledger in insertion order.
func (s *Store) Ledger() []progress.XPLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.XPLedgerEntry(nil), s.ledger...)
}

// Achievements returns the codes unlocked by a user, sorted.
func (s *Store) Achievements(userID string) []progress.AchievementCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var codes []progress.AchievementCode
	for k := range s.achievements {
		if k.a == userID {
			codes = append(codes, progress.AchievementCode(k.b))
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) GetProgress(ctx context.Context, userID string) (*progress.UserProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, shared.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CompareAndSetStreak(ctx context.Context, userID string, prevLast timeutil.Date, next progress.Streak) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || !u.Streak.LastDate.Equal(prevLast) {
		return false, nil
	}
	longest := next.Longest
	if u.Streak.Longest > longest {
		longest = u.Streak.Longest
	}
	u.Streak = progress.Streak{Current: next.Current, Longest: longest, LastDate: next.LastDate}
	return true, nil
}

func (s *Store) HasCompletionSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.completions {
		if k.a == userID && !c.CompletedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetLesson(ctx context.Context, lessonID string) (*progress.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lessons[lessonID]
	if !ok {
		return nil, shared.ErrLessonNotFound
	}
	return &l, nil
}

func (s *Store) GetCourse(ctx context.Context, courseID string) (*progress.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[courseID]
	if !ok {
		return nil, shared.ErrCourseNotFound
	}
	return &c, nil
}

func (s *Store) GetEnrollment(ctx context.Context, userID, courseID string) (*progress.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[pairKey{userID, courseID}]
	if !ok {
		return nil, shared.ErrNotEnrolled
	}
	cp := *e
	return &cp, nil
}

func (s *Store) CreateEnrollment(ctx context.Context, e *progress.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[e.UserID]; !ok {
		return shared.ErrUserNotFound
	}
	if _, ok := s.courses[e.CourseID]; !ok {
		return shared.ErrCourseNotFound
	}
	k := pairKey{e.UserID, e.CourseID}
	if _, ok := s.enrollments[k]; ok {
		return shared.ErrAlreadyEnrolled
	}
	cp := *e
	s.enrollments[k] = &cp
	return nil
}

func (s *Store) CountLessons(ctx context.Context, courseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lessons {
		if l.CourseID == courseID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountCompletedLessons(ctx context.Context, userID, courseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.completions {
		if k.a != userID {
			continue
		}
		if l, ok := s.lessons[k.b]; ok && l.CourseID == courseID {
			n++
		}
	}
	return n, nil
}

func (s *Store) SetEnrollmentProgress(ctx context.Context, userID, courseID string, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[pairKey{userID, courseID}]
	if !ok {
		return shared.ErrNotEnrolled
	}
	e.Progress = pct
	return nil
}

func (s *Store) UnlockAchievement(ctx context.Context, userID string, code progress.AchievementCode, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey{userID, string(code)}
	if _, ok := s.achievements[k]; ok {
		return false, nil
	}
	s.achievements[k] = at
	return true, nil
}

func (s *Store) ListAchievements(ctx context.Context, userID string) ([]progress.Achievement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return nil, shared.ErrUserNotFound
	}
	out := []progress.Achievement{}
	for k, at := range s.achievements {
		if k.a == userID {
			out = append(out, progress.Achievement{Code: progress.AchievementCode(k.b), UnlockedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].UnlockedAt.Before(out[j].UnlockedAt)
	})
	return out, nil
}

func (s *Store) WeeklyLeaderboard(ctx context.Context, limit int) ([]progress.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []progress.LeaderboardEntry{}
	for id, u := range s.users {
		if u.WeeklyXP > 0 {
			out = append(out, progress.LeaderboardEntry{UserID: id, DisplayName: s.names[id], WeeklyXP: u.WeeklyXP})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WeeklyXP == out[j].WeeklyXP {
			return out[i].UserID < out[j].UserID
		}
		return out[i].WeeklyXP > out[j].WeeklyXP
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func (s *Store) ResetWeeklyXP(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, u := range s.users {
		if u.WeeklyXP != 0 {
			u.WeeklyXP = 0
			n++
		}
	}
	return n, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTIONS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) WithinTx(ctx context.Context, fn func(tx progress.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		xp:        make(map[string]int),
		completed: make(map[pairKey]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for _, c := range tx.completions {
		s.completions[pairKey{c.UserID, c.LessonID}] = c
	}
	for id, amount := range tx.xp {
		s.users[id].TotalXP += amount
		s.users[id].WeeklyXP += amount
	}
	s.ledger = append(s.ledger, tx.ledger...)
	for k, at := range tx.completed {
		at := at
		s.enrollments[k].CompletedAt = &at
		s.enrollments[k].Progress = 100
	}
	return nil
}

// memTx buffers writes; the store lock is held by WithinTx.
type memTx struct {
	s           *Store
	completions []progress.LessonCompletion
	xp          map[string]int
	ledger      []progress.XPLedgerEntry
	completed   map[pairKey]time.Time
}

func (t *memTx) InsertCompletion(ctx context.Context, c *progress.LessonCompletion) error {
	k := pairKey{c.UserID, c.LessonID}
	if _, ok := t.s.completions[k]; ok {
		return shared.ErrAlreadyCompleted
	}
	for _, p := range t.completions {
		if p.UserID == c.UserID && p.LessonID == c.LessonID {
			return shared.ErrAlreadyCompleted
		}
	}
	if _, ok := t.s.users[c.UserID]; !ok {
		return shared.ErrUserNotFound
	}
	if _, ok := t.s.lessons[c.LessonID]; !ok {
		return shared.ErrLessonNotFound
	}
	t.completions = append(t.completions, *c)
	return nil
}

func (t *memTx) IncrementXP(ctx context.Context, userID string, amount int) error {
	if _, ok := t.s.users[userID]; !ok {
		return shared.ErrUserNotFound
	}
	t.xp[userID] += amount
	return nil
}

func (t *memTx) AppendLedger(ctx context.Context, e *progress.XPLedgerEntry) error {
	t.ledger = append(t.ledger, *e)
	return nil
}

func (t *memTx) MarkEnrollmentCompleted(ctx context.Context, userID, courseID string, at time.Time) (bool, error) {
	k := pairKey{userID, courseID}
	e, ok := t.s.enrollments[k]
	if !ok || e.CompletedAt != nil {
		return false, nil
	}
	if _, pending := t.completed[k]; pending {
		return false, nil
	}
	t.completed[k] = at
	return true, nil
}
