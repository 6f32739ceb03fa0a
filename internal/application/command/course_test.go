package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/pkg/timeutil"
)

func TestUpdateCourseProgress_NotEnrolled(t *testing.T) {
	f := newFixture(t)
	f.store.PutUser(progress.UserProgress{UserID: "u2"})

	_, err := f.course.Handle(context.Background(), UpdateCourseProgressCommand{UserID: "u2", CourseID: "c1"})
	assert.ErrorIs(t, err, shared.ErrNotEnrolled)
}

func TestUpdateCourseProgress_EmptyCourse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutCourse(progress.Course{ID: "empty", XPReward: 50})
	_, err := f.enroll.Handle(ctx, EnrollCommand{UserID: "u1", CourseID: "empty"})
	require.NoError(t, err)

	_, err = f.course.Handle(ctx, UpdateCourseProgressCommand{UserID: "u1", CourseID: "empty"})
	require.Error(t, err)
	assert.True(t, shared.IsInvalidState(err))
	assert.Equal(t, 0, f.userProgress(t, "u1").TotalXP)
}

func TestUpdateCourseProgress_Rounding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutCourse(progress.Course{ID: "c3", XPReward: 10},
		progress.Lesson{ID: "a"}, progress.Lesson{ID: "b"}, progress.Lesson{ID: "c"})
	_, err := f.enroll.Handle(ctx, EnrollCommand{UserID: "u1", CourseID: "c3"})
	require.NoError(t, err)

	f.inv.calls = nil

	f.store.PutCompletion(progress.LessonCompletion{ID: "x1", UserID: "u1", LessonID: "a", CompletedAt: f.clock.Now()})
	f.store.PutCompletion(progress.LessonCompletion{ID: "x2", UserID: "u1", LessonID: "b", CompletedAt: f.clock.Now()})

	res, err := f.course.Handle(ctx, UpdateCourseProgressCommand{UserID: "u1", CourseID: "c3"})
	require.NoError(t, err)
	assert.Equal(t, 67, res.Progress)
	assert.False(t, res.Completed)
	assert.Equal(t, []cachekeys.Event{cachekeys.OnLessonComplete}, f.inv.events())

	// Unchanged progress does not evict again.
	_, err = f.course.Handle(ctx, UpdateCourseProgressCommand{UserID: "u1", CourseID: "c3"})
	require.NoError(t, err)
	assert.Len(t, f.inv.events(), 1)
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutCourse(progress.Course{ID: "c2", XPReward: 100}, progress.Lesson{ID: "x"})

	e, err := f.enroll.Handle(ctx, EnrollCommand{UserID: "u1", CourseID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, "c2", e.CourseID)
	assert.Zero(t, e.Progress)
	assert.False(t, e.IsCompleted())
	assert.Equal(t, []cachekeys.Event{cachekeys.OnUserUpdate, cachekeys.OnCourseUpdate}, f.inv.events())

	_, err = f.enroll.Handle(ctx, EnrollCommand{UserID: "u1", CourseID: "c2"})
	assert.ErrorIs(t, err, shared.ErrAlreadyEnrolled)

	_, err = f.enroll.Handle(ctx, EnrollCommand{UserID: "u1", CourseID: "missing"})
	assert.ErrorIs(t, err, shared.ErrCourseNotFound)

	_, err = f.enroll.Handle(ctx, EnrollCommand{UserID: "ghost", CourseID: "c2"})
	assert.ErrorIs(t, err, shared.ErrUserNotFound)
}

func TestXPLedger_Award(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.store.WithinTx(ctx, func(tx progress.TxRepository) error {
		return f.ledger.Award(ctx, tx, "u1", -5, progress.XPSourceLessonCompleted, "l1")
	})
	assert.ErrorIs(t, err, shared.ErrNegativeXP)

	err = f.store.WithinTx(ctx, func(tx progress.TxRepository) error {
		return f.ledger.Award(ctx, tx, "u1", 0, progress.XPSourceLessonCompleted, "l1")
	})
	require.NoError(t, err)
	assert.Empty(t, f.store.Ledger())

	err = f.store.WithinTx(ctx, func(tx progress.TxRepository) error {
		return f.ledger.Award(ctx, tx, "u1", 40, progress.XPSource("gift"), "x")
	})
	assert.True(t, shared.IsValidation(err))

	err = f.store.WithinTx(ctx, func(tx progress.TxRepository) error {
		return f.ledger.Award(ctx, tx, "u1", 40, progress.XPSourceLessonCompleted, "l1")
	})
	require.NoError(t, err)

	p := f.userProgress(t, "u1")
	assert.Equal(t, 40, p.TotalXP)
	assert.Equal(t, 40, p.WeeklyXP)
	require.Len(t, f.store.Ledger(), 1)
	assert.Equal(t, f.clock.Now().UTC(), f.store.Ledger()[0].CreatedAt)
}

func TestXPLedger_RolledBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	boom := errors.New("boom")
	err := f.store.WithinTx(ctx, func(tx progress.TxRepository) error {
		if err := f.ledger.Award(ctx, tx, "u1", 40, progress.XPSourceLessonCompleted, "l1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.userProgress(t, "u1").TotalXP)
	assert.Empty(t, f.store.Ledger())
}

// ══════════════════════════════════════════════════════════════════════════════
// WEEKLY RESET
// ══════════════════════════════════════════════════════════════════════════════

type fakeResetCache struct {
	down     bool
	members  map[string]map[string]bool
	deleted  []string
	patterns []string
}

func (g *fakeResetCache) AddToSet(_ context.Context, key, member string, _ time.Duration) (bool, bool) {
	if g.down {
		return false, false
	}
	if g.members == nil {
		g.members = make(map[string]map[string]bool)
	}
	if g.members[key] == nil {
		g.members[key] = make(map[string]bool)
	}
	added := !g.members[key][member]
	g.members[key][member] = true
	return added, true
}

func (g *fakeResetCache) RemoveFromSet(_ context.Context, key, member string) bool {
	if g.down {
		return false
	}
	delete(g.members[key], member)
	return true
}

func (g *fakeResetCache) DeleteMany(_ context.Context, keys ...string) bool {
	g.deleted = append(g.deleted, keys...)
	return !g.down
}

func (g *fakeResetCache) DeleteMatching(_ context.Context, pattern string) (int64, bool) {
	g.patterns = append(g.patterns, pattern)
	return 0, !g.down
}

func (g *fakeResetCache) claimed(week string) bool {
	return g.members[cachekeys.JobRunsKey(WeeklyResetJob)][week]
}

// failingReset fails ResetWeeklyXP.
type failingReset struct {
	progress.Repository
	calls int
}

func (r *failingReset) ResetWeeklyXP(context.Context) (int64, error) {
	r.calls++
	return 0, errors.New("db down")
}

func TestResetWeeklyXP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutUser(progress.UserProgress{UserID: "u1", TotalXP: 900, WeeklyXP: 120})
	f.store.PutUser(progress.UserProgress{UserID: "u2", TotalXP: 50, WeeklyXP: 50})
	f.store.PutUser(progress.UserProgress{UserID: "u3", TotalXP: 10})

	cache := &fakeResetCache{}
	h := NewResetWeeklyXPHandler(f.store, cache, f.calendar, nil)

	res, err := h.Handle(ctx, ResetWeeklyXPCommand{})
	require.NoError(t, err)
	assert.Equal(t, "2026-W42", res.Week)
	assert.Equal(t, int64(2), res.UsersReset)
	assert.False(t, res.Skipped)
	assert.True(t, cache.claimed("2026-W42"))
	assert.Equal(t, []string{cachekeys.KeyLeaderboard}, cache.deleted)
	assert.Equal(t, []string{cachekeys.UserStatsPattern}, cache.patterns)

	p := f.userProgress(t, "u1")
	assert.Equal(t, 0, p.WeeklyXP)
	assert.Equal(t, 900, p.TotalXP)

	// Same week again is skipped.
	f.store.PutUser(progress.UserProgress{UserID: "u2", TotalXP: 60, WeeklyXP: 10})
	res, err = h.Handle(ctx, ResetWeeklyXPCommand{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 10, f.userProgress(t, "u2").WeeklyXP)

	// Forcing runs anyway.
	res, err = h.Handle(ctx, ResetWeeklyXPCommand{Force: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UsersReset)
}

func TestResetWeeklyXP_WeekClaimedByAnotherReplica(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutUser(progress.UserProgress{UserID: "u1", TotalXP: 130, WeeklyXP: 30})

	// The other replica claimed the week and is still resetting.
	cache := &fakeResetCache{}
	cache.AddToSet(ctx, cachekeys.JobRunsKey(WeeklyResetJob), "2026-W42", cachekeys.JobRunsTTL)

	repo := &failingReset{Repository: f.store}
	res, err := NewResetWeeklyXPHandler(repo, cache, f.calendar, nil).Handle(ctx, ResetWeeklyXPCommand{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, repo.calls)
	assert.Equal(t, 30, f.userProgress(t, "u1").WeeklyXP)
}

func TestResetWeeklyXP_FailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cache := &fakeResetCache{}
	repo := &failingReset{Repository: f.store}
	h := NewResetWeeklyXPHandler(repo, cache, f.calendar, nil)

	_, err := h.Handle(ctx, ResetWeeklyXPCommand{})
	require.Error(t, err)
	assert.False(t, cache.claimed("2026-W42"))
	assert.Empty(t, cache.deleted)

	// The next attempt is not skipped.
	_, err = h.Handle(ctx, ResetWeeklyXPCommand{})
	require.Error(t, err)
	assert.Equal(t, 2, repo.calls)
}

func TestResetWeeklyXP_CacheDownStillResets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutUser(progress.UserProgress{UserID: "u1", WeeklyXP: 120, TotalXP: 120})

	h := NewResetWeeklyXPHandler(f.store, &fakeResetCache{down: true}, f.calendar, nil)
	res, err := h.Handle(ctx, ResetWeeklyXPCommand{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UsersReset)
	assert.Equal(t, 0, f.userProgress(t, "u1").WeeklyXP)
}

func TestWeekLabel(t *testing.T) {
	assert.Equal(t, "2026-W53", WeekLabel(timeutil.NewDate(2027, time.January, 1)))
	assert.Equal(t, "2026-W01", WeekLabel(timeutil.NewDate(2025, time.December, 29)))
}
