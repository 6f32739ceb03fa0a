package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/internal/infrastructure/persistence/memory"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

func TestCompleteLesson_FirstCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l1"})
	require.NoError(t, err)

	assert.Equal(t, 100, res.XPEarned)
	assert.Equal(t, "c1", res.CourseID)
	assert.Equal(t, "l1", res.Completion.LessonID)
	assert.NotEmpty(t, res.Completion.ID)

	// A brand-new user starts at 1/1.
	require.NotNil(t, res.Streak)
	assert.Equal(t, 1, res.Streak.CurrentStreak)
	assert.Equal(t, 1, res.Streak.LongestStreak)
	require.NotNil(t, res.CourseProgress)
	assert.Equal(t, 50, res.CourseProgress.Progress)

	p := f.userProgress(t, "u1")
	assert.Equal(t, 100, p.TotalXP)
	assert.Equal(t, 100, p.WeeklyXP)
	assert.Equal(t, timeutil.NewDate(2026, time.October, 15), p.Streak.LastDate)

	ledger := f.store.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, progress.XPSourceLessonCompleted, ledger[0].Source)
	assert.Equal(t, "l1", ledger[0].RefID)
	assert.Equal(t, 100, ledger[0].Amount)

	assert.Equal(t, []cachekeys.Event{cachekeys.OnLessonComplete}, f.inv.events())
	assert.Equal(t, []string{"u1", "c1"}, f.inv.calls[0].ids)
	assert.Equal(t, []string{progress.NotifyStreakUpdated, progress.NotifyLessonCompleted}, f.bc.events())
}

func TestCompleteLesson_LessonNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.complete.Handle(context.Background(), CompleteLessonCommand{UserID: "u1", LessonID: "nope"})
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))
	assert.Empty(t, f.store.Ledger())
}

func TestCompleteLesson_NotEnrolled(t *testing.T) {
	f := newFixture(t)
	f.store.PutUser(progress.UserProgress{UserID: "u2"})

	_, err := f.complete.Handle(context.Background(), CompleteLessonCommand{UserID: "u2", LessonID: "l1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotEnrolled)
	assert.True(t, shared.IsForbidden(err))
	assert.Equal(t, 0, f.userProgress(t, "u2").TotalXP)
}

func TestCompleteLesson_MissingIDs(t *testing.T) {
	f := newFixture(t)

	_, err := f.complete.Handle(context.Background(), CompleteLessonCommand{LessonID: "l1"})
	assert.True(t, shared.IsValidation(err))

	_, err = f.complete.Handle(context.Background(), CompleteLessonCommand{UserID: "u1"})
	assert.True(t, shared.IsValidation(err))
}

func TestCompleteLesson_AlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l1"})
	require.NoError(t, err)

	_, err = f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrAlreadyCompleted)
	assert.True(t, shared.IsConflict(err))

	assert.Equal(t, 100, f.userProgress(t, "u1").TotalXP)
	assert.Len(t, f.store.Ledger(), 1)
}

func TestCompleteLesson_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, shared.ErrAlreadyCompleted):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 100, f.userProgress(t, "u1").TotalXP)
	assert.Len(t, f.store.Ledger(), 1)
}

func TestCompleteLesson_TwoLessonCourse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, 50, first.CourseProgress.Progress)
	assert.False(t, first.CourseProgress.Completed)
	assert.Zero(t, first.CourseProgress.XPAwarded)

	second, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l2"})
	require.NoError(t, err)
	assert.Equal(t, 100, second.CourseProgress.Progress)
	assert.True(t, second.CourseProgress.Completed)
	assert.Equal(t, 300, second.CourseProgress.XPAwarded)

	assert.Equal(t, 500, f.userProgress(t, "u1").TotalXP)

	// Recomputing a finished course never pays again.
	again, err := f.course.Handle(ctx, UpdateCourseProgressCommand{UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 100, again.Progress)
	assert.True(t, again.Completed)
	assert.Zero(t, again.XPAwarded)
	assert.Equal(t, 500, f.userProgress(t, "u1").TotalXP)

	var bonus int
	for _, e := range f.store.Ledger() {
		if e.Source == progress.XPSourceCourseCompleted {
			bonus++
			assert.Equal(t, "c1", e.RefID)
		}
	}
	assert.Equal(t, 1, bonus)
	assert.Contains(t, f.bc.events(), progress.NotifyCourseCompleted)

	e, err := f.store.GetEnrollment(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, e.IsCompleted())
}

func TestCompleteLesson_SameDayIsIdempotentForStreak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l1"})
	require.NoError(t, err)
	assert.True(t, first.Streak.Changed)

	f.clock.Set(f.clock.Now().Add(3 * time.Hour))
	second, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l2"})
	require.NoError(t, err)
	assert.False(t, second.Streak.Changed)
	assert.Equal(t, 1, second.Streak.CurrentStreak)
	assert.Equal(t, 1, second.Streak.LongestStreak)
}

func TestCompleteLesson_FollowUpFailureDoesNotFail(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithRepo(t, func(s *memory.Store) progress.Repository {
		return &flakyRepo{Store: s, completionErr: errors.New("connection reset")}
	})

	res, err := f.complete.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "l1"})
	require.NoError(t, err)
	assert.Nil(t, res.Streak)
	assert.NotNil(t, res.CourseProgress)
	assert.Equal(t, 100, f.userProgress(t, "u1").TotalXP)
	assert.Equal(t, []cachekeys.Event{cachekeys.OnLessonComplete}, f.inv.events())
}

// flakyRepo fails selected reads.
type flakyRepo struct {
	*memory.Store
	completionErr error
}

func (r *flakyRepo) HasCompletionSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	if r.completionErr != nil {
		return false, r.completionErr
	}
	return r.Store.HasCompletionSince(ctx, userID, since)
}

func TestCompleteLesson_FailureLogCarriesRequestID(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	log := logger.New(logger.Options{Output: &buf, Level: logger.LevelInfo, Format: "json"})
	h := NewCompleteLessonHandler(f.repo, f.ledger, f.streak, f.course, f.inv, f.bc, f.clock, log)

	ctx := logger.ContextWithRequestID(context.Background(), "req-42")
	_, err := h.Handle(ctx, CompleteLessonCommand{UserID: "u1", LessonID: "nope"})
	require.Error(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "req-42", entry[logger.RequestIDKey])
	assert.Equal(t, "complete_lesson", entry["component"])
	assert.Equal(t, "u1", entry["user_id"])
}
