package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/infrastructure/persistence/memory"
	"github.com/maternar/progression/pkg/timeutil"
)

// brt is a fixed UTC-3 zone so day boundaries differ from UTC.
var brt = time.FixedZone("BRT", -3*60*60)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) AddDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, n)
}

type invalidation struct {
	event cachekeys.Event
	ids   []string
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []invalidation
}

func (f *fakeInvalidator) Invalidate(_ context.Context, event cachekeys.Event, ids ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invalidation{event: event, ids: ids})
	return true
}

func (f *fakeInvalidator) events() []cachekeys.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cachekeys.Event
	for _, c := range f.calls {
		out = append(out, c.event)
	}
	return out
}

type notification struct {
	userID  string
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeBroadcaster) NotifyUser(_ context.Context, userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{userID: userID, event: event, payload: payload})
}

func (f *fakeBroadcaster) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.sent {
		out = append(out, n.event)
	}
	return out
}

type fixture struct {
	store    *memory.Store
	repo     progress.Repository
	clock    *fakeClock
	calendar *timeutil.Calendar
	inv      *fakeInvalidator
	bc       *fakeBroadcaster

	ledger   *XPLedger
	streak   *UpdateStreakHandler
	course   *UpdateCourseProgressHandler
	complete *CompleteLessonHandler
	enroll   *EnrollHandler
}

// newFixture seeds user u1 enrolled in course c1 with lessons l1 and l2
// (100 XP each, course bonus 300). The clock starts on 2026-10-15 10:00 BRT.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, nil)
}

func newFixtureWithRepo(t *testing.T, wrap func(*memory.Store) progress.Repository) *fixture {
	t.Helper()

	store := memory.NewStore()
	store.PutUser(progress.UserProgress{UserID: "u1"})
	store.PutCourse(progress.Course{ID: "c1", Title: "Primeiros dias", XPReward: 300},
		progress.Lesson{ID: "l1", Title: "Amamentação", XPReward: 100},
		progress.Lesson{ID: "l2", Title: "Sono do bebê", XPReward: 100},
	)

	var repo progress.Repository = store
	if wrap != nil {
		repo = wrap(store)
	}

	f := &fixture{
		store: store,
		repo:  repo,
		clock: &fakeClock{now: time.Date(2026, time.October, 15, 10, 0, 0, 0, brt)},
		inv:   &fakeInvalidator{},
		bc:    &fakeBroadcaster{},
	}
	f.calendar = timeutil.NewCalendar(f.clock, brt)
	f.ledger = NewXPLedger(f.clock)
	f.streak = NewUpdateStreakHandler(repo, f.calendar, f.inv, f.bc, nil)
	f.course = NewUpdateCourseProgressHandler(repo, f.ledger, f.clock, f.inv, f.bc, nil)
	f.complete = NewCompleteLessonHandler(repo, f.ledger, f.streak, f.course, f.inv, f.bc, f.clock, nil)
	f.enroll = NewEnrollHandler(repo, f.inv, f.clock, nil)

	_, err := f.enroll.Handle(context.Background(), EnrollCommand{UserID: "u1", CourseID: "c1"})
	if err != nil {
		t.Fatalf("seed enrollment: %v", err)
	}
	f.inv.calls = nil
	return f
}

func (f *fixture) userProgress(t *testing.T, userID string) *progress.UserProgress {
	t.Helper()
	p, err := f.store.GetProgress(context.Background(), userID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	return p
}
