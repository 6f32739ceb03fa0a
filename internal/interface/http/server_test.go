package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maternar/progression/config"
	"github.com/maternar/progression/internal/application/command"
	"github.com/maternar/progression/internal/application/query"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/internal/infrastructure/persistence/memory"
	"github.com/maternar/progression/internal/infrastructure/persistence/redis"
	"github.com/maternar/progression/pkg/timeutil"
)

const testSecret = "test-secret-0123456789abcdef-0123"

type testAPI struct {
	srv   *Server
	store *memory.Store
	auth  *Authenticator
	mr    *miniredis.Miniredis
}

func newTestAPI(t *testing.T, mutate func(*Config, *Dependencies)) *testAPI {
	t.Helper()

	store := memory.NewStore()
	store.PutUser(progress.UserProgress{UserID: "u1"})
	store.PutUser(progress.UserProgress{UserID: "u2"})
	store.PutCourse(progress.Course{ID: "c1", XPReward: 300},
		progress.Lesson{ID: "l1", XPReward: 100},
		progress.Lesson{ID: "l2", XPReward: 100},
	)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	cache := redis.NewCache(client, nil)
	inv := redis.NewInvalidator(cache, nil)

	clock := timeutil.ClockFunc(func() time.Time { return time.Date(2026, time.October, 15, 13, 0, 0, 0, time.UTC) })
	cal := timeutil.NewCalendar(clock, time.UTC)

	ledger := command.NewXPLedger(clock)
	streak := command.NewUpdateStreakHandler(store, cal, inv, nil, nil)
	course := command.NewUpdateCourseProgressHandler(store, ledger, clock, inv, nil, nil)
	enroll := command.NewEnrollHandler(store, inv, clock, nil)
	_, err := enroll.Handle(context.Background(), command.EnrollCommand{UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)

	auth := NewAuthenticator(testSecret, "")
	cfg := DefaultConfig()
	cfg.CompletionRateLimit = 0
	deps := Dependencies{
		CompleteLesson:       command.NewCompleteLessonHandler(store, ledger, streak, course, inv, nil, clock, nil),
		Enroll:               enroll,
		UpdateCourseProgress: course,
		ResetWeeklyXP:        command.NewResetWeeklyXPHandler(store, cache, cal, nil),
		GetStreak:            query.NewGetStreakHandler(store, cache, cal, time.Minute, nil),
		GetLeaderboard:       query.NewGetWeeklyLeaderboardHandler(store, cache, time.Minute, nil),
		GetAchievements:      query.NewGetAchievementsHandler(store, cache, time.Minute, nil),
		Cache:                inv,
		Counter:              cache,
		Auth:                 auth,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	return &testAPI{srv: NewServer(cfg, deps), store: store, auth: auth, mr: mr}
}

func (a *testAPI) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := a.auth.IssueToken(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestCompleteLessonEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	tok := api.token(t, "u1", "")

	rec := api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", tok, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	var body CompleteLessonResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 100, body.XPEarned)
	assert.Equal(t, "l1", body.LessonID)
	require.NotNil(t, body.Streak)
	assert.Equal(t, 1, body.Streak.CurrentStreak)
	require.NotNil(t, body.CourseProgress)
	assert.Equal(t, 50, body.CourseProgress.Progress)

	rec = api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec).Code)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
		code   string
	}{
		{"unknown lesson", http.MethodPost, "/api/v1/lessons/nope/complete", api.token(t, "u1", ""), http.StatusNotFound, "not_found"},
		{"not enrolled", http.MethodPost, "/api/v1/lessons/l1/complete", api.token(t, "u2", ""), http.StatusForbidden, "forbidden"},
		{"missing token", http.MethodPost, "/api/v1/lessons/l1/complete", "", http.StatusUnauthorized, "unauthorized"},
		{"garbage token", http.MethodPost, "/api/v1/lessons/l1/complete", "not-a-jwt", http.StatusUnauthorized, "unauthorized"},
		{"already enrolled", http.MethodPost, "/api/v1/courses/c1/enroll", api.token(t, "u1", ""), http.StatusConflict, "conflict"},
		{"unknown course", http.MethodPost, "/api/v1/courses/zzz/enroll", api.token(t, "u1", ""), http.StatusNotFound, "not_found"},
		{"learner on admin route", http.MethodPost, "/api/v1/admin/xp/weekly-reset", api.token(t, "u1", "learner"), http.StatusForbidden, "forbidden"},
		{"bad limit", http.MethodGet, "/api/v1/leaderboard/weekly?limit=abc", "", http.StatusBadRequest, "invalid_input"},
		{"negative limit", http.MethodGet, "/api/v1/leaderboard/weekly?limit=-3", "", http.StatusBadRequest, "invalid_input"},
		{"unknown user streak", http.MethodGet, "/api/v1/users/ghost/streak", "", http.StatusNotFound, "not_found"},
		{"anonymous me", http.MethodGet, "/api/v1/users/me/streak", "", http.StatusUnauthorized, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestClassify(t *testing.T) {
	status, code := classify(errors.New("db down"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", code)

	status, _ = classify(shared.ErrEmptyCourse)
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _ = classify(shared.ErrInsufficientPermissions)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestExpiredAndForeignTokensRejected(t *testing.T) {
	api := newTestAPI(t, nil)

	past := NewAuthenticator(testSecret, "")
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := past.IssueToken("u1", "", time.Hour)
	require.NoError(t, err)

	foreign, err := NewAuthenticator("another-secret-0123456789abcdef-xx", "").IssueToken("u1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	for _, tok := range []string{expired, foreign} {
		rec := api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestStreakEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", api.token(t, "u1", ""), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Anonymous reads are allowed.
	rec = api.do(t, http.MethodGet, "/api/v1/users/u1/streak", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto query.StreakDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, 1, dto.CurrentStreak)
	assert.Equal(t, 100, dto.TotalXP)

	// An invalid token on an optional route is ignored.
	rec = api.do(t, http.MethodGet, "/api/v1/users/u1/streak", "junk", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/users/me/achievements", api.token(t, "u1", ""), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminWeeklyReset(t *testing.T) {
	api := newTestAPI(t, nil)
	api.store.PutUser(progress.UserProgress{UserID: "u2", TotalXP: 80, WeeklyXP: 80})
	admin := api.token(t, "ops", RoleAdmin)

	rec := api.do(t, http.MethodPost, "/api/v1/admin/xp/weekly-reset", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res WeeklyResetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.UsersReset)
	assert.False(t, res.Skipped)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/xp/weekly-reset", admin, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Skipped)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/xp/weekly-reset", admin, map[string]bool{"force": true})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Skipped)
}

func TestAdminInvalidateCache(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.token(t, "ops", RoleAdmin)
	api.mr.Set("user:u1", "{}")

	rec := api.do(t, http.MethodPost, "/api/v1/admin/cache/invalidate", admin,
		map[string]any{"event": "onUserUpdate", "ids": []string{"u1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, api.mr.Exists("user:u1"))

	rec = api.do(t, http.MethodPost, "/api/v1/admin/cache/invalidate", admin,
		map[string]any{"event": "onEverything", "ids": []string{"u1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/cache/invalidate", admin,
		map[string]any{"event": "onLessonComplete", "ids": []string{"u1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletionRateLimit(t *testing.T) {
	api := newTestAPI(t, func(cfg *Config, _ *Dependencies) { cfg.CompletionRateLimit = 2 })
	tok := api.token(t, "u1", "")

	assert.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", tok, nil).Code)
	assert.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/lessons/l2/complete", tok, nil).Code)

	rec := api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Other users have their own window.
	rec = api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", api.token(t, "u2", ""), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCompletionRateLimit_FailsOpen(t *testing.T) {
	api := newTestAPI(t, func(cfg *Config, _ *Dependencies) { cfg.CompletionRateLimit = 1 })
	tok := api.token(t, "u1", "")
	api.mr.Close()

	assert.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", tok, nil).Code)
	assert.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/lessons/l2/complete", tok, nil).Code)
}

func TestCompletionRateLimit_FeatureOff(t *testing.T) {
	flags := config.LoadFeatureFlags()
	flags.SetUserOverride("u1", config.FeatureRateLimit, false)
	api := newTestAPI(t, func(cfg *Config, deps *Dependencies) {
		cfg.CompletionRateLimit = 1
		deps.Features = flags
	})
	tok := api.token(t, "u1", "")

	assert.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/lessons/l1/complete", tok, nil).Code)
	assert.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/lessons/l2/complete", tok, nil).Code)
}

func TestLeaderboardEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	api.store.PutUser(progress.UserProgress{UserID: "u2", WeeklyXP: 40})

	rec := api.do(t, http.MethodGet, "/api/v1/leaderboard/weekly?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto query.LeaderboardDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.Len(t, dto.Entries, 1)
	assert.Equal(t, "u2", dto.Entries[0].UserID)

	flags := config.LoadFeatureFlags()
	flags.SetEnabled(config.FeatureWeeklyLeaderboard, false)
	off := newTestAPI(t, func(_ *Config, deps *Dependencies) { deps.Features = flags })
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/api/v1/leaderboard/weekly", "", nil).Code)
}

func TestHealthz(t *testing.T) {
	health := NewHealthChecker("test")
	health.AddCheck("database", func(context.Context) error { return nil })
	health.AddOptionalCheck("cache", func(context.Context) error { return errors.New("connection refused") })
	api := newTestAPI(t, func(_ *Config, deps *Dependencies) { deps.Health = health })

	rec := api.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)
	assert.False(t, status.Checks["cache"].Healthy)

	health.AddCheck("database", func(context.Context) error { return errors.New("timeout") })
	rec = api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
