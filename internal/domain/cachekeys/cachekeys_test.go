package cachekeys

import (
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maternar/progression/internal/domain/shared"
)

func TestKeys_LessonComplete(t *testing.T) {
	want := []string{
		"course:c1:progress:u1",
		"leaderboard:weekly",
		"user:u1:progress",
		"user:u1:stats",
	}

	first, err := Keys(OnLessonComplete, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, want, first)

	second, err := Keys(OnLessonComplete, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeys_EveryEventProducesKeys(t *testing.T) {
	for _, e := range Events {
		ids := []string{"a", "b"}[:e.arity()]
		keys, err := Keys(e, ids...)
		require.NoError(t, err, e.String())
		assert.NotEmpty(t, keys, e.String())

		parsed, err := ParseEvent(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, parsed)
	}
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"b", "a", "b"}))
	assert.Empty(t, dedupe(nil))
}

func TestKeys_ConfigErrors(t *testing.T) {
	_, err := Keys(Event(99), "u1")
	assert.True(t, shared.IsConfig(err))

	_, err = Keys(eventUnknown)
	assert.True(t, shared.IsConfig(err))

	_, err = Keys(OnLessonComplete, "u1")
	assert.True(t, shared.IsConfig(err))

	_, err = Keys(OnUserUpdate, " ")
	assert.True(t, shared.IsConfig(err))

	_, err = ParseEvent("onSomethingElse")
	assert.True(t, shared.IsConfig(err))
}

func TestAuxiliaryKeys(t *testing.T) {
	assert.Equal(t, "ratelimit:u1:complete_lesson", RateLimitKey("u1", "complete_lesson"))
	assert.Equal(t, "jobs:weekly_xp_reset:runs", JobRunsKey("weekly_xp_reset"))
	assert.Greater(t, JobRunsTTL, 7*24*time.Hour)

	match, err := path.Match(UserStatsPattern, UserStatsKey("u1"))
	require.NoError(t, err)
	assert.True(t, match)

	match, _ = path.Match(UserStatsPattern, UserAchievementsKey("u1"))
	assert.False(t, match)
}
