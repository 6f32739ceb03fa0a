package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeatureFlags manages feature toggles with gradual, per-user rollout.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// userOverrides force a feature on or off for one user.
	userOverrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100). Users are bucketed by a hash of their ID.
	RolloutPercent int

	// Time-based activation
	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	UserID  string
	IsAdmin bool
}

// Predefined feature flag names.
const (
	FeatureRealtime           = "notify.realtime"           // Realtime pushes over pub/sub
	FeatureStreakAchievements = "gamification.achievements" // Streak milestone badges
	FeatureWeeklyLeaderboard  = "gamification.leaderboard"  // Weekly XP ranking endpoint
	FeatureRateLimit          = "api.rate_limit"            // Per-user completion rate limit
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:      make(map[string]*Feature),
		userOverrides: make(map[string]map[string]bool),
	}
	ff.initializeDefaults()
	ff.loadFromEnvironment()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureRealtime] = &Feature{
		Name:           FeatureRealtime,
		Description:    "Push progress events to connected clients",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureStreakAchievements] = &Feature{
		Name:           FeatureStreakAchievements,
		Description:    "Unlock achievements at streak milestones",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureWeeklyLeaderboard] = &Feature{
		Name:           FeatureWeeklyLeaderboard,
		Description:    "Expose the weekly XP leaderboard",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureRateLimit] = &Feature{
		Name:           FeatureRateLimit,
		Description:    "Limit lesson completions per user and minute",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment reads overrides.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_NOTIFY_REALTIME=25 (25% rollout)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// "notify.realtime" -> "FEATURE_NOTIFY_REALTIME"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context.
// A nil context asks whether the feature is on for anyone.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if ctx != nil && ctx.UserID != "" {
		if overrides, ok := ff.userOverrides[ctx.UserID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	if ctx != nil && ctx.IsAdmin {
		return true
	}

	now := time.Now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	if feature.RolloutPercent < 100 && ctx != nil && ctx.UserID != "" {
		return inRollout(ctx.UserID, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// ForUser returns a predicate for one feature, evaluated per user.
func (ff *FeatureFlags) ForUser(featureName string) func(userID string) bool {
	return func(userID string) bool {
		return ff.IsEnabled(featureName, &FeatureContext{UserID: userID})
	}
}

// inRollout keeps a user in the same bucket across restarts.
func inRollout(userID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(userID))
	return int(h.Sum32()%100) < percent
}

// SetUserOverride forces a feature on or off for one user.
func (ff *FeatureFlags) SetUserOverride(userID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if ff.userOverrides[userID] == nil {
		ff.userOverrides[userID] = make(map[string]bool)
	}
	ff.userOverrides[userID][featureName] = enabled
}

// SetEnabled switches a feature for everyone.
func (ff *FeatureFlags) SetEnabled(featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if f, ok := ff.features[featureName]; ok {
		f.Enabled = enabled
		if enabled && f.RolloutPercent == 0 {
			f.RolloutPercent = 100
		}
	}
}

// Snapshot returns feature name -> globally enabled, for logging at start-up.
func (ff *FeatureFlags) Snapshot() map[string]bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make(map[string]bool, len(ff.features))
	for name, f := range ff.features {
		out[name] = f.Enabled && f.RolloutPercent > 0
	}
	return out
}
