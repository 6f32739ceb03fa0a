package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maternar/progression/config"
	"github.com/maternar/progression/internal/application/command"
	"github.com/maternar/progression/internal/application/query"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.Health.Check(c.Request.Context())
	if !status.Healthy {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// LEARNER COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

// StreakResponse is the streak part of a completion response.
type StreakResponse struct {
	CurrentStreak int                        `json:"currentStreak"`
	LongestStreak int                        `json:"longestStreak"`
	Unlocked      []progress.AchievementCode `json:"unlockedAchievements,omitempty"`
}

// CourseProgressResponse is the course part of a completion response.
type CourseProgressResponse struct {
	CourseID  string `json:"courseId"`
	Progress  int    `json:"progress"`
	Completed bool   `json:"completed"`
	XPAwarded int    `json:"xpAwarded,omitempty"`
}

// CompleteLessonResponse is returned by the completion endpoint. Streak and
// CourseProgress are omitted when their follow-up failed.
type CompleteLessonResponse struct {
	CompletionID   string                  `json:"completionId"`
	LessonID       string                  `json:"lessonId"`
	CompletedAt    time.Time               `json:"completedAt"`
	XPEarned       int                     `json:"xpEarned"`
	Streak         *StreakResponse         `json:"streak,omitempty"`
	CourseProgress *CourseProgressResponse `json:"courseProgress,omitempty"`
}

func (s *Server) handleCompleteLesson(c *gin.Context) {
	p := principal(c)
	res, err := s.deps.CompleteLesson.Handle(c.Request.Context(), command.CompleteLessonCommand{
		UserID:   p.UserID,
		LessonID: c.Param("lessonId"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	out := CompleteLessonResponse{
		CompletionID: res.Completion.ID,
		LessonID:     res.Completion.LessonID,
		CompletedAt:  res.Completion.CompletedAt,
		XPEarned:     res.XPEarned,
	}
	if res.Streak != nil {
		out.Streak = &StreakResponse{
			CurrentStreak: res.Streak.CurrentStreak,
			LongestStreak: res.Streak.LongestStreak,
			Unlocked:      res.Streak.Unlocked,
		}
	}
	if res.CourseProgress != nil {
		out.CourseProgress = courseProgressResponse(res.CourseID, res.CourseProgress)
	}
	c.JSON(http.StatusCreated, out)
}

// EnrollmentResponse is returned by the enroll endpoint.
type EnrollmentResponse struct {
	CourseID   string    `json:"courseId"`
	Progress   int       `json:"progress"`
	EnrolledAt time.Time `json:"enrolledAt"`
}

func (s *Server) handleEnroll(c *gin.Context) {
	p := principal(c)
	e, err := s.deps.Enroll.Handle(c.Request.Context(), command.EnrollCommand{
		UserID:   p.UserID,
		CourseID: c.Param("courseId"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, EnrollmentResponse{
		CourseID:   e.CourseID,
		Progress:   e.Progress,
		EnrolledAt: e.EnrolledAt,
	})
}

func (s *Server) handleUpdateCourseProgress(c *gin.Context) {
	p := principal(c)
	courseID := c.Param("courseId")
	res, err := s.deps.UpdateCourseProgress.Handle(c.Request.Context(), command.UpdateCourseProgressCommand{
		UserID:   p.UserID,
		CourseID: courseID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, courseProgressResponse(courseID, res))
}

func courseProgressResponse(courseID string, r *command.UpdateCourseProgressResult) *CourseProgressResponse {
	return &CourseProgressResponse{
		CourseID:  courseID,
		Progress:  r.Progress,
		Completed: r.Completed,
		XPAwarded: r.XPAwarded,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// targetUser resolves :userId, where "me" means the caller.
func targetUser(c *gin.Context) (string, bool) {
	id := c.Param("userId")
	if id != "me" {
		return id, true
	}
	p := principal(c)
	if p == nil {
		abortUnauthorized(c, "\"me\" requires a bearer token")
		return "", false
	}
	return p.UserID, true
}

func (s *Server) handleGetStreak(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}
	dto, err := s.deps.GetStreak.Handle(c.Request.Context(), query.GetStreakQuery{UserID: userID})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

func (s *Server) handleGetAchievements(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}
	dto, err := s.deps.GetAchievements.Handle(c.Request.Context(), query.GetAchievementsQuery{UserID: userID})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

func (s *Server) handleGetLeaderboard(c *gin.Context) {
	if !s.flagEnabled(config.FeatureWeeklyLeaderboard) {
		respondError(c, shared.NewDomainError("leaderboard", "GetWeekly", shared.ErrNotFound, "leaderboard is disabled"))
		return
	}

	q := query.GetWeeklyLeaderboardQuery{}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondBadRequest(c, "limit must be an integer")
			return
		}
		q.Limit = n
	}

	dto, err := s.deps.GetLeaderboard.Handle(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ══════════════════════════════════════════════════════════════════════════════

type weeklyResetRequest struct {
	Force bool `json:"force"`
}

// WeeklyResetResponse reports a manual weekly reset.
type WeeklyResetResponse struct {
	Week       string `json:"week"`
	UsersReset int64  `json:"usersReset"`
	Skipped    bool   `json:"skipped"`
}

func (s *Server) handleResetWeeklyXP(c *gin.Context) {
	var req weeklyResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid JSON body")
			return
		}
	}

	res, err := s.deps.ResetWeeklyXP.Handle(c.Request.Context(), command.ResetWeeklyXPCommand{Force: req.Force})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, WeeklyResetResponse{Week: res.Week, UsersReset: res.UsersReset, Skipped: res.Skipped})
}

type invalidateRequest struct {
	Event string   `json:"event" binding:"required"`
	IDs   []string `json:"ids"`
}

func (s *Server) handleInvalidateCache(c *gin.Context) {
	if s.deps.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorEnvelope{Error: APIError{Code: "cache_disabled", Message: "cache is not configured"}})
		return
	}

	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "body must be {\"event\": string, \"ids\": [string]}")
		return
	}

	evicted, err := s.deps.Cache.InvalidateByName(c.Request.Context(), strings.TrimSpace(req.Event), req.IDs...)
	if err != nil {
		// Unknown events and bad ids are caller mistakes on this endpoint.
		var de *shared.DomainError
		msg := err.Error()
		if errors.As(err, &de) {
			msg = de.Message
		}
		respondBadRequest(c, msg)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": evicted})
}
