package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/pkg/timeutil"
)

// ProgressRepository implements progress.Repository using PostgreSQL.
type ProgressRepository struct {
	conn *Connection
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

var _ progress.Repository = (*ProgressRepository)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// USER PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func (r *ProgressRepository) GetProgress(ctx context.Context, userID string) (*progress.UserProgress, error) {
	var (
		p    progress.UserProgress
		last pgtype.Date
	)
	err := r.conn.QueryRow(ctx, `
		SELECT id, total_xp, weekly_xp, current_streak, longest_streak, last_streak_date
		FROM users WHERE id = $1
	`, userID).Scan(&p.UserID, &p.TotalXP, &p.WeeklyXP, &p.Streak.Current, &p.Streak.Longest, &last)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrUserNotFound
		}
		return nil, fmt.Errorf("postgres: get progress: %w", err)
	}
	p.Streak.LastDate = fromPgDate(last)
	return &p, nil
}

func (r *ProgressRepository) CompareAndSetStreak(ctx context.Context, userID string, prevLast timeutil.Date, next progress.Streak) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
		UPDATE users
		SET current_streak = $2,
		    longest_streak = GREATEST(longest_streak, $3),
		    last_streak_date = $4::date,
		    updated_at = NOW()
		WHERE id = $1 AND last_streak_date IS NOT DISTINCT FROM $5::date
	`, userID, next.Current, next.Longest, toPgDate(next.LastDate), toPgDate(prevLast))
	if err != nil {
		return false, fmt.Errorf("postgres: set streak: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ProgressRepository) HasCompletionSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	var exists bool
	err := r.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM lesson_completions WHERE user_id = $1 AND completed_at >= $2
		)
	`, userID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check completions: %w", err)
	}
	return exists, nil
}

func (r *ProgressRepository) ResetWeeklyXP(ctx context.Context) (int64, error) {
	tag, err := r.conn.Exec(ctx, `UPDATE users SET weekly_xp = 0, updated_at = NOW() WHERE weekly_xp <> 0`)
	if err != nil {
		return 0, fmt.Errorf("postgres: reset weekly xp: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ProgressRepository) ListAchievements(ctx context.Context, userID string) ([]progress.Achievement, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT code, unlocked_at
		FROM user_achievements
		WHERE user_id = $1
		ORDER BY unlocked_at, code
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list achievements: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (progress.Achievement, error) {
		var (
			a    progress.Achievement
			code string
		)
		err := row.Scan(&code, &a.UnlockedAt)
		a.Code = progress.AchievementCode(code)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list achievements: %w", err)
	}
	if len(out) == 0 {
		// Tell an unknown user apart from one without achievements.
		if _, err := r.GetProgress(ctx, userID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *ProgressRepository) WeeklyLeaderboard(ctx context.Context, limit int) ([]progress.LeaderboardEntry, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT ROW_NUMBER() OVER (ORDER BY weekly_xp DESC, id), id, display_name, weekly_xp
		FROM users
		WHERE weekly_xp > 0
		ORDER BY weekly_xp DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: weekly leaderboard: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (progress.LeaderboardEntry, error) {
		var e progress.LeaderboardEntry
		err := row.Scan(&e.Rank, &e.UserID, &e.DisplayName, &e.WeeklyXP)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: weekly leaderboard: %w", err)
	}
	return out, nil
}

func (r *ProgressRepository) UnlockAchievement(ctx context.Context, userID string, code progress.AchievementCode, at time.Time) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
		INSERT INTO user_achievements (user_id, code, unlocked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, code) DO NOTHING
	`, userID, string(code), at)
	if err != nil {
		return false, fmt.Errorf("postgres: unlock achievement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COURSES
// ══════════════════════════════════════════════════════════════════════════════

func (r *ProgressRepository) GetLesson(ctx context.Context, lessonID string) (*progress.Lesson, error) {
	var l progress.Lesson
	err := r.conn.QueryRow(ctx, `
		SELECT id, course_id, title, xp_reward FROM lessons WHERE id = $1
	`, lessonID).Scan(&l.ID, &l.CourseID, &l.Title, &l.XPReward)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrLessonNotFound
		}
		return nil, fmt.Errorf("postgres: get lesson: %w", err)
	}
	return &l, nil
}

func (r *ProgressRepository) GetCourse(ctx context.Context, courseID string) (*progress.Course, error) {
	var c progress.Course
	err := r.conn.QueryRow(ctx, `
		SELECT id, title, xp_reward FROM courses WHERE id = $1
	`, courseID).Scan(&c.ID, &c.Title, &c.XPReward)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrCourseNotFound
		}
		return nil, fmt.Errorf("postgres: get course: %w", err)
	}
	return &c, nil
}

func (r *ProgressRepository) GetEnrollment(ctx context.Context, userID, courseID string) (*progress.Enrollment, error) {
	var e progress.Enrollment
	err := r.conn.QueryRow(ctx, `
		SELECT user_id, course_id, progress, enrolled_at, completed_at
		FROM enrollments WHERE user_id = $1 AND course_id = $2
	`, userID, courseID).Scan(&e.UserID, &e.CourseID, &e.Progress, &e.EnrolledAt, &e.CompletedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrNotEnrolled
		}
		return nil, fmt.Errorf("postgres: get enrollment: %w", err)
	}
	return &e, nil
}

func (r *ProgressRepository) CreateEnrollment(ctx context.Context, e *progress.Enrollment) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO enrollments (user_id, course_id, progress, enrolled_at)
		VALUES ($1, $2, $3, $4)
	`, e.UserID, e.CourseID, e.Progress, e.EnrolledAt)
	if err != nil {
		switch {
		case IsUniqueViolation(err) && violatedConstraint(err) == constraintEnrollmentUnique:
			return shared.ErrAlreadyEnrolled
		case IsForeignKeyViolation(err) && violatedConstraint(err) == "enrollments_user_id_fkey":
			return shared.ErrUserNotFound
		case IsForeignKeyViolation(err):
			return shared.ErrCourseNotFound
		}
		return fmt.Errorf("postgres: create enrollment: %w", err)
	}
	return nil
}

func (r *ProgressRepository) CountLessons(ctx context.Context, courseID string) (int, error) {
	var n int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM lessons WHERE course_id = $1`, courseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count lessons: %w", err)
	}
	return n, nil
}

func (r *ProgressRepository) CountCompletedLessons(ctx context.Context, userID, courseID string) (int, error) {
	var n int
	err := r.conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM lesson_completions lc
		JOIN lessons l ON l.id = lc.lesson_id
		WHERE lc.user_id = $1 AND l.course_id = $2
	`, userID, courseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count completed lessons: %w", err)
	}
	return n, nil
}

func (r *ProgressRepository) SetEnrollmentProgress(ctx context.Context, userID, courseID string, pct int) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE enrollments SET progress = $3 WHERE user_id = $1 AND course_id = $2
	`, userID, courseID, pct)
	if err != nil {
		return fmt.Errorf("postgres: set enrollment progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotEnrolled
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTIONAL WRITES
// ══════════════════════════════════════════════════════════════════════════════

func (r *ProgressRepository) WithinTx(ctx context.Context, fn func(tx progress.TxRepository) error) error {
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&txRepository{q: tx})
	})
}

type txRepository struct {
	q Querier
}

func (t *txRepository) InsertCompletion(ctx context.Context, c *progress.LessonCompletion) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO lesson_completions (id, user_id, lesson_id, completed_at)
		VALUES ($1, $2, $3, $4)
	`, c.ID, c.UserID, c.LessonID, c.CompletedAt)
	if err != nil {
		switch {
		case IsUniqueViolation(err) && violatedConstraint(err) == constraintCompletionUnique:
			return shared.ErrAlreadyCompleted
		case IsForeignKeyViolation(err) && violatedConstraint(err) == "lesson_completions_user_id_fkey":
			return shared.ErrUserNotFound
		case IsForeignKeyViolation(err):
			return shared.ErrLessonNotFound
		}
		return fmt.Errorf("postgres: insert completion: %w", err)
	}
	return nil
}

func (t *txRepository) IncrementXP(ctx context.Context, userID string, amount int) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE users
		SET total_xp = total_xp + $2, weekly_xp = weekly_xp + $2, updated_at = NOW()
		WHERE id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("postgres: increment xp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrUserNotFound
	}
	return nil
}

func (t *txRepository) AppendLedger(ctx context.Context, e *progress.XPLedgerEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO xp_ledger (id, user_id, amount, source, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.UserID, e.Amount, string(e.Source), e.RefID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append xp ledger: %w", err)
	}
	return nil
}

func (t *txRepository) MarkEnrollmentCompleted(ctx context.Context, userID, courseID string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE enrollments
		SET completed_at = $3, progress = 100
		WHERE user_id = $1 AND course_id = $2 AND completed_at IS NULL
	`, userID, courseID, at)
	if err != nil {
		return false, fmt.Errorf("postgres: mark enrollment completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DATE CONVERSION
// ══════════════════════════════════════════════════════════════════════════════

// DATE columns carry no zone; pgx hands them back as UTC midnight.
func fromPgDate(d pgtype.Date) timeutil.Date {
	if !d.Valid {
		return timeutil.Date{}
	}
	return timeutil.DateOf(d.Time.UTC())
}

func toPgDate(d timeutil.Date) pgtype.Date {
	if d.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: d.Midnight(time.UTC), Valid: true}
}
