// Package jobs contains the scheduled maintenance jobs.
package jobs

import (
	"context"

	"github.com/maternar/progression/internal/application/command"
	"github.com/maternar/progression/pkg/logger"
)

// WeeklyResetHandler is the command the job triggers.
type WeeklyResetHandler interface {
	Handle(ctx context.Context, cmd command.ResetWeeklyXPCommand) (*command.ResetWeeklyXPResult, error)
}

// WeeklyXPResetJob zeroes weekly XP at the start of each week.
type WeeklyXPResetJob struct {
	handler WeeklyResetHandler
	log     *logger.Logger
}

// NewWeeklyXPResetJob creates the weekly reset job.
func NewWeeklyXPResetJob(handler WeeklyResetHandler, log *logger.Logger) *WeeklyXPResetJob {
	if log == nil {
		log = logger.Nop()
	}
	return &WeeklyXPResetJob{handler: handler, log: log}
}

// Name returns the job name.
func (j *WeeklyXPResetJob) Name() string { return command.WeeklyResetJob }

// Run executes the reset. A week that already ran is skipped by the handler.
func (j *WeeklyXPResetJob) Run(ctx context.Context) error {
	res, err := j.handler.Handle(ctx, command.ResetWeeklyXPCommand{})
	if err != nil {
		return err
	}
	if res.Skipped {
		j.log.Debug("weekly reset already done", logger.String("week", res.Week))
	}
	return nil
}
