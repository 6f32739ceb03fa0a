// Package main is the entry point for background jobs.
//
// The worker zeroes weekly XP at the start of each week in the portal
// timezone. Several replicas may run; the per-week run marker keeps the
// reset from happening twice.
//
// With -run-now the worker performs the weekly reset once and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maternar/progression/config"
	"github.com/maternar/progression/internal/app"
	"github.com/maternar/progression/internal/infrastructure/scheduler"
	"github.com/maternar/progression/internal/infrastructure/scheduler/jobs"
	"github.com/maternar/progression/pkg/logger"
)

func main() {
	runNow := flag.Bool("run-now", false, "run the weekly XP reset once and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx, *runNow); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, runNow bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := app.NewLogger(cfg).With(logger.Component("worker"))
	defer log.Sync()

	if !cfg.Scheduler.Enabled && !runNow {
		log.Info("scheduler disabled, nothing to do")
		return nil
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(scheduler.Config{
		Timezone:   cfg.App.Location,
		JobTimeout: cfg.Scheduler.JobTimeout,
	}, log)

	reset := jobs.NewWeeklyXPResetJob(a.ResetWeeklyXP, log)
	if err := sched.RegisterWeekly(reset, cfg.Scheduler.WeeklyResetDay, cfg.Scheduler.WeeklyResetTime); err != nil {
		return err
	}

	if runNow {
		res, err := sched.RunNow(ctx, reset.Name())
		if err != nil {
			return err
		}
		sched.Stop()
		if !res.Success {
			return fmt.Errorf("%s failed: %w", res.JobName, res.Error)
		}
		log.Info("one-off run completed", logger.String("job", res.JobName), logger.Latency(res.Duration))
		return nil
	}

	sched.Start()
	log.Info("worker is running", logger.String("timezone", cfg.App.Timezone))

	<-ctx.Done()
	log.Info("received shutdown signal")
	sched.Stop()

	log.Info("shutdown completed")
	return nil
}
