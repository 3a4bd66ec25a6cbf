package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/ostrun/internal/model"
)

// Serve calls task on the schedule until ctx is done. Runs never overlap,
// a run taking longer than the interval postpones the next one. With
// immediately set the first run starts right away.
func Serve(ctx context.Context, cfgp *model.Schedule, immediately bool, task func(context.Context)) error {
	scheduler, err := newScheduler(ctx, cfgp, immediately, func() { task(ctx) })
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "starting a scheduler")
	scheduler.Start()
	<-ctx.Done()

	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}

func newScheduler(ctx context.Context, cfgp *model.Schedule, immediately bool, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("service.schedule is nil")
	}
	cfg := *cfgp
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("parsing service.schedule: %w", err)
	}

	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	} else {
		d, _ := model.ParseISODuration(cfg.Duration)
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	opts := []gocron.JobOption{
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if immediately {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		opts...,
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
