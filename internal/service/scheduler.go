package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/agentscraper/scrapectl/internal/model"
)

func reconcileJob(ctx context.Context, timing model.Timing) (gocron.JobDefinition, error) {
	switch {
	case timing.ReconcileCron != "":
		if err := model.ValidateCron(timing.ReconcileCron); err != nil {
			return nil, fmt.Errorf("parsing service.reconcile.cron: %w", err)
		}
		slog.DebugContext(ctx, "reconcile schedule", "cron", timing.ReconcileCron)
		return gocron.CronJob(timing.ReconcileCron, false), nil
	case timing.ReconcileEvery > 0:
		slog.DebugContext(ctx, "reconcile schedule", "every", timing.ReconcileEvery.String())
		return gocron.DurationJob(timing.ReconcileEvery), nil
	default:
		return nil, errors.New("both reconcile cron and every are empty")
	}
}

func reconcileOptions() []gocron.JobOption {
	return []gocron.JobOption{
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("reconcile"),
	}
}

func newScheduler(ctx context.Context, timing model.Timing, task func()) (gocron.Scheduler, gocron.Job, error) {
	def, err := reconcileJob(ctx, timing)
	if err != nil {
		return nil, nil, err
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	job, err := s.NewJob(def, gocron.NewTask(task), reconcileOptions()...)
	if err != nil {
		_ = s.Shutdown()
		return nil, nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, job, nil
}
