package service

import (
	"context"

	"goa.design/syncdiag/runtime/diagnostics/runner"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
	"goa.design/syncdiag/runtime/telemetry"
)

type (
	// TaskRunner executes a run. *workflow.Task implements it.
	TaskRunner interface {
		Run(ctx context.Context, p workflow.Params) error
	}

	// LocalDispatcher runs tasks on an in-process scheduler. Delivery is
	// at most once: a run scheduled on a process that dies is never
	// started and expires with its results.
	LocalDispatcher struct {
		task      TaskRunner
		scheduler runner.Scheduler
		logger    telemetry.Logger
	}
)

// NewLocalDispatcher returns a LocalDispatcher.
func NewLocalDispatcher(task TaskRunner, scheduler runner.Scheduler, logger telemetry.Logger) *LocalDispatcher {
	return &LocalDispatcher{task: task, scheduler: scheduler, logger: telemetry.Or(logger)}
}

// Dispatch schedules the run and returns immediately.
func (d *LocalDispatcher) Dispatch(ctx context.Context, p workflow.Params) error {
	ctx = context.WithoutCancel(ctx)
	d.scheduler.Schedule(func() {
		if err := d.task.Run(ctx, p); err != nil {
			d.logger.Error(ctx, "diagnostic run did not start", "run_id", p.RunID.String(), "error", err)
		}
	}, 0)
	return nil
}
