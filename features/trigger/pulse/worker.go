package pulse

import (
	"context"
	"errors"
	"fmt"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/syncdiag/features/trigger/pulse/clients/pulse"
	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
	"goa.design/syncdiag/runtime/telemetry"
)

type (
	// TaskRunner starts runs. *workflow.Task implements it.
	TaskRunner interface {
		Run(ctx context.Context, p workflow.Params) error
	}

	// WorkerOptions configures a Worker.
	WorkerOptions struct {
		// Client is required.
		Client clientspulse.Client
		// Task is required.
		Task TaskRunner
		// Stream defaults to DefaultStream.
		Stream string
		// Sink defaults to DefaultSink.
		Sink string
		// SinkOptions are passed to the Pulse sink.
		SinkOptions []streamopts.Sink
		Logger      telemetry.Logger
	}

	// Worker consumes run messages and starts the runs.
	Worker struct {
		client   clientspulse.Client
		task     TaskRunner
		stream   string
		sink     string
		sinkOpts []streamopts.Sink
		logger   telemetry.Logger
	}
)

// NewWorker returns a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Task == nil {
		return nil, errors.New("task is required")
	}
	w := &Worker{
		client:   opts.Client,
		task:     opts.Task,
		stream:   opts.Stream,
		sink:     opts.Sink,
		sinkOpts: opts.SinkOptions,
		logger:   telemetry.Or(opts.Logger),
	}
	if w.stream == "" {
		w.stream = DefaultStream
	}
	if w.sink == "" {
		w.sink = DefaultSink
	}
	return w, nil
}

// Run consumes messages until ctx is done. Messages are acked once the run
// started or can never start; other failures leave them pending for
// redelivery.
func (w *Worker) Run(ctx context.Context) error {
	stream, err := w.client.Stream(w.stream)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, w.sink, w.sinkOpts...)
	if err != nil {
		return err
	}
	defer sink.Close(context.WithoutCancel(ctx))

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("diagnostics stream %q subscription closed", w.stream)
			}
			if !w.handle(ctx, ev) {
				continue
			}
			if err := sink.Ack(ctx, ev); err != nil {
				return fmt.Errorf("ack run message %s: %w", ev.ID, err)
			}
		}
	}
}

// handle starts the run carried by ev and reports whether ev should be
// acked.
func (w *Worker) handle(ctx context.Context, ev *streaming.Event) bool {
	p, err := DecodeMessage(ev.Payload)
	if err != nil {
		w.logger.Warn(ctx, "dropping invalid run message", "message_id", ev.ID, "error", err)
		return true
	}
	err = w.task.Run(ctx, p)
	switch {
	case err == nil:
		return true
	case permanent(err):
		w.logger.Info(ctx, "run message cannot start, dropping", "message_id", ev.ID, "run_id", p.RunID.String(), "error", err)
		return true
	default:
		w.logger.Warn(ctx, "run message failed, leaving for redelivery", "message_id", ev.ID, "run_id", p.RunID.String(), "error", err)
		return false
	}
}

// permanent reports whether retrying err can never succeed.
func permanent(err error) bool {
	for _, target := range []error{
		diagnostics.ErrIllegalState,
		diagnostics.ErrInvalidArgument,
		diagnostics.ErrNotFound,
		calendar.ErrNotFound,
		calendar.ErrNotEligible,
		calendar.ErrReadOnly,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
