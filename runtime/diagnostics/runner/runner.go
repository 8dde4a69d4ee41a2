// Package runner executes the steps of a diagnostic run.
//
// Every step runs through a Runner bound to one run. A failed step is
// logged with a fresh error id, converted into an error event, handed to
// the run's error hook and returned as a *StepError, so callers can tell a
// failure that was already recorded from one that was not. Steps that wait
// on an external system poll through RunAsyncUntilMatch, which schedules
// attempts on a Scheduler instead of blocking a goroutine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/telemetry"
)

type (
	// ErrorHandler is called once per failed step with the error event to
	// record and the cause. Returning a *StepError signals the failure was
	// itself handled; any other error is logged as a defect.
	ErrorHandler func(ctx context.Context, event diagnostics.Event, cause error) error

	// Runner runs steps of a single diagnostic run.
	Runner struct {
		runID     diagnostics.RunID
		scheduler Scheduler
		onError   ErrorHandler
		logger    telemetry.Logger
		tracer    telemetry.Tracer
	}

	// Factory creates runners sharing a scheduler and telemetry.
	Factory struct {
		scheduler Scheduler
		logger    telemetry.Logger
		tracer    telemetry.Tracer
	}

	// FactoryOption configures a Factory.
	FactoryOption func(*Factory)

	// StepError marks a step failure that went through the error hook.
	StepError struct {
		// Description is the step description.
		Description string
		// ErrorID correlates the recorded error event with the logs.
		ErrorID uuid.UUID
		// Err is the cause.
		Err error
	}
)

// ErrAttemptsExhausted is the cause recorded when polling never matched.
var ErrAttemptsExhausted = errors.New("exceeded max attempts")

// WithLogger sets the logger of created runners.
func WithLogger(l telemetry.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithTracer sets the tracer of created runners.
func WithTracer(t telemetry.Tracer) FactoryOption {
	return func(f *Factory) { f.tracer = t }
}

// NewFactory returns a Factory scheduling asynchronous attempts on s.
func NewFactory(s Scheduler, opts ...FactoryOption) *Factory {
	f := &Factory{scheduler: s}
	for _, o := range opts {
		o(f)
	}
	f.logger = telemetry.Or(f.logger)
	f.tracer = telemetry.OrTracer(f.tracer)
	return f
}

// New returns a Runner for runID. onError may be nil.
func (f *Factory) New(runID diagnostics.RunID, onError ErrorHandler) *Runner {
	return &Runner{
		runID:     runID,
		scheduler: f.scheduler,
		onError:   onError,
		logger:    f.logger,
		tracer:    f.tracer,
	}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("diagnostic step %q failed (error id %s): %v", e.Description, e.ErrorID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsStepError reports whether err carries a *StepError.
func IsStepError(err error) bool {
	var se *StepError
	return errors.As(err, &se)
}

// RunID returns the run the runner is bound to.
func (r *Runner) RunID() diagnostics.RunID { return r.runID }

// Do runs op synchronously as the step described by description.
func (r *Runner) Do(ctx context.Context, description string, op func(context.Context) error) error {
	_, err := Run(ctx, r, description, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run runs op synchronously as the step described by description and
// returns its value. Failures, including panics, go through the runner's
// error hook and come back as *StepError.
func Run[T any](ctx context.Context, r *Runner, description string, op func(context.Context) (T, error)) (T, error) {
	r.logger.Debug(ctx, "attempting diagnostic step", "run_id", r.runID.String(), "description", description)
	ctx, span := r.tracer.Start(ctx, "diagnostics.step", "run_id", r.runID.String(), "description", description)
	defer span.End()

	v, err := call(ctx, op)
	if err == nil {
		return v, nil
	}
	var zero T
	if IsStepError(err) {
		span.SetStatus(codes.Error, description)
		return zero, err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
	return zero, r.fail(ctx, description, err)
}

// RunAsyncUntilMatch polls op until match accepts its value. The first
// attempt runs delay after the call and each further attempt delay after
// the previous one finished. The future resolves with the first matching
// value, or with a *StepError once an attempt fails or maxAttempts
// attempts did not match. Invalid arguments are returned synchronously and
// nothing is scheduled.
func RunAsyncUntilMatch[T any](
	ctx context.Context,
	r *Runner,
	description string,
	op func(context.Context) (T, error),
	match func(T) bool,
	maxAttempts int,
	delay time.Duration,
) (*Future[T], error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1, got %d", diagnostics.ErrInvalidArgument, maxAttempts)
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: delay must not be negative, got %v", diagnostics.ErrInvalidArgument, delay)
	}
	if op == nil || match == nil {
		return nil, fmt.Errorf("%w: operation and predicate are required", diagnostics.ErrInvalidArgument)
	}
	ctx = context.WithoutCancel(ctx)
	fut := NewFuture[T]()
	poll := &poller[T]{r: r, description: description, op: op, match: match, max: maxAttempts, delay: delay, fut: fut}
	poll.schedule(ctx, 1)
	return fut, nil
}

type poller[T any] struct {
	r           *Runner
	description string
	op          func(context.Context) (T, error)
	match       func(T) bool
	max         int
	delay       time.Duration
	fut         *Future[T]
}

func (p *poller[T]) schedule(ctx context.Context, attempt int) {
	p.r.scheduler.Schedule(func() { p.attempt(ctx, attempt) }, p.delay)
}

func (p *poller[T]) attempt(ctx context.Context, attempt int) {
	r := p.r
	r.logger.Debug(ctx, "attempting diagnostic step",
		"run_id", r.runID.String(),
		"description", p.description,
		"attempt", attempt,
		"max_attempts", p.max)

	spanCtx, span := r.tracer.Start(ctx, "diagnostics.poll", "run_id", r.runID.String(), "description", p.description, "attempt", attempt)
	defer span.End()

	matched, v, err := evaluate(spanCtx, p.op, p.match)
	if err == nil && matched {
		p.fut.Complete(v, nil)
		return
	}
	if err == nil {
		if attempt < p.max {
			p.schedule(ctx, attempt+1)
			return
		}
		err = fmt.Errorf("%w (%d) for: %s", ErrAttemptsExhausted, p.max, p.description)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, p.description)
	var zero T
	if se := new(StepError); errors.As(err, &se) {
		p.fut.Complete(zero, se)
		return
	}
	p.fut.Complete(zero, r.fail(spanCtx, p.description, err))
}

// fail logs cause, records it through the error hook and returns the
// marker error.
func (r *Runner) fail(ctx context.Context, description string, cause error) *StepError {
	se := &StepError{Description: description, ErrorID: uuid.New(), Err: cause}
	r.logger.Info(ctx, "diagnostic step failed",
		"run_id", r.runID.String(),
		"description", description,
		"error_id", se.ErrorID.String(),
		"error", cause)
	if r.onError == nil {
		return se
	}
	event := diagnostics.ErrorOccurred("Error attempting: "+description, se.ErrorID)
	if err := r.onError(ctx, event, cause); err != nil && !IsStepError(err) {
		r.logger.Error(ctx, "diagnostic error handler failed",
			"run_id", r.runID.String(),
			"description", description,
			"error_id", se.ErrorID.String(),
			"error", err)
	}
	return se
}

// call runs op converting a panic into an error.
func call[T any](ctx context.Context, op func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return op(ctx)
}

func evaluate[T any](ctx context.Context, op func(context.Context) (T, error), match func(T) bool) (matched bool, v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	v, err = op(ctx)
	if err != nil {
		return false, v, err
	}
	return match(v), v, nil
}
