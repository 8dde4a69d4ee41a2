// Package workflow implements the calendar-sync diagnostic run.
//
// A run checks the account locally and at the provider, then creates a
// synthetic event, exports it and polls until inbound sync brings it back.
// Every step appends events to the run store. The run ends succeeded once
// the event round-trips, or failed on the first step failure; either way
// the synthetic event is deleted and the optional callback is notified
// exactly once.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/runner"
	"goa.design/syncdiag/runtime/diagnostics/runstore"
	"goa.design/syncdiag/runtime/lock"
	"goa.design/syncdiag/runtime/telemetry"
)

type (
	// Params identifies the run to execute.
	Params struct {
		RunID diagnostics.RunID
		// CallbackURI receives the completion callback when not blank.
		CallbackURI string
	}

	// CallbackSender delivers completion callbacks.
	CallbackSender interface {
		Send(ctx context.Context, uri string, cb diagnostics.Callback) error
	}

	// EventTasks exports events to and deletes them from the provider.
	EventTasks interface {
		Export(ctx context.Context, accountID, eventID string) error
		Delete(ctx context.Context, accountID, externalID string) error
	}

	// Options configures a Task.
	Options struct {
		Config    diagnostics.Config
		Store     runstore.Store
		Calendars calendar.CalendarStore
		Accounts  calendar.AccountStore
		Events    calendar.EventStore
		Provider  calendar.Provider
		// Tasks defaults to a calendar.Exporter over the stores and
		// provider above.
		Tasks EventTasks
		// Locker, when set, adds a check of the inbound sync lock.
		Locker lock.Locker
		// Callbacks is required to notify callback URIs.
		Callbacks CallbackSender
		Runners   *runner.Factory
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		// Now defaults to time.Now.
		Now func() time.Time
	}

	// Task runs diagnostic workflows.
	Task struct {
		cfg       diagnostics.Config
		store     runstore.Store
		calendars calendar.CalendarStore
		accounts  calendar.AccountStore
		events    calendar.EventStore
		provider  calendar.Provider
		tasks     EventTasks
		locker    lock.Locker
		callbacks CallbackSender
		runners   *runner.Factory
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
	}
)

const (
	freeBusyWindow      = 300 * time.Second
	syntheticEventStart = -24 * time.Hour
	syntheticEventLen   = time.Minute
)

// New validates opts and returns a Task.
func New(opts Options) (*Task, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var missing []error
	if opts.Store == nil {
		missing = append(missing, errors.New("run store is required"))
	}
	if opts.Calendars == nil || opts.Accounts == nil || opts.Events == nil {
		missing = append(missing, errors.New("calendar, account and event stores are required"))
	}
	if opts.Provider == nil {
		missing = append(missing, errors.New("provider is required"))
	}
	if opts.Runners == nil {
		missing = append(missing, errors.New("runner factory is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	t := &Task{
		cfg:       opts.Config,
		store:     opts.Store,
		calendars: opts.Calendars,
		accounts:  opts.Accounts,
		events:    opts.Events,
		provider:  opts.Provider,
		tasks:     opts.Tasks,
		locker:    opts.Locker,
		callbacks: opts.Callbacks,
		runners:   opts.Runners,
		logger:    telemetry.Or(opts.Logger),
		metrics:   telemetry.OrMetrics(opts.Metrics),
		now:       opts.Now,
	}
	if t.tasks == nil {
		t.tasks = calendar.NewExporter(opts.Calendars, opts.Accounts, opts.Events, opts.Provider)
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

// Run starts the workflow of p.RunID without waiting for it to finish.
func (t *Task) Run(ctx context.Context, p Params) error {
	_, err := t.Start(ctx, p)
	return err
}

// Start runs the synchronous steps of the workflow and schedules the
// provider sync wait. It fails with diagnostics.ErrIllegalState unless the
// run is pending. A step failure is not returned: it is recorded on the run,
// which ends failed. The returned future resolves with the terminal status.
func (t *Task) Start(ctx context.Context, p Params) (*runner.Future[diagnostics.Status], error) {
	if p.RunID.IsZero() {
		return nil, fmt.Errorf("%w: run id is required", diagnostics.ErrInvalidArgument)
	}
	cal, err := t.calendars.Get(ctx, p.RunID.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("get calendar: %w", err)
	}
	if err := cal.RequireEligibleToSync(); err != nil {
		return nil, err
	}
	w := newWorkflow(t, p, cal)
	if err := w.start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return w.done, nil
}
