package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/runner"
)

// workflow is the state of a single run.
type workflow struct {
	t           *Task
	runID       diagnostics.RunID
	cal         *calendar.Calendar
	callbackURI string

	// steps fails the run on error; cleanup only records the error.
	steps   *runner.Runner
	cleanup *runner.Runner

	done      *runner.Future[diagnostics.Status]
	finishing atomic.Bool
	startedAt time.Time

	mu              sync.Mutex
	eventID         string
	eventExternalID string
}

func newWorkflow(t *Task, p Params, cal *calendar.Calendar) *workflow {
	w := &workflow{
		t:           t,
		runID:       p.RunID,
		cal:         cal,
		callbackURI: strings.TrimSpace(p.CallbackURI),
		done:        runner.NewFuture[diagnostics.Status](),
	}
	w.steps = t.runners.New(p.RunID, w.fail)
	w.cleanup = t.runners.New(p.RunID, w.record)
	return w
}

func (w *workflow) start(ctx context.Context) error {
	status, err := w.t.store.GetStatus(ctx, w.runID)
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if status != diagnostics.StatusPending {
		return fmt.Errorf("%w: workflow must be pending to start processing, but was %s",
			diagnostics.ErrIllegalState, status)
	}
	w.startedAt = w.t.now()
	if err := w.save(ctx, diagnostics.SaveRequest{
		Status:    diagnostics.StatusProcessing,
		StartedAt: w.startedAt,
		NewEvents: []diagnostics.Event{diagnostics.RunStarted()},
	}); err != nil {
		return err
	}
	w.t.logger.Info(ctx, "diagnostic run started", "run_id", w.runID.String(), "account_id", w.cal.AccountID)

	for _, step := range []func(context.Context) error{
		w.checkAccountErrors,
		w.checkInboundSyncLock,
		w.fetchExternalAccount,
		w.verifyAccountAuth,
		w.createLocalEvent,
		w.exportEvent,
		w.waitForEventToSync,
	} {
		if err := step(ctx); err != nil {
			if runner.IsStepError(err) {
				// Already recorded and the run failed.
				return nil
			}
			// The run is processing: a step outcome that could not be
			// recorded still has to end it and release the synthetic event.
			_ = w.steps.Do(ctx, "Save diagnostic results.", func(context.Context) error { return err })
			return nil
		}
	}
	return nil
}

func (w *workflow) checkAccountErrors(ctx context.Context) error {
	errs, err := runner.Run(ctx, w.steps, "Check for local account errors.",
		func(ctx context.Context) ([]calendar.AccountError, error) {
			return w.t.accounts.ListErrors(ctx, w.cal.AccountID)
		})
	if err != nil {
		return err
	}
	var first string
	if len(errs) > 0 {
		first = errs[0].Message
	}
	return w.append(ctx, diagnostics.AccountErrorsChecked(w.cal.AccountID, len(errs), first))
}

func (w *workflow) checkInboundSyncLock(ctx context.Context) error {
	if w.t.locker == nil {
		return nil
	}
	locked, err := runner.Run(ctx, w.steps, "Check inbound sync lock.",
		func(ctx context.Context) (bool, error) {
			return w.t.locker.IsLocked(ctx, w.cal.AccountID, "")
		})
	if err != nil {
		return err
	}
	return w.append(ctx, diagnostics.InboundSyncLockChecked(w.cal.AccountID, locked))
}

func (w *workflow) fetchExternalAccount(ctx context.Context) error {
	acct, err := runner.Run(ctx, w.steps, "Fetch account info from external provider.",
		func(ctx context.Context) (*calendar.ExternalAccount, error) {
			token, err := w.t.accounts.AccessToken(ctx, w.cal.AccountID)
			if err != nil {
				return nil, fmt.Errorf("get access token: %w", err)
			}
			a, err := w.t.provider.FetchAccount(ctx, token)
			return a, calendar.WrapProvider("fetch account", err)
		})
	if err != nil {
		return err
	}
	return w.append(ctx, diagnostics.AccountFetchedExternal(acct.ID, acct.Email, acct.Provider, acct.SyncState))
}

func (w *workflow) verifyAccountAuth(ctx context.Context) error {
	acct, err := runner.Run(ctx, w.steps, "Fetch local account.",
		func(ctx context.Context) (*calendar.Account, error) {
			return w.t.accounts.Get(ctx, w.cal.AccountID)
		})
	if err != nil {
		return err
	}
	token, err := runner.Run(ctx, w.steps, "Fetch account auth info.",
		func(ctx context.Context) (string, error) {
			return w.t.accounts.AccessToken(ctx, w.cal.AccountID)
		})
	if err != nil {
		return err
	}
	err = w.steps.Do(ctx, "Verify account auth via external free/busy check.", func(ctx context.Context) error {
		now := w.t.now()
		return calendar.WrapProvider("check free/busy", w.t.provider.CheckFreeBusy(ctx, token, calendar.FreeBusyQuery{
			CalendarExternalIDs: []string{w.cal.ExternalID},
			Start:               now,
			End:                 now.Add(freeBusyWindow),
		}))
	})
	if err != nil {
		return err
	}
	return w.append(ctx, diagnostics.AccountAuthVerified(acct.ID, acct.Email, acct.ServiceAccountID))
}

func (w *workflow) createLocalEvent(ctx context.Context) error {
	start := w.t.now().Add(syntheticEventStart).Truncate(time.Minute)
	ev := &calendar.Event{
		CalendarID: w.cal.ID,
		OrgID:      w.cal.OrgID,
		Title:      fmt.Sprintf("** Diagnostic Test %s **", w.runID.ID),
		Description: "This event was created by request for calendar diagnostics. " +
			"It should be removed automatically within a few minutes.",
		Start:  start,
		End:    start.Add(syntheticEventLen),
		IsBusy: false,
	}
	err := w.steps.Do(ctx, "Create local event.", func(ctx context.Context) error {
		return w.t.events.Create(ctx, ev)
	})
	if err != nil {
		return err
	}
	w.setEvent(ev.ID, "")
	return w.append(ctx, diagnostics.EventCreated(ev.ID, ev.Title, ev.Start))
}

func (w *workflow) exportEvent(ctx context.Context) error {
	eventID, _ := w.event()
	err := w.steps.Do(ctx, "Export local event to begin sync to external calendar provider.",
		func(ctx context.Context) error {
			return w.t.tasks.Export(ctx, w.cal.AccountID, eventID)
		})
	if err != nil {
		return err
	}
	externalID, err := runner.Run(ctx, w.steps, "Fetch local event after export.",
		func(ctx context.Context) (string, error) {
			id, err := w.t.events.ExternalID(ctx, eventID)
			if err == nil && id == "" {
				err = fmt.Errorf("event %s has no external id after export", eventID)
			}
			return id, err
		})
	if err != nil {
		return err
	}
	w.setEvent(eventID, externalID)
	return w.append(ctx, diagnostics.EventExported(eventID, externalID))
}

func (w *workflow) waitForEventToSync(ctx context.Context) error {
	eventID, _ := w.event()
	wait := w.t.cfg.ProviderSyncWait
	fut, err := runner.RunAsyncUntilMatch(ctx, w.steps, "Wait for event to sync from external calendar provider.",
		func(ctx context.Context) (string, error) {
			return w.t.events.ICalUID(ctx, eventID)
		},
		func(uid string) bool { return uid != "" },
		wait.Attempts, wait.Delay)
	if err != nil {
		return err
	}
	fut.OnComplete(func(uid string, err error) {
		if err != nil {
			// The runner already called fail.
			return
		}
		w.succeed(ctx, uid)
	})
	return nil
}

func (w *workflow) succeed(ctx context.Context, icalUID string) {
	if !w.finishing.CompareAndSwap(false, true) {
		return
	}
	eventID, externalID := w.event()
	w.appendOrLog(ctx, diagnostics.EventSyncedFromProvider(eventID, externalID, icalUID))
	w.deleteEvent(ctx)
	if err := w.save(ctx, diagnostics.SaveRequest{
		Status:     diagnostics.StatusSucceeded,
		FinishedAt: w.t.now(),
		NewEvents:  []diagnostics.Event{diagnostics.RunSucceeded()},
	}); err != nil {
		w.t.logger.Error(ctx, "failed to mark diagnostic run succeeded", "run_id", w.runID.String(), "error", err)
	}
	w.complete(ctx, diagnostics.StatusSucceeded)
}

// fail is the error hook of the step runner.
func (w *workflow) fail(ctx context.Context, ev diagnostics.Event, _ error) error {
	if !w.finishing.CompareAndSwap(false, true) {
		return w.append(ctx, ev)
	}
	status, err := w.t.store.GetStatus(ctx, w.runID)
	if err == nil && status.IsTerminal() {
		w.done.Complete(status, nil)
		return w.append(ctx, ev)
	}
	saveErr := w.save(ctx, diagnostics.SaveRequest{
		Status:     diagnostics.StatusFailed,
		FinishedAt: w.t.now(),
		NewEvents:  []diagnostics.Event{ev},
	})
	w.deleteEvent(ctx)
	w.complete(ctx, diagnostics.StatusFailed)
	return saveErr
}

// record is the error hook of the cleanup runner. It never changes status.
func (w *workflow) record(ctx context.Context, ev diagnostics.Event, _ error) error {
	return w.append(ctx, ev)
}

func (w *workflow) deleteEvent(ctx context.Context) {
	eventID, externalID := w.event()
	if eventID == "" {
		return
	}
	if externalID == "" {
		// Export may have reached the provider before failing.
		externalID, _ = w.t.events.ExternalID(ctx, eventID)
	}
	err := w.cleanup.Do(ctx, "Delete local event.", func(ctx context.Context) error {
		return w.t.events.Delete(ctx, eventID)
	})
	if err != nil {
		return
	}
	if externalID != "" {
		err = w.cleanup.Do(ctx, "Request delete from external calendar provider.", func(ctx context.Context) error {
			return w.t.tasks.Delete(ctx, w.cal.AccountID, externalID)
		})
		if err != nil {
			return
		}
	}
	w.appendOrLog(ctx, diagnostics.EventDeleted(eventID))
}

func (w *workflow) complete(ctx context.Context, status diagnostics.Status) {
	w.notify(ctx, status)
	w.t.metrics.IncCounter("diagnostics.runs.finished", 1, "status", string(status))
	w.t.metrics.RecordTimer("diagnostics.runs.duration", w.t.now().Sub(w.startedAt), "status", string(status))
	w.t.logger.Info(ctx, "diagnostic run finished", "run_id", w.runID.String(), "status", string(status))
	w.done.Complete(status, nil)
}

func (w *workflow) notify(ctx context.Context, status diagnostics.Status) {
	if w.callbackURI == "" {
		return
	}
	if w.t.callbacks == nil {
		w.t.logger.Warn(ctx, "no callback sender configured, skipping callback", "run_id", w.runID.String())
		return
	}
	_ = w.cleanup.Do(ctx, "Notify callback URI provided by user.", func(ctx context.Context) error {
		return w.t.callbacks.Send(ctx, w.callbackURI, diagnostics.NewCallback(w.runID, status))
	})
}

func (w *workflow) save(ctx context.Context, req diagnostics.SaveRequest) error {
	req.RunID = w.runID
	if err := w.t.store.Save(ctx, req); err != nil {
		return fmt.Errorf("save run %s: %w", w.runID, err)
	}
	return nil
}

func (w *workflow) append(ctx context.Context, events ...diagnostics.Event) error {
	return w.save(ctx, diagnostics.SaveRequest{NewEvents: events})
}

func (w *workflow) appendOrLog(ctx context.Context, events ...diagnostics.Event) {
	if err := w.append(ctx, events...); err != nil {
		w.t.logger.Error(ctx, "failed to append diagnostic events", "run_id", w.runID.String(), "error", err)
	}
}

func (w *workflow) setEvent(id, externalID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.eventID, w.eventExternalID = id, externalID
}

func (w *workflow) event() (id, externalID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eventID, w.eventExternalID
}
