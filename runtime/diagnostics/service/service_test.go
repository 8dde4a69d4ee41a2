package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"goa.design/syncdiag/runtime/calendar"
	calinmem "goa.design/syncdiag/runtime/calendar/inmem"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/runner"
	runinmem "goa.design/syncdiag/runtime/diagnostics/runstore/inmem"
	"goa.design/syncdiag/runtime/diagnostics/service"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
)

type dispatchRecorder struct {
	mu     sync.Mutex
	params []workflow.Params
	err    error
}

func (d *dispatchRecorder) Dispatch(_ context.Context, p workflow.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, p)
	return d.err
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.params)
}

var testConfig = diagnostics.Config{
	CurrentRunTTL:    10 * time.Minute,
	ResultsTTL:       time.Hour,
	ProviderSyncWait: diagnostics.ProviderSyncWait{Attempts: 50, Delay: 2 * time.Millisecond},
}

func testCalendars() *calinmem.Calendars {
	return calinmem.NewCalendars(
		calendar.Calendar{ID: "cal", OrgID: "org", AccountID: "acct", ExternalID: "ext"},
		calendar.Calendar{ID: "ro", OrgID: "org", AccountID: "acct", ExternalID: "ext", IsReadOnly: true},
		calendar.Calendar{ID: "local", OrgID: "org"},
	)
}

func newService(t *testing.T, d service.Dispatcher, limiter *rate.Limiter) (*service.Service, *runinmem.Store) {
	t.Helper()
	store := runinmem.New(testConfig)
	svc, err := service.New(service.Options{
		Store:      store,
		Calendars:  testCalendars(),
		Dispatcher: d,
		Limiter:    limiter,
	})
	require.NoError(t, err)
	return svc, store
}

func TestRunValidatesRequest(t *testing.T) {
	d := &dispatchRecorder{}
	svc, _ := newService(t, d, nil)
	ctx := context.Background()

	_, err := svc.Run(ctx, service.Request{})
	var verr *diagnostics.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "calendarId", verr.Field)

	for _, uri := range []string{"not a url", "/relative", "ftp://example.com/x", "https://"} {
		_, err = svc.Run(ctx, service.Request{CalendarID: "cal", CallbackURI: uri})
		require.ErrorIs(t, err, diagnostics.ErrInvalidArgument, uri)
	}
	require.Zero(t, d.count())
}

func TestRunChecksCalendar(t *testing.T) {
	d := &dispatchRecorder{}
	svc, _ := newService(t, d, nil)
	ctx := context.Background()

	_, err := svc.Run(ctx, service.Request{CalendarID: "missing"})
	require.ErrorIs(t, err, diagnostics.ErrNotFound)

	_, err = svc.Run(ctx, service.Request{CalendarID: "cal", OrgID: "other"})
	require.ErrorIs(t, err, diagnostics.ErrNotFound)

	_, err = svc.Run(ctx, service.Request{CalendarID: "ro"})
	require.ErrorIs(t, err, calendar.ErrReadOnly)

	_, err = svc.Run(ctx, service.Request{CalendarID: "local"})
	require.ErrorIs(t, err, calendar.ErrNotEligible)

	require.Zero(t, d.count())
}

func TestRunDispatchesOncePerCurrentRun(t *testing.T) {
	d := &dispatchRecorder{}
	svc, store := newService(t, d, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	infos := make([]diagnostics.RunIDInfo, 10)
	for i := range infos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := svc.Run(ctx, service.Request{CalendarID: "cal", OrgID: "org", CallbackURI: "https://example.com/cb"})
			require.NoError(t, err)
			infos[i] = info
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, d.count())
	require.Equal(t, "https://example.com/cb", d.params[0].CallbackURI)
	for _, info := range infos {
		require.Equal(t, d.params[0].RunID, info.RunID)
	}

	status, err := store.GetStatus(ctx, d.params[0].RunID)
	require.NoError(t, err)
	require.Equal(t, diagnostics.StatusPending, status)
}

func TestRunReportsDispatchFailure(t *testing.T) {
	d := &dispatchRecorder{err: errors.New("stream unavailable")}
	svc, _ := newService(t, d, nil)

	_, err := svc.Run(context.Background(), service.Request{CalendarID: "cal"})
	require.ErrorContains(t, err, "stream unavailable")
}

func TestRunIsRateLimited(t *testing.T) {
	d := &dispatchRecorder{}
	svc, _ := newService(t, d, rate.NewLimiter(rate.Every(time.Hour), 1))
	ctx := context.Background()

	_, err := svc.Run(ctx, service.Request{CalendarID: "cal"})
	require.NoError(t, err)
	_, err = svc.Run(ctx, service.Request{CalendarID: "cal"})
	require.ErrorIs(t, err, diagnostics.ErrRateLimited)
}

func TestResultsOfUnknownRun(t *testing.T) {
	svc, _ := newService(t, &dispatchRecorder{}, nil)
	_, err := svc.Results(context.Background(), diagnostics.NewRunID("cal"))
	require.ErrorIs(t, err, diagnostics.ErrNotFound)
}

// gatedDispatcher holds dispatches until release is closed.
type gatedDispatcher struct {
	next    service.Dispatcher
	release chan struct{}
}

func (d *gatedDispatcher) Dispatch(ctx context.Context, p workflow.Params) error {
	ctx = context.WithoutCancel(ctx)
	go func() {
		<-d.release
		_ = d.next.Dispatch(ctx, p)
	}()
	return nil
}

type callbackRecorder struct {
	mu   sync.Mutex
	uris []string
	sent []diagnostics.Callback
}

func (c *callbackRecorder) Send(_ context.Context, uri string, cb diagnostics.Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uris = append(c.uris, uri)
	c.sent = append(c.sent, cb)
	return nil
}

func (c *callbackRecorder) all() ([]string, []diagnostics.Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.uris...), append([]diagnostics.Callback(nil), c.sent...)
}

func TestRunEndToEndWithLocalDispatcher(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig
	cfg.ProviderSyncWait = diagnostics.ProviderSyncWait{Attempts: 200, Delay: 10 * time.Millisecond}
	store := runinmem.New(cfg)
	cals := calinmem.NewCalendars(calendar.Calendar{ID: "C1", OrgID: "org", AccountID: "acct", ExternalID: "ext"})
	accounts := calinmem.NewAccounts()
	accounts.Put(calendar.Account{ID: "acct", Email: "a@example.com"}, "tok")
	events := calinmem.NewEvents()
	provider := calinmem.NewProvider(events, calinmem.WithImportAfter(300*time.Millisecond))
	defer provider.Close()
	provider.AddAccount("tok", calendar.ExternalAccount{ID: "acct", Email: "a@example.com", Provider: "gmail"})
	callbacks := &callbackRecorder{}

	scheduler := runner.NewLocalScheduler(nil)
	task, err := workflow.New(workflow.Options{
		Config:    cfg,
		Store:     store,
		Calendars: cals,
		Accounts:  accounts,
		Events:    events,
		Provider:  provider,
		Callbacks: callbacks,
		Runners:   runner.NewFactory(scheduler),
	})
	require.NoError(t, err)
	gate := &gatedDispatcher{next: service.NewLocalDispatcher(task, scheduler, nil), release: make(chan struct{})}
	svc, err := service.New(service.Options{
		Store:      store,
		Calendars:  cals,
		Dispatcher: gate,
	})
	require.NoError(t, err)

	info, err := svc.Run(ctx, service.Request{CalendarID: "C1", CallbackURI: "https://example.com/done"})
	require.NoError(t, err)
	require.True(t, info.IsNew)

	res, err := svc.Results(ctx, info.RunID)
	require.NoError(t, err)
	require.Equal(t, diagnostics.StatusPending, res.Status)
	close(gate.release)

	require.Eventually(t, func() bool {
		res, err := svc.Results(ctx, info.RunID)
		return err == nil && res.Status == diagnostics.StatusProcessing
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		res, err := svc.Results(ctx, info.RunID)
		return err == nil && res.Status == diagnostics.StatusSucceeded
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, sent := callbacks.all()
		return len(sent) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.Zero(t, events.Len(), "synthetic event is removed")
	uris, sent := callbacks.all()
	require.Equal(t, []string{"https://example.com/done"}, uris)
	require.Equal(t, diagnostics.Callback{
		Message:    "Calendar sync diagnostics finished.",
		CalendarID: "C1",
		RunID:      info.RunID.ID.String(),
		Status:     diagnostics.StatusSucceeded,
	}, sent[0])

	again, err := svc.Run(ctx, service.Request{CalendarID: "C1"})
	require.NoError(t, err)
	require.False(t, again.IsNew)
	require.Equal(t, info.RunID, again.RunID)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, scheduler.Close(closeCtx))
}
