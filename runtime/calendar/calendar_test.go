package calendar_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/calendar/inmem"
)

func TestRequireEligibleToSync(t *testing.T) {
	c := &calendar.Calendar{ID: "c", AccountID: "a"}
	require.ErrorIs(t, c.RequireEligibleToSync(), calendar.ErrNotEligible)
	c.ExternalID = "x"
	require.NoError(t, c.RequireEligibleToSync())
}

func TestWrapProvider(t *testing.T) {
	require.NoError(t, calendar.WrapProvider("op", nil))

	cause := errors.New("vendor said 500 with secret details")
	err := calendar.WrapProvider("create event", cause)
	require.EqualError(t, err, "provider request failed: create event")
	require.ErrorIs(t, err, cause)

	again := calendar.WrapProvider("other", err)
	require.Same(t, err, again)
}

func TestExporter(t *testing.T) {
	ctx := context.Background()
	cals := inmem.NewCalendars(calendar.Calendar{ID: "cal", AccountID: "acct", ExternalID: "ext-cal"})
	accts := inmem.NewAccounts()
	accts.Put(calendar.Account{ID: "acct", Email: "a@example.com"}, "tok")
	events := inmem.NewEvents()
	provider := inmem.NewProvider(events, inmem.WithoutImport())
	x := calendar.NewExporter(cals, accts, events, provider)

	ev := &calendar.Event{CalendarID: "cal", Title: "t"}
	require.NoError(t, events.Create(ctx, ev))
	require.NoError(t, x.Export(ctx, "acct", ev.ID))

	ext, err := events.ExternalID(ctx, ev.ID)
	require.NoError(t, err)
	require.NotEmpty(t, ext)

	require.NoError(t, x.Delete(ctx, "acct", ext))
	require.Equal(t, []string{ext}, provider.Deleted())

	provider.Fail(inmem.OpCreateEvent, errors.New("boom"))
	err = x.Export(ctx, "acct", ev.ID)
	var pe *calendar.ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, inmem.OpCreateEvent, pe.Op)

	err = x.Export(ctx, "acct", "missing")
	require.ErrorIs(t, err, calendar.ErrNotFound)
}
