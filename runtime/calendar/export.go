package calendar

import (
	"context"
	"fmt"
)

// Exporter runs the delegated event tasks: pushing a local event to the
// provider and requesting its deletion there.
type Exporter struct {
	calendars CalendarStore
	accounts  AccountStore
	events    EventStore
	provider  Provider
}

// NewExporter returns an Exporter.
func NewExporter(calendars CalendarStore, accounts AccountStore, events EventStore, provider Provider) *Exporter {
	return &Exporter{calendars: calendars, accounts: accounts, events: events, provider: provider}
}

// Export creates the local event at the provider and records the returned
// external id.
func (x *Exporter) Export(ctx context.Context, accountID, eventID string) error {
	ev, err := x.events.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	cal, err := x.calendars.Get(ctx, ev.CalendarID)
	if err != nil {
		return fmt.Errorf("get calendar: %w", err)
	}
	if err := cal.RequireEligibleToSync(); err != nil {
		return err
	}
	token, err := x.accounts.AccessToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}
	externalID, err := x.provider.CreateEvent(ctx, token, cal.ExternalID, ev)
	if err != nil {
		return WrapProvider("create event", err)
	}
	if err := x.events.SetExternalID(ctx, eventID, externalID); err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	return nil
}

// Delete asks the provider to delete the event with externalID.
func (x *Exporter) Delete(ctx context.Context, accountID, externalID string) error {
	token, err := x.accounts.AccessToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}
	if err := x.provider.DeleteEvent(ctx, token, externalID); err != nil {
		return WrapProvider("delete event", err)
	}
	return nil
}
