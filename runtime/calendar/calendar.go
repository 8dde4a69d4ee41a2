// Package calendar describes the calendar data and provider operations the
// diagnostic engine consumes. Storage and the vendor client live behind the
// interfaces declared here.
package calendar

import (
	"context"
	"errors"
	"time"
)

type (
	// Calendar is a locally stored calendar.
	Calendar struct {
		ID         string
		OrgID      string
		AccountID  string
		ExternalID string
		Name       string
		IsReadOnly bool
	}

	// Account is a locally stored calendar account.
	Account struct {
		ID               string
		OrgID            string
		Email            string
		ServiceAccountID string
	}

	// AccountError is a sync error recorded against an account.
	AccountError struct {
		ID        string
		AccountID string
		Type      string
		Message   string
		CreatedAt time.Time
	}

	// ExternalAccount is an account as reported by the provider.
	ExternalAccount struct {
		ID        string
		Email     string
		Provider  string
		SyncState string
	}

	// Event is a locally stored event.
	Event struct {
		ID          string
		CalendarID  string
		OrgID       string
		Title       string
		Description string
		Start       time.Time
		End         time.Time
		IsBusy      bool
		ExternalID  string
		ICalUID     string
	}

	// FreeBusyQuery asks the provider for availability of calendars.
	FreeBusyQuery struct {
		CalendarExternalIDs []string
		Start               time.Time
		End                 time.Time
	}

	// CalendarStore reads calendars.
	CalendarStore interface {
		// Get returns the calendar or ErrNotFound.
		Get(ctx context.Context, id string) (*Calendar, error)
	}

	// AccountStore reads accounts and their credentials.
	AccountStore interface {
		// Get returns the account or ErrNotFound.
		Get(ctx context.Context, id string) (*Account, error)
		// ListErrors returns the account's sync errors, most recent first.
		ListErrors(ctx context.Context, accountID string) ([]AccountError, error)
		// AccessToken returns the provider access token of the account.
		AccessToken(ctx context.Context, accountID string) (string, error)
	}

	// EventStore reads and writes local events.
	EventStore interface {
		// Create stores e, assigning e.ID when empty.
		Create(ctx context.Context, e *Event) error
		// Get returns the event or ErrNotFound.
		Get(ctx context.Context, id string) (*Event, error)
		// Delete removes the event. Deleting a missing event is not an
		// error.
		Delete(ctx context.Context, id string) error
		// ExternalID returns the provider id of the event, empty until
		// exported.
		ExternalID(ctx context.Context, id string) (string, error)
		// ICalUID returns the iCal UID of the event, empty until inbound
		// sync imported the provider copy.
		ICalUID(ctx context.Context, id string) (string, error)
		// SetExternalID records the provider id of the event.
		SetExternalID(ctx context.Context, id, externalID string) error
	}

	// Provider is the external calendar vendor API. Implementations return
	// *ProviderError for every failed request.
	Provider interface {
		FetchAccount(ctx context.Context, accessToken string) (*ExternalAccount, error)
		CheckFreeBusy(ctx context.Context, accessToken string, q FreeBusyQuery) error
		CreateEvent(ctx context.Context, accessToken, calendarExternalID string, e *Event) (string, error)
		DeleteEvent(ctx context.Context, accessToken, externalID string) error
	}
)

var (
	// ErrNotFound indicates the calendar, account or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly indicates the calendar cannot be written to.
	ErrReadOnly = errors.New("calendar is read-only")
	// ErrNotEligible indicates the calendar is not linked to an external
	// account and calendar, so it cannot sync.
	ErrNotEligible = errors.New("calendar is not eligible to sync")
)

// IsEligibleToSync reports whether c is linked to an account and an
// external calendar.
func (c *Calendar) IsEligibleToSync() bool {
	return c.AccountID != "" && c.ExternalID != ""
}

// RequireEligibleToSync returns ErrNotEligible unless c can sync.
func (c *Calendar) RequireEligibleToSync() error {
	if !c.IsEligibleToSync() {
		return ErrNotEligible
	}
	return nil
}
