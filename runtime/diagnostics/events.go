package diagnostics

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// EventType names the kind of a run event.
	EventType string

	// Event is an append-only entry of a run's event log.
	Event struct {
		Type    EventType      `json:"type"`
		Time    time.Time      `json:"time"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data,omitempty"`
		IsError bool           `json:"isError"`
	}
)

const (
	EventRunStarted              EventType = "run_started"
	EventRunSucceeded            EventType = "run_succeeded"
	EventErrorOccurred           EventType = "error_occurred"
	EventAccountErrorsChecked    EventType = "account_errors_checked"
	EventInboundSyncLockChecked  EventType = "inbound_sync_lock_checked"
	EventAccountFetchedExternal  EventType = "account_fetched_external"
	EventAccountAuthVerified     EventType = "account_auth_verified"
	EventEventCreated            EventType = "event_created"
	EventEventExported           EventType = "event_exported"
	EventEventSyncedFromProvider EventType = "event_synced_from_provider"
	EventEventDeleted            EventType = "event_deleted"
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

func newEvent(t EventType, msg string, data map[string]any) Event {
	return Event{Type: t, Time: now(), Message: msg, Data: data}
}

// RunStarted marks the transition to processing.
func RunStarted() Event {
	return newEvent(EventRunStarted, "Diagnostic run started.", nil)
}

// RunSucceeded marks the transition to succeeded.
func RunSucceeded() Event {
	return newEvent(EventRunSucceeded, "Diagnostic run succeeded.", nil)
}

// ErrorOccurred records a failed step. errorID correlates the event with
// the server logs, which hold the cause.
func ErrorOccurred(message string, errorID uuid.UUID) Event {
	e := newEvent(EventErrorOccurred, message, map[string]any{"errorId": errorID.String()})
	e.IsError = true
	return e
}

// AccountErrorsChecked records the local account error check. firstError
// is ignored when count is zero.
func AccountErrorsChecked(accountID string, count int, firstError string) Event {
	if count == 0 {
		return newEvent(EventAccountErrorsChecked, "No account errors were found.", map[string]any{
			"accountId": accountID,
			"hasErrors": false,
		})
	}
	return newEvent(EventAccountErrorsChecked,
		"Account errors were found, which may indicate calendar sync won't work properly. "+
			"Fetch all account errors for more details.",
		map[string]any{
			"accountId":  accountID,
			"hasErrors":  true,
			"errorCount": count,
			"firstError": firstError,
		})
}

// InboundSyncLockChecked records whether live inbound sync currently holds
// the account lock.
func InboundSyncLockChecked(accountID string, locked bool) Event {
	msg := "Inbound sync is not running for the account."
	if locked {
		msg = "Inbound sync is currently running for the account, provider sync may be delayed."
	}
	return newEvent(EventInboundSyncLockChecked, msg, map[string]any{
		"accountId": accountID,
		"locked":    locked,
	})
}

// AccountFetchedExternal records the account as seen by the provider.
func AccountFetchedExternal(id, email, provider, syncState string) Event {
	return newEvent(EventAccountFetchedExternal, "Account info was fetched from external provider.", map[string]any{
		"account": map[string]any{
			"id":        id,
			"email":     email,
			"provider":  ProviderDisplay(provider),
			"syncState": syncState,
		},
	})
}

// AccountAuthVerified records a successful credential check.
func AccountAuthVerified(id, email, serviceAccountID string) Event {
	return newEvent(EventAccountAuthVerified, "Account auth was verified.", map[string]any{
		"account": map[string]any{
			"id":               id,
			"email":            email,
			"serviceAccountId": serviceAccountID,
		},
	})
}

// EventCreated records the creation of the synthetic local event.
func EventCreated(eventID, title string, start time.Time) Event {
	return newEvent(EventEventCreated, "Local event was created.", map[string]any{
		"eventId": eventID,
		"title":   title,
		"start":   start.UTC().Format(time.RFC3339),
	})
}

// EventExported records the export of the synthetic event to the provider.
func EventExported(eventID, externalID string) Event {
	return newEvent(EventEventExported, "Local event was exported to external calendar provider.", map[string]any{
		"eventId":    eventID,
		"externalId": externalID,
	})
}

// EventSyncedFromProvider records that the provider round trip completed.
func EventSyncedFromProvider(eventID, externalID, icalUID string) Event {
	return newEvent(EventEventSyncedFromProvider, "Event was synced back from external calendar provider.", map[string]any{
		"eventId":    eventID,
		"externalId": externalID,
		"icalUid":    icalUID,
	})
}

// EventDeleted records cleanup of the synthetic event.
func EventDeleted(eventID string) Event {
	return newEvent(EventEventDeleted, "Diagnostic event was deleted.", map[string]any{
		"eventId": eventID,
	})
}

// ProviderDisplay returns a human readable name for a provider identifier.
func ProviderDisplay(provider string) string {
	p := strings.ToLower(provider)
	switch p {
	case "ews", "graph", "exchange", "office365":
		return "Microsoft (" + p + ")"
	case "gmail":
		return "Google (" + p + ")"
	default:
		return p
	}
}

// UnmarshalJSON decodes e keeping whole numbers in Data as int so events
// read back from any store compare equal to the ones recorded.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var raw struct {
		plain
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event(raw.plain)
	e.Data = nil
	if len(raw.Data) == 0 || bytes.Equal(raw.Data, []byte("null")) {
		return nil
	}
	data, err := DecodeEventData(raw.Data)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

// DecodeEventData decodes a JSON event payload. Whole numbers decode as int
// and other numbers as float64, at any depth.
func DecodeEventData(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	for k, v := range data {
		data[k] = normalizeNumbers(v)
	}
	return data, nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}
