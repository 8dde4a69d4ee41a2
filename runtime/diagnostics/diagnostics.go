// Package diagnostics holds the domain types of calendar-sync diagnostic
// runs: run identity, status machine, event log entries, results and the
// save primitive shared by every run store.
package diagnostics

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// RunID identifies a diagnostic run of a calendar.
	RunID struct {
		CalendarID string
		ID         uuid.UUID
	}

	// Status is the lifecycle state of a run.
	Status string

	// RunIDInfo is returned by get-or-create. IsNew is true only for the
	// caller that reserved the run.
	RunIDInfo struct {
		RunID RunID
		IsNew bool
	}

	// SaveRequest is the only write primitive of a run store. Zero values
	// leave the stored field unchanged; NewEvents are appended in order.
	SaveRequest struct {
		RunID      RunID
		Status     Status
		StartedAt  time.Time
		FinishedAt time.Time
		NewEvents  []Event
	}

	// Results is the read projection of a run.
	Results struct {
		RunID      RunID
		Status     Status
		StartedAt  time.Time
		FinishedAt time.Time
		// ExpiresAt is when the stored results expire, truncated to the
		// minute. Zero when unknown.
		ExpiresAt time.Time
		Events    []Event
	}

	// Callback is the body posted to the caller-supplied URI once a run
	// reaches a terminal status.
	Callback struct {
		Message    string `json:"message"`
		CalendarID string `json:"calendarId"`
		RunID      string `json:"runId"`
		Status     Status `json:"status"`
	}
)

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// CallbackMessage is the message carried by every completion callback.
const CallbackMessage = "Calendar sync diagnostics finished."

// NewRunID returns a fresh run id for the calendar.
func NewRunID(calendarID string) RunID {
	return RunID{CalendarID: calendarID, ID: uuid.New()}
}

// ParseRunID builds a RunID from its calendar and uuid string.
func ParseRunID(calendarID, id string) (RunID, error) {
	if calendarID == "" {
		return RunID{}, &ValidationError{Field: "calendarId", Message: "is required"}
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return RunID{}, &ValidationError{Field: "runId", Message: "must be a UUID"}
	}
	return RunID{CalendarID: calendarID, ID: u}, nil
}

func (r RunID) String() string {
	return r.CalendarID + "/" + r.ID.String()
}

// IsZero reports whether r is the zero RunID.
func (r RunID) IsZero() bool {
	return r.CalendarID == "" && r.ID == uuid.Nil
}

// ParseStatus parses a stored status. The empty string maps to pending,
// matching runs whose status field was never written.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "":
		return StatusPending, nil
	case StatusPending, StatusProcessing, StatusSucceeded, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

// IsTerminal reports whether s is succeeded or failed.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition reports whether a stored status may be overwritten by next.
// Terminal statuses never change and processing never returns to pending.
func CanTransition(from, next Status) bool {
	switch {
	case from.IsTerminal():
		return false
	case from == StatusProcessing && next == StatusPending:
		return false
	default:
		return true
	}
}

// IsEmpty reports whether r would change nothing.
func (r SaveRequest) IsEmpty() bool {
	return r.Status == "" && r.StartedAt.IsZero() && r.FinishedAt.IsZero() && len(r.NewEvents) == 0
}

// Duration returns FinishedAt-StartedAt when both are known.
func (r *Results) Duration() (time.Duration, bool) {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0, false
	}
	return r.FinishedAt.Sub(r.StartedAt), true
}

// NewCallback builds the completion callback body for a run.
func NewCallback(id RunID, status Status) Callback {
	return Callback{
		Message:    CallbackMessage,
		CalendarID: id.CalendarID,
		RunID:      id.ID.String(),
		Status:     status,
	}
}
