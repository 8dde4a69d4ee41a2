// Package runstore defines the storage contract for diagnostic runs.
//
// A store keeps, per calendar, the id of the current run for a bounded
// window, and per run a status record plus an append-only event log, both
// expiring a fixed time after the last write. Every instance of the service
// shares the same store, so reads and writes may happen on any node.
package runstore

import (
	"context"

	"goa.design/syncdiag/runtime/diagnostics"
)

// Store persists diagnostic runs.
type Store interface {
	// GetOrCreateCurrentRun returns the current run of the calendar,
	// reserving a new pending run when none exists. IsNew is true only
	// for the caller that reserved it.
	GetOrCreateCurrentRun(ctx context.Context, calendarID string) (diagnostics.RunIDInfo, error)
	// GetStatus returns the run status or diagnostics.ErrNotFound.
	GetStatus(ctx context.Context, id diagnostics.RunID) (diagnostics.Status, error)
	// GetResults returns the run projection or diagnostics.ErrNotFound.
	GetResults(ctx context.Context, id diagnostics.RunID) (*diagnostics.Results, error)
	// Save applies req. Empty requests are no-ops; every other save
	// refreshes the run expiry. Status, StartedAt and FinishedAt are
	// ignored once the stored status is terminal.
	Save(ctx context.Context, req diagnostics.SaveRequest) error
}
