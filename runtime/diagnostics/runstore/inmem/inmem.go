// Package inmem provides an in-memory implementation of runstore.Store.
//
// The in-memory store is intended for tests and single-process use. It is
// not shared across instances.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/syncdiag/runtime/diagnostics"
)

type (
	// Store implements runstore.Store in memory.
	Store struct {
		currentTTL time.Duration
		resultsTTL time.Duration
		now        func() time.Time

		mu      sync.Mutex
		current map[string]currentRun
		runs    map[diagnostics.RunID]*run
	}

	// Option configures a Store.
	Option func(*Store)

	currentRun struct {
		id        uuid.UUID
		expiresAt time.Time
	}

	run struct {
		status     diagnostics.Status
		startedAt  time.Time
		finishedAt time.Time
		events     []diagnostics.Event
		expiresAt  time.Time
	}
)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store using the TTLs of cfg.
func New(cfg diagnostics.Config, opts ...Option) *Store {
	s := &Store{
		currentTTL: cfg.CurrentRunTTL,
		resultsTTL: cfg.ResultsTTL,
		now:        time.Now,
		current:    make(map[string]currentRun),
		runs:       make(map[diagnostics.RunID]*run),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetOrCreateCurrentRun implements runstore.Store.
func (s *Store) GetOrCreateCurrentRun(_ context.Context, calendarID string) (diagnostics.RunIDInfo, error) {
	if calendarID == "" {
		return diagnostics.RunIDInfo{}, fmt.Errorf("calendar id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.current[calendarID]; ok && now.Before(cur.expiresAt) {
		return diagnostics.RunIDInfo{RunID: diagnostics.RunID{CalendarID: calendarID, ID: cur.id}}, nil
	}
	id := diagnostics.NewRunID(calendarID)
	s.current[calendarID] = currentRun{id: id.ID, expiresAt: now.Add(s.currentTTL)}
	s.saveLocked(diagnostics.SaveRequest{RunID: id, Status: diagnostics.StatusPending}, now)
	return diagnostics.RunIDInfo{RunID: id, IsNew: true}, nil
}

// GetStatus implements runstore.Store.
func (s *Store) GetStatus(_ context.Context, id diagnostics.RunID) (diagnostics.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.liveLocked(id)
	if r == nil {
		return "", diagnostics.RunNotFound(id)
	}
	return r.status, nil
}

// GetResults implements runstore.Store.
func (s *Store) GetResults(_ context.Context, id diagnostics.RunID) (*diagnostics.Results, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.liveLocked(id)
	if r == nil {
		return nil, diagnostics.RunNotFound(id)
	}
	events := make([]diagnostics.Event, len(r.events))
	copy(events, r.events)
	return &diagnostics.Results{
		RunID:      id,
		Status:     r.status,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		ExpiresAt:  r.expiresAt.Truncate(time.Minute),
		Events:     events,
	}, nil
}

// Save implements runstore.Store.
func (s *Store) Save(_ context.Context, req diagnostics.SaveRequest) error {
	if req.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveLocked(req, s.now())
	return nil
}

func (s *Store) saveLocked(req diagnostics.SaveRequest, now time.Time) {
	r := s.liveLocked(req.RunID)
	if r == nil {
		r = &run{status: diagnostics.StatusPending}
		s.runs[req.RunID] = r
	}
	if !r.status.IsTerminal() {
		if req.Status != "" && diagnostics.CanTransition(r.status, req.Status) {
			r.status = req.Status
		}
		if !req.StartedAt.IsZero() {
			r.startedAt = req.StartedAt
		}
		if !req.FinishedAt.IsZero() {
			r.finishedAt = req.FinishedAt
		}
	}
	r.events = append(r.events, req.NewEvents...)
	r.expiresAt = now.Add(s.resultsTTL)
}

// liveLocked returns the run, evicting it first if it expired.
func (s *Store) liveLocked(id diagnostics.RunID) *run {
	r, ok := s.runs[id]
	if !ok {
		return nil
	}
	if !s.now().Before(r.expiresAt) {
		delete(s.runs, id)
		return nil
	}
	return r
}
