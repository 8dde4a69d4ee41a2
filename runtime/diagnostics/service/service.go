// Package service is the entry point for triggering diagnostic runs and
// reading their results.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/runstore"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
	"goa.design/syncdiag/runtime/telemetry"
)

type (
	// Request triggers a diagnostic run.
	Request struct {
		CalendarID string
		// OrgID, when set, must own the calendar.
		OrgID       string
		CallbackURI string
	}

	// Dispatcher hands a newly created run to whatever executes it.
	Dispatcher interface {
		Dispatch(ctx context.Context, p workflow.Params) error
	}

	// Options configures a Service.
	Options struct {
		Store      runstore.Store
		Calendars  calendar.CalendarStore
		Dispatcher Dispatcher
		// Limiter bounds the trigger rate across calendars. Nil means
		// unlimited.
		Limiter *rate.Limiter
		Logger  telemetry.Logger
	}

	// Service triggers runs and serves results.
	Service struct {
		store      runstore.Store
		calendars  calendar.CalendarStore
		dispatcher Dispatcher
		limiter    *rate.Limiter
		logger     telemetry.Logger
	}
)

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("run store is required")
	}
	if opts.Calendars == nil {
		return nil, errors.New("calendar store is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Service{
		store:      opts.Store,
		calendars:  opts.Calendars,
		dispatcher: opts.Dispatcher,
		limiter:    opts.Limiter,
		logger:     telemetry.Or(opts.Logger),
	}, nil
}

// Run returns the current run of the calendar, creating and dispatching a
// new one when none is current. Repeated calls within the current-run window
// return the same run and dispatch nothing.
func (s *Service) Run(ctx context.Context, req Request) (diagnostics.RunIDInfo, error) {
	if err := req.Validate(); err != nil {
		return diagnostics.RunIDInfo{}, err
	}
	cal, err := s.calendars.Get(ctx, req.CalendarID)
	if err != nil {
		if errors.Is(err, calendar.ErrNotFound) {
			return diagnostics.RunIDInfo{}, fmt.Errorf("calendar %s: %w", req.CalendarID, diagnostics.ErrNotFound)
		}
		return diagnostics.RunIDInfo{}, fmt.Errorf("get calendar: %w", err)
	}
	if req.OrgID != "" && cal.OrgID != req.OrgID {
		// Calendars of other orgs are reported as missing.
		return diagnostics.RunIDInfo{}, fmt.Errorf("calendar %s: %w", req.CalendarID, diagnostics.ErrNotFound)
	}
	if cal.IsReadOnly {
		return diagnostics.RunIDInfo{}, fmt.Errorf("calendar %s: %w", req.CalendarID, calendar.ErrReadOnly)
	}
	if err := cal.RequireEligibleToSync(); err != nil {
		return diagnostics.RunIDInfo{}, fmt.Errorf("calendar %s: %w", req.CalendarID, err)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return diagnostics.RunIDInfo{}, diagnostics.ErrRateLimited
	}

	info, err := s.store.GetOrCreateCurrentRun(ctx, req.CalendarID)
	if err != nil {
		return diagnostics.RunIDInfo{}, fmt.Errorf("get or create current run: %w", err)
	}
	if !info.IsNew {
		s.logger.Debug(ctx, "diagnostic run already current", "run_id", info.RunID.String())
		return info, nil
	}
	p := workflow.Params{RunID: info.RunID, CallbackURI: req.CallbackURI}
	if err := s.dispatcher.Dispatch(ctx, p); err != nil {
		return diagnostics.RunIDInfo{}, fmt.Errorf("dispatch run %s: %w", info.RunID, err)
	}
	s.logger.Info(ctx, "diagnostic run dispatched", "run_id", info.RunID.String())
	return info, nil
}

// Results returns the stored results of a run or diagnostics.ErrNotFound.
func (s *Service) Results(ctx context.Context, id diagnostics.RunID) (*diagnostics.Results, error) {
	return s.store.GetResults(ctx, id)
}

// Validate checks the request fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.CalendarID) == "" {
		return &diagnostics.ValidationError{Field: "calendarId", Message: "is required"}
	}
	if uri := strings.TrimSpace(r.CallbackURI); uri != "" {
		u, err := url.Parse(uri)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &diagnostics.ValidationError{Field: "callbackUri", Message: "must be an absolute http(s) URL"}
		}
	}
	return nil
}
