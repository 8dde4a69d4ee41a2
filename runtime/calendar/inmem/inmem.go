// Package inmem provides in-memory calendar stores and a simulated provider
// for tests and local runs. The simulated provider mimics inbound sync by
// writing an iCal UID onto the local event some time after export.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/syncdiag/runtime/calendar"
)

type (
	// Calendars implements calendar.CalendarStore.
	Calendars struct {
		mu   sync.RWMutex
		byID map[string]calendar.Calendar
	}

	// Accounts implements calendar.AccountStore.
	Accounts struct {
		mu     sync.RWMutex
		byID   map[string]calendar.Account
		tokens map[string]string
		errs   map[string][]calendar.AccountError
	}

	// Events implements calendar.EventStore.
	Events struct {
		mu   sync.RWMutex
		byID map[string]calendar.Event
	}

	// Provider is a simulated calendar.Provider.
	Provider struct {
		events      *Events
		importAfter time.Duration
		imports     bool

		mu       sync.Mutex
		accounts map[string]calendar.ExternalAccount
		failures map[string]error
		created  map[string]string // external id -> local event id
		deleted  []string
		timers   []*time.Timer
	}

	// ProviderOption configures a Provider.
	ProviderOption func(*Provider)
)

// Provider operations accepted by Provider.Fail.
const (
	OpFetchAccount  = "fetch_account"
	OpCheckFreeBusy = "check_free_busy"
	OpCreateEvent   = "create_event"
	OpDeleteEvent   = "delete_event"
)

// NewCalendars returns a store holding cals.
func NewCalendars(cals ...calendar.Calendar) *Calendars {
	s := &Calendars{byID: make(map[string]calendar.Calendar)}
	for _, c := range cals {
		s.Put(c)
	}
	return s
}

// Put stores c.
func (s *Calendars) Put(c calendar.Calendar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID] = c
}

// Get implements calendar.CalendarStore.
func (s *Calendars) Get(_ context.Context, id string) (*calendar.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("calendar %q: %w", id, calendar.ErrNotFound)
	}
	return &c, nil
}

// NewAccounts returns an empty account store.
func NewAccounts() *Accounts {
	return &Accounts{
		byID:   make(map[string]calendar.Account),
		tokens: make(map[string]string),
		errs:   make(map[string][]calendar.AccountError),
	}
}

// Put stores a with its access token.
func (s *Accounts) Put(a calendar.Account, accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.ID] = a
	s.tokens[a.ID] = accessToken
}

// AddError records a sync error for the account.
func (s *Accounts) AddError(e calendar.AccountError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[e.AccountID] = append(s.errs[e.AccountID], e)
}

// Get implements calendar.AccountStore.
func (s *Accounts) Get(_ context.Context, id string) (*calendar.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("account %q: %w", id, calendar.ErrNotFound)
	}
	return &a, nil
}

// ListErrors implements calendar.AccountStore.
func (s *Accounts) ListErrors(_ context.Context, accountID string) ([]calendar.AccountError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	errs := append([]calendar.AccountError(nil), s.errs[accountID]...)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].CreatedAt.After(errs[j].CreatedAt) })
	return errs, nil
}

// AccessToken implements calendar.AccountStore.
func (s *Accounts) AccessToken(_ context.Context, accountID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[accountID]
	if !ok {
		return "", fmt.Errorf("account %q: %w", accountID, calendar.ErrNotFound)
	}
	return tok, nil
}

// NewEvents returns an empty event store.
func NewEvents() *Events {
	return &Events{byID: make(map[string]calendar.Event)}
}

// Create implements calendar.EventStore.
func (s *Events) Create(_ context.Context, e *calendar.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.byID[e.ID] = *e
	return nil
}

// Get implements calendar.EventStore.
func (s *Events) Get(_ context.Context, id string) (*calendar.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", id, calendar.ErrNotFound)
	}
	return &e, nil
}

// Delete implements calendar.EventStore.
func (s *Events) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

// ExternalID implements calendar.EventStore.
func (s *Events) ExternalID(ctx context.Context, id string) (string, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return e.ExternalID, nil
}

// ICalUID implements calendar.EventStore.
func (s *Events) ICalUID(ctx context.Context, id string) (string, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return e.ICalUID, nil
}

// SetExternalID implements calendar.EventStore.
func (s *Events) SetExternalID(_ context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("event %q: %w", id, calendar.ErrNotFound)
	}
	e.ExternalID = externalID
	s.byID[id] = e
	return nil
}

// Len returns the number of stored events.
func (s *Events) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Events) setICalUID(id, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		e.ICalUID = uid
		s.byID[id] = e
	}
}

// WithImportAfter makes the provider import exported events back into
// events after d.
func WithImportAfter(d time.Duration) ProviderOption {
	return func(p *Provider) { p.importAfter = d }
}

// WithoutImport disables the simulated inbound sync.
func WithoutImport() ProviderOption {
	return func(p *Provider) { p.imports = false }
}

// NewProvider returns a simulated provider importing into events.
func NewProvider(events *Events, opts ...ProviderOption) *Provider {
	p := &Provider{
		events:   events,
		imports:  true,
		accounts: make(map[string]calendar.ExternalAccount),
		failures: make(map[string]error),
		created:  make(map[string]string),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AddAccount makes the provider recognize accessToken as acct.
func (p *Provider) AddAccount(accessToken string, acct calendar.ExternalAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[accessToken] = acct
}

// Fail makes every call of op fail with err. A nil err clears the failure.
func (p *Provider) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// Deleted returns the external ids deletion was requested for.
func (p *Provider) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

// Close stops pending imports.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
}

// FetchAccount implements calendar.Provider.
func (p *Provider) FetchAccount(_ context.Context, accessToken string) (*calendar.ExternalAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[OpFetchAccount]; err != nil {
		return nil, &calendar.ProviderError{Op: OpFetchAccount, Err: err}
	}
	a, ok := p.accounts[accessToken]
	if !ok {
		return nil, &calendar.ProviderError{Op: OpFetchAccount, Err: fmt.Errorf("unknown access token")}
	}
	return &a, nil
}

// CheckFreeBusy implements calendar.Provider.
func (p *Provider) CheckFreeBusy(_ context.Context, accessToken string, _ calendar.FreeBusyQuery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[OpCheckFreeBusy]; err != nil {
		return &calendar.ProviderError{Op: OpCheckFreeBusy, Err: err}
	}
	if _, ok := p.accounts[accessToken]; !ok {
		return &calendar.ProviderError{Op: OpCheckFreeBusy, Err: fmt.Errorf("unauthorized")}
	}
	return nil
}

// CreateEvent implements calendar.Provider.
func (p *Provider) CreateEvent(_ context.Context, _ string, _ string, e *calendar.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[OpCreateEvent]; err != nil {
		return "", &calendar.ProviderError{Op: OpCreateEvent, Err: err}
	}
	externalID := "ext-" + uuid.NewString()
	p.created[externalID] = e.ID
	if p.imports {
		localID := e.ID
		p.timers = append(p.timers, time.AfterFunc(p.importAfter, func() {
			p.events.setICalUID(localID, externalID+"@provider")
		}))
	}
	return externalID, nil
}

// DeleteEvent implements calendar.Provider.
func (p *Provider) DeleteEvent(_ context.Context, _ string, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[OpDeleteEvent]; err != nil {
		return &calendar.ProviderError{Op: OpDeleteEvent, Err: err}
	}
	p.deleted = append(p.deleted, externalID)
	delete(p.created, externalID)
	return nil
}
