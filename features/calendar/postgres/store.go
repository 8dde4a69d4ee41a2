package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"goa.design/syncdiag/runtime/calendar"
)

type (
	// Calendars implements calendar.CalendarStore.
	Calendars struct{ db *sql.DB }
	// Accounts implements calendar.AccountStore.
	Accounts struct{ db *sql.DB }
	// Events implements calendar.EventStore.
	Events struct{ db *sql.DB }
)

var (
	_ calendar.CalendarStore = (*Calendars)(nil)
	_ calendar.AccountStore  = (*Accounts)(nil)
	_ calendar.EventStore    = (*Events)(nil)
)

// NewCalendars returns a calendar store over db.
func NewCalendars(db *sql.DB) *Calendars { return &Calendars{db: db} }

// NewAccounts returns an account store over db.
func NewAccounts(db *sql.DB) *Accounts { return &Accounts{db: db} }

// NewEvents returns an event store over db.
func NewEvents(db *sql.DB) *Events { return &Events{db: db} }

func (s *Calendars) Get(ctx context.Context, id string) (*calendar.Calendar, error) {
	var c calendar.Calendar
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, account_id, external_id, name, read_only FROM calendars WHERE id = $1`, id,
	).Scan(&c.ID, &c.OrgID, &c.AccountID, &c.ExternalID, &c.Name, &c.IsReadOnly)
	if err != nil {
		return nil, notFound(err, "calendar", id)
	}
	return &c, nil
}

// Put inserts or replaces c.
func (s *Calendars) Put(ctx context.Context, c calendar.Calendar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendars (id, org_id, account_id, external_id, name, read_only)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id, account_id = EXCLUDED.account_id,
			external_id = EXCLUDED.external_id, name = EXCLUDED.name,
			read_only = EXCLUDED.read_only`,
		c.ID, c.OrgID, c.AccountID, c.ExternalID, c.Name, c.IsReadOnly)
	if err != nil {
		return fmt.Errorf("put calendar %s: %w", c.ID, err)
	}
	return nil
}

func (s *Accounts) Get(ctx context.Context, id string) (*calendar.Account, error) {
	var a calendar.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, email, service_account_id FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.OrgID, &a.Email, &a.ServiceAccountID)
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

func (s *Accounts) ListErrors(ctx context.Context, accountID string) ([]calendar.AccountError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, type, message, created_at FROM account_errors
		WHERE account_id = $1 ORDER BY created_at DESC, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list account errors %s: %w", accountID, err)
	}
	defer rows.Close() //nolint:errcheck
	var out []calendar.AccountError
	for rows.Next() {
		var e calendar.AccountError
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list account errors %s: %w", accountID, err)
	}
	return out, nil
}

func (s *Accounts) AccessToken(ctx context.Context, accountID string) (string, error) {
	var tok string
	err := s.db.QueryRowContext(ctx, `SELECT access_token FROM accounts WHERE id = $1`, accountID).Scan(&tok)
	if err != nil {
		return "", notFound(err, "account", accountID)
	}
	return tok, nil
}

// Put inserts or replaces a with its access token.
func (s *Accounts) Put(ctx context.Context, a calendar.Account, accessToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, org_id, email, service_account_id, access_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id, email = EXCLUDED.email,
			service_account_id = EXCLUDED.service_account_id,
			access_token = EXCLUDED.access_token`,
		a.ID, a.OrgID, a.Email, a.ServiceAccountID, accessToken)
	if err != nil {
		return fmt.Errorf("put account %s: %w", a.ID, err)
	}
	return nil
}

// AddError records a sync error, assigning e.ID when empty.
func (s *Accounts) AddError(ctx context.Context, e calendar.AccountError) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_errors (id, account_id, type, message, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))`,
		e.ID, e.AccountID, e.Type, e.Message, nullTime(e))
	if err != nil {
		return fmt.Errorf("add account error %s: %w", e.AccountID, err)
	}
	return nil
}

func (s *Events) Create(ctx context.Context, e *calendar.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, calendar_id, org_id, title, description, start_at, end_at, busy, external_id, ical_uid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.CalendarID, e.OrgID, e.Title, e.Description, e.Start.UTC(), e.End.UTC(), e.IsBusy, e.ExternalID, e.ICalUID)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *Events) Get(ctx context.Context, id string) (*calendar.Event, error) {
	var e calendar.Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, calendar_id, org_id, title, description, start_at, end_at, busy, external_id, ical_uid
		FROM events WHERE id = $1`, id,
	).Scan(&e.ID, &e.CalendarID, &e.OrgID, &e.Title, &e.Description, &e.Start, &e.End, &e.IsBusy, &e.ExternalID, &e.ICalUID)
	if err != nil {
		return nil, notFound(err, "event", id)
	}
	return &e, nil
}

func (s *Events) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

func (s *Events) ExternalID(ctx context.Context, id string) (string, error) {
	return s.column(ctx, "external_id", id)
}

func (s *Events) ICalUID(ctx context.Context, id string) (string, error) {
	return s.column(ctx, "ical_uid", id)
}

func (s *Events) SetExternalID(ctx context.Context, id, externalID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET external_id = $2 WHERE id = $1`, id, externalID)
	if err != nil {
		return fmt.Errorf("set event external id %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s: %w", id, calendar.ErrNotFound)
	}
	return nil
}

// SetICalUID records the iCal UID of an imported event. Inbound sync calls
// it once the provider copy is imported.
func (s *Events) SetICalUID(ctx context.Context, id, icalUID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET ical_uid = $2 WHERE id = $1`, id, icalUID)
	if err != nil {
		return fmt.Errorf("set event ical uid %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s: %w", id, calendar.ErrNotFound)
	}
	return nil
}

// column reads one text column of the event. Only called with constant
// column names.
func (s *Events) column(ctx context.Context, col, id string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT `+col+` FROM events WHERE id = $1`, id).Scan(&v) //nolint:gosec
	if err != nil {
		return "", notFound(err, "event", id)
	}
	return v, nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, calendar.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

func nullTime(e calendar.AccountError) sql.NullTime {
	return sql.NullTime{Time: e.CreatedAt, Valid: !e.CreatedAt.IsZero()}
}
