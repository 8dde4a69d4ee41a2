// Package rest implements calendar.Provider over the vendor REST API.
//
// Every failed request is returned as a *calendar.ProviderError so callers
// never surface vendor payloads; the response status and body stay in the
// wrapped *retry.StatusError for local logs. Only idempotent requests (GET,
// DELETE) are retried.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/retry"
)

const maxErrorBody = 1 << 10

type (
	// Options configures a Client.
	Options struct {
		// BaseURL is the vendor API root, e.g. https://api.example.com/v1.
		BaseURL string
		// HTTPClient defaults to an instrumented client with Timeout.
		HTTPClient *http.Client
		// Timeout bounds each request when HTTPClient is nil. Defaults to 30s.
		Timeout time.Duration
		// Retry defaults to retry.DefaultPolicy.
		Retry *retry.Policy
	}

	// Client is a calendar.Provider.
	Client struct {
		base   *url.URL
		http   *http.Client
		policy retry.Policy
	}

	accountBody struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		Provider  string `json:"provider"`
		SyncState string `json:"syncState"`
	}

	freeBusyBody struct {
		Calendars []string  `json:"calendars"`
		TimeMin   time.Time `json:"timeMin"`
		TimeMax   time.Time `json:"timeMax"`
	}

	eventBody struct {
		Title       string    `json:"title"`
		Description string    `json:"description,omitempty"`
		Start       time.Time `json:"start"`
		End         time.Time `json:"end"`
		Busy        bool      `json:"busy"`
	}

	createdBody struct {
		ID string `json:"id"`
	}
)

var _ calendar.Provider = (*Client)(nil)

// New returns a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("provider base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse provider base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("provider base URL %q must be absolute", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	p := retry.DefaultPolicy()
	if opts.Retry != nil {
		p = *opts.Retry
	}
	return &Client{base: base, http: hc, policy: p}, nil
}

// FetchAccount returns the account owning accessToken.
func (c *Client) FetchAccount(ctx context.Context, accessToken string) (*calendar.ExternalAccount, error) {
	var body accountBody
	if err := c.do(ctx, http.MethodGet, accessToken, "/me", nil, &body); err != nil {
		return nil, calendar.WrapProvider("fetch account", err)
	}
	return &calendar.ExternalAccount{
		ID:        body.ID,
		Email:     body.Email,
		Provider:  body.Provider,
		SyncState: body.SyncState,
	}, nil
}

// CheckFreeBusy queries availability of the calendars in q. Only success
// matters; the busy intervals are discarded.
func (c *Client) CheckFreeBusy(ctx context.Context, accessToken string, q calendar.FreeBusyQuery) error {
	in := freeBusyBody{Calendars: q.CalendarExternalIDs, TimeMin: q.Start.UTC(), TimeMax: q.End.UTC()}
	if err := c.do(ctx, http.MethodPost, accessToken, "/freeBusy", in, nil); err != nil {
		return calendar.WrapProvider("check free/busy", err)
	}
	return nil
}

// CreateEvent creates e in the external calendar and returns its id.
func (c *Client) CreateEvent(ctx context.Context, accessToken, calendarExternalID string, e *calendar.Event) (string, error) {
	in := eventBody{
		Title:       e.Title,
		Description: e.Description,
		Start:       e.Start.UTC(),
		End:         e.End.UTC(),
		Busy:        e.IsBusy,
	}
	var out createdBody
	path := "/calendars/" + url.PathEscape(calendarExternalID) + "/events"
	if err := c.do(ctx, http.MethodPost, accessToken, path, in, &out); err != nil {
		return "", calendar.WrapProvider("create event", err)
	}
	if out.ID == "" {
		return "", calendar.WrapProvider("create event", errors.New("response has no event id"))
	}
	return out.ID, nil
}

// DeleteEvent deletes the external event. Deleting an event that is already
// gone succeeds.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, externalID string) error {
	err := c.do(ctx, http.MethodDelete, accessToken, "/events/"+url.PathEscape(externalID), nil, nil)
	var status *retry.StatusError
	if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return calendar.WrapProvider("delete event", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, accessToken, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, method, accessToken, path, payload, out)
	}
	if method != http.MethodGet && method != http.MethodDelete {
		return call(ctx)
	}
	return retry.Do(ctx, c.policy, call)
}

func (c *Client) roundTrip(ctx context.Context, method, accessToken, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
