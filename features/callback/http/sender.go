// Package http delivers run completion callbacks over HTTP.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/retry"
)

const maxErrorBody = 1 << 10

type (
	// Options configures a Sender.
	Options struct {
		// Client defaults to an instrumented client with Timeout.
		Client *http.Client
		// Timeout bounds each attempt when Client is nil. Defaults to 10s.
		Timeout time.Duration
		// Retry defaults to retry.DefaultPolicy.
		Retry *retry.Policy
	}

	// Sender POSTs callbacks as JSON.
	Sender struct {
		client *http.Client
		policy retry.Policy
	}
)

// New returns a Sender.
func New(opts Options) *Sender {
	c := opts.Client
	if c == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	p := retry.DefaultPolicy()
	if opts.Retry != nil {
		p = *opts.Retry
	}
	return &Sender{client: c, policy: p}
}

// Send posts cb to uri. Any 2xx response is a success; 429 and 5xx gateway
// errors are retried.
func (s *Sender) Send(ctx context.Context, uri string, cb diagnostics.Callback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.post(ctx, uri, body)
	})
	if err != nil {
		return fmt.Errorf("send callback for run %s: %w", cb.RunID, err)
	}
	return nil
}

func (s *Sender) post(ctx context.Context, uri string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}
