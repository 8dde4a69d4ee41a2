// Package retry runs outbound calls with bounded exponential backoff. It is
// used by the HTTP adapters (provider client, callback sender); diagnostic
// steps do not retry through this package, they poll through the runner.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

type (
	// Policy configures Do.
	Policy struct {
		// MaxAttempts counts the initial attempt. Values below 1 mean a
		// single attempt.
		MaxAttempts int `yaml:"max_attempts"`
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		// MaxBackoff caps the delay between attempts.
		MaxBackoff time.Duration `yaml:"max_backoff"`
		// Multiplier grows the delay after each retry.
		Multiplier float64 `yaml:"multiplier"`
		// Jitter is the fraction of the delay randomized in both directions.
		Jitter float64 `yaml:"jitter"`
	}

	// ExhaustedError is returned once every attempt failed with a
	// retryable error.
	ExhaustedError struct {
		Attempts int
		Elapsed  time.Duration
		Last     error
	}

	// StatusError is an HTTP response with an unexpected status code.
	StatusError struct {
		StatusCode int
		Body       string
	}
)

// DefaultPolicy returns the policy used by the HTTP adapters.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts in %v: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is worth another attempt: timeouts,
// refused connections and 429/502/503/504 responses. Context cancellation
// never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, attempts
// run out or ctx is done.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	start := time.Now()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !IsRetryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return &ExhaustedError{Attempts: attempts, Elapsed: time.Since(start), Last: last}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter
	}
	return time.Duration(d)
}
