// Package ratelimit throttles calendar provider requests with an adaptive
// requests-per-minute budget. The budget halves whenever the provider
// answers 429 and recovers linearly on success. When given a Pulse
// replicated map the budget is shared by every process of the cluster.
package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/retry"
)

type (
	// Limiter is an AIMD token bucket for provider requests.
	Limiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentRPM float64
		minRPM     float64
		maxRPM     float64
		step       float64

		onBackoff func()
		onProbe   func()
	}

	limitedProvider struct {
		next    calendar.Provider
		limiter *Limiter
	}

	// clusterMap is the subset of rmap.Map the shared budget needs.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

const (
	defaultRPM       = 600
	clusterOpTimeout = 2 * time.Second
	clusterAttempts  = 3
)

// New returns a Limiter starting at rpm requests per minute and never
// exceeding maxRPM. When m is not nil the budget is stored under key and
// kept in sync across processes.
func New(ctx context.Context, m *rmap.Map, key string, rpm, maxRPM float64) *Limiter {
	var cm clusterMap
	if m != nil {
		cm = m
	}
	return newClusterLimiter(ctx, cm, key, rpm, maxRPM)
}

func newLimiter(rpm, maxRPM float64) *Limiter {
	if rpm <= 0 {
		rpm = defaultRPM
	}
	if maxRPM < rpm {
		maxRPM = rpm
	}
	return &Limiter{
		limiter:    rate.NewLimiter(rate.Limit(rpm/60), burst(rpm)),
		currentRPM: rpm,
		minRPM:     max(rpm*0.1, 1),
		maxRPM:     maxRPM,
		step:       max(rpm*0.05, 1),
	}
}

// Wrap returns a provider that waits for the budget before each request.
func (l *Limiter) Wrap(next calendar.Provider) calendar.Provider {
	return &limitedProvider{next: next, limiter: l}
}

// RPM returns the current budget.
func (l *Limiter) RPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRPM
}

func (p *limitedProvider) FetchAccount(ctx context.Context, accessToken string) (*calendar.ExternalAccount, error) {
	if err := p.limiter.wait(ctx); err != nil {
		return nil, err
	}
	acct, err := p.next.FetchAccount(ctx, accessToken)
	p.limiter.observe(err)
	return acct, err
}

func (p *limitedProvider) CheckFreeBusy(ctx context.Context, accessToken string, q calendar.FreeBusyQuery) error {
	if err := p.limiter.wait(ctx); err != nil {
		return err
	}
	err := p.next.CheckFreeBusy(ctx, accessToken, q)
	p.limiter.observe(err)
	return err
}

func (p *limitedProvider) CreateEvent(ctx context.Context, accessToken, calendarExternalID string, e *calendar.Event) (string, error) {
	if err := p.limiter.wait(ctx); err != nil {
		return "", err
	}
	id, err := p.next.CreateEvent(ctx, accessToken, calendarExternalID, e)
	p.limiter.observe(err)
	return id, err
}

func (p *limitedProvider) DeleteEvent(ctx context.Context, accessToken, externalID string) error {
	if err := p.limiter.wait(ctx); err != nil {
		return err
	}
	err := p.next.DeleteEvent(ctx, accessToken, externalID)
	p.limiter.observe(err)
	return err
}

func (l *Limiter) wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

func (l *Limiter) observe(err error) {
	switch {
	case err == nil:
		l.probe()
	case isRateLimited(err):
		l.backoff()
	}
}

// isRateLimited reports whether err carries a provider 429.
func isRateLimited(err error) bool {
	var status *retry.StatusError
	return errors.As(err, &status) && status.StatusCode == http.StatusTooManyRequests
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	changed := l.setLocked(l.currentRPM * 0.5)
	cb := l.onBackoff
	l.mu.Unlock()
	if changed && cb != nil {
		cb()
	}
}

func (l *Limiter) probe() {
	l.mu.Lock()
	changed := l.setLocked(l.currentRPM + l.step)
	cb := l.onProbe
	l.mu.Unlock()
	if changed && cb != nil {
		cb()
	}
}

// replace adopts a budget published by another process.
func (l *Limiter) replace(rpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(rpm)
}

// setLocked clamps rpm to [minRPM, maxRPM] and applies it. It reports
// whether the budget changed.
func (l *Limiter) setLocked(rpm float64) bool {
	rpm = min(max(rpm, l.minRPM), l.maxRPM)
	if rpm == l.currentRPM {
		return false
	}
	l.currentRPM = rpm
	l.limiter.SetLimit(rate.Limit(rpm / 60))
	l.limiter.SetBurst(burst(rpm))
	return true
}

// burst allows one second worth of requests, at least one.
func burst(rpm float64) int {
	return max(int(rpm/60), 1)
}

func newClusterLimiter(ctx context.Context, m clusterMap, key string, rpm, maxRPM float64) *Limiter {
	if key == "" || m == nil {
		return newLimiter(rpm, maxRPM)
	}
	l := newLimiter(rpm, maxRPM)
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, format(l.currentRPM)); err != nil {
			return l
		}
	}
	if v, ok := parse(m.Get(key)); ok {
		l.replace(v)
	}

	floor, ceiling, step := l.minRPM, l.maxRPM, l.step
	l.onBackoff = func() {
		go updateShared(m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
	}
	l.onProbe = func() {
		go updateShared(m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
	}

	ch := m.Subscribe()
	go func() {
		for range ch {
			if v, ok := parse(m.Get(key)); ok {
				l.replace(v)
			}
		}
	}()
	return l
}

// updateShared applies next to the shared budget with compare-and-set,
// giving up after a few lost races.
func updateShared(m clusterMap, key string, next func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), clusterOpTimeout)
	defer cancel()
	for range clusterAttempts {
		raw, ok := m.Get(key)
		if !ok {
			return
		}
		cur, ok := parse(raw, true)
		if !ok {
			return
		}
		n := next(cur)
		if n == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, raw, format(n))
		if err != nil || prev == raw {
			return
		}
	}
}

func format(rpm float64) string {
	return strconv.FormatFloat(rpm, 'f', -1, 64)
}

func parse(raw string, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
