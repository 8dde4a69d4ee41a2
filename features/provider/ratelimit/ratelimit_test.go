package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/retry"
)

type (
	fakeProvider struct {
		err   error
		calls int
	}

	fakeClusterMap struct {
		mu     sync.Mutex
		values map[string]string
		ch     chan rmap.EventKind
	}
)

func (p *fakeProvider) FetchAccount(context.Context, string) (*calendar.ExternalAccount, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &calendar.ExternalAccount{}, nil
}

func (p *fakeProvider) CheckFreeBusy(context.Context, string, calendar.FreeBusyQuery) error {
	p.calls++
	return p.err
}

func (p *fakeProvider) CreateEvent(context.Context, string, string, *calendar.Event) (string, error) {
	p.calls++
	return "ext-1", p.err
}

func (p *fakeProvider) DeleteEvent(context.Context, string, string) error {
	p.calls++
	return p.err
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func (m *fakeClusterMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func (m *fakeClusterMap) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.notify()
}

func rateLimited() error {
	return calendar.WrapProvider("create event", &retry.StatusError{StatusCode: 429})
}

func TestBackoffHalvesBudget(t *testing.T) {
	lim := newLimiter(600, 600)
	p := &fakeProvider{err: rateLimited()}

	_, err := lim.Wrap(p).CreateEvent(context.Background(), "token", "cal", &calendar.Event{})
	require.Error(t, err)
	require.Equal(t, 1, p.calls)
	require.InDelta(t, 300, lim.RPM(), 0.001)
}

func TestBackoffStopsAtFloor(t *testing.T) {
	lim := newLimiter(600, 600)
	for range 20 {
		lim.observe(rateLimited())
	}
	require.InDelta(t, 60, lim.RPM(), 0.001)
}

func TestProbeRecoversUpToMax(t *testing.T) {
	lim := newLimiter(600, 660)
	lim.observe(rateLimited())
	require.InDelta(t, 300, lim.RPM(), 0.001)

	lim.observe(nil)
	require.InDelta(t, 330, lim.RPM(), 0.001)

	for range 100 {
		lim.observe(nil)
	}
	require.InDelta(t, 660, lim.RPM(), 0.001)
}

func TestOtherErrorsKeepBudget(t *testing.T) {
	lim := newLimiter(600, 600)
	for _, err := range []error{
		fmt.Errorf("boom"),
		calendar.WrapProvider("delete event", &retry.StatusError{StatusCode: 500}),
		context.Canceled,
	} {
		lim.observe(err)
	}
	require.InDelta(t, 600, lim.RPM(), 0.001)
}

func TestRetryExhaustionOn429BacksOff(t *testing.T) {
	lim := newLimiter(600, 600)
	err := &retry.ExhaustedError{Attempts: 3, Last: &retry.StatusError{StatusCode: 429}}
	lim.observe(calendar.WrapProvider("fetch account", err))
	require.InDelta(t, 300, lim.RPM(), 0.001)
}

func TestWaitHonorsContext(t *testing.T) {
	lim := newLimiter(1, 1)
	p := &fakeProvider{}
	wrapped := lim.Wrap(p)

	require.NoError(t, wrapped.DeleteEvent(context.Background(), "token", "ext"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, wrapped.DeleteEvent(ctx, "token", "ext"))
	require.Equal(t, 1, p.calls)
}

func TestClusterLimiterSeedsSharedMap(t *testing.T) {
	m := newFakeClusterMap()
	lim := newClusterLimiter(context.Background(), m, "rest", 600, 600)

	v, ok := m.Get("rest")
	require.True(t, ok)
	require.Equal(t, "600", v)
	require.InDelta(t, 600, lim.RPM(), 0.001)
}

func TestClusterLimiterAdoptsExistingValue(t *testing.T) {
	m := newFakeClusterMap()
	m.values["rest"] = "240"

	lim := newClusterLimiter(context.Background(), m, "rest", 600, 600)
	require.InDelta(t, 240, lim.RPM(), 0.001)
}

func TestClusterLimiterBackoffUpdatesSharedMap(t *testing.T) {
	m := newFakeClusterMap()
	m.values["rest"] = "600"
	lim := newClusterLimiter(context.Background(), m, "rest", 600, 600)

	p := &fakeProvider{err: rateLimited()}
	_ = lim.Wrap(p).CheckFreeBusy(context.Background(), "token", calendar.FreeBusyQuery{})

	require.Eventually(t, func() bool {
		v, _ := m.Get("rest")
		cur, err := strconv.ParseFloat(v, 64)
		return err == nil && cur < 600
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiterFollowsRemoteUpdates(t *testing.T) {
	m := newFakeClusterMap()
	m.values["rest"] = "600"
	lim := newClusterLimiter(context.Background(), m, "rest", 600, 600)

	m.set("rest", "120")

	require.Eventually(t, func() bool {
		return lim.RPM() == 120
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiterIgnoresInvalidValues(t *testing.T) {
	m := newFakeClusterMap()
	m.values["rest"] = "not-a-number"

	lim := newClusterLimiter(context.Background(), m, "rest", 600, 600)
	require.InDelta(t, 600, lim.RPM(), 0.001)
}

func TestNewWithoutMapIsLocal(t *testing.T) {
	lim := New(context.Background(), nil, "rest", 0, 0)
	require.InDelta(t, defaultRPM, lim.RPM(), 0.001)
}
