package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/syncdiag/features/trigger/pulse/clients/pulse"
	"goa.design/syncdiag/runtime/calendar"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
)

type (
	fakeClient struct {
		stream *fakeStream
		names  []string
	}

	fakeStream struct {
		mu     sync.Mutex
		added  []*streaming.Event
		sink   *fakeSink
		addErr error
	}

	fakeSink struct {
		mu     sync.Mutex
		events chan *streaming.Event
		acked  []string
		closed bool
	}

	taskFunc func(ctx context.Context, p workflow.Params) error
)

func newFakeClient() *fakeClient {
	return &fakeClient{stream: &fakeStream{sink: &fakeSink{events: make(chan *streaming.Event, 16)}}}
}

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	c.names = append(c.names, name)
	return c.stream, nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := &streaming.Event{ID: uuid.NewString(), EventName: event, Payload: payload}
	s.added = append(s.added, ev)
	return ev.ID, nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.events }

func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ev.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func (f taskFunc) Run(ctx context.Context, p workflow.Params) error { return f(ctx, p) }

func testParams() workflow.Params {
	return workflow.Params{
		RunID:       diagnostics.RunID{CalendarID: "cal-1", ID: uuid.New()},
		CallbackURI: "https://example.com/cb",
	}
}

func TestDecodeMessage(t *testing.T) {
	p := testParams()
	payload, err := json.Marshal(NewMessage(p))
	require.NoError(t, err)

	got, err := DecodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeMessageRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"wrong action":   `{"action":"other","calendarId":"cal","runId":"` + uuid.NewString() + `"}`,
		"missing run id": `{"action":"run_calendar_sync_diagnostics","calendarId":"cal"}`,
		"empty calendar": `{"action":"run_calendar_sync_diagnostics","calendarId":"","runId":"` + uuid.NewString() + `"}`,
		"bad run id":     `{"action":"run_calendar_sync_diagnostics","calendarId":"cal","runId":"nope"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(payload))
			require.ErrorIs(t, err, diagnostics.ErrInvalidArgument)
		})
	}
}

func TestDispatcherPublishesRunMessage(t *testing.T) {
	c := newFakeClient()
	d, err := NewDispatcher(c, "")
	require.NoError(t, err)
	require.Equal(t, []string{DefaultStream}, c.names)

	p := testParams()
	require.NoError(t, d.Dispatch(context.Background(), p))
	require.Len(t, c.stream.added, 1)
	require.Equal(t, EventRun, c.stream.added[0].EventName)

	got, err := DecodeMessage(c.stream.added[0].Payload)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDispatcherPublishError(t *testing.T) {
	c := newFakeClient()
	c.stream.addErr = errors.New("boom")
	d, err := NewDispatcher(c, "runs")
	require.NoError(t, err)
	require.ErrorContains(t, d.Dispatch(context.Background(), testParams()), "boom")
}

func TestWorkerAcks(t *testing.T) {
	transient := errors.New("redis unavailable")
	cases := []struct {
		name string
		err  error
		ack  bool
	}{
		{"started", nil, true},
		{"already started", diagnostics.ErrIllegalState, true},
		{"unknown calendar", calendar.ErrNotFound, true},
		{"ineligible calendar", calendar.ErrNotEligible, true},
		{"read only calendar", calendar.ErrReadOnly, true},
		{"transient failure", transient, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newFakeClient()
			var (
				mu   sync.Mutex
				seen []workflow.Params
			)
			w, err := NewWorker(WorkerOptions{
				Client: c,
				Task: taskFunc(func(_ context.Context, p workflow.Params) error {
					mu.Lock()
					defer mu.Unlock()
					seen = append(seen, p)
					return tc.err
				}),
			})
			require.NoError(t, err)

			p := testParams()
			payload, err := json.Marshal(NewMessage(p))
			require.NoError(t, err)
			c.stream.sink.events <- &streaming.Event{ID: "1-0", EventName: EventRun, Payload: payload}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(seen) == 1
			}, time.Second, 5*time.Millisecond)
			if tc.ack {
				require.Eventually(t, func() bool { return len(c.stream.sink.ackedIDs()) == 1 }, time.Second, 5*time.Millisecond)
			}
			cancel()
			require.ErrorIs(t, <-done, context.Canceled)

			require.Equal(t, p, seen[0])
			if !tc.ack {
				require.Empty(t, c.stream.sink.ackedIDs())
			}
			require.True(t, c.stream.sink.closed)
		})
	}
}

func TestWorkerAcksInvalidMessageWithoutRunning(t *testing.T) {
	c := newFakeClient()
	w, err := NewWorker(WorkerOptions{
		Client: c,
		Task: taskFunc(func(context.Context, workflow.Params) error {
			t.Error("task must not run")
			return nil
		}),
	})
	require.NoError(t, err)
	c.stream.sink.events <- &streaming.Event{ID: "1-0", EventName: EventRun, Payload: []byte(`{"action":"x"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return len(c.stream.sink.ackedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWorkerSubscriptionClosed(t *testing.T) {
	c := newFakeClient()
	w, err := NewWorker(WorkerOptions{Client: c, Task: taskFunc(func(context.Context, workflow.Params) error { return nil })})
	require.NoError(t, err)
	close(c.stream.sink.events)
	require.ErrorContains(t, w.Run(context.Background()), "subscription closed")
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(WorkerOptions{Task: taskFunc(nil)})
	require.Error(t, err)
	_, err = NewWorker(WorkerOptions{Client: newFakeClient()})
	require.Error(t, err)
}
