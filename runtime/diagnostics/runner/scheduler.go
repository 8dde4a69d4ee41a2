package runner

import (
	"context"
	"sync"
	"time"

	"goa.design/syncdiag/runtime/telemetry"
)

type (
	// Scheduler runs functions after a delay. Implementations decide
	// durability; callers must not rely on a scheduled function surviving
	// a process restart.
	Scheduler interface {
		Schedule(fn func(), delay time.Duration)
	}

	// LocalScheduler schedules functions on in-process timers.
	LocalScheduler struct {
		logger telemetry.Logger

		mu sync.Mutex
		// closed rejects new work unless scheduled work is still pending.
		closed bool
		// stopped rejects all work once the drain ended.
		stopped bool
		pending int
		// idle is closed when pending drops to zero during a drain.
		idle chan struct{}
	}
)

// NewLocalScheduler returns a running LocalScheduler.
func NewLocalScheduler(logger telemetry.Logger) *LocalScheduler {
	return &LocalScheduler{logger: telemetry.Or(logger)}
}

// Schedule runs fn on its own goroutine after delay. Once Close was called,
// functions are only accepted while scheduled ones are pending, so in-flight
// runs can keep polling until the drain ends. Anything else is dropped.
func (s *LocalScheduler) Schedule(fn func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || (s.closed && s.pending == 0) {
		s.logger.Warn(context.Background(), "scheduler closed, dropping task", "delay", delay.String())
		return
	}
	s.pending++
	time.AfterFunc(delay, func() {
		defer s.finish()
		fn()
	})
}

func (s *LocalScheduler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Close stops accepting new work and waits until scheduled functions, and
// the ones they reschedule, finish or ctx is done. After Close returns
// nothing is accepted.
func (s *LocalScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.pending == 0 {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return err
}
