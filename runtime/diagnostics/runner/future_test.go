package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureFirstCompletionWins(t *testing.T) {
	f := NewFuture[string]()
	require.False(t, f.IsReady())

	var got []string
	f.OnComplete(func(v string, _ error) { got = append(got, "before:"+v) })

	require.True(t, f.Complete("a", nil))
	require.False(t, f.Complete("b", errors.New("late")))
	f.OnComplete(func(v string, _ error) { got = append(got, "after:"+v) })

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", v)
	require.True(t, f.IsReady())
	require.Equal(t, []string{"before:a", "after:a"}, got)
}

func TestFutureGetHonorsContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalSchedulerDropsAfterClose(t *testing.T) {
	s := NewLocalScheduler(nil)
	ran := make(chan struct{})
	s.Schedule(func() { close(ran) }, time.Millisecond)
	require.NoError(t, s.Close(context.Background()))

	select {
	case <-ran:
	default:
		t.Fatal("scheduled function did not run before Close returned")
	}

	s.Schedule(func() { t.Error("function scheduled after Close ran") }, 0)
	time.Sleep(10 * time.Millisecond)
}

func TestLocalSchedulerDrainsReschedules(t *testing.T) {
	s := NewLocalScheduler(nil)
	started := make(chan struct{})
	var runs int
	var step func()
	step = func() {
		runs++
		if runs == 1 {
			close(started)
			time.Sleep(20 * time.Millisecond)
		}
		if runs < 3 {
			s.Schedule(step, time.Millisecond)
		}
	}
	s.Schedule(step, 0)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.Equal(t, 3, runs)

	s.Schedule(func() { t.Error("function scheduled after drain ran") }, 0)
	time.Sleep(10 * time.Millisecond)
}

func TestLocalSchedulerCloseDeadlineStopsReschedules(t *testing.T) {
	s := NewLocalScheduler(nil)
	release := make(chan struct{})
	s.Schedule(func() { <-release }, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)

	close(release)
	s.Schedule(func() { t.Error("function scheduled after deadline ran") }, 0)
	time.Sleep(10 * time.Millisecond)
}
