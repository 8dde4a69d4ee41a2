package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/syncdiag/runtime/lock"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if err == nil {
		var endpoint string
		endpoint, err = testRedisContainer.Endpoint(ctx, "")
		if err == nil {
			testRedisClient = redis.NewClient(&redis.Options{Addr: endpoint})
			err = testRedisClient.Ping(ctx).Err()
		}
	}
	if err != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func newLocker(t *testing.T) (*Locker, *redis.Client) {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	l, err := New(testRedisClient, "")
	require.NoError(t, err)
	return l, testRedisClient
}

func TestLockArguments(t *testing.T) {
	l := &Locker{}
	_, err := l.Lock(context.Background(), "acct", 0, "a", 1)
	require.ErrorIs(t, err, lock.ErrInvalidArgument)
	_, err = l.Lock(context.Background(), "acct", time.Minute, "a", -1)
	require.ErrorIs(t, err, lock.ErrInvalidArgument)
}

func TestKeys(t *testing.T) {
	l := &Locker{prefix: "x:"}
	require.Equal(t, []string{
		"x:inbound-sync-lock::{acct}",
		"x:inbound-sync-lock::{acct}::tok::count",
	}, l.keys("acct", "tok"))
}

func TestExclusiveReentrantCounted(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, l, "acct", time.Minute, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lock.Acquire(ctx, l, "acct", time.Minute, "b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Lock(ctx, "acct", time.Minute, "a", 3)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Unlock(ctx, "acct", "b"))
	for i := 0; i < 3; i++ {
		locked, err := l.IsLocked(ctx, "acct", "")
		require.NoError(t, err)
		require.True(t, locked, "unlock %d", i)

		locked, err = l.IsLocked(ctx, "acct", "a")
		require.NoError(t, err)
		require.False(t, locked)

		require.NoError(t, l.Unlock(ctx, "acct", "a"))
	}
	locked, err := l.IsLocked(ctx, "acct", "")
	require.NoError(t, err)
	require.False(t, locked)

	ok, err = lock.Acquire(ctx, l, "acct", time.Minute, "b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	l, rdb := newLocker(t)
	ctx := context.Background()

	ok, err := l.Lock(ctx, "acct", 50*time.Millisecond, "a", 2)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, err := rdb.PTTL(ctx, "inbound-sync-lock::{acct}::a::count").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.Eventually(t, func() bool {
		locked, err := l.IsLocked(ctx, "acct", "")
		return err == nil && !locked
	}, 2*time.Second, 10*time.Millisecond)
}
