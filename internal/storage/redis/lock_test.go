//go:build integration

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, startRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	a := NewLocker(client, "discounts:lock:")
	b := NewLocker(client, "discounts:lock:")

	lease, err := a.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "sweep", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))

	second, err := b.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	// A stale lease must not release a lock someone else now holds.
	require.NoError(t, lease.Release(ctx))
	_, err = a.Acquire(ctx, "sweep", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)
	require.NoError(t, second.Release(ctx))
}

func TestLocker_Expires(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, startRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	l := NewLocker(client, "discounts:lock:")
	_, err = l.Acquire(ctx, "sweep", 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lease, err := l.Acquire(ctx, "sweep", time.Minute)
		return err == nil && lease != nil
	}, 2*time.Second, 50*time.Millisecond)
}
