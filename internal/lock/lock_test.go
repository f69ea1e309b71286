package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		TTL:         2 * time.Second,
		DriftFactor: 0.01,
		RetryCount:  2,
		RetryDelay:  5 * time.Millisecond,
		RetryJitter: 5 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, mr *miniredis.Miniredis) *Manager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager([]*redis.Client{client}, testConfig(), zaptest.NewLogger(t))
}

func TestAcquireAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	manager := newTestManager(t, mr)
	ctx := context.Background()

	held, err := manager.AcquireAutoscaleLock(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)

	held.Release(ctx)

	// Released lock is immediately acquirable again.
	held, err = manager.AcquireAutoscaleLock(ctx)
	require.NoError(t, err)
	held.Release(ctx)
}

func TestSecondReplicaIsExcluded(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestManager(t, mr)
	second := newTestManager(t, mr)
	ctx := context.Background()

	held, err := first.AcquireAutoscaleLock(ctx)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = second.AcquireAutoscaleLock(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestLockExpiryRecoversFromCrashedHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestManager(t, mr)
	second := newTestManager(t, mr)
	ctx := context.Background()

	// First replica acquires and "crashes" without releasing.
	_, err := first.AcquireAutoscaleLock(ctx)
	require.NoError(t, err)

	_, err = second.AcquireAutoscaleLock(ctx)
	assert.ErrorIs(t, err, ErrLockUnavailable)

	mr.FastForward(3 * time.Second)

	held, err := second.AcquireAutoscaleLock(ctx)
	require.NoError(t, err)
	held.Release(ctx)
}

func TestUnreachableStoreIsNotFatal(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	manager := NewManager([]*redis.Client{client}, testConfig(), zaptest.NewLogger(t))

	_, err := manager.AcquireAutoscaleLock(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestQuorumAcrossNodes(t *testing.T) {
	nodes := []*miniredis.Miniredis{miniredis.RunT(t), miniredis.RunT(t), miniredis.RunT(t)}
	clients := make([]*redis.Client, 0, len(nodes))
	for _, node := range nodes {
		client := redis.NewClient(&redis.Options{Addr: node.Addr()})
		t.Cleanup(func() { client.Close() })
		clients = append(clients, client)
	}

	manager := NewManager(clients, testConfig(), zaptest.NewLogger(t))

	held, err := manager.AcquireAutoscaleLock(context.Background())
	require.NoError(t, err)

	// A strict majority of the nodes carries the lock token.
	var acks int
	for _, node := range nodes {
		if node.Exists(autoscalerLockKey) {
			acks++
		}
	}
	assert.GreaterOrEqual(t, acks, 2)

	held.Release(context.Background())
}
