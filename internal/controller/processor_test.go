package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ass-a2s/jitsi-autoscaler/internal/groups"
	"github.com/ass-a2s/jitsi-autoscaler/internal/lock"
	"github.com/ass-a2s/jitsi-autoscaler/internal/tracker"
	"github.com/ass-a2s/jitsi-autoscaler/pkg/models"
)

// recordingLauncher captures scaling actions instead of provisioning.
type recordingLauncher struct {
	mu         sync.Mutex
	launched   int
	terminated []string
}

func (l *recordingLauncher) LaunchInstances(_ context.Context, _ groups.GroupConfig, count int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched += count
	return nil
}

func (l *recordingLauncher) TerminateInstances(_ context.Context, _ groups.GroupConfig, instanceIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, instanceIDs...)
	return nil
}

type testHarness struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	tracker  *tracker.InstanceTracker
	groups   *groups.Store
	launcher *recordingLauncher
	proc     *Processor
}

func lockConfig() lock.Config {
	return lock.Config{
		TTL:         2 * time.Second,
		DriftFactor: 0.01,
		RetryCount:  1,
		RetryDelay:  5 * time.Millisecond,
		RetryJitter: 5 * time.Millisecond,
	}
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	instanceTracker := tracker.NewInstanceTracker(client, tracker.Config{
		IdleTTL:        90 * time.Second,
		MetricTTL:      15 * time.Minute,
		GracePeriodTTL: 5 * time.Minute,
	}, logger)
	groupStore := groups.NewStore(client, logger)
	launcher := &recordingLauncher{}
	lockManager := lock.NewManager([]*redis.Client{client}, lockConfig(), logger)

	return &testHarness{
		mr:       mr,
		client:   client,
		tracker:  instanceTracker,
		groups:   groupStore,
		launcher: launcher,
		proc:     NewProcessor(instanceTracker, lockManager, groupStore, launcher, 10*time.Second, logger),
	}
}

func (h *testHarness) report(t *testing.T, instanceID, group string, status models.InstanceStatus) {
	t.Helper()
	require.NoError(t, h.tracker.Track(context.Background(), &models.InstanceState{
		InstanceID: instanceID,
		Status:     status,
		Health:     models.HealthHealthy,
		Metadata:   map[string]string{"group": group},
	}))
}

func TestProcessOnceScalesUpWhenAvailabilityIsLow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.groups.Upsert(ctx, groups.GroupConfig{
		Name:                  "eu-west",
		Enabled:               true,
		MinDesired:            1,
		MaxDesired:            5,
		ScaleUpThreshold:      2,
		ScaleDownThreshold:    100,
		ScaleUpQuantity:       2,
		ScaleDownQuantity:     1,
		ScaleUpPeriodCount:    1,
		ScaleDownPeriodCount:  1,
		PeriodDurationSeconds: 60,
	}))

	h.report(t, "jibri-1", "eu-west", models.StatusBusy)

	require.NoError(t, h.proc.ProcessOnce(ctx))

	assert.Equal(t, 2, h.launcher.launched)
	assert.Empty(t, h.launcher.terminated)

	allowed, err := h.tracker.AllowScaling(ctx, "eu-west")
	require.NoError(t, err)
	assert.False(t, allowed, "scaling action must raise the grace period")
}

func TestProcessOnceRespectsMaxDesired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.groups.Upsert(ctx, groups.GroupConfig{
		Name:                  "eu-west",
		Enabled:               true,
		MinDesired:            1,
		MaxDesired:            2,
		ScaleUpThreshold:      5,
		ScaleDownThreshold:    100,
		ScaleUpQuantity:       4,
		ScaleDownQuantity:     1,
		ScaleUpPeriodCount:    1,
		ScaleDownPeriodCount:  1,
		PeriodDurationSeconds: 60,
	}))

	h.report(t, "jibri-1", "eu-west", models.StatusBusy)

	require.NoError(t, h.proc.ProcessOnce(ctx))

	// Only one slot is left below MaxDesired.
	assert.Equal(t, 1, h.launcher.launched)
}

func TestProcessOnceScalesDownIdleInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.groups.Upsert(ctx, groups.GroupConfig{
		Name:                  "eu-west",
		Enabled:               true,
		MinDesired:            1,
		MaxDesired:            10,
		ScaleUpThreshold:      0,
		ScaleDownThreshold:    1.5,
		ScaleUpQuantity:       1,
		ScaleDownQuantity:     1,
		ScaleUpPeriodCount:    1,
		ScaleDownPeriodCount:  1,
		PeriodDurationSeconds: 60,
	}))

	h.report(t, "jibri-b", "eu-west", models.StatusIdle)
	h.report(t, "jibri-a", "eu-west", models.StatusIdle)
	h.report(t, "jibri-c", "eu-west", models.StatusBusy)

	require.NoError(t, h.proc.ProcessOnce(ctx))

	assert.Zero(t, h.launcher.launched)
	// Victims are idle only, lowest instance ID first.
	assert.Equal(t, []string{"jibri-a"}, h.launcher.terminated)

	allowed, err := h.tracker.AllowScaling(ctx, "eu-west")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestProcessOnceSuppressedByGracePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.groups.Upsert(ctx, groups.GroupConfig{
		Name:                  "eu-west",
		Enabled:               true,
		MinDesired:            1,
		MaxDesired:            5,
		ScaleUpThreshold:      2,
		ScaleDownThreshold:    100,
		ScaleUpQuantity:       2,
		ScaleDownQuantity:     1,
		ScaleUpPeriodCount:    1,
		ScaleDownPeriodCount:  1,
		PeriodDurationSeconds: 60,
	}))

	h.report(t, "jibri-1", "eu-west", models.StatusBusy)

	require.NoError(t, h.proc.ProcessOnce(ctx))
	require.Equal(t, 2, h.launcher.launched)

	// The cooldown from the first action suppresses the second cycle.
	require.NoError(t, h.proc.ProcessOnce(ctx))
	assert.Equal(t, 2, h.launcher.launched)

	// Once the grace period expires, scaling resumes.
	h.mr.FastForward(5*time.Minute + time.Second)
	h.report(t, "jibri-1", "eu-west", models.StatusBusy)

	require.NoError(t, h.proc.ProcessOnce(ctx))
	assert.Equal(t, 4, h.launcher.launched)
}

func TestProcessOnceIgnoresDisabledGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	group := groups.GroupConfig{
		Name:                  "eu-west",
		Enabled:               false,
		MinDesired:            1,
		MaxDesired:            5,
		ScaleUpThreshold:      2,
		ScaleDownThreshold:    100,
		ScaleUpQuantity:       2,
		ScaleDownQuantity:     1,
		ScaleUpPeriodCount:    1,
		ScaleDownPeriodCount:  1,
		PeriodDurationSeconds: 60,
	}
	require.NoError(t, h.groups.Upsert(ctx, group))

	h.report(t, "jibri-1", "eu-west", models.StatusBusy)

	require.NoError(t, h.proc.ProcessOnce(ctx))
	assert.Zero(t, h.launcher.launched)
}

func TestProcessOnceSkipsCycleWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := lock.NewManager([]*redis.Client{h.client}, lockConfig(), zaptest.NewLogger(t))
	held, err := other.AcquireAutoscaleLock(ctx)
	require.NoError(t, err)
	defer held.Release(ctx)

	err = h.proc.ProcessOnce(ctx)
	assert.ErrorIs(t, err, lock.ErrLockUnavailable)
}

func TestProcessOnceWithNoGroups(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.proc.ProcessOnce(context.Background()))
	assert.Zero(t, h.launcher.launched)
}
