// Package tracker records worker instance state and availability metrics
// in the shared store and aggregates them into the scaling signal consumed
// by the control loop. The tracker is stateless: every piece of state lives
// in the store under a TTL, so any number of autoscaler replicas can run
// against the same data.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ass-a2s/jitsi-autoscaler/pkg/metrics"
	"github.com/ass-a2s/jitsi-autoscaler/pkg/models"
)

// ErrStoreWriteFailed indicates a store write was not acknowledged. The
// tracker never retries internally; the next report cycle rewrites both
// keys, so callers treat this as recoverable.
var ErrStoreWriteFailed = errors.New("store write failed")

// scanPageSize bounds each SCAN round trip so large fleets cannot block
// the store on a single enumeration.
const scanPageSize = 100

// Config holds the expiry windows for the tracker's key spaces.
type Config struct {
	IdleTTL        time.Duration `mapstructure:"idle_ttl" validate:"gt=0"`
	MetricTTL      time.Duration `mapstructure:"metric_ttl" validate:"gt=0"`
	GracePeriodTTL time.Duration `mapstructure:"grace_period_ttl" validate:"gt=0"`
}

// InstanceTracker tracks instance status and availability metrics.
type InstanceTracker struct {
	client redis.UniversalClient
	logger *zap.Logger
	config Config
	now    func() time.Time
}

// NewInstanceTracker creates a tracker over the given store connection.
func NewInstanceTracker(client redis.UniversalClient, config Config, logger *zap.Logger) *InstanceTracker {
	return &InstanceTracker{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func statusKey(group, instanceID string) string {
	return fmt.Sprintf("instance:status:%s:%s", group, instanceID)
}

func metricKey(group, instanceID string, timestamp int64) string {
	return fmt.Sprintf("metric:available:%s:%s:%d", group, instanceID, timestamp)
}

func gracePeriodKey(group string) string {
	return fmt.Sprintf("gracePeriod:%s", group)
}

// Track stores the reported instance state and derives one availability
// sample from it. The two writes are independent: a status write can
// succeed while the metric write fails. Both are rewritten on the next
// report, so a partial failure heals on the following cycle.
func (t *InstanceTracker) Track(ctx context.Context, state *models.InstanceState) error {
	group := state.Group()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal instance state: %w", err)
	}

	if err := t.client.Set(ctx, statusKey(group, state.InstanceID), payload, t.config.IdleTTL).Err(); err != nil {
		metrics.TrackerWrites.WithLabelValues("status", "error").Inc()
		return fmt.Errorf("%w: instance status %s/%s: %w", ErrStoreWriteFailed, group, state.InstanceID, err)
	}
	metrics.TrackerWrites.WithLabelValues("status", "success").Inc()

	metric := models.AvailabilityMetric{
		InstanceID: state.InstanceID,
		Timestamp:  t.now().UnixMilli(),
	}
	if state.Status == models.StatusIdle {
		metric.Value = 1
	}

	metricPayload, err := json.Marshal(metric)
	if err != nil {
		return fmt.Errorf("marshal availability metric: %w", err)
	}

	if err := t.client.Set(ctx, metricKey(group, state.InstanceID, metric.Timestamp), metricPayload, t.config.MetricTTL).Err(); err != nil {
		metrics.TrackerWrites.WithLabelValues("metric", "error").Inc()
		return fmt.Errorf("%w: availability metric %s/%s: %w", ErrStoreWriteFailed, group, state.InstanceID, err)
	}
	metrics.TrackerWrites.WithLabelValues("metric", "success").Inc()

	return nil
}

// GetCurrent returns the non-expired instance states for a group. Order
// follows store enumeration order. Malformed stored payloads are skipped
// so one corrupt record cannot blind the control loop to the rest of the
// fleet.
func (t *InstanceTracker) GetCurrent(ctx context.Context, group string) ([]models.InstanceState, error) {
	keys, err := t.scanKeys(ctx, statusKey(group, "*"))
	if err != nil {
		return nil, err
	}

	states := make([]models.InstanceState, 0, len(keys))
	if len(keys) == 0 {
		metrics.TrackedInstances.WithLabelValues(group).Set(0)
		return states, nil
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch instance states for group %s: %w", group, err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var state models.InstanceState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			metrics.TrackerMalformedRecords.WithLabelValues("status").Inc()
			t.logger.Warn("skipping malformed instance state",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}
		states = append(states, state)
	}

	metrics.TrackedInstances.WithLabelValues(group).Set(float64(len(states)))
	return states, nil
}

// GetMetricPeriods partitions the group's stored availability metrics into
// periodCount consecutive backward-looking windows of periodDurationSeconds
// each, measured from call time. Index 0 is the most recent window. A
// metric belongs to window i when
// periodEnd-periodDuration < timestamp <= periodEnd. Metrics older than
// the oldest window boundary are dropped.
func (t *InstanceTracker) GetMetricPeriods(ctx context.Context, group string, periodCount, periodDurationSeconds int) ([][]models.AvailabilityMetric, error) {
	periods := make([][]models.AvailabilityMetric, periodCount)
	for i := range periods {
		periods[i] = []models.AvailabilityMetric{}
	}

	keys, err := t.scanKeys(ctx, fmt.Sprintf("metric:available:%s:*", group))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return periods, nil
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch availability metrics for group %s: %w", group, err)
	}

	now := t.now().UnixMilli()
	duration := int64(periodDurationSeconds) * 1000

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var metric models.AvailabilityMetric
		if err := json.Unmarshal([]byte(raw), &metric); err != nil {
			metrics.TrackerMalformedRecords.WithLabelValues("metric").Inc()
			t.logger.Warn("skipping malformed availability metric",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}

		for p := 0; p < periodCount; p++ {
			periodEnd := now - int64(p)*duration
			periodStart := periodEnd - duration
			if metric.Timestamp > periodStart && metric.Timestamp <= periodEnd {
				periods[p] = append(periods[p], metric)
				break
			}
		}
	}

	return periods, nil
}

// GetAvailableMetricPerPeriod reduces the first periodCount period buckets
// to one scalar each via ComputeAvailableMetric.
func (t *InstanceTracker) GetAvailableMetricPerPeriod(metricsPerPeriod [][]models.AvailabilityMetric, periodCount int) []float64 {
	if periodCount > len(metricsPerPeriod) {
		periodCount = len(metricsPerPeriod)
	}
	result := make([]float64, periodCount)
	for i := 0; i < periodCount; i++ {
		result[i] = ComputeAvailableMetric(metricsPerPeriod[i])
	}
	return result
}

// ComputeAvailableMetric sums the per-instance mean availability over the
// window. Each instance contributes its average sample value, so the result
// approximates how many instances were available in expectation, and a
// chatty instance cannot weigh more than 1.0.
func ComputeAvailableMetric(window []models.AvailabilityMetric) float64 {
	if len(window) == 0 {
		return 0
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, metric := range window {
		sums[metric.InstanceID] += metric.Value
		counts[metric.InstanceID]++
	}

	var total float64
	for instanceID, sum := range sums {
		total += sum / float64(counts[instanceID])
	}
	return total
}

// AllowScaling reports whether scaling is currently permitted for the
// group. A present, non-empty grace period flag suppresses scaling; an
// empty value is treated as no active grace period for compatibility with
// older store states.
func (t *InstanceTracker) AllowScaling(ctx context.Context, group string) (bool, error) {
	value, err := t.client.Get(ctx, gracePeriodKey(group)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read grace period for group %s: %w", group, err)
	}
	return value == "", nil
}

// SetGracePeriod raises the group's cooldown flag. It expires on its own
// after GracePeriodTTL; there is no explicit clear.
func (t *InstanceTracker) SetGracePeriod(ctx context.Context, group string) error {
	if err := t.client.Set(ctx, gracePeriodKey(group), "true", t.config.GracePeriodTTL).Err(); err != nil {
		metrics.TrackerWrites.WithLabelValues("grace_period", "error").Inc()
		return fmt.Errorf("%w: grace period for group %s: %w", ErrStoreWriteFailed, group, err)
	}
	metrics.TrackerWrites.WithLabelValues("grace_period", "success").Inc()
	return nil
}

// scanKeys enumerates all keys matching pattern, following the cursor
// until the store reports the scan complete.
func (t *InstanceTracker) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		batch, next, err := t.client.Scan(ctx, cursor, pattern, scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys for pattern %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}
