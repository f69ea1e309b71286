// Package controller runs the scaling decision loop. Each cycle is gated
// by the distributed processing lock so only one replica evaluates and
// acts at a time; replicas that lose the lock race simply skip the cycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ass-a2s/jitsi-autoscaler/internal/cloud"
	"github.com/ass-a2s/jitsi-autoscaler/internal/groups"
	"github.com/ass-a2s/jitsi-autoscaler/internal/lock"
	"github.com/ass-a2s/jitsi-autoscaler/internal/tracker"
	"github.com/ass-a2s/jitsi-autoscaler/pkg/metrics"
	"github.com/ass-a2s/jitsi-autoscaler/pkg/models"
)

// Processor periodically evaluates every enabled group and scales it
// toward its configured bounds.
type Processor struct {
	tracker  *tracker.InstanceTracker
	locks    *lock.Manager
	groups   *groups.Store
	launcher cloud.Launcher
	logger   *zap.Logger
	interval time.Duration
}

// NewProcessor wires the control loop.
func NewProcessor(
	instanceTracker *tracker.InstanceTracker,
	lockManager *lock.Manager,
	groupStore *groups.Store,
	launcher cloud.Launcher,
	interval time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		tracker:  instanceTracker,
		locks:    lockManager,
		groups:   groupStore,
		launcher: launcher,
		logger:   logger,
		interval: interval,
	}
}

// Run executes the control loop until the context is cancelled. Cycle
// errors are logged and the loop continues; a single bad cycle must not
// take the replica down.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("autoscale processor started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("autoscale processor stopped")
			return
		case <-ticker.C:
			if err := p.ProcessOnce(ctx); err != nil {
				if errors.Is(err, lock.ErrLockUnavailable) {
					p.logger.Debug("skipping cycle, another replica holds the lock")
					continue
				}
				p.logger.Error("processing cycle failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce runs a single gated evaluation cycle over all groups. A
// group's evaluation failure does not abort the remaining groups.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	start := time.Now()

	held, err := p.locks.AcquireAutoscaleLock(ctx)
	if err != nil {
		metrics.ProcessorRuns.WithLabelValues("lock_unavailable").Inc()
		return err
	}
	defer held.Release(ctx)

	configs, err := p.groups.List(ctx)
	if err != nil {
		metrics.ProcessorRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("list groups: %w", err)
	}

	var failed int
	for _, group := range configs {
		if !group.Enabled {
			continue
		}
		if err := p.evaluateGroup(ctx, group); err != nil {
			failed++
			p.logger.Error("group evaluation failed",
				zap.String("group", group.Name),
				zap.Error(err))
		}
	}

	metrics.ProcessorDuration.Observe(time.Since(start).Seconds())
	if failed > 0 {
		metrics.ProcessorRuns.WithLabelValues("partial").Inc()
	} else {
		metrics.ProcessorRuns.WithLabelValues("success").Inc()
	}
	return nil
}

func (p *Processor) evaluateGroup(ctx context.Context, group groups.GroupConfig) error {
	states, err := p.tracker.GetCurrent(ctx, group.Name)
	if err != nil {
		return err
	}

	allowed, err := p.tracker.AllowScaling(ctx, group.Name)
	if err != nil {
		return err
	}
	if !allowed {
		p.logger.Debug("grace period active, scaling suppressed",
			zap.String("group", group.Name))
		return nil
	}

	periodCount := group.ScaleUpPeriodCount
	if group.ScaleDownPeriodCount > periodCount {
		periodCount = group.ScaleDownPeriodCount
	}

	periods, err := p.tracker.GetMetricPeriods(ctx, group.Name, periodCount, group.PeriodDurationSeconds)
	if err != nil {
		return err
	}
	available := p.tracker.GetAvailableMetricPerPeriod(periods, periodCount)

	switch {
	case p.shouldScaleUp(group, states, available):
		return p.scaleUp(ctx, group, states)
	case p.shouldScaleDown(group, states, available):
		return p.scaleDown(ctx, group, states)
	}

	p.logger.Debug("group within bounds",
		zap.String("group", group.Name),
		zap.Int("instances", len(states)),
		zap.Float64s("available", available))
	return nil
}

// shouldScaleUp fires when every scale-up window shows fewer available
// instances than the threshold and the group is below its maximum.
func (p *Processor) shouldScaleUp(group groups.GroupConfig, states []models.InstanceState, available []float64) bool {
	if len(states) >= group.MaxDesired {
		return false
	}
	if len(available) < group.ScaleUpPeriodCount {
		return false
	}
	for _, value := range available[:group.ScaleUpPeriodCount] {
		if value >= group.ScaleUpThreshold {
			return false
		}
	}
	return true
}

// shouldScaleDown fires when every scale-down window shows more available
// instances than the threshold and the group is above its minimum.
func (p *Processor) shouldScaleDown(group groups.GroupConfig, states []models.InstanceState, available []float64) bool {
	if len(states) <= group.MinDesired {
		return false
	}
	if len(available) < group.ScaleDownPeriodCount {
		return false
	}
	for _, value := range available[:group.ScaleDownPeriodCount] {
		if value <= group.ScaleDownThreshold {
			return false
		}
	}
	return true
}

func (p *Processor) scaleUp(ctx context.Context, group groups.GroupConfig, states []models.InstanceState) error {
	count := group.ScaleUpQuantity
	if len(states)+count > group.MaxDesired {
		count = group.MaxDesired - len(states)
	}
	if count <= 0 {
		return nil
	}

	if err := p.launcher.LaunchInstances(ctx, group, count); err != nil {
		return fmt.Errorf("launch %d instances for group %s: %w", count, group.Name, err)
	}

	event := models.NewScalingEvent(group.Name, models.ScaleUp, count)
	metrics.ScalingActions.WithLabelValues(group.Name, string(models.ScaleUp)).Inc()
	p.logger.Info("scaled up",
		zap.String("event_id", event.ID),
		zap.String("group", group.Name),
		zap.Int("count", count))

	return p.tracker.SetGracePeriod(ctx, group.Name)
}

func (p *Processor) scaleDown(ctx context.Context, group groups.GroupConfig, states []models.InstanceState) error {
	count := group.ScaleDownQuantity
	if len(states)-count < group.MinDesired {
		count = len(states) - group.MinDesired
	}
	if count <= 0 {
		return nil
	}

	victims := idleVictims(states, count)
	if len(victims) == 0 {
		p.logger.Debug("no idle instances to terminate", zap.String("group", group.Name))
		return nil
	}

	if err := p.launcher.TerminateInstances(ctx, group, victims); err != nil {
		return fmt.Errorf("terminate %d instances for group %s: %w", len(victims), group.Name, err)
	}

	event := models.NewScalingEvent(group.Name, models.ScaleDown, len(victims))
	metrics.ScalingActions.WithLabelValues(group.Name, string(models.ScaleDown)).Inc()
	p.logger.Info("scaled down",
		zap.String("event_id", event.ID),
		zap.String("group", group.Name),
		zap.Strings("instances", victims))

	return p.tracker.SetGracePeriod(ctx, group.Name)
}

// idleVictims picks up to count idle instances, ordered by instance ID so
// repeated cycles converge on the same candidates.
func idleVictims(states []models.InstanceState, count int) []string {
	idle := make([]string, 0, len(states))
	for _, state := range states {
		if state.Status == models.StatusIdle {
			idle = append(idle, state.InstanceID)
		}
	}
	sort.Strings(idle)
	if len(idle) > count {
		idle = idle[:count]
	}
	return idle
}
