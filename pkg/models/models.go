// Package models defines the shared data model for the autoscaler core.
package models

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus reports whether a worker is currently serving a job.
type InstanceStatus string

const (
	StatusIdle InstanceStatus = "idle"
	StatusBusy InstanceStatus = "busy"
)

// InstanceHealth is the worker's self-reported health.
type InstanceHealth string

const (
	HealthHealthy   InstanceHealth = "healthy"
	HealthUnhealthy InstanceHealth = "unhealthy"
)

// DefaultGroup is used when a report carries no group in its metadata.
const DefaultGroup = "default"

// InstanceState is the latest reported snapshot of one worker instance.
// It is overwritten on every report and expires from the store if the
// instance stops reporting.
type InstanceState struct {
	InstanceID string            `json:"instanceId" binding:"required"`
	Status     InstanceStatus    `json:"status" binding:"required,oneof=idle busy"`
	Health     InstanceHealth    `json:"health" binding:"required,oneof=healthy unhealthy"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Group returns the instance group this state belongs to.
func (s *InstanceState) Group() string {
	if g, ok := s.Metadata["group"]; ok && g != "" {
		return g
	}
	return DefaultGroup
}

// AvailabilityMetric is a single immutable 0/1 availability sample for
// one instance. Value is 1 when the instance was idle at sample time.
type AvailabilityMetric struct {
	InstanceID string  `json:"instanceId"`
	Timestamp  int64   `json:"timestamp"` // milliseconds since epoch
	Value      float64 `json:"value"`
}

// ScalingDirection labels a scaling action.
type ScalingDirection string

const (
	ScaleUp   ScalingDirection = "up"
	ScaleDown ScalingDirection = "down"
)

// ScalingEvent describes one scaling action taken by the control loop.
// Events are logged and counted, not persisted.
type ScalingEvent struct {
	ID        string           `json:"id"`
	Group     string           `json:"group"`
	Direction ScalingDirection `json:"direction"`
	Quantity  int              `json:"quantity"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewScalingEvent creates an event for a scaling action just taken.
func NewScalingEvent(group string, direction ScalingDirection, quantity int) ScalingEvent {
	return ScalingEvent{
		ID:        uuid.New().String(),
		Group:     group,
		Direction: direction,
		Quantity:  quantity,
		Timestamp: time.Now().UTC(),
	}
}
