// Package cloud defines the provisioning collaborator invoked by the
// control loop. Providers are thin and swappable; all coordination logic
// stays in the tracker and controller.
package cloud

import (
	"context"

	"go.uber.org/zap"

	"github.com/ass-a2s/jitsi-autoscaler/internal/groups"
	"github.com/ass-a2s/jitsi-autoscaler/pkg/metrics"
)

// Launcher provisions and terminates worker instances for a group.
type Launcher interface {
	LaunchInstances(ctx context.Context, group groups.GroupConfig, count int) error
	TerminateInstances(ctx context.Context, group groups.GroupConfig, instanceIDs []string) error
}

// DryRunLauncher logs intended actions without touching any provider. It
// is the default until a real provider is configured, and doubles as a
// safe mode for validating scaling policy in production traffic.
type DryRunLauncher struct {
	logger *zap.Logger
}

// NewDryRunLauncher creates a launcher that only logs.
func NewDryRunLauncher(logger *zap.Logger) *DryRunLauncher {
	return &DryRunLauncher{logger: logger}
}

func (l *DryRunLauncher) LaunchInstances(_ context.Context, group groups.GroupConfig, count int) error {
	metrics.CloudOperations.WithLabelValues("launch", "dry_run").Inc()
	l.logger.Info("dry run: would launch instances",
		zap.String("group", group.Name),
		zap.Int("count", count))
	return nil
}

func (l *DryRunLauncher) TerminateInstances(_ context.Context, group groups.GroupConfig, instanceIDs []string) error {
	metrics.CloudOperations.WithLabelValues("terminate", "dry_run").Inc()
	l.logger.Info("dry run: would terminate instances",
		zap.String("group", group.Name),
		zap.Strings("instances", instanceIDs))
	return nil
}
