// Package groups stores per-group scaling configuration in the shared
// store so all autoscaler replicas evaluate the same operator intent.
// Unlike instance state, group config carries no TTL: it is durable until
// explicitly changed or deleted.
package groups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrGroupNotFound indicates no configuration exists for the group.
var ErrGroupNotFound = errors.New("group not found")

const scanPageSize = 100

// GroupConfig is the scaling policy for one instance group. Thresholds are
// expressed in expected available instances, the unit produced by the
// tracker's availability aggregation.
type GroupConfig struct {
	Name    string `json:"name" validate:"required"`
	Enabled bool   `json:"enabled"`

	MinDesired int `json:"minDesired" validate:"gte=0"`
	MaxDesired int `json:"maxDesired" validate:"gtefield=MinDesired"`

	ScaleUpThreshold   float64 `json:"scaleUpThreshold" validate:"gte=0"`
	ScaleDownThreshold float64 `json:"scaleDownThreshold" validate:"gte=0"`

	ScaleUpQuantity   int `json:"scaleUpQuantity" validate:"gte=1"`
	ScaleDownQuantity int `json:"scaleDownQuantity" validate:"gte=1"`

	ScaleUpPeriodCount    int `json:"scaleUpPeriodCount" validate:"gte=1"`
	ScaleDownPeriodCount  int `json:"scaleDownPeriodCount" validate:"gte=1"`
	PeriodDurationSeconds int `json:"periodDurationSeconds" validate:"gte=1"`
}

// Store reads and writes group configuration.
type Store struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewStore creates a group config store over the given store connection.
func NewStore(client redis.UniversalClient, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

func configKey(name string) string {
	return fmt.Sprintf("group:config:%s", name)
}

// Upsert writes the group's configuration, replacing any previous version.
func (s *Store) Upsert(ctx context.Context, config GroupConfig) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal group config %s: %w", config.Name, err)
	}
	if err := s.client.Set(ctx, configKey(config.Name), payload, 0).Err(); err != nil {
		return fmt.Errorf("write group config %s: %w", config.Name, err)
	}
	return nil
}

// Get returns one group's configuration.
func (s *Store) Get(ctx context.Context, name string) (*GroupConfig, error) {
	raw, err := s.client.Get(ctx, configKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read group config %s: %w", name, err)
	}

	var config GroupConfig
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, fmt.Errorf("unmarshal group config %s: %w", name, err)
	}
	return &config, nil
}

// List returns all configured groups. Malformed entries are skipped with a
// warning so one bad record cannot stop the control loop.
func (s *Store) List(ctx context.Context) ([]GroupConfig, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(ctx, cursor, configKey("*"), scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan group configs: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	configs := make([]GroupConfig, 0, len(keys))
	if len(keys) == 0 {
		return configs, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch group configs: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var config GroupConfig
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			s.logger.Warn("skipping malformed group config",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}
		configs = append(configs, config)
	}

	return configs, nil
}

// Delete removes a group's configuration.
func (s *Store) Delete(ctx context.Context, name string) error {
	removed, err := s.client.Del(ctx, configKey(name)).Result()
	if err != nil {
		return fmt.Errorf("delete group config %s: %w", name, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	return nil
}
