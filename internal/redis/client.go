// Package redis constructs the shared-store clients used by the tracker,
// the group config store and the quorum lock manager.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds connection settings for the shared store.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// LockNodes are the independent endpoints used for quorum locking.
	// A single entry degrades to plain single-node locking.
	LockNodes []string `mapstructure:"lock_nodes"`

	// Pool settings
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`

	// Operational settings
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`

	// Timeout settings
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns connection settings suitable for a local deployment.
func DefaultConfig() *Config {
	return &Config{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		LockNodes: []string{"localhost:6379"},

		PoolSize:     32,
		MinIdleConns: 4,
		PoolTimeout:  time.Second * 4,

		MaxRetries:      3,
		MinRetryBackoff: time.Millisecond * 8,
		MaxRetryBackoff: time.Millisecond * 512,

		DialTimeout:  time.Second * 5,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

func (c *Config) options(addr string) *redis.Options {
	return &redis.Options{
		Addr:     addr,
		Password: c.Password,
		DB:       c.DB,

		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		PoolTimeout:  c.PoolTimeout,

		MaxRetries:      c.MaxRetries,
		MinRetryBackoff: c.MinRetryBackoff,
		MaxRetryBackoff: c.MaxRetryBackoff,

		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// Client wraps the go-redis client with connection lifecycle helpers.
type Client struct {
	rdb    redis.UniversalClient
	config *Config
	logger *zap.SugaredLogger
}

// NewClient creates the primary shared-store client and verifies connectivity.
func NewClient(config *Config, logger *zap.SugaredLogger) (*Client, error) {
	rdb := redis.NewClient(config.options(config.Addr))

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Infow("redis client connected",
		"addr", config.Addr,
		"db", config.DB,
		"pool_size", config.PoolSize,
	)

	return &Client{rdb: rdb, config: config, logger: logger}, nil
}

// NewQuorumClients creates one client per configured lock node. The lock
// manager needs independent connections so a majority can be probed even
// when one node is unreachable; connectivity is not verified here since a
// subset of nodes being down is an expected condition.
func NewQuorumClients(config *Config) []*redis.Client {
	nodes := config.LockNodes
	if len(nodes) == 0 {
		nodes = []string{config.Addr}
	}
	clients := make([]*redis.Client, 0, len(nodes))
	for _, addr := range nodes {
		clients = append(clients, redis.NewClient(config.options(addr)))
	}
	return clients
}

// GetClient returns the underlying go-redis client.
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

// Health checks the store connection.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the store connection.
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
