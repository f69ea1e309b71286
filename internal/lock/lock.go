// Package lock provides the mutual-exclusion gate for the scaling control
// loop. The lock is acquired with the Redlock quorum protocol over one or
// more independent redis nodes, so exactly one autoscaler replica processes
// scaling decisions per lock epoch. Crash recovery is implicit: a holder
// that dies stops refreshing and the lock expires on its own.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ass-a2s/jitsi-autoscaler/pkg/metrics"
)

// ErrLockUnavailable indicates the quorum was not reached within the retry
// budget. Another replica is processing; callers skip the cycle.
var ErrLockUnavailable = errors.New("autoscaler lock unavailable")

// autoscalerLockKey is the single process-wide lock name. All replicas must
// use the same name against the same store nodes for exclusion to hold.
const autoscalerLockKey = "autoscaler:processing:lock"

// Config controls lock TTL and acquisition retry behavior.
type Config struct {
	// TTL bounds how long a crashed holder can block other replicas.
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
	// DriftFactor is the fraction of TTL subtracted to compensate for
	// clock drift between store nodes.
	DriftFactor float64 `mapstructure:"drift_factor" validate:"gte=0,lt=1"`
	// RetryCount is the number of acquisition attempts before giving up.
	RetryCount int `mapstructure:"retry_count" validate:"gte=1"`
	// RetryDelay is the fixed wait between attempts; RetryJitter adds a
	// random component so contending replicas do not retry in lockstep.
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	RetryJitter time.Duration `mapstructure:"retry_jitter" validate:"gte=0"`
}

// Manager acquires the autoscaler processing lock.
type Manager struct {
	rs       *redsync.Redsync
	config   Config
	logger   *zap.Logger
	holderID string
}

// NewManager creates a lock manager over the given store nodes. Quorum is
// a strict majority of the nodes, so an odd count tolerates node failures
// while a single node degrades to plain locking.
func NewManager(clients []*goredislib.Client, config Config, logger *zap.Logger) *Manager {
	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, client := range clients {
		pools = append(pools, goredis.NewPool(client))
	}

	return &Manager{
		rs:       redsync.New(pools...),
		config:   config,
		logger:   logger,
		holderID: uuid.New().String(),
	}
}

// Lock is a held processing lock. Release it when the cycle finishes; if
// the process dies first, the TTL releases it.
type Lock struct {
	mutex  *redsync.Mutex
	logger *zap.Logger
}

// AcquireAutoscaleLock attempts to take the processing lock. Contention and
// store connectivity failures both surface as ErrLockUnavailable: either
// way this replica must not process the cycle.
func (m *Manager) AcquireAutoscaleLock(ctx context.Context) (*Lock, error) {
	tries := m.config.RetryCount
	if tries < 1 {
		tries = 1
	}

	mutex := m.rs.NewMutex(autoscalerLockKey,
		redsync.WithExpiry(m.config.TTL),
		redsync.WithDriftFactor(m.config.DriftFactor),
		redsync.WithTries(tries),
		redsync.WithRetryDelayFunc(func(int) time.Duration {
			return m.config.RetryDelay + m.jitter()
		}),
		redsync.WithValue(m.holderID),
	)

	start := time.Now()
	if err := mutex.LockContext(ctx); err != nil {
		metrics.LockAcquisitions.WithLabelValues("unavailable").Inc()
		m.logger.Debug("autoscaler lock not acquired",
			zap.String("holder", m.holderID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	}

	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	metrics.LockWaitTime.Observe(time.Since(start).Seconds())
	m.logger.Debug("autoscaler lock acquired",
		zap.String("holder", m.holderID),
		zap.Time("until", mutex.Until()))

	return &Lock{mutex: mutex, logger: m.logger}, nil
}

func (m *Manager) jitter() time.Duration {
	if m.config.RetryJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(m.config.RetryJitter)))
}

// Release frees the lock. Failing to release is logged but not returned:
// the TTL reclaims the lock regardless, and the cycle's work is already
// done by the time release runs.
func (l *Lock) Release(ctx context.Context) {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		l.logger.Warn("autoscaler lock release failed, waiting for expiry", zap.Error(err))
		return
	}
	if !ok {
		l.logger.Warn("autoscaler lock already expired at release")
	}
}
