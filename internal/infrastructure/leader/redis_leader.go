package leader

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"

	"auction-lifecycle/pkg/logger"
)

const leaderKey = "auction_leader"

const defaultTTL = 30 * time.Second

var renewScript = redis.NewScript(`
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("PEXPIRE", KEYS[1], ARGV[2])
        else
            return 0
        end
    `)

var releaseScript = redis.NewScript(`
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("DEL", KEYS[1])
        else
            return 0
        end
    `)

// RedisLeaderElection holds a lease key in Redis. The holder renews it at a
// third of the TTL until the lease is lost or released.
type RedisLeaderElection struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger

	mu        sync.Mutex
	stopRenew context.CancelFunc
}

func NewRedisLeaderElection(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisLeaderElection {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLeaderElection{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func (r *RedisLeaderElection) BecomeLeader(ctx context.Context, instanceID string) (bool, error) {
	result, err := r.client.SetNX(ctx, leaderKey, instanceID, r.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquire leader lease")
	}

	if result {
		r.startRenewing(instanceID)
	}

	return result, nil
}

func (r *RedisLeaderElection) IsLeader(ctx context.Context, instanceID string) (bool, error) {
	currentLeader, err := r.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, errors.Wrap(err, "read leader lease")
	}

	return currentLeader == instanceID, nil
}

func (r *RedisLeaderElection) ReleaseLeadership(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	if r.stopRenew != nil {
		r.stopRenew()
		r.stopRenew = nil
	}
	r.mu.Unlock()

	err := releaseScript.Run(ctx, r.client, []string{leaderKey}, instanceID).Err()
	return errors.Wrap(err, "release leader lease")
}

func (r *RedisLeaderElection) startRenewing(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopRenew != nil {
		r.stopRenew()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.stopRenew = cancel
	go r.maintainLeadership(ctx, instanceID)
}

func (r *RedisLeaderElection) maintainLeadership(ctx context.Context, instanceID string) {
	ticker := time.NewTicker(renewInterval(r.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		renewed, err := renewScript.Run(renewCtx, r.client, []string{leaderKey},
			instanceID, r.ttl.Milliseconds()).Int64()
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil || renewed == 0 {
			r.log.Warn("Lost leader lease", "instance_id", instanceID, "error", err)
			return
		}
	}
}

// renewInterval refreshes the lease three times per ttl.
func renewInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 3; interval > 0 {
		return interval
	}
	return ttl
}
