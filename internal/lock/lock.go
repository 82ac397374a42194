// Package lock prevents two runs from sending with the same signer on the
// same chain at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another run holds the lock.
var ErrLockHeld = errors.New("deployment lock held by another run")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the subset of redis.Cmdable used by the locker.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisLocker takes per-signer run locks in Redis.
type RedisLocker struct {
	client Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker. Locks expire after ttl so a crashed run
// does not block the signer forever.
func NewRedisLocker(client Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

// Key returns the lock key for a signer on a chain.
func Key(chainID uint64, signer common.Address) string {
	return fmt.Sprintf("popdeploy:lock:%d:%s", chainID, strings.ToLower(signer.Hex()))
}

// Lock is a held lock.
type Lock struct {
	locker *RedisLocker
	key    string
	token  string
}

// Acquire takes the lock for signer on chainID. token identifies the
// holder, normally the run id.
func (l *RedisLocker) Acquire(ctx context.Context, chainID uint64, signer common.Address, token string) (*Lock, error) {
	key := Key(chainID, signer)

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		holder, err := l.client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			holder = "unknown"
		}
		return nil, fmt.Errorf("%w: %s (holder %s)", ErrLockHeld, key, holder)
	}

	l.logger.Debug("deployment lock acquired", slog.String("key", key), slog.Duration("ttl", l.ttl))
	return &Lock{locker: l, key: key, token: token}, nil
}

// Release drops the lock if it is still ours.
func (k *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, k.locker.client, []string{k.key}, k.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		k.locker.logger.Warn("deployment lock expired or taken over before release", slog.String("key", k.key))
	}
	return nil
}

// Key returns the Redis key of the lock.
func (k *Lock) Key() string {
	return k.key
}
