package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gatherly/ledger/internal/shared/config"
)

// ErrLockHeld is returned when a lock is already held by another caller.
var ErrLockHeld = errors.New("lock already held")

// NewRedisClient creates a new Redis client.
func NewRedisClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

// Close closes the Redis client.
func Close(client redis.UniversalClient) error {
	return client.Close()
}

// releaseScript deletes a lock key only if it still holds our token,
// so an expired lock reacquired by another caller is never released.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single-holder distributed lock backed by Redis.
type Lock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewLock creates a lock factory with the given key prefix and TTL.
func NewLock(client redis.UniversalClient, prefix string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lock{client: client, prefix: prefix, ttl: ttl}
}

// Acquire takes the lock for key. It does not block: if the lock is held
// it returns ErrLockHeld immediately. The returned function releases the
// lock and is safe to call after the TTL has expired.
func (l *Lock) Acquire(ctx context.Context, key string) (release func(), err error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err()
	}, nil
}
