package lock

import (
	"context"
	"fmt"
	"time"

	"rgaa-audit-workers/internal/common/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL        = 10 * time.Second
	defaultRetryDelay = 20 * time.Millisecond
	maxRetryDelay     = 500 * time.Millisecond
	releaseTimeout    = 2 * time.Second
)

// Only the holder's token may delete the key; an expired lock re-acquired by
// another worker must survive a late unlock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lock (SET NX PX + token-checked release).
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	maxWait    time.Duration
	retryDelay time.Duration
	logger     logger.Logger
}

type RedisOptions struct {
	TTL        time.Duration
	MaxWait    time.Duration
	RetryDelay time.Duration
}

func NewRedisLocker(client *redis.Client, opts RedisOptions, log logger.Logger) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &RedisLocker{
		client:     client,
		ttl:        opts.TTL,
		maxWait:    opts.MaxWait,
		retryDelay: opts.RetryDelay,
		logger:     log.WithFields(map[string]interface{}{"component": "redis-lock"}),
	}
}

// Lock polls SET NX with exponential backoff until acquired, ctx is done or MaxWait elapses.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	waitCtx := ctx
	if r.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.maxWait)
		defer cancel()
	}

	delay := r.retryDelay
	for {
		ok, err := r.client.SetNX(waitCtx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(delay):
		case <-waitCtx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, waitCtx.Err())
		}
		if delay < maxRetryDelay {
			delay *= 2
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(relCtx, r.client, []string{key}, token).Err(); err != nil {
			// The TTL still frees the key.
			r.logger.Warn("failed to release lock", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}, nil
}
