package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisCache represents the Redis backed lock and summary store
type RedisCache struct {
	client *redis.Client
	logger *logging.Logger
}

// Config represents Redis configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisCache connects and pings Redis
func NewRedisCache(ctx context.Context, cfg *Config, logger *logging.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "failed to connect to Redis", err)
	}

	logger = logging.OrGlobal(logger).WithField("component", "redis")
	logger.WithField("addr", cfg.Addr).Info("Redis connection established")
	return &RedisCache{client: client, logger: logger}, nil
}

// Acquire sets key with NX and a TTL
func (r *RedisCache) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "failed to acquire lock", err)
	}
	if !ok {
		return "", lockHeld(key)
	}
	return token, nil
}

// Release deletes key if token still owns it
func (r *RedisCache) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "failed to release lock", err)
	}
	return nil
}

// SetLastRun stores the encoded summary of the latest run of ticker
func (r *RedisCache) SetLastRun(ctx context.Context, ticker string, summary []byte, ttl time.Duration) error {
	return r.client.Set(ctx, lastRunKey(ticker), summary, ttl).Err()
}

// LastRun returns the summary stored by SetLastRun, nil when absent
func (r *RedisCache) LastRun(ctx context.Context, ticker string) ([]byte, error) {
	b, err := r.client.Get(ctx, lastRunKey(ticker)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

// HealthCheck performs a health check on Redis
func (r *RedisCache) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func lastRunKey(ticker string) string {
	return "barreplay:last_run:" + ticker
}
