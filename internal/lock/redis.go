// Package lock provides a cross-instance lease so periodic jobs run on one
// instance at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release gives a lease back before its TTL runs out.
type Release func(ctx context.Context) error

// releaseScript deletes the key only if this holder still owns it, so a
// lease that expired and was taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis hands out leases with SET NX PX.
type Redis struct {
	client *redis.Client
}

// Config locates the Redis server.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lock: redis ping %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client}, nil
}

// Acquire takes key for ttl. ok is false when another holder has it.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("lock: release %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
