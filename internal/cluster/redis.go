package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inquest-ai/inquest/config"
)

// RedisRegistry mints cluster ids shared by every worker process in an
// experiment batch. Creation uses SETNX so two workers observing the same new
// answer on concurrent branches converge on one id instead of minting two.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisRegistry connects and pings the shared registry.
func NewRedisRegistry(ctx context.Context, cfg config.RedisConfig, prefix string) (*RedisRegistry, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	if prefix == "" {
		prefix = "inquest"
	}
	return &RedisRegistry{
		client: client,
		prefix: prefix,
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}, nil
}

// Reserve returns the shared id for a canonical text. The first worker to see
// a text allocates the next id from a shared sequence and publishes it with
// SETNX; losers of that race read back the winner's id.
func (r *RedisRegistry) Reserve(ctx context.Context, canonical string) (int64, error) {
	key := r.key(canonical)

	if id, err := r.client.Get(ctx, key).Result(); err == nil {
		return strconv.ParseInt(id, 10, 64)
	} else if err != redis.Nil {
		return 0, fmt.Errorf("reading cluster id: %w", err)
	}

	id, err := r.client.Incr(ctx, r.prefix+":cluster:seq").Result()
	if err != nil {
		return 0, fmt.Errorf("allocating cluster id: %w", err)
	}

	ok, err := r.client.SetNX(ctx, key, strconv.FormatInt(id, 10), 0).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing cluster id: %w", err)
	}
	if !ok {
		// Lost the race; the allocated sequence value is simply abandoned.
		winner, err := r.client.Get(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("reading winning cluster id: %w", err)
		}
		r.logger.Printf("cluster id race on %q, adopting %s", canonical, winner)
		return strconv.ParseInt(winner, 10, 64)
	}
	return id, nil
}

// Close releases the connection.
func (r *RedisRegistry) Close() error { return r.client.Close() }

func (r *RedisRegistry) key(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return r.prefix + ":cluster:text:" + hex.EncodeToString(sum[:])
}
