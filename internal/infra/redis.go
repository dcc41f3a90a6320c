// Package infra provides concrete infrastructure adapters. The Redis client
// built here backs the request registry, the idempotency cache and the
// session store; callers decide how to degrade when the connection fails.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
)

// NewRedisClient connects to Redis using the environment's address and the
// file config's pool tuning, and verifies connectivity with a ping.
func NewRedisClient(env *config.Env, fc *config.FileConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         env.RedisAddr,
		Password:     env.RedisPassword,
		DB:           env.RedisDB,
		DialTimeout:  time.Duration(fc.Redis.DialTimeoutMs) * time.Millisecond,
		ReadTimeout:  time.Duration(fc.Redis.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(fc.Redis.WriteTimeoutMs) * time.Millisecond,
		PoolSize:     fc.Redis.PoolSize,
	})

	// Ping to verify connectivity before anything depends on the handle.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", env.RedisAddr, err)
	}

	slog.Info("Redis connected", "addr", env.RedisAddr, "db", env.RedisDB)
	return rdb, nil
}
