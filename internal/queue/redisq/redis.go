// Package redisq implements the task queue on Redis with asynq.
package redisq

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Config identifies the Redis instance and the asynq queue name.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Queue       string
	Concurrency int
}

func (c Config) queueName() string {
	if c.Queue == "" {
		return "crawl"
	}
	return c.Queue
}

func (c Config) clientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// NewRedisClient opens a go-redis client and verifies it answers PING.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
