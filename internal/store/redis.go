// Package store opens the Redis connection shared by every loop.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures Redis access.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultPrefix is used when KeyPrefix is empty.
const DefaultPrefix = "flowsentry"

// Open connects and pings Redis.
func Open(cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Prefix returns the trimmed key prefix or DefaultPrefix.
func Prefix(cfg RedisConfig) string {
	if p := strings.TrimSpace(cfg.KeyPrefix); p != "" {
		return p
	}
	return DefaultPrefix
}
