package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/sqltap/internal/obs"
	"github.com/redis/go-redis/v9"
)

// newRedisClient connects and pings redis; an empty addr returns nil.
func newRedisClient(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// newStateStore creates either an in-memory or Redis-backed state store
func newStateStore(rdb *redis.Client) StateStore {
	if rdb == nil {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newServerState()
	}
	obs.Info("state.backend", obs.Fields{"type": "redis"})
	return newRedisStateStore(rdb)
}
