// Package rediscache keeps the newest timeline entry of each vehicle in Redis so
// location reads do not touch the database.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/benmeehan/hybrid-tracker/internal/models"
)

const keyPrefix = "tracker:latest:"

var ErrMiss = errors.New("cache miss")

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to addr and pings it.
func New(ctx context.Context, addr string, db int, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(rdb, ttl), nil
}

func NewWithClient(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// SetLatest stores e as the vehicle's newest entry. Callers only pass timeline tails.
func (c *Cache) SetLatest(ctx context.Context, e models.TimelineEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, keyPrefix+e.VehicleID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", e.VehicleID, err)
	}
	return nil
}

func (c *Cache) Latest(ctx context.Context, vehicleID string) (models.TimelineEntry, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+vehicleID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.TimelineEntry{}, ErrMiss
		}
		return models.TimelineEntry{}, fmt.Errorf("redis GET %s: %w", vehicleID, err)
	}
	var e models.TimelineEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return models.TimelineEntry{}, err
	}
	return e, nil
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}
