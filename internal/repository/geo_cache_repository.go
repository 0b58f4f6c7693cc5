package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

// GeoCacheRepository кэш результатов геолокации по IP.
type GeoCacheRepository interface {
	Get(ctx context.Context, ip string) (*models.GeoLocation, error)
	Set(ctx context.Context, ip string, geo *models.GeoLocation, ttl time.Duration) error
}

type geoCacheRepository struct {
	redis *RedisDB
}

func NewGeoCacheRepository(redis *RedisDB) GeoCacheRepository {
	return &geoCacheRepository{redis: redis}
}

func (r *geoCacheRepository) Get(ctx context.Context, ip string) (*models.GeoLocation, error) {
	data, err := r.redis.Client.Get(ctx, r.key(ip)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get geo from cache: %w", err)
	}

	var geo models.GeoLocation
	if err := json.Unmarshal(data, &geo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal geo: %w", err)
	}
	geo.Source = models.GeoSourceCache

	return &geo, nil
}

func (r *geoCacheRepository) Set(ctx context.Context, ip string, geo *models.GeoLocation, ttl time.Duration) error {
	data, err := json.Marshal(geo)
	if err != nil {
		return fmt.Errorf("failed to marshal geo: %w", err)
	}

	return r.redis.Client.Set(ctx, r.key(ip), data, ttl).Err()
}

func (r *geoCacheRepository) key(ip string) string {
	return "geo:" + ip
}
