package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/metrics"
)

const priceKeyPrefix = "price:"

// Source is anything that can look up a coin price.
type Source interface {
	GetPrice(ctx context.Context, coinID string) (decimal.Decimal, error)
}

// PriceCache serves recent prices from Redis and falls back to the wrapped source.
// Redis failures degrade to a direct lookup; source errors pass through untouched.
type PriceCache struct {
	rdb    *redis.Client
	source Source
	ttl    time.Duration
}

// NewPriceCache wraps source with a Redis cache holding prices for ttl.
func NewPriceCache(rdb *redis.Client, source Source, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PriceCache{rdb: rdb, source: source, ttl: ttl}
}

// GetPrice returns the cached price for coinID or fetches and stores it.
func (c *PriceCache) GetPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	ctx, span := otel.Tracer("pricewatch/cache").Start(ctx, "PriceCache.GetPrice")
	defer span.End()

	key := priceKeyPrefix + coinID
	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if price, perr := decimal.NewFromString(val); perr == nil {
			metrics.PriceCacheTotal.WithLabelValues("hit").Inc()
			return price, nil
		}
		logger.Warn("Discarding malformed cached price for %s: %q", coinID, val)
		metrics.PriceCacheTotal.WithLabelValues("miss").Inc()
	case errors.Is(err, redis.Nil):
		metrics.PriceCacheTotal.WithLabelValues("miss").Inc()
	default:
		logger.Warn("Price cache read failed for %s, using source: %v", coinID, err)
		metrics.PriceCacheTotal.WithLabelValues("error").Inc()
	}

	price, err := c.source.GetPrice(ctx, coinID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.rdb.Set(ctx, key, price.String(), c.ttl).Err(); err != nil {
		logger.Warn("Price cache write failed for %s: %v", coinID, err)
	}
	return price, nil
}

// Invalidate drops the cached price for coinID.
func (c *PriceCache) Invalidate(ctx context.Context, coinID string) error {
	return c.rdb.Del(ctx, priceKeyPrefix+coinID).Err()
}
