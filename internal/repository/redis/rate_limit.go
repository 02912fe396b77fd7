package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/twofactor-service/internal/core/port"
)

// SlidingWindowConfig defines configuration for the request window store.
type SlidingWindowConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

// RequestWindowRepository keeps per-identifier request timestamps in sorted sets.
type RequestWindowRepository struct {
	client *redis.Client
	cfg    SlidingWindowConfig
}

// NewRequestWindowRepository constructs a repository using the provided Redis client and config.
func NewRequestWindowRepository(client *redis.Client, cfg SlidingWindowConfig) *RequestWindowRepository {
	return &RequestWindowRepository{client: client, cfg: cfg}
}

// Hit trims entries older than window, records reference and returns the resulting
// count together with the oldest entry still inside the window.
func (r *RequestWindowRepository) Hit(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, time.Time, error) {
	if window <= 0 {
		return 0, time.Time{}, errors.New("window must be positive")
	}

	key := r.key(identifier)
	threshold := strconv.FormatInt(reference.Add(-window).UnixNano(), 10)
	nanos := reference.UnixNano()

	ttl := r.cfg.TTL
	if ttl <= 0 {
		ttl = window
	}

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+threshold)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nanos), Member: nanos})
	count := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis request window: %w", err)
	}

	first := reference
	if entries := oldest.Val(); len(entries) > 0 {
		first = time.Unix(0, int64(entries[0].Score))
	}

	return int(count.Val()), first, nil
}

func (r *RequestWindowRepository) key(identifier string) string {
	if r.cfg.KeyPrefix == "" {
		return identifier
	}
	return fmt.Sprintf("%s:%s", r.cfg.KeyPrefix, identifier)
}

var _ port.RequestWindowStore = (*RequestWindowRepository)(nil)
