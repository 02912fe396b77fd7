package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/twofactor-service/internal/core/port"
)

const defaultEmailThrottlePrefix = "2fa:email_able_send_time"

// EmailThrottleRepository stores the next moment a user may receive another code email.
type EmailThrottleRepository struct {
	client *red.Client
	prefix string
	now    func() time.Time
}

// NewEmailThrottleRepository constructs the repository.
func NewEmailThrottleRepository(client *red.Client, keyPrefix string) *EmailThrottleRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultEmailThrottlePrefix
	}
	return &EmailThrottleRepository{client: client, prefix: prefix, now: time.Now}
}

// MarkSent stores nextAllowed; the key expires once the mark is no longer relevant.
func (r *EmailThrottleRepository) MarkSent(ctx context.Context, userID string, nextAllowed time.Time) error {
	ttl := nextAllowed.Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := r.client.Set(ctx, r.key(userID), strconv.FormatInt(nextAllowed.Unix(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("redis set email throttle: %w", err)
	}
	return nil
}

// NextAllowed returns the stored mark. The boolean is false when no mark exists.
func (r *EmailThrottleRepository) NextAllowed(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Result()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis get email throttle: %w", err)
	}

	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse email throttle: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

// Clear removes the mark.
func (r *EmailThrottleRepository) Clear(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis delete email throttle: %w", err)
	}
	return nil
}

// WithClock overrides the internal clock, used in tests.
func (r *EmailThrottleRepository) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

func (r *EmailThrottleRepository) key(userID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, userID)
}

var _ port.EmailThrottleStore = (*EmailThrottleRepository)(nil)
