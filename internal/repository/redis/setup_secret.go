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
	"github.com/arklim/twofactor-service/internal/repository"
)

const (
	defaultSetupSecretPrefix = "2fa:setup_secret"

	fieldSecret    = "secret"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
)

// SetupSecretRepository keeps the email enrollment secret for a short period.
type SetupSecretRepository struct {
	client *red.Client
	prefix string
	now    func() time.Time
}

// NewSetupSecretRepository constructs a repository with the provided client and key prefix.
func NewSetupSecretRepository(client *red.Client, keyPrefix string) *SetupSecretRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultSetupSecretPrefix
	}

	return &SetupSecretRepository{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Save stores the hex secret for userID, replacing any previous one.
func (r *SetupSecretRepository) Save(ctx context.Context, userID, secretHex string, ttl time.Duration) error {
	userID = strings.TrimSpace(userID)
	switch {
	case userID == "":
		return errors.New("user id is required")
	case secretHex == "":
		return errors.New("secret is required")
	case ttl <= 0:
		return errors.New("ttl must be positive")
	}

	now := r.now().UTC()
	key := r.key(userID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldSecret:    secretHex,
		fieldCreatedAt: strconv.FormatInt(now.Unix(), 10),
		fieldExpiresAt: strconv.FormatInt(now.Add(ttl).Unix(), 10),
	})
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store setup secret: %w", err)
	}
	return nil
}

// Get returns the pending secret or repository.ErrNotFound once it expired.
func (r *SetupSecretRepository) Get(ctx context.Context, userID string) (string, error) {
	values, err := r.client.HGetAll(ctx, r.key(strings.TrimSpace(userID))).Result()
	if err != nil {
		return "", fmt.Errorf("redis hgetall setup secret: %w", err)
	}

	secret := values[fieldSecret]
	if secret == "" {
		return "", repository.ErrNotFound
	}

	// Expiry is also checked here so an injected clock behaves like the server TTL.
	if raw := values[fieldExpiresAt]; raw != "" {
		expiresAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", fmt.Errorf("parse expires_at: %w", err)
		}
		if !time.Unix(expiresAt, 0).After(r.now()) {
			return "", repository.ErrNotFound
		}
	}

	return secret, nil
}

// Delete removes the pending secret. Missing keys are ignored.
func (r *SetupSecretRepository) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(strings.TrimSpace(userID))).Err(); err != nil {
		return fmt.Errorf("redis delete setup secret: %w", err)
	}
	return nil
}

// WithClock overrides the internal clock, used in tests.
func (r *SetupSecretRepository) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

func (r *SetupSecretRepository) key(userID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, userID)
}

var _ port.SetupSecretStore = (*SetupSecretRepository)(nil)
