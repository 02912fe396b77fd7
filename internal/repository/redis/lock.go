package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	red "github.com/redis/go-redis/v9"

	"github.com/arklim/twofactor-service/internal/core/port"
)

const (
	defaultLockPrefix       = "2fa:lock"
	defaultLockLease        = 5 * time.Minute
	defaultLockPollInterval = 100 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = red.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockConfig tunes the Redis named lock.
type LockConfig struct {
	KeyPrefix    string
	Lease        time.Duration
	PollInterval time.Duration
}

// LockRepository implements port.Locker with SET NX leases. Each acquisition writes its own
// random token, and its lease deletes the key only while that token is still stored.
type LockRepository struct {
	client *red.Client
	cfg    LockConfig
}

// NewLockRepository constructs a Redis backed locker.
func NewLockRepository(client *red.Client, cfg LockConfig) *LockRepository {
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = defaultLockPrefix
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLockLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultLockPollInterval
	}
	return &LockRepository{
		client: client,
		cfg:    cfg,
	}
}

// TryAcquire attempts to take the lock without waiting.
func (r *LockRepository) TryAcquire(ctx context.Context, name string) (port.Lease, error) {
	token := uuid.NewString()
	key := r.key(name)

	ok, err := r.client.SetNX(ctx, key, token, r.cfg.Lease).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{client: r.client, key: key, token: token}, nil
}

// AcquireWait polls until the lock is taken, timeout elapses or ctx is done.
func (r *LockRepository) AcquireWait(ctx context.Context, name string, timeout time.Duration) (port.Lease, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		lease, err := r.TryAcquire(ctx, name)
		if err != nil || lease != nil {
			return lease, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *LockRepository) key(name string) string {
	return fmt.Sprintf("%s:%s", r.cfg.KeyPrefix, name)
}

type redisLease struct {
	client *red.Client
	key    string
	token  string
	once   sync.Once
}

// Release deletes the key if it still holds this lease's token. Later calls are no-ops.
func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		if runErr := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); runErr != nil {
			err = fmt.Errorf("redis release lock: %w", runErr)
		}
	})
	return err
}

var _ port.Locker = (*LockRepository)(nil)
