package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/repository"
)

const (
	// lockoutEvery failures flip the source address to disabled.
	lockoutEvery = 3
	maxLockout   = 1200 * time.Second
)

// Counts between table entries fall through to maxLockout.
var lockoutWindows = map[int]time.Duration{
	3:  60 * time.Second,
	6:  300 * time.Second,
	9:  600 * time.Second,
	12: 900 * time.Second,
}

// LockoutWindow returns the block duration for a failure count.
func LockoutWindow(failedCount int) time.Duration {
	if window, ok := lockoutWindows[failedCount]; ok {
		return window
	}
	return maxLockout
}

// LoginRateLimiter counts failed second factor attempts per source address.
// Read then write races between concurrent requests from one address are tolerated.
type LoginRateLimiter struct {
	attempts port.LoginAttemptRepository
	logger   *zap.Logger
	now      func() time.Time
}

// NewLoginRateLimiter constructs a LoginRateLimiter.
func NewLoginRateLimiter(attempts port.LoginAttemptRepository, logger *zap.Logger) *LoginRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginRateLimiter{
		attempts: attempts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (l *LoginRateLimiter) WithClock(clock func() time.Time) {
	if clock != nil {
		l.now = clock
	}
}

// RecordFailure increments the failure count; every third failure disables the address.
func (l *LoginRateLimiter) RecordFailure(ctx context.Context, ip string) (domain.FailedAttempt, error) {
	ip = strings.TrimSpace(ip)
	now := l.now()

	current, err := l.attempts.Get(ctx, ip)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return domain.FailedAttempt{}, persistenceError("get login attempt", err)
	}

	if current == nil {
		attempt := domain.FailedAttempt{IP: ip, Status: domain.LoginStatusFailed, FailedCount: 1, LoginAt: now}
		if err := l.attempts.Insert(ctx, attempt); err != nil {
			return domain.FailedAttempt{}, persistenceError("insert login attempt", err)
		}
		return attempt, nil
	}

	attempt := domain.FailedAttempt{
		IP:          ip,
		Status:      domain.LoginStatusFailed,
		FailedCount: current.FailedCount + 1,
		LoginAt:     now,
	}
	if attempt.FailedCount%lockoutEvery == 0 {
		attempt.Status = domain.LoginStatusDisabled
	}
	if err := l.attempts.Update(ctx, attempt); err != nil {
		return domain.FailedAttempt{}, persistenceError("update login attempt", err)
	}

	if attempt.Status == domain.LoginStatusDisabled {
		l.logger.Warn("source address disabled after repeated failures",
			zap.String("ip", ip),
			zap.Int("failed_count", attempt.FailedCount),
		)
	}
	return attempt, nil
}

// RecordSuccess resets the address to zero failures. It is a no-op when already reset.
func (l *LoginRateLimiter) RecordSuccess(ctx context.Context, ip string) error {
	ip = strings.TrimSpace(ip)

	current, err := l.attempts.Get(ctx, ip)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return persistenceError("get login attempt", err)
	}
	if current != nil && current.Status == domain.LoginStatusSuccess {
		return nil
	}

	attempt := domain.FailedAttempt{IP: ip, Status: domain.LoginStatusSuccess, FailedCount: 0, LoginAt: l.now()}
	if current == nil {
		err = l.attempts.Insert(ctx, attempt)
	} else {
		err = l.attempts.Update(ctx, attempt)
	}
	if err != nil {
		return persistenceError("reset login attempt", err)
	}
	return nil
}

// LockoutMinutes returns the whole minutes left on the address's block, rounded up, or 0.
func (l *LoginRateLimiter) LockoutMinutes(ctx context.Context, ip string) (int, error) {
	attempt, err := l.attempts.Get(ctx, strings.TrimSpace(ip))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, persistenceError("get login attempt", err)
	}
	return lockoutMinutesAt(*attempt, l.now()), nil
}

func lockoutMinutesAt(attempt domain.FailedAttempt, now time.Time) int {
	if attempt.Status != domain.LoginStatusDisabled {
		return 0
	}
	blockedUntil := attempt.LoginAt.Add(LockoutWindow(attempt.FailedCount))
	if !now.Before(blockedUntil) {
		return 0
	}
	remaining := blockedUntil.Sub(now)
	minutes := int(remaining / time.Minute)
	if remaining%time.Minute != 0 {
		minutes++
	}
	return minutes
}
