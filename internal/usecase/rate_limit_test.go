package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/twofactor-service/internal/core/domain"
)

func TestLockoutWindowTable(t *testing.T) {
	cases := map[int]time.Duration{
		3:  60 * time.Second,
		6:  300 * time.Second,
		9:  600 * time.Second,
		12: 900 * time.Second,
		15: 1200 * time.Second,
		30: 1200 * time.Second,
		4:  1200 * time.Second,
	}
	for count, want := range cases {
		if got := LockoutWindow(count); got != want {
			t.Fatalf("LockoutWindow(%d) = %s, want %s", count, got, want)
		}
	}
}

func TestLoginRateLimiterEscalatesLockout(t *testing.T) {
	ctx := context.Background()
	clock := newFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	attempts := newFakeLoginAttempts()
	limiter := NewLoginRateLimiter(attempts, zaptest.NewLogger(t))
	limiter.WithClock(clock.Now)

	want := map[int]int{3: 1, 6: 5, 9: 10, 12: 15, 15: 20}
	for i := 1; i <= 15; i++ {
		attempt, err := limiter.RecordFailure(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if attempt.FailedCount != i {
			t.Fatalf("failure %d: expected count %d, got %d", i, i, attempt.FailedCount)
		}

		minutes, err := limiter.LockoutMinutes(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("lockout minutes %d: %v", i, err)
		}
		if minutes != want[i] {
			t.Fatalf("failure %d: expected %d minute(s), got %d", i, want[i], minutes)
		}

		expectedStatus := domain.LoginStatusFailed
		if i%3 == 0 {
			expectedStatus = domain.LoginStatusDisabled
		}
		if attempt.Status != expectedStatus {
			t.Fatalf("failure %d: expected status %s, got %s", i, expectedStatus, attempt.Status)
		}
	}
}

func TestLoginRateLimiterLockoutExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewLoginRateLimiter(newFakeLoginAttempts(), zaptest.NewLogger(t))
	limiter.WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		if _, err := limiter.RecordFailure(ctx, "198.51.100.1"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	clock.Advance(59 * time.Second)
	if minutes, _ := limiter.LockoutMinutes(ctx, "198.51.100.1"); minutes != 1 {
		t.Fatalf("expected 1 minute remaining, got %d", minutes)
	}

	clock.Advance(time.Second)
	if minutes, _ := limiter.LockoutMinutes(ctx, "198.51.100.1"); minutes != 0 {
		t.Fatalf("expected lockout to end after 60s, got %d", minutes)
	}
}

func TestLoginRateLimiterRecordSuccess(t *testing.T) {
	ctx := context.Background()
	attempts := newFakeLoginAttempts()
	limiter := NewLoginRateLimiter(attempts, zaptest.NewLogger(t))

	if err := limiter.RecordSuccess(ctx, "192.0.2.10"); err != nil {
		t.Fatalf("record success on unknown ip: %v", err)
	}
	row, err := attempts.Get(ctx, "192.0.2.10")
	if err != nil {
		t.Fatalf("expected row to be inserted: %v", err)
	}
	if row.Status != domain.LoginStatusSuccess || row.FailedCount != 0 {
		t.Fatalf("unexpected row after success: %+v", row)
	}

	if err := limiter.RecordSuccess(ctx, "192.0.2.10"); err != nil {
		t.Fatalf("second success: %v", err)
	}
	if attempts.updates != 0 {
		t.Fatalf("expected no write when already reset, got %d updates", attempts.updates)
	}

	for i := 0; i < 2; i++ {
		if _, err := limiter.RecordFailure(ctx, "192.0.2.10"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if err := limiter.RecordSuccess(ctx, "192.0.2.10"); err != nil {
		t.Fatalf("reset after failures: %v", err)
	}
	row, _ = attempts.Get(ctx, "192.0.2.10")
	if row.FailedCount != 0 || row.Status != domain.LoginStatusSuccess {
		t.Fatalf("expected reset row, got %+v", row)
	}
}

func TestLoginRateLimiterUnknownAddressIsNotLocked(t *testing.T) {
	limiter := NewLoginRateLimiter(newFakeLoginAttempts(), nil)
	minutes, err := limiter.LockoutMinutes(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if minutes != 0 {
		t.Fatalf("expected 0 minutes, got %d", minutes)
	}
}
