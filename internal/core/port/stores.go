package port

import (
	"context"
	"time"
)

// EmailThrottleStore remembers when a user may next receive a code by email.
type EmailThrottleStore interface {
	MarkSent(ctx context.Context, userID string, nextAllowed time.Time) error
	NextAllowed(ctx context.Context, userID string) (time.Time, bool, error)
	Clear(ctx context.Context, userID string) error
}

// SetupSecretStore keeps the email enrollment secret between issuing and verifying it.
type SetupSecretStore interface {
	Save(ctx context.Context, userID, secretHex string, ttl time.Duration) error
	Get(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
}

// Locker provides named mutual exclusion across processes. Both acquire methods return a nil
// Lease when the lock was not taken.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (Lease, error)
	AcquireWait(ctx context.Context, name string, timeout time.Duration) (Lease, error)
}

// Lease is one acquisition of a named lock. Release frees the lock only while this lease still
// owns it, so releasing after the lease expired and another holder took over is a no-op.
type Lease interface {
	Release(ctx context.Context) error
}

// RequestWindowStore counts requests per identifier in a sliding window.
type RequestWindowStore interface {
	// Hit records a request at reference and returns the count inside the window plus the oldest entry.
	Hit(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, time.Time, error)
}
