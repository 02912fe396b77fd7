package usecase

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDecode indicates a stored or submitted secret could not be decoded.
	ErrDecode = errors.New("twofactor: malformed secret")
	// ErrNotFound indicates the user has no auth record and no legacy secret.
	ErrNotFound = errors.New("twofactor: record not found")
	// ErrNotEnrolled is returned by operations that require a completed enrollment.
	ErrNotEnrolled = errors.New("twofactor: user is not enrolled")
	// ErrSessionExpired indicates the pending login is unknown or past its expiry.
	ErrSessionExpired = errors.New("twofactor: login session expired")
	// ErrSetupExpired indicates the transient email enrollment secret is gone.
	ErrSetupExpired = errors.New("twofactor: setup secret expired")
	// ErrPersistence hides storage failures behind a generic retry message.
	ErrPersistence = errors.New("twofactor: storage unavailable, try again later")
	// ErrLockedOut matches every *LockedOutError.
	ErrLockedOut = errors.New("twofactor: too many failed attempts")
	// ErrInvalidCode indicates the submitted code did not verify.
	ErrInvalidCode = errors.New("twofactor: wrong or expired code")
	// ErrInvalidMethod indicates an unsupported second factor method.
	ErrInvalidMethod = errors.New("twofactor: unsupported method")
	// ErrInvalidInput indicates a missing or malformed request field.
	ErrInvalidInput = errors.New("twofactor: invalid input")
)

// LockedOutError reports how long the source address stays blocked.
type LockedOutError struct {
	Minutes int
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("too many failed attempts, try again in %d minute(s)", e.Minutes)
}

// Is lets errors.Is(err, ErrLockedOut) match.
func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func remainingSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
