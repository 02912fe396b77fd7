package port

import (
	"context"
	"time"

	"github.com/arklim/twofactor-service/internal/core/domain"
)

// AuthRecordRepository persists per-user second factor enrollments.
type AuthRecordRepository interface {
	Get(ctx context.Context, userID string) (*domain.AuthRecord, error)
	// GetForUpdate reads the record and holds a row lock until the enclosing transaction ends.
	GetForUpdate(ctx context.Context, userID string) (*domain.AuthRecord, error)
	Upsert(ctx context.Context, userID string, method domain.AuthMethod, secretHex string) error
	Insert(ctx context.Context, record domain.AuthRecord) error
	// InsertMissing inserts records for users that have none and reports how many rows were written.
	InsertMissing(ctx context.Context, records []domain.AuthRecord) (int64, error)
	FilterEnrolled(ctx context.Context, userIDs []string) ([]string, error)
	SaveRecovery(ctx context.Context, userID string, hashed []string) error
}

// PendingLoginRepository stores the short-lived state between the two login factors.
type PendingLoginRepository interface {
	Create(ctx context.Context, login domain.PendingLogin) error
	Get(ctx context.Context, token string) (*domain.PendingLogin, error)
	Delete(ctx context.Context, token string) error
	ListExpired(ctx context.Context, reference time.Time, afterID int64, limit int) ([]domain.PendingLogin, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// LoginAttemptRepository tracks failed second factor attempts keyed by source IP.
type LoginAttemptRepository interface {
	Get(ctx context.Context, ip string) (*domain.FailedAttempt, error)
	Insert(ctx context.Context, attempt domain.FailedAttempt) error
	Update(ctx context.Context, attempt domain.FailedAttempt) error
}

// LoginLogRepository appends rows to the login audit log.
type LoginLogRepository interface {
	Insert(ctx context.Context, entries ...domain.LoginLogEntry) error
}

// LegacySecretRepository reads and removes Base32 secrets from the previous per-user storage.
type LegacySecretRepository interface {
	GetByUser(ctx context.Context, userID string) (*domain.LegacySecret, error)
	DeleteByUser(ctx context.Context, userID string) error
	ListAfter(ctx context.Context, afterID int64, limit int) ([]domain.LegacySecret, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// UserDirectory resolves profile data owned by the host application.
type UserDirectory interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// Transactor runs fn inside a single database transaction.
// The transaction is committed when fn returns nil and rolled back otherwise, including on panic.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
