package postgres

import (
	"context"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/repository"
)

const loginAttemptsTable = "twofactor.login_attempts"

// LoginAttemptRepository implements port.LoginAttemptRepository backed by PostgreSQL.
type LoginAttemptRepository struct {
	base
}

// NewLoginAttemptRepository constructs a LoginAttemptRepository.
func NewLoginAttemptRepository(exec pgExecutor) *LoginAttemptRepository {
	return &LoginAttemptRepository{base: newBase(exec)}
}

// Get fetches the attempt row for ip.
func (r *LoginAttemptRepository) Get(ctx context.Context, ip string) (*domain.FailedAttempt, error) {
	stmt, args, err := r.builder.Select("ip", "status", "failed_count", "login_at").
		From(loginAttemptsTable).
		Where(squirrel.Eq{"ip": ip}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select login attempt sql: %w", err)
	}

	var (
		attempt domain.FailedAttempt
		status  int16
	)
	if err := r.executor(ctx).QueryRow(ctx, stmt, args...).Scan(&attempt.IP, &status, &attempt.FailedCount, &attempt.LoginAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("select login attempt: %w", err)
	}
	attempt.Status = domain.LoginStatus(status)
	return &attempt, nil
}

// Insert creates the attempt row for a new ip.
func (r *LoginAttemptRepository) Insert(ctx context.Context, attempt domain.FailedAttempt) error {
	stmt, args, err := r.builder.Insert(loginAttemptsTable).
		Columns("ip", "status", "failed_count", "login_at").
		Values(attempt.IP, int16(attempt.Status), attempt.FailedCount, attempt.LoginAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert login attempt sql: %w", err)
	}

	if _, err := r.executor(ctx).Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

// Update overwrites status, count and timestamp for an existing ip.
func (r *LoginAttemptRepository) Update(ctx context.Context, attempt domain.FailedAttempt) error {
	stmt, args, err := r.builder.Update(loginAttemptsTable).
		Set("status", int16(attempt.Status)).
		Set("failed_count", attempt.FailedCount).
		Set("login_at", attempt.LoginAt).
		Where(squirrel.Eq{"ip": attempt.IP}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update login attempt sql: %w", err)
	}

	tag, err := r.executor(ctx).Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update login attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ port.LoginAttemptRepository = (*LoginAttemptRepository)(nil)
