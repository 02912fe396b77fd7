package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/repository"
)

const pendingLoginsTable = "twofactor.pending_logins"

var pendingLoginColumns = []string{
	"id",
	"token",
	"user_id",
	"user_login",
	"auth_method",
	"has_recovery",
	"email_address",
	"client_ip",
	"created_at",
	"expires_at",
}

// PendingLoginRepository implements port.PendingLoginRepository backed by PostgreSQL.
type PendingLoginRepository struct {
	base
}

// NewPendingLoginRepository constructs a PendingLoginRepository.
func NewPendingLoginRepository(exec pgExecutor) *PendingLoginRepository {
	return &PendingLoginRepository{base: newBase(exec)}
}

// Create persists a pending login.
func (r *PendingLoginRepository) Create(ctx context.Context, login domain.PendingLogin) error {
	stmt, args, err := r.builder.Insert(pendingLoginsTable).
		Columns(pendingLoginColumns[1:]...).
		Values(
			login.Token,
			login.UserID,
			login.UserLogin,
			int16(login.AuthMethod),
			login.HasRecovery,
			login.EmailAddress,
			login.ClientIP,
			login.CreatedAt,
			login.ExpiresAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert pending login sql: %w", err)
	}

	if _, err := r.executor(ctx).Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert pending login: %w", err)
	}
	return nil
}

// Get returns the pending login for token regardless of expiry; callers decide on staleness.
func (r *PendingLoginRepository) Get(ctx context.Context, token string) (*domain.PendingLogin, error) {
	stmt, args, err := r.builder.Select(pendingLoginColumns...).
		From(pendingLoginsTable).
		Where(squirrel.Eq{"token": token}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select pending login sql: %w", err)
	}

	login, err := scanPendingLogin(r.executor(ctx).QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pending login: %w", err)
	}
	return login, nil
}

// Delete removes a pending login. Deleting an unknown token is not an error.
func (r *PendingLoginRepository) Delete(ctx context.Context, token string) error {
	stmt, args, err := r.builder.Delete(pendingLoginsTable).
		Where(squirrel.Eq{"token": token}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete pending login sql: %w", err)
	}

	if _, err := r.executor(ctx).Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete pending login: %w", err)
	}
	return nil
}

// ListExpired pages through logins that expired at or before reference, ordered by id.
func (r *PendingLoginRepository) ListExpired(ctx context.Context, reference time.Time, afterID int64, limit int) ([]domain.PendingLogin, error) {
	stmt, args, err := r.builder.Select(pendingLoginColumns...).
		From(pendingLoginsTable).
		Where(squirrel.And{
			squirrel.Gt{"id": afterID},
			squirrel.LtOrEq{"expires_at": reference},
		}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list expired pending logins sql: %w", err)
	}

	rows, err := r.executor(ctx).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query expired pending logins: %w", err)
	}
	defer rows.Close()

	logins := make([]domain.PendingLogin, 0, limit)
	for rows.Next() {
		login, err := scanPendingLogin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired pending login: %w", err)
		}
		logins = append(logins, *login)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired pending logins: %w", err)
	}
	return logins, nil
}

// DeleteByIDs removes the given rows and reports how many were deleted.
func (r *PendingLoginRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	stmt, args, err := r.builder.Delete(pendingLoginsTable).
		Where(squirrel.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete pending logins sql: %w", err)
	}

	tag, err := r.executor(ctx).Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete pending logins: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPendingLogin(row pgx.Row) (*domain.PendingLogin, error) {
	var (
		login  domain.PendingLogin
		method int16
	)
	if err := row.Scan(
		&login.ID,
		&login.Token,
		&login.UserID,
		&login.UserLogin,
		&method,
		&login.HasRecovery,
		&login.EmailAddress,
		&login.ClientIP,
		&login.CreatedAt,
		&login.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	login.AuthMethod = domain.AuthMethod(method)
	return &login, nil
}

var _ port.PendingLoginRepository = (*PendingLoginRepository)(nil)
