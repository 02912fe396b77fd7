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

const legacySecretsTable = "twofactor.legacy_secrets"

// LegacySecretRepository implements port.LegacySecretRepository backed by PostgreSQL.
type LegacySecretRepository struct {
	base
}

// NewLegacySecretRepository constructs a LegacySecretRepository.
func NewLegacySecretRepository(exec pgExecutor) *LegacySecretRepository {
	return &LegacySecretRepository{base: newBase(exec)}
}

// GetByUser fetches the legacy secret stored for a user.
func (r *LegacySecretRepository) GetByUser(ctx context.Context, userID string) (*domain.LegacySecret, error) {
	stmt, args, err := r.builder.Select("id", "user_id", "secret").
		From(legacySecretsTable).
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select legacy secret sql: %w", err)
	}

	var secret domain.LegacySecret
	if err := r.executor(ctx).QueryRow(ctx, stmt, args...).Scan(&secret.ID, &secret.UserID, &secret.Secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("select legacy secret: %w", err)
	}
	return &secret, nil
}

// DeleteByUser removes every legacy secret of a user.
func (r *LegacySecretRepository) DeleteByUser(ctx context.Context, userID string) error {
	stmt, args, err := r.builder.Delete(legacySecretsTable).
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete legacy secret sql: %w", err)
	}

	if _, err := r.executor(ctx).Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete legacy secret: %w", err)
	}
	return nil
}

// ListAfter pages through legacy secrets ordered by id.
func (r *LegacySecretRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]domain.LegacySecret, error) {
	stmt, args, err := r.builder.Select("id", "user_id", "secret").
		From(legacySecretsTable).
		Where(squirrel.Gt{"id": afterID}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list legacy secrets sql: %w", err)
	}

	rows, err := r.executor(ctx).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query legacy secrets: %w", err)
	}
	defer rows.Close()

	secrets := make([]domain.LegacySecret, 0, limit)
	for rows.Next() {
		var secret domain.LegacySecret
		if err := rows.Scan(&secret.ID, &secret.UserID, &secret.Secret); err != nil {
			return nil, fmt.Errorf("scan legacy secret: %w", err)
		}
		secrets = append(secrets, secret)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy secrets: %w", err)
	}
	return secrets, nil
}

// DeleteByIDs removes the given rows and reports how many were deleted.
func (r *LegacySecretRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	stmt, args, err := r.builder.Delete(legacySecretsTable).
		Where(squirrel.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete legacy secrets sql: %w", err)
	}

	tag, err := r.executor(ctx).Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete legacy secrets: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ port.LegacySecretRepository = (*LegacySecretRepository)(nil)
