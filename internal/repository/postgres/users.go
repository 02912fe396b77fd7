package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/repository"
)

// UserDirectory implements port.UserDirectory over the host application's iam schema.
type UserDirectory struct {
	base
}

// NewUserDirectory constructs a UserDirectory.
func NewUserDirectory(exec pgExecutor) *UserDirectory {
	return &UserDirectory{base: newBase(exec)}
}

// GetProfile loads login, email and role names for an active user.
func (r *UserDirectory) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	stmt, args, err := r.builder.Select("id", "username", "email").
		From("iam.users").
		Where(squirrel.Eq{"id": userID, "is_active": true}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user profile sql: %w", err)
	}

	var (
		profile domain.UserProfile
		email   sql.NullString
	)
	if err := r.executor(ctx).QueryRow(ctx, stmt, args...).Scan(&profile.ID, &profile.Login, &email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("select user profile: %w", err)
	}
	if email.Valid {
		profile.Email = email.String
	}

	roles, err := r.listRoleNames(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile.Roles = roles

	return &profile, nil
}

func (r *UserDirectory) listRoleNames(ctx context.Context, userID string) ([]string, error) {
	stmt, args, err := r.builder.Select("r.name").
		From("iam.roles r").
		Join("iam.user_roles ur ON ur.role_id = r.id").
		Where(squirrel.Eq{"ur.user_id": userID}).
		OrderBy("r.name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build roles by user sql: %w", err)
	}

	rows, err := r.executor(ctx).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query roles by user: %w", err)
	}
	defer rows.Close()

	roles := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role by user: %w", err)
		}
		roles = append(roles, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles by user: %w", err)
	}
	return roles, nil
}

var _ port.UserDirectory = (*UserDirectory)(nil)
