package postgres

import (
	"context"
	"fmt"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
)

const loginLogTable = "twofactor.login_log"

// LoginLogRepository implements port.LoginLogRepository backed by PostgreSQL.
type LoginLogRepository struct {
	base
}

// NewLoginLogRepository constructs a LoginLogRepository.
func NewLoginLogRepository(exec pgExecutor) *LoginLogRepository {
	return &LoginLogRepository{base: newBase(exec)}
}

// Insert appends entries with a single multi-row statement.
func (r *LoginLogRepository) Insert(ctx context.Context, entries ...domain.LoginLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := r.builder.Insert(loginLogTable).Columns("name", "ip", "status", "channel", "login_at")
	for _, entry := range entries {
		channel := entry.Channel
		if channel == 0 {
			channel = domain.LoginChannelPage
		}
		query = query.Values(entry.Name, entry.IP, int16(entry.Status), int16(channel), entry.LoginAt)
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert login log sql: %w", err)
	}

	if _, err := r.executor(ctx).Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert login log: %w", err)
	}
	return nil
}

var _ port.LoginLogRepository = (*LoginLogRepository)(nil)
