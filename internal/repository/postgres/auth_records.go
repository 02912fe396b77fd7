package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/repository"
)

const authRecordsTable = "twofactor.auth_records"

// AuthRecordRepository implements port.AuthRecordRepository backed by PostgreSQL.
type AuthRecordRepository struct {
	base
}

// NewAuthRecordRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewAuthRecordRepository(exec pgExecutor) *AuthRecordRepository {
	return &AuthRecordRepository{base: newBase(exec)}
}

// Get fetches the enrollment for a user.
func (r *AuthRecordRepository) Get(ctx context.Context, userID string) (*domain.AuthRecord, error) {
	return r.get(ctx, userID, false)
}

// GetForUpdate fetches the enrollment and row-locks it until the surrounding transaction ends.
// Outside a transaction the lock is released as soon as the statement completes.
func (r *AuthRecordRepository) GetForUpdate(ctx context.Context, userID string) (*domain.AuthRecord, error) {
	return r.get(ctx, userID, true)
}

func (r *AuthRecordRepository) get(ctx context.Context, userID string, forUpdate bool) (*domain.AuthRecord, error) {
	query := r.builder.Select("user_id", "secret", "method", "recovery").
		From(authRecordsTable).
		Where(squirrel.Eq{"user_id": userID}).
		Limit(1)
	if forUpdate {
		query = query.Suffix("FOR UPDATE")
	}
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select auth record sql: %w", err)
	}

	var (
		record   domain.AuthRecord
		method   int16
		recovery []byte
	)
	if err := r.executor(ctx).QueryRow(ctx, stmt, args...).Scan(&record.UserID, &record.Secret, &method, &recovery); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("select auth record: %w", err)
	}
	record.Method = domain.AuthMethod(method)

	codes, err := unmarshalRecovery(recovery)
	if err != nil {
		return nil, err
	}
	record.Recovery = codes

	return &record, nil
}

// Upsert writes method and secret, leaving any recovery codes untouched.
func (r *AuthRecordRepository) Upsert(ctx context.Context, userID string, method domain.AuthMethod, secretHex string) error {
	stmt, args, err := r.builder.Insert(authRecordsTable).
		Columns("user_id", "secret", "method").
		Values(userID, secretHex, int16(method)).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET secret = EXCLUDED.secret, method = EXCLUDED.method, updated_at = now()").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert auth record sql: %w", err)
	}

	if _, err := r.executor(ctx).Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert auth record: %w", err)
	}
	return nil
}

// Insert creates a new record and fails when one already exists.
func (r *AuthRecordRepository) Insert(ctx context.Context, record domain.AuthRecord) error {
	recovery, err := marshalRecovery(record.Recovery)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Insert(authRecordsTable).
		Columns("user_id", "secret", "method", "recovery").
		Values(record.UserID, record.Secret, int16(record.Method), recovery).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert auth record sql: %w", err)
	}

	if _, err := r.executor(ctx).Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert auth record: %w", err)
	}
	return nil
}

// InsertMissing bulk inserts records and silently skips users that are already enrolled.
func (r *AuthRecordRepository) InsertMissing(ctx context.Context, records []domain.AuthRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := r.builder.Insert(authRecordsTable).Columns("user_id", "secret", "method")
	for _, record := range records {
		query = query.Values(record.UserID, record.Secret, int16(record.Method))
	}

	stmt, args, err := query.Suffix("ON CONFLICT (user_id) DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build bulk insert auth records sql: %w", err)
	}

	tag, err := r.executor(ctx).Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk insert auth records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FilterEnrolled returns the subset of userIDs that own a record.
func (r *AuthRecordRepository) FilterEnrolled(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	stmt, args, err := r.builder.Select("user_id").
		From(authRecordsTable).
		Where(squirrel.Eq{"user_id": userIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build filter enrolled sql: %w", err)
	}

	rows, err := r.executor(ctx).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrolled users: %w", err)
	}
	defer rows.Close()

	enrolled := make([]string, 0, len(userIDs))
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan enrolled user: %w", err)
		}
		enrolled = append(enrolled, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrolled users: %w", err)
	}
	return enrolled, nil
}

// SaveRecovery replaces the stored recovery hashes. It returns repository.ErrNotFound without a record.
func (r *AuthRecordRepository) SaveRecovery(ctx context.Context, userID string, hashed []string) error {
	if hashed == nil {
		hashed = []string{}
	}
	recovery, err := marshalRecovery(hashed)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Update(authRecordsTable).
		Set("recovery", recovery).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update recovery sql: %w", err)
	}

	tag, err := r.executor(ctx).Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update recovery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func marshalRecovery(codes []string) (any, error) {
	if codes == nil {
		return nil, nil
	}
	payload, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("marshal recovery codes: %w", err)
	}
	return payload, nil
}

func unmarshalRecovery(payload []byte) ([]string, error) {
	if payload == nil {
		return nil, nil
	}
	codes := []string{}
	if err := json.Unmarshal(payload, &codes); err != nil {
		return nil, fmt.Errorf("unmarshal recovery codes: %w", err)
	}
	return codes, nil
}

var _ port.AuthRecordRepository = (*AuthRecordRepository)(nil)
