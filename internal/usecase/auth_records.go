package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/security"
	"github.com/arklim/twofactor-service/internal/repository"
)

const defaultMigrationBatchSize = 1000

// EnrollmentStatus summarises a user's second factor state for settings screens.
type EnrollmentStatus struct {
	Enrolled       bool
	Method         domain.AuthMethod
	HasRecovery    bool
	RemainingCodes int
}

// MigrationReport describes one bulk legacy migration run.
type MigrationReport struct {
	Scanned  int
	Migrated int64
	Skipped  int
	Removed  int64
}

// AuthRecordService owns per-user enrollment records and the legacy secret migration paths.
type AuthRecordService struct {
	records port.AuthRecordRepository
	legacy  port.LegacySecretRepository
	tx      port.Transactor
	events  port.EventPublisher
	metrics MetricsRecorder
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuthRecordService constructs an AuthRecordService.
func NewAuthRecordService(records port.AuthRecordRepository, legacy port.LegacySecretRepository, tx port.Transactor, events port.EventPublisher, logger *zap.Logger) *AuthRecordService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthRecordService{
		records: records,
		legacy:  legacy,
		tx:      tx,
		events:  events,
		metrics: noopMetrics{},
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *AuthRecordService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithMetrics attaches a metrics recorder.
func (s *AuthRecordService) WithMetrics(m MetricsRecorder) *AuthRecordService {
	s.metrics = metricsOrNoop(m)
	return s
}

// Get returns the stored record or ErrNotFound.
func (s *AuthRecordService) Get(ctx context.Context, userID string) (*domain.AuthRecord, error) {
	record, err := s.records.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistenceError("get auth record", err)
	}
	return record, nil
}

// Upsert stores method and secret, creating the record without recovery codes when missing.
func (s *AuthRecordService) Upsert(ctx context.Context, userID string, method domain.AuthMethod, secretHex string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if !method.Storable() {
		return ErrInvalidMethod
	}
	if _, err := security.DecodeHexSecret(secretHex); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if err := s.records.Upsert(ctx, userID, method, secretHex); err != nil {
		return persistenceError("upsert auth record", err)
	}
	return nil
}

// HasRecovery reports whether recovery codes were ever generated, even if all were used since.
func (s *AuthRecordService) HasRecovery(ctx context.Context, userID string) (bool, error) {
	record, err := s.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.HasRecovery(), nil
}

// Resolve returns the user's record, moving a legacy secret into place first when needed.
func (s *AuthRecordService) Resolve(ctx context.Context, userID string) (*domain.AuthRecord, error) {
	record, err := s.Get(ctx, userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.RepairMigrationGaps(ctx, userID)
}

// RepairMigrationGaps creates an app record from the user's legacy Base32 secret and removes the
// legacy value in the same transaction. It returns ErrNotFound when there is nothing to migrate.
func (s *AuthRecordService) RepairMigrationGaps(ctx context.Context, userID string) (*domain.AuthRecord, error) {
	if s.legacy == nil {
		return nil, ErrNotFound
	}

	var record *domain.AuthRecord
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		legacy, err := s.legacy.GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return persistenceError("get legacy secret", err)
		}

		raw, err := security.Base32Decode(legacy.Secret)
		if err != nil || len(raw) == 0 {
			s.logger.Warn("legacy secret is not valid base32", zap.String("user_id", userID))
			return ErrDecode
		}

		candidate := domain.AuthRecord{
			UserID: userID,
			Secret: hex.EncodeToString(raw),
			Method: domain.AuthMethodApp,
		}
		if err := s.records.Insert(ctx, candidate); err != nil {
			return persistenceError("insert migrated auth record", err)
		}
		if err := s.legacy.DeleteByUser(ctx, userID); err != nil {
			return persistenceError("delete legacy secret", err)
		}

		record = &candidate
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("legacy secret repair rolled back", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("legacy secret migrated", zap.String("user_id", userID))
	s.publishEnrolled(ctx, userID, domain.AuthMethodApp, true)
	return record, nil
}

// MigrateLegacySecrets converts every legacy secret into an auth record in id ordered batches.
// Each batch commits on its own; a failing batch is rolled back and stops the run.
func (s *AuthRecordService) MigrateLegacySecrets(ctx context.Context, batchSize int) (MigrationReport, error) {
	var report MigrationReport
	if s.legacy == nil {
		return report, nil
	}
	if batchSize <= 0 {
		batchSize = defaultMigrationBatchSize
	}

	var afterID int64
	for {
		batch, err := s.legacy.ListAfter(ctx, afterID, batchSize)
		if err != nil {
			return report, persistenceError("list legacy secrets", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID
		report.Scanned += len(batch)

		records := make([]domain.AuthRecord, 0, len(batch))
		for _, item := range batch {
			raw, err := security.Base32Decode(item.Secret)
			if err != nil || len(raw) == 0 {
				report.Skipped++
				s.logger.Warn("skipping undecodable legacy secret",
					zap.Int64("legacy_id", item.ID),
					zap.String("user_id", item.UserID),
				)
				continue
			}
			records = append(records, domain.AuthRecord{
				UserID: item.UserID,
				Secret: hex.EncodeToString(raw),
				Method: domain.AuthMethodApp,
			})
		}

		var inserted, removed int64
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if len(records) > 0 {
				n, err := s.records.InsertMissing(ctx, records)
				if err != nil {
					return fmt.Errorf("insert migrated records: %w", err)
				}
				inserted = n
			}

			userIDs := make([]string, 0, len(batch))
			for _, item := range batch {
				userIDs = append(userIDs, item.UserID)
			}
			enrolled, err := s.records.FilterEnrolled(ctx, userIDs)
			if err != nil {
				return fmt.Errorf("filter enrolled users: %w", err)
			}

			ids := legacyIDsForUsers(batch, enrolled)
			if len(ids) == 0 {
				return nil
			}
			n, err := s.legacy.DeleteByIDs(ctx, ids)
			if err != nil {
				return fmt.Errorf("delete migrated legacy secrets: %w", err)
			}
			removed = n
			return nil
		})
		if err != nil {
			s.logger.Error("legacy migration batch rolled back", zap.Int64("after_id", afterID), zap.Error(err))
			return report, persistenceError("migrate legacy batch", err)
		}

		report.Migrated += inserted
		report.Removed += removed
		s.metrics.ObserveMigration(inserted)

		if len(batch) < batchSize {
			break
		}
	}

	if report.Scanned > 0 {
		s.logger.Info("legacy secret migration finished",
			zap.Int("scanned", report.Scanned),
			zap.Int64("migrated", report.Migrated),
			zap.Int("skipped", report.Skipped),
			zap.Int64("removed", report.Removed),
		)
	}
	return report, nil
}

// EnrollmentStatus reports the user's enrollment, repairing a legacy secret on the way.
func (s *AuthRecordService) EnrollmentStatus(ctx context.Context, userID string) (EnrollmentStatus, error) {
	record, err := s.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDecode) {
			return EnrollmentStatus{Method: domain.AuthMethodNone}, nil
		}
		return EnrollmentStatus{}, err
	}
	return EnrollmentStatus{
		Enrolled:       true,
		Method:         record.Method,
		HasRecovery:    record.HasRecovery(),
		RemainingCodes: record.RemainingRecoveryCodes(),
	}, nil
}

func (s *AuthRecordService) publishEnrolled(ctx context.Context, userID string, method domain.AuthMethod, migrated bool) {
	if s.events == nil {
		return
	}
	event := domain.TwoFactorEnrolledEvent{
		EventID:    uuid.NewString(),
		UserID:     userID,
		Method:     method,
		Migrated:   migrated,
		EnrolledAt: s.now(),
	}
	if err := s.events.PublishTwoFactorEnrolled(ctx, event); err != nil {
		s.logger.Warn("failed to publish enrollment event", zap.String("user_id", userID), zap.Error(err))
	}
}

func legacyIDsForUsers(batch []domain.LegacySecret, enrolled []string) []int64 {
	if len(enrolled) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(enrolled))
	for _, id := range enrolled {
		set[id] = struct{}{}
	}
	ids := make([]int64, 0, len(batch))
	for _, item := range batch {
		if _, ok := set[item.UserID]; ok {
			ids = append(ids, item.ID)
		}
	}
	return ids
}
