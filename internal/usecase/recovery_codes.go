package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/security"
	"github.com/arklim/twofactor-service/internal/repository"
)

// RecoveryCodeService issues and consumes one-time recovery codes.
type RecoveryCodeService struct {
	records port.AuthRecordRepository
	tx      port.Transactor
	hasher  port.CodeHasher
	events  port.EventPublisher
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecoveryCodeService constructs a RecoveryCodeService.
func NewRecoveryCodeService(records port.AuthRecordRepository, tx port.Transactor, hasher port.CodeHasher, events port.EventPublisher, logger *zap.Logger) *RecoveryCodeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryCodeService{
		records: records,
		tx:      tx,
		hasher:  hasher,
		events:  events,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *RecoveryCodeService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// InitializeCodes replaces the user's recovery set with freshly generated codes and returns the
// display formatted plaintext. Nothing is returned unless the hashed set was stored.
func (s *RecoveryCodeService) InitializeCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := security.GenerateRecoveryCodes(security.RecoveryCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate recovery codes: %w", err)
	}

	hashed := make([]string, 0, len(codes))
	for _, code := range codes {
		h, err := s.hasher.Hash(security.PrepareRecoveryCodeForHash(code))
		if err != nil {
			return nil, fmt.Errorf("hash recovery code: %w", err)
		}
		hashed = append(hashed, h)
	}

	if err := s.records.SaveRecovery(ctx, userID, hashed); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		s.logger.Error("failed to store recovery codes", zap.String("user_id", userID), zap.Error(err))
		return nil, persistenceError("save recovery codes", err)
	}

	s.logger.Info("recovery codes generated", zap.String("user_id", userID), zap.Int("count", len(codes)))
	if s.events != nil {
		event := domain.RecoveryCodesGeneratedEvent{
			EventID:     uuid.NewString(),
			UserID:      userID,
			Count:       len(codes),
			GeneratedAt: s.now(),
		}
		if err := s.events.PublishRecoveryCodesGenerated(ctx, event); err != nil {
			s.logger.Warn("failed to publish recovery generation event", zap.Error(err))
		}
	}

	return codes, nil
}

// VerifyCode consumes the matching recovery code. A code is accepted at most once: the record is
// row-locked for the read, match and rewrite, so concurrent submissions of one code serialize.
func (s *RecoveryCodeService) VerifyCode(ctx context.Context, userID, submitted string) (bool, error) {
	candidate := security.NormalizeRecoveryCode(submitted)
	if candidate == "" {
		return false, nil
	}

	var remaining []string
	consumed := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		record, err := s.records.GetForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return persistenceError("get auth record", err)
		}

		for i, encoded := range record.Recovery {
			ok, err := s.hasher.Verify(candidate, encoded)
			if err != nil {
				s.logger.Warn("skipping unreadable recovery hash", zap.String("user_id", userID), zap.Int("index", i), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}

			remaining = make([]string, 0, len(record.Recovery)-1)
			remaining = append(remaining, record.Recovery[:i]...)
			remaining = append(remaining, record.Recovery[i+1:]...)
			if err := s.records.SaveRecovery(ctx, userID, remaining); err != nil {
				return persistenceError("consume recovery code", err)
			}
			consumed = true
			return nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !consumed {
		return false, nil
	}

	s.logger.Info("recovery code used", zap.String("user_id", userID), zap.Int("remaining", len(remaining)))
	if s.events != nil {
		event := domain.RecoveryCodeUsedEvent{
			EventID:   uuid.NewString(),
			UserID:    userID,
			Remaining: len(remaining),
			UsedAt:    s.now(),
		}
		if err := s.events.PublishRecoveryCodeUsed(ctx, event); err != nil {
			s.logger.Warn("failed to publish recovery usage event", zap.Error(err))
		}
	}
	return true, nil
}
