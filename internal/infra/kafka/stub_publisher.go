package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Used when kafka.enabled is false.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a logging event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, subject string, at time.Time, fields ...zap.Field) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("stub event published",
		append([]zap.Field{
			zap.String("event_type", eventType),
			zap.String("subject", subject),
			zap.Time("timestamp", at.UTC()),
		}, fields...)...,
	)
}

func (p *StubPublisher) PublishLoginAudited(_ context.Context, event domain.LoginAuditedEvent) error {
	p.logEvent(EventLoginAudited, event.IPAddress, event.LoginAt,
		zap.String("user_login", event.UserLogin),
		zap.String("status", event.Status.String()),
		zap.String("reason", event.Reason),
	)
	return nil
}

func (p *StubPublisher) PublishTwoFactorEnrolled(_ context.Context, event domain.TwoFactorEnrolledEvent) error {
	p.logEvent(EventTwoFactorEnrolled, event.UserID, event.EnrolledAt,
		zap.String("method", event.Method.String()),
		zap.Bool("migrated", event.Migrated),
	)
	return nil
}

func (p *StubPublisher) PublishRecoveryCodesGenerated(_ context.Context, event domain.RecoveryCodesGeneratedEvent) error {
	p.logEvent(EventRecoveryCodesGenerated, event.UserID, event.GeneratedAt, zap.Int("count", event.Count))
	return nil
}

func (p *StubPublisher) PublishRecoveryCodeUsed(_ context.Context, event domain.RecoveryCodeUsedEvent) error {
	p.logEvent(EventRecoveryCodeUsed, event.UserID, event.UsedAt, zap.Int("remaining", event.Remaining))
	return nil
}

func (p *StubPublisher) PublishIPLockedOut(_ context.Context, event domain.IPLockedOutEvent) error {
	p.logEvent(EventIPLockedOut, event.IPAddress, event.LockedAt,
		zap.Int("failed_count", event.FailedCount),
		zap.Int("minutes", event.Minutes),
	)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
