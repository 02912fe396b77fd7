package port

import (
	"context"

	"github.com/arklim/twofactor-service/internal/core/domain"
)

// EventPublisher publishes second factor audit events to the message bus.
type EventPublisher interface {
	PublishLoginAudited(ctx context.Context, event domain.LoginAuditedEvent) error
	PublishTwoFactorEnrolled(ctx context.Context, event domain.TwoFactorEnrolledEvent) error
	PublishRecoveryCodesGenerated(ctx context.Context, event domain.RecoveryCodesGeneratedEvent) error
	PublishRecoveryCodeUsed(ctx context.Context, event domain.RecoveryCodeUsedEvent) error
	PublishIPLockedOut(ctx context.Context, event domain.IPLockedOutEvent) error
}
