package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/config"
)

const schemaVersion = "1.0"

const (
	EventLoginAudited           = "twofactor.login.audited"
	EventTwoFactorEnrolled      = "twofactor.enrolled"
	EventRecoveryCodesGenerated = "twofactor.recovery.generated"
	EventRecoveryCodeUsed       = "twofactor.recovery.used"
	EventIPLockedOut            = "twofactor.ip.locked"
)

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	Subject   string           `json:"subject,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, subject string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		Subject:   subject,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(subject),
		Value: sarama.ByteEncoder(bytes),
	}

	return p.producer.Send(ctx, message)
}

// PublishLoginAudited publishes twofactor.login.audited events. The subject is the source ip
// because failed challenges are tracked per address.
func (p *EventPublisher) PublishLoginAudited(ctx context.Context, event domain.LoginAuditedEvent) error {
	payload := struct {
		UserLogin string         `json:"user_login"`
		IPAddress string         `json:"ip_address"`
		Status    string         `json:"status"`
		Reason    string         `json:"reason,omitempty"`
		LoginAt   time.Time      `json:"login_at"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		UserLogin: event.UserLogin,
		IPAddress: event.IPAddress,
		Status:    event.Status.String(),
		Reason:    event.Reason,
		LoginAt:   event.LoginAt.UTC(),
		Metadata:  event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventLoginAudited, event.IPAddress, event.LoginAt, payload)
}

// PublishTwoFactorEnrolled publishes twofactor.enrolled events.
func (p *EventPublisher) PublishTwoFactorEnrolled(ctx context.Context, event domain.TwoFactorEnrolledEvent) error {
	payload := struct {
		UserID     string         `json:"user_id"`
		Method     string         `json:"method"`
		Migrated   bool           `json:"migrated"`
		EnrolledAt time.Time      `json:"enrolled_at"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		UserID:     event.UserID,
		Method:     event.Method.String(),
		Migrated:   event.Migrated,
		EnrolledAt: event.EnrolledAt.UTC(),
		Metadata:   event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventTwoFactorEnrolled, event.UserID, event.EnrolledAt, payload)
}

// PublishRecoveryCodesGenerated publishes twofactor.recovery.generated events.
func (p *EventPublisher) PublishRecoveryCodesGenerated(ctx context.Context, event domain.RecoveryCodesGeneratedEvent) error {
	payload := struct {
		UserID      string         `json:"user_id"`
		Count       int            `json:"count"`
		GeneratedAt time.Time      `json:"generated_at"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}{
		UserID:      event.UserID,
		Count:       event.Count,
		GeneratedAt: event.GeneratedAt.UTC(),
		Metadata:    event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventRecoveryCodesGenerated, event.UserID, event.GeneratedAt, payload)
}

// PublishRecoveryCodeUsed publishes twofactor.recovery.used events.
func (p *EventPublisher) PublishRecoveryCodeUsed(ctx context.Context, event domain.RecoveryCodeUsedEvent) error {
	payload := struct {
		UserID    string         `json:"user_id"`
		Remaining int            `json:"remaining"`
		UsedAt    time.Time      `json:"used_at"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		UserID:    event.UserID,
		Remaining: event.Remaining,
		UsedAt:    event.UsedAt.UTC(),
		Metadata:  event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventRecoveryCodeUsed, event.UserID, event.UsedAt, payload)
}

// PublishIPLockedOut publishes twofactor.ip.locked events.
func (p *EventPublisher) PublishIPLockedOut(ctx context.Context, event domain.IPLockedOutEvent) error {
	payload := struct {
		IPAddress   string         `json:"ip_address"`
		FailedCount int            `json:"failed_count"`
		Minutes     int            `json:"minutes"`
		LockedAt    time.Time      `json:"locked_at"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}{
		IPAddress:   event.IPAddress,
		FailedCount: event.FailedCount,
		Minutes:     event.Minutes,
		LockedAt:    event.LockedAt.UTC(),
		Metadata:    event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventIPLockedOut, event.IPAddress, event.LockedAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
