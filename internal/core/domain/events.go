package domain

import "time"

// LoginAuditedEvent represents the payload for twofactor.login.audited messages.
type LoginAuditedEvent struct {
	EventID   string
	UserLogin string
	IPAddress string
	Status    LoginStatus
	Reason    string
	LoginAt   time.Time
	Metadata  map[string]any
}

// TwoFactorEnrolledEvent represents the payload for twofactor.enrolled messages.
type TwoFactorEnrolledEvent struct {
	EventID    string
	UserID     string
	Method     AuthMethod
	Migrated   bool
	EnrolledAt time.Time
	Metadata   map[string]any
}

// RecoveryCodesGeneratedEvent represents the payload for twofactor.recovery.generated messages.
type RecoveryCodesGeneratedEvent struct {
	EventID     string
	UserID      string
	Count       int
	GeneratedAt time.Time
	Metadata    map[string]any
}

// RecoveryCodeUsedEvent represents the payload for twofactor.recovery.used messages.
type RecoveryCodeUsedEvent struct {
	EventID   string
	UserID    string
	Remaining int
	UsedAt    time.Time
	Metadata  map[string]any
}

// IPLockedOutEvent represents the payload for twofactor.ip.locked messages.
type IPLockedOutEvent struct {
	EventID     string
	IPAddress   string
	FailedCount int
	Minutes     int
	LockedAt    time.Time
	Metadata    map[string]any
}
