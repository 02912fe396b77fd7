package domain

import "time"

// AuthMethod enumerates how a user proves the second factor.
type AuthMethod int

const (
	AuthMethodNone  AuthMethod = 0
	AuthMethodApp   AuthMethod = 1
	AuthMethodEmail AuthMethod = 2
	// AuthMethodRecovery is only selected at verification time and is never persisted.
	AuthMethodRecovery AuthMethod = 3
)

// String returns the wire name of the method.
func (m AuthMethod) String() string {
	switch m {
	case AuthMethodApp:
		return "app"
	case AuthMethodEmail:
		return "email"
	case AuthMethodRecovery:
		return "recovery"
	default:
		return "none"
	}
}

// Storable reports whether the method may be written to an auth record.
func (m AuthMethod) Storable() bool {
	return m == AuthMethodApp || m == AuthMethodEmail
}

// ParseAuthMethod maps a wire name to an AuthMethod.
func ParseAuthMethod(raw string) (AuthMethod, bool) {
	switch raw {
	case "app":
		return AuthMethodApp, true
	case "email":
		return AuthMethodEmail, true
	case "recovery":
		return AuthMethodRecovery, true
	default:
		return AuthMethodNone, false
	}
}

// AuthRecord is the per-user second factor enrollment.
// Recovery is nil when codes were never generated; an empty non-nil slice means all codes were used.
type AuthRecord struct {
	UserID   string
	Secret   string
	Method   AuthMethod
	Recovery []string
}

// HasRecovery reports whether recovery codes were ever generated for the record.
func (r AuthRecord) HasRecovery() bool {
	return r.Recovery != nil
}

// RemainingRecoveryCodes returns the number of unused recovery codes.
func (r AuthRecord) RemainingRecoveryCodes() int {
	return len(r.Recovery)
}

// PendingLogin bridges first factor success and the second factor challenge.
type PendingLogin struct {
	ID           int64
	Token        string
	UserID       string
	UserLogin    string
	AuthMethod   AuthMethod
	HasRecovery  bool
	EmailAddress string
	ClientIP     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the pending login is no longer usable at the reference time.
func (p PendingLogin) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// LoginStatus mirrors the status column of the failed attempt table and the login log.
type LoginStatus int

const (
	LoginStatusSuccess  LoginStatus = 1
	LoginStatusFailed   LoginStatus = 2
	LoginStatusDisabled LoginStatus = 3
)

// String returns a human readable status name.
func (s LoginStatus) String() string {
	switch s {
	case LoginStatusSuccess:
		return "success"
	case LoginStatusFailed:
		return "failed"
	case LoginStatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// FailedAttempt tracks second factor failures per source IP.
type FailedAttempt struct {
	IP          string
	Status      LoginStatus
	FailedCount int
	LoginAt     time.Time
}

// LoginChannel identifies where a login attempt originated.
type LoginChannel int

const (
	LoginChannelPage   LoginChannel = 1
	LoginChannelXMLRPC LoginChannel = 2
)

// LoginLogEntry is one row of the login audit log.
type LoginLogEntry struct {
	Name    string
	IP      string
	Status  LoginStatus
	Channel LoginChannel
	LoginAt time.Time
}

// LegacySecret is a Base32 secret kept in older per-user storage.
type LegacySecret struct {
	ID     int64
	UserID string
	Secret string
}

// UserProfile is the subset of user data the second factor flow depends on.
type UserProfile struct {
	ID    string
	Login string
	Email string
	Roles []string
}

// HasAnyRole reports whether the profile carries one of the supplied roles.
func (u UserProfile) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	for _, role := range u.Roles {
		if _, ok := allowed[role]; ok {
			return true
		}
	}
	return false
}
