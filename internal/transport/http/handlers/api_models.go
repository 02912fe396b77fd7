package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/twofactor-service/internal/transport/http/middleware"
	"github.com/arklim/twofactor-service/internal/usecase"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response carrying the request trace id.
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: middleware.GetTraceID(c),
	}
}

// LockedOutResponse is returned with 423 while the caller's address is blocked.
type LockedOutResponse struct {
	Error   string `json:"error"`
	Minutes int    `json:"minutes"`
	TraceID string `json:"trace_id,omitempty"`
}

// HealthResponse describes liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// ReadinessResponse lists the outcome of each dependency check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// GuardRequest identifies the account a login form was submitted for.
type GuardRequest struct {
	UserLogin string `json:"user_login"`
}

// GuardResponse reports that the address may attempt a login.
type GuardResponse struct {
	Locked bool `json:"locked"`
}

// StartLoginRequest is sent by the host after the password was accepted.
type StartLoginRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	UserLogin string `json:"user_login"`
}

// VerifyLoginRequest is the challenge form post.
type VerifyLoginRequest struct {
	LoginToken      string `json:"login_token" binding:"required"`
	Code            string `json:"code"`
	Recovery        bool   `json:"recovery"`
	Resend          bool   `json:"resend"`
	UseRecoveryCode bool   `json:"use_recovery_code"`
	BackToAuthCode  bool   `json:"back_to_auth_code"`
}

// ChallengeResponse is the view model the host renders on the second factor screen.
type ChallengeResponse struct {
	LoginToken       string `json:"login_token"`
	Method           string `json:"method"`
	HasRecovery      bool   `json:"has_recovery"`
	MaskedEmail      string `json:"masked_email,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
}

// LoginResponse carries the orchestrator decision.
type LoginResponse struct {
	Status    string             `json:"status"`
	UserID    string             `json:"user_id,omitempty"`
	UserLogin string             `json:"user_login,omitempty"`
	Challenge *ChallengeResponse `json:"challenge,omitempty"`
}

// AppSecretResponse is shown once while registering an authenticator app.
type AppSecretResponse struct {
	SecretHex    string `json:"secret_hex"`
	SecretBase32 string `json:"secret_base32"`
	OTPAuthURI   string `json:"otpauth_uri"`
	QRCode       string `json:"qr_code"`
}

// EmailSecretResponse reports whether a setup code was mailed.
type EmailSecretResponse struct {
	Sent             bool `json:"sent"`
	RemainingSeconds int  `json:"remaining_seconds"`
}

// VerifySetupRequest confirms a new method.
type VerifySetupRequest struct {
	Method string `json:"method" binding:"required"`
	Code   string `json:"code" binding:"required"`
	Secret string `json:"secret"`
}

// SetupResultResponse is returned once a method was saved.
type SetupResultResponse struct {
	Method      string `json:"method"`
	HasRecovery bool   `json:"has_recovery"`
}

// RecoveryCodesResponse lists freshly generated recovery codes. They are never shown again.
type RecoveryCodesResponse struct {
	Codes []string `json:"codes"`
}

// StatusResponse summarises the caller's enrollment.
type StatusResponse struct {
	Enrolled       bool   `json:"enrolled"`
	Method         string `json:"method"`
	HasRecovery    bool   `json:"has_recovery"`
	RemainingCodes int    `json:"remaining_codes"`
}

func newLoginResponse(outcome *usecase.LoginOutcome) LoginResponse {
	resp := LoginResponse{
		Status:    string(outcome.Decision),
		UserID:    outcome.UserID,
		UserLogin: outcome.UserLogin,
	}
	if ch := outcome.Challenge; ch != nil {
		resp.Challenge = &ChallengeResponse{
			LoginToken:       ch.LoginToken,
			Method:           ch.Method.String(),
			HasRecovery:      ch.HasRecovery,
			MaskedEmail:      ch.MaskedEmail,
			RemainingSeconds: ch.RemainingSeconds,
			Message:          ch.Message,
			Error:            ch.Error,
		}
	}
	return resp
}
