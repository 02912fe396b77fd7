package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/transport/http/middleware"
	"github.com/arklim/twofactor-service/internal/usecase"
)

// SetupFlow is the part of usecase.SetupService the settings endpoints call.
type SetupFlow interface {
	GenerateAppSecret(ctx context.Context, userID string) (*usecase.AppSecret, error)
	SendEmailSecret(ctx context.Context, userID string) (*usecase.EmailSecretResult, error)
	Verify(ctx context.Context, req usecase.VerifySetupRequest) (*usecase.SetupResult, error)
	GenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error)
	Status(ctx context.Context, userID string) (usecase.EnrollmentStatus, error)
}

var setupErrorCases = []ErrorCase{
	{Err: usecase.ErrNotFound, Status: http.StatusNotFound, Message: "user not found"},
	{Err: usecase.ErrInvalidMethod, Status: http.StatusBadRequest, Message: "unsupported method"},
	{Err: usecase.ErrDecode, Status: http.StatusBadRequest, Message: "malformed secret"},
	{Err: usecase.ErrInvalidCode, Status: http.StatusUnprocessableEntity, Message: "the authentication code is wrong or has expired"},
	{Err: usecase.ErrSetupExpired, Status: http.StatusGone, Message: "setup code expired, request a new one"},
	{Err: usecase.ErrNotEnrolled, Status: http.StatusConflict, Message: "two-factor authentication is not set up"},
}

// SetupHandler serves enrollment for the authenticated subject.
type SetupHandler struct {
	flow SetupFlow
}

// NewSetupHandler constructs a SetupHandler.
func NewSetupHandler(flow SetupFlow) *SetupHandler {
	return &SetupHandler{flow: flow}
}

// RegisterRoutes mounts the setup endpoints; mw must include middleware.RequireAuth.
func (h *SetupHandler) RegisterRoutes(group *gin.RouterGroup, mw ...gin.HandlerFunc) {
	setup := group.Group("/setup", mw...)
	setup.POST("/app-secret", h.AppSecret)
	setup.POST("/email-secret", h.EmailSecret)
	setup.POST("/verify", h.Verify)
	setup.POST("/recovery-codes", h.RecoveryCodes)
	setup.GET("/status", h.Status)
}

// AppSecret issues a fresh authenticator app secret with its otpauth URI and QR code.
// Nothing is stored until Verify confirms a code.
func (h *SetupHandler) AppSecret(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	secret, err := h.flow.GenerateAppSecret(c.Request.Context(), userID)
	if err != nil {
		RespondWithMappedError(c, err, setupErrorCases, http.StatusInternalServerError, "unable to generate secret")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, AppSecretResponse{
		SecretHex:    secret.Hex,
		SecretBase32: secret.Base32,
		OTPAuthURI:   secret.URI,
		QRCode:       secret.QRCodePNG,
	})
}

// EmailSecret mails a setup code, or reports the seconds left in the resend cooldown.
func (h *SetupHandler) EmailSecret(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	result, err := h.flow.SendEmailSecret(c.Request.Context(), userID)
	if err != nil {
		RespondWithMappedError(c, err, setupErrorCases, http.StatusInternalServerError, "unable to send setup code")
		return
	}
	if !result.Sent {
		c.Header("Retry-After", strconv.Itoa(result.RemainingSeconds))
	}
	c.JSON(http.StatusOK, EmailSecretResponse{Sent: result.Sent, RemainingSeconds: result.RemainingSeconds})
}

// Verify confirms a setup code and saves the method for the authenticated user.
func (h *SetupHandler) Verify(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	var req VerifySetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}
	method, known := domain.ParseAuthMethod(req.Method)
	if !known || !method.Storable() {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "method must be app or email"))
		return
	}

	result, err := h.flow.Verify(c.Request.Context(), usecase.VerifySetupRequest{
		UserID:    userID,
		Method:    method,
		Code:      req.Code,
		SecretHex: req.Secret,
	})
	if err != nil {
		RespondWithMappedError(c, err, setupErrorCases, http.StatusInternalServerError, "unable to save two-factor method")
		return
	}
	c.JSON(http.StatusOK, SetupResultResponse{Method: result.Method.String(), HasRecovery: result.HasRecovery})
}

// RecoveryCodes replaces the user's recovery set and returns the new codes once.
func (h *SetupHandler) RecoveryCodes(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	codes, err := h.flow.GenerateRecoveryCodes(c.Request.Context(), userID)
	if err != nil {
		RespondWithMappedError(c, err, setupErrorCases, http.StatusInternalServerError, "unable to generate recovery codes")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, RecoveryCodesResponse{Codes: codes})
}

// Status reports enrollment, method and remaining recovery codes.
func (h *SetupHandler) Status(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	status, err := h.flow.Status(c.Request.Context(), userID)
	if err != nil {
		RespondWithMappedError(c, err, setupErrorCases, http.StatusInternalServerError, "unable to load two-factor status")
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		Enrolled:       status.Enrolled,
		Method:         status.Method.String(),
		HasRecovery:    status.HasRecovery,
		RemainingCodes: status.RemainingCodes,
	})
}

func subject(c *gin.Context) (string, bool) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
	}
	return userID, ok
}
