package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/twofactor-service/internal/usecase"
)

// LoginFlow is the part of usecase.TwoFactorService the login endpoints call.
type LoginFlow interface {
	GuardLogin(ctx context.Context, ip, userLogin string) error
	BeginLogin(ctx context.Context, attempt usecase.LoginAttempt) (*usecase.LoginOutcome, error)
	Submit(ctx context.Context, req usecase.SubmitRequest) (*usecase.LoginOutcome, error)
}

var loginErrorCases = []ErrorCase{
	{Err: usecase.ErrSessionExpired, Status: http.StatusUnauthorized, Message: "login session expired, please sign in again"},
	{Err: usecase.ErrNotFound, Status: http.StatusNotFound, Message: "user not found"},
}

// TwoFactorHandler serves the login challenge endpoints called by the host login pipeline.
type TwoFactorHandler struct {
	flow LoginFlow
}

// NewTwoFactorHandler constructs a TwoFactorHandler.
func NewTwoFactorHandler(flow LoginFlow) *TwoFactorHandler {
	return &TwoFactorHandler{flow: flow}
}

// RegisterRoutes mounts the login endpoints; mw runs in front of each of them.
func (h *TwoFactorHandler) RegisterRoutes(group *gin.RouterGroup, mw ...gin.HandlerFunc) {
	login := group.Group("/login", mw...)
	login.POST("/guard", h.Guard)
	login.POST("/start", h.Start)
	login.POST("/verify", h.Verify)
}

// Guard refuses a login form from a locked out address before the password is checked.
func (h *TwoFactorHandler) Guard(c *gin.Context) {
	var req GuardRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
			return
		}
	}

	if err := h.flow.GuardLogin(c.Request.Context(), c.ClientIP(), req.UserLogin); err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "unable to check login status")
		return
	}
	c.JSON(http.StatusOK, GuardResponse{Locked: false})
}

// Start opens the second factor step after the first factor succeeded.
func (h *TwoFactorHandler) Start(c *gin.Context) {
	var req StartLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	outcome, err := h.flow.BeginLogin(c.Request.Context(), usecase.LoginAttempt{
		UserID:    req.UserID,
		UserLogin: req.UserLogin,
		ClientIP:  c.ClientIP(),
	})
	if err != nil {
		RespondWithMappedError(c, err, loginErrorCases, http.StatusInternalServerError, "unable to start two-factor login")
		return
	}
	c.JSON(http.StatusOK, newLoginResponse(outcome))
}

// Verify handles the challenge form: a code, a resend or a switch between forms.
func (h *TwoFactorHandler) Verify(c *gin.Context) {
	var req VerifyLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	outcome, err := h.flow.Submit(c.Request.Context(), usecase.SubmitRequest{
		Token:           req.LoginToken,
		Code:            req.Code,
		ClientIP:        c.ClientIP(),
		Recovery:        req.Recovery,
		Resend:          req.Resend,
		UseRecoveryCode: req.UseRecoveryCode,
		BackToAuthCode:  req.BackToAuthCode,
	})
	if err != nil {
		RespondWithMappedError(c, err, loginErrorCases, http.StatusInternalServerError, "unable to verify two-factor code")
		return
	}
	c.JSON(http.StatusOK, newLoginResponse(outcome))
}
