package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/twofactor-service/internal/transport/http/middleware"
	"github.com/arklim/twofactor-service/internal/usecase"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

var commonErrorCases = []ErrorCase{
	{Err: usecase.ErrInvalidInput, Status: http.StatusBadRequest, Message: "invalid request"},
	{Err: usecase.ErrPersistence, Status: http.StatusServiceUnavailable, Message: "service temporarily unavailable, try again later"},
}

// RespondWithMappedError resolves err against cases, then the common cases, or falls back.
// A *usecase.LockedOutError always becomes 423 with the remaining minutes.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}
	_ = c.Error(err)

	var locked *usecase.LockedOutError
	if errors.As(err, &locked) {
		c.JSON(http.StatusLocked, LockedOutResponse{
			Error:   locked.Error(),
			Minutes: locked.Minutes,
			TraceID: middleware.GetTraceID(c),
		})
		return
	}

	for _, group := range [][]ErrorCase{cases, commonErrorCases} {
		for _, cs := range group {
			if cs.Err != nil && errors.Is(err, cs.Err) {
				c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
				return
			}
		}
	}

	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}
