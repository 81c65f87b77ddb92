// Package httpkit holds the response helpers shared by the webhook gateway
// and the triage API. Platform layer, no business logic.
package httpkit

import (
	"net/http"

	"dealerflow_backend/platform/apperr"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the error body every handler returns.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func JSON(c *gin.Context, status int, payload interface{}) {
	c.JSON(status, payload)
}

func Error(c *gin.Context, status int, message string, details interface{}) {
	c.JSON(status, ErrorResponse{Error: message, Details: details})
}

func OK(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusOK, payload)
}

// HandleError writes the HTTP response for a service error and reports
// whether there was one. Typed *apperr.Error values map through their Kind
// (conflict to 409, not found to 404, and so on); untyped errors fall back
// to 400.
func HandleError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}

	if svcErr, ok := err.(*apperr.Error); ok {
		c.JSON(svcErr.HTTPStatus(), ErrorResponse{
			Error:   svcErr.Message,
			Details: svcErr.Details,
		})
		return true
	}

	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	return true
}
