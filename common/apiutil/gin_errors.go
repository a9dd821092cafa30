package apiutil

import (
	"github.com/Aidin1998/dreamjournal-api/common/errors"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the standard error response structure for all APIs
//
// Example:
//
//	{
//	  "error": "Forbidden",
//	  "message": "Required role(s): ADMIN"
//	}
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// WriteErrorResponse writes a consistent error response to the client
func WriteErrorResponse(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: message,
		Details: details,
	})
}

// AbortWithError writes the error response and stops the handler chain
func AbortWithError(c *gin.Context, status int, code, message string) {
	WriteErrorResponse(c, status, code, message, nil)
	c.Abort()
}

// WriteProblem writes an RFC 7807 body with the problem+json content type
func WriteProblem(c *gin.Context, p *errors.ProblemDetails) {
	if id := c.GetString(ContextKeyRequestID); id != "" && p.TraceID == "" {
		p.WithTraceID(id)
	}
	c.Header("Content-Type", "application/problem+json")
	c.JSON(p.Status, p)
}
