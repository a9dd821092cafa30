package apiutil

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// HeaderRequestID carries the request correlation id
	HeaderRequestID = "X-Request-ID"
	// ContextKeyRequestID is the gin context key holding the request id
	ContextKeyRequestID = "request_id"
)

// RequestIDMiddleware propagates an inbound X-Request-ID or assigns a new one
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}
