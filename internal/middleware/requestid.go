package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header carrying the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID is stored.
	RequestIDKey = "request_id"
)

// RequestID ensures every request carries an X-Request-ID. An inbound header
// set by a proxy or scheduler is reused unchanged; otherwise a new UUID is
// generated. The value is stored in the context and echoed in the response so
// callers can correlate their request with server-side log entries.
//
// Register this before logging and metrics middleware.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
