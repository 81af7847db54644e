// Package middleware provides the HTTP middleware shared by the antifraud routes
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXRequestID carries the request ID in both directions
const HeaderXRequestID = "X-Request-ID"

// RequestIDKey is the gin context key errors.HandleError reads
const RequestIDKey = "request_id"

// RequestID reuses the caller's X-Request-ID or generates one, stores it in
// the gin context and echoes it in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(HeaderXRequestID, requestID)

		c.Next()
	}
}

// SecurityHeaders sets the standard response hardening headers. HSTS is only
// sent in production.
func SecurityHeaders(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")

		if production {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
