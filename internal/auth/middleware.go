package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAgentAddr is the key for storing the authenticated caller address
	ContextKeyAgentAddr = "authAgentAddr"
	// ContextKeyAdmin marks callers in the admin set
	ContextKeyAdmin = "authAdmin"

	HeaderAddress   = "X-Escrowd-Address"
	HeaderTimestamp = "X-Escrowd-Timestamp"
	HeaderSignature = "X-Escrowd-Signature"
)

// Middleware verifies signed requests when signature headers are present.
// Unsigned requests pass through unauthenticated; invalid signatures are rejected.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		if addr == "" && c.GetHeader(HeaderSignature) == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_body",
					"message": "Could not read request body",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(b))
		}

		caller, err := v.Verify(c.Request.Method, c.Request.URL.Path, addr,
			c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature), body)
		if err != nil {
			code := "invalid_signature"
			switch {
			case errors.Is(err, ErrStaleTimestamp):
				code = "stale_timestamp"
			case errors.Is(err, ErrReplayed):
				code = "replayed_signature"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyAgentAddr, caller)
		if v.IsAdmin(caller) {
			c.Set(ContextKeyAdmin, true)
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a verified caller
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetAuthenticatedAgent(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Escrowd-Address, X-Escrowd-Timestamp and X-Escrowd-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// GetAuthenticatedAgent returns the authenticated caller's address
func GetAuthenticatedAgent(c *gin.Context) string {
	addr, exists := c.Get(ContextKeyAgentAddr)
	if !exists {
		return ""
	}
	s, _ := addr.(string)
	return s
}

// IsAdmin reports whether the authenticated caller is an admin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
