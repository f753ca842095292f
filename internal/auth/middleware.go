package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// ContextKeyCaller is the gin context key holding the authenticated caller.
const ContextKeyCaller = "authCaller"

// Middleware verifies signed requests. Requests carrying no auth headers pass
// through unauthenticated; requests with bad signatures are rejected.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderSignature) == "" && c.GetHeader(HeaderAddress) == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "failed to read request body",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		caller, err := v.Verify(c.Request.Method, c.Request.URL.Path, c.Request.Header, body)
		if err != nil {
			status := http.StatusUnauthorized
			switch {
			case errors.Is(err, ErrMissingHeaders), errors.Is(err, ErrInvalidAddress),
				errors.Is(err, ErrInvalidTime), errors.Is(err, ErrInvalidNonce):
				status = http.StatusBadRequest
			case errors.Is(err, ErrReplayCapacity):
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   "unauthenticated",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

// RequireCaller rejects requests that were not signed.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Caller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Signed request required. Include X-Escrow-Address, X-Escrow-Timestamp, X-Escrow-Nonce and X-Escrow-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the authenticated caller, if any.
func Caller(c *gin.Context) (common.Address, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}
