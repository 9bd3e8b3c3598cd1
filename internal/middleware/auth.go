// Package middleware holds the gin middleware of the admin HTTP surface.
package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailrelay/internal/auth"
)

const claimsKey = "claims"

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// BearerAuth rejects requests without a valid token. A nil validator leaves
// the route open. A non-nil limiter throttles clients by IP after repeated
// missing or bad tokens.
func BearerAuth(v TokenValidator, limiter *auth.FailureLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		client := c.ClientIP()
		if limiter != nil {
			if blocked, wait := limiter.Blocked(client); blocked {
				c.Header("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts"})
				return
			}
		}
		token := extractToken(c)
		if token == "" {
			if limiter != nil {
				limiter.Fail(client)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := v.ValidateToken(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token expired"
			}
			if limiter != nil {
				limiter.Fail(client)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		if limiter != nil {
			limiter.Succeed(client)
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims BearerAuth stored, or nil on open routes.
func ClaimsFrom(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.Query("token")
}
