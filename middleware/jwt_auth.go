package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims are the claims accepted on operator endpoints.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Roles allowed to trigger syncs, audits and backups.
var operatorRoles = map[string]bool{"admin": true, "operator": true, "service_role": true}

// OperatorAuth guards mutating endpoints with an HS256 bearer token. An
// empty secret disables the check. Failed attempts count against limiter
// when it is non-nil.
func OperatorAuth(secret string, limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if limiter != nil {
			if allowed, retryAfter := limiter.Check(ip); !allowed {
				c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":   "too_many_requests",
					"message": "Too many failed authentication attempts",
				})
				return
			}
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authorization header is required",
			})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid authorization header format. Use: Bearer <token>",
			})
			return
		}

		claims, err := ValidateToken(tokenString, secret)
		if err != nil {
			if limiter != nil {
				limiter.RecordFailure(ip)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": fmt.Sprintf("Invalid token: %v", err),
			})
			return
		}
		if !operatorRoles[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Operator privileges required",
			})
			return
		}
		if limiter != nil {
			limiter.Reset(ip)
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// ValidateToken parses an HS256 token signed with secret.
func ValidateToken(tokenString, secret string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, errors.New("token has expired")
	}
	return claims, nil
}
