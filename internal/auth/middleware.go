package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Aidin1998/dreamjournal-api/common/apiutil"
	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Gin context keys set for authenticated requests.
const (
	ContextKeyClaims = "claims"
	ContextKeyUserID = "userID"
	ContextKeyRole   = "userRole"
)

// Authenticate verifies a bearer token or session cookie when present and
// records the claims on the context. It never rejects; use RequireAuth for that.
func Authenticate(tokens *TokenService, cookieName string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		raw := tokenFromRequest(c, cookieName)
		if raw == "" {
			c.Next()
			return
		}
		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			logger.Debug("ignoring invalid token", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.Next()
			return
		}
		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyRole, claims.Role)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context, cookieName string) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	if cookieName != "" {
		if v, err := c.Cookie(cookieName); err == nil {
			return v
		}
	}
	return ""
}

// ClaimsFromContext returns the verified claims for the request, if any.
func ClaimsFromContext(c *gin.Context) (*TokenClaims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*TokenClaims)
	return claims, ok && claims != nil
}

// RateLimitSubject adapts verified claims to the rate limiter's subject.
func RateLimitSubject(c *gin.Context) (*ratelimit.Subject, bool) {
	claims, ok := ClaimsFromContext(c)
	if !ok {
		return nil, false
	}
	return &ratelimit.Subject{ID: claims.UserID, Plan: claims.Plan, Role: claims.Role}, true
}

// RequireAuth rejects requests without verified claims.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ClaimsFromContext(c); !ok {
			apiutil.AbortWithError(c, http.StatusUnauthorized, "Unauthorized", "Authentication required")
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers whose role is not listed.
// Role comparison is case-insensitive.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			apiutil.AbortWithError(c, http.StatusUnauthorized, "Unauthorized", "Authentication required")
			return
		}
		for _, r := range roles {
			if strings.EqualFold(claims.Role, r) {
				c.Next()
				return
			}
		}
		apiutil.AbortWithError(c, http.StatusForbidden, "Forbidden",
			fmt.Sprintf("Required role(s): %s", strings.Join(roles, ", ")))
	}
}
