package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserKey is the gin context key holding the authenticated username.
const UserKey = "user"

// PasswordChecker validates basic auth credentials.
type PasswordChecker interface {
	Check(ctx context.Context, username, password string) error
}

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	Verify(raw string) (string, error)
}

type PasswordCheckerFunc func(ctx context.Context, username, password string) error

func (f PasswordCheckerFunc) Check(ctx context.Context, username, password string) error {
	return f(ctx, username, password)
}

// AuthMiddleware accepts "Basic" credentials checked by pw, or "Bearer"
// tokens checked by tv. Either may be nil to disable that scheme.
func AuthMiddleware(pw PasswordChecker, tv TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.Header("WWW-Authenticate", `Basic realm="postsync"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}
		scheme, raw, _ := strings.Cut(auth, " ")
		switch {
		case strings.EqualFold(scheme, "Bearer") && tv != nil:
			sub, err := tv.Verify(strings.TrimSpace(raw))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Set(UserKey, sub)
		case strings.EqualFold(scheme, "Basic") && pw != nil:
			user, pass, ok := c.Request.BasicAuth()
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
				return
			}
			if err := pw.Check(c.Request.Context(), user, pass); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			c.Set(UserKey, user)
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
			return
		}
		c.Next()
	}
}

// rateKey prefers the authenticated user; falls back to the client IP.
func rateKey(c *gin.Context, prefix string) string {
	if u := c.GetString(UserKey); u != "" {
		return prefix + "user:" + u
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return prefix + "ip:" + ip
}
