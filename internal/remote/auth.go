package remote

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/postsync/postsync/internal/sessions"
	"github.com/postsync/postsync/internal/users"
	"github.com/postsync/postsync/pkg/middleware"
)

// NewAuth accepts basic credentials of known users and, when guard is set,
// the bearer tokens it issued.
func NewAuth(svc *users.Service, guard *sessions.Guard) gin.HandlerFunc {
	check := middleware.PasswordCheckerFunc(func(ctx context.Context, username, password string) error {
		_, err := svc.Authenticate(ctx, username, password)
		return err
	})
	var tv middleware.TokenVerifier
	if guard != nil {
		tv = guard
	}
	return middleware.AuthMiddleware(check, tv)
}
