package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// fakeVerifier implements TokenVerifier
type fakeVerifier struct{}

func (f *fakeVerifier) Verify(raw string) (string, error) {
	if raw == "goodtoken" {
		return "user1", nil
	}
	return "", errors.New("invalid token")
}

var fakePasswords = PasswordCheckerFunc(func(_ context.Context, user, pass string) error {
	if user == "alice" && pass == "s3cret" {
		return nil
	}
	return errors.New("invalid credentials")
})

func serveAuth(t *testing.T, pw PasswordChecker, tv TokenVerifier, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	g := gin.New()
	g.GET("/", AuthMiddleware(pw, tv), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(UserKey)})
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if setup != nil {
		setup(req)
	}
	rw := httptest.NewRecorder()
	g.ServeHTTP(rw, req)
	return rw
}

func TestAuthMiddleware_NoHeader(t *testing.T) {
	rw := serveAuth(t, fakePasswords, &fakeVerifier{}, nil)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
	require.Contains(t, rw.Header().Get("WWW-Authenticate"), "Basic")
}

func TestAuthMiddleware_InvalidHeader(t *testing.T) {
	rw := serveAuth(t, fakePasswords, &fakeVerifier{}, func(r *http.Request) {
		r.Header.Set("Authorization", "BadHeader")
	})
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	rw := serveAuth(t, fakePasswords, &fakeVerifier{}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer goodtoken")
	})
	require.Equal(t, http.StatusOK, rw.Code)
	require.JSONEq(t, `{"user":"user1"}`, rw.Body.String())
}

func TestAuthMiddleware_BadToken(t *testing.T) {
	rw := serveAuth(t, fakePasswords, &fakeVerifier{}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer forged")
	})
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestAuthMiddleware_Basic(t *testing.T) {
	rw := serveAuth(t, fakePasswords, &fakeVerifier{}, func(r *http.Request) {
		r.SetBasicAuth("alice", "s3cret")
	})
	require.Equal(t, http.StatusOK, rw.Code)
	require.JSONEq(t, `{"user":"alice"}`, rw.Body.String())

	rw = serveAuth(t, fakePasswords, &fakeVerifier{}, func(r *http.Request) {
		r.SetBasicAuth("alice", "wrong")
	})
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestAuthMiddleware_DisabledScheme(t *testing.T) {
	rw := serveAuth(t, fakePasswords, nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer goodtoken")
	})
	require.Equal(t, http.StatusUnauthorized, rw.Code, "bearer is refused without a verifier")
}
