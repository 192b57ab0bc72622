package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/postsync/postsync/internal/tokens"
)

func TestRedisRevocationsExpire(t *testing.T) {
	m, err := mr.Run()
	require.NoError(t, err)
	defer m.Close()

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	revs := NewRedisRevocations(client, "")

	ctx := context.Background()
	token := "access-token-1"
	require.NoError(t, revs.Revoke(ctx, token, 2*time.Second))

	ok, err := revs.IsRevoked(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, m.Exists("postsync:revoked:"+token), "raw token must not be stored")

	// advance past TTL
	m.FastForward(3 * time.Second)

	ok, err = revs.IsRevoked(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryRevocationsExpire(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	revs := NewMemoryRevocations()
	revs.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, revs.Revoke(ctx, "a", time.Minute))
	ok, _ := revs.IsRevoked(ctx, "a")
	require.True(t, ok)
	ok, _ = revs.IsRevoked(ctx, "b")
	require.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = revs.IsRevoked(ctx, "a")
	require.False(t, ok)
	require.NoError(t, revs.Revoke(ctx, "b", time.Minute))
	require.Len(t, revs.m, 1, "expired entries are swept on write")
}

func TestGuard(t *testing.T) {
	require.Nil(t, NewGuard(nil, nil))

	g := NewGuard(tokens.NewSigner("guard-test-secret-xxxxxxxxxxxxxxxxx", time.Minute), nil)
	require.Equal(t, time.Minute, g.TTL())
	tok, err := g.Issue("alice")
	require.NoError(t, err)

	sub, err := g.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", sub)

	require.NoError(t, g.Revoke(context.Background(), tok))
	_, err = g.Verify(tok)
	require.ErrorIs(t, err, tokens.ErrInvalidToken)

	require.ErrorIs(t, g.Revoke(context.Background(), "garbage"), tokens.ErrInvalidToken)
}

type brokenRevocations struct{}

func (brokenRevocations) Revoke(context.Context, string, time.Duration) error { return nil }
func (brokenRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestGuardRejectsWhenLookupFails(t *testing.T) {
	g := NewGuard(tokens.NewSigner("guard-test-secret-xxxxxxxxxxxxxxxxx", time.Minute), brokenRevocations{})
	tok, err := g.Issue("alice")
	require.NoError(t, err)
	_, err = g.Verify(tok)
	require.ErrorIs(t, err, tokens.ErrInvalidToken)
}
