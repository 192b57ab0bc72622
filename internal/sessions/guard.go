package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/postsync/postsync/internal/tokens"
	"github.com/postsync/postsync/pkg/logger"
)

const lookupTimeout = 2 * time.Second

// Guard issues session tokens and rejects the ones that were logged out.
type Guard struct {
	signer *tokens.Signer
	revs   Revocations
}

// NewGuard returns nil when signer is nil, which disables sessions. A nil
// revs keeps revocations in memory.
func NewGuard(signer *tokens.Signer, revs Revocations) *Guard {
	if signer == nil {
		return nil
	}
	if revs == nil {
		revs = NewMemoryRevocations()
	}
	return &Guard{signer: signer, revs: revs}
}

func (g *Guard) TTL() time.Duration { return g.signer.TTL() }

func (g *Guard) Issue(username string) (string, error) {
	return g.signer.GenerateAccessToken(username)
}

// Verify checks the signature and the revocation list. A failing lookup
// rejects the token.
func (g *Guard) Verify(raw string) (string, error) {
	sub, err := g.signer.Verify(raw)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	revoked, err := g.revs.IsRevoked(ctx, raw)
	if err != nil {
		logger.Warnf("revocation lookup failed: %v", err)
		return "", fmt.Errorf("%w: revocation lookup: %v", tokens.ErrInvalidToken, err)
	}
	if revoked {
		return "", fmt.Errorf("%w: revoked", tokens.ErrInvalidToken)
	}
	return sub, nil
}

// Revoke logs a valid token out for the rest of its lifetime.
func (g *Guard) Revoke(ctx context.Context, raw string) error {
	if _, err := g.signer.Verify(raw); err != nil {
		return err
	}
	return g.revs.Revoke(ctx, raw, g.signer.TTL())
}
