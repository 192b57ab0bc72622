package users

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Service encapsulates account logic for the remote store.
type Service struct {
	repo UserRepository
	cost int
	// compared against when the user is unknown so both paths cost the same
	dummy []byte
}

// NewService builds a Service hashing with the given bcrypt cost. A cost out
// of bcrypt's range falls back to bcrypt.DefaultCost.
func NewService(r UserRepository, cost int) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("postsync-dummy"), cost)
	return &Service{repo: r, cost: cost, dummy: dummy}
}

// Ensure creates the user or resets its password.
func (s *Service) Ensure(ctx context.Context, username, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return s.repo.Upsert(ctx, &User{Username: username, PasswordHash: string(hash)})
}

// Authenticate checks a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.repo.GetByName(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
