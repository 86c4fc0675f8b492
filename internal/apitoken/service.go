// Package apitoken issues and verifies API tokens. A token has the shape
// eld_<prefix>_<secret>; only a bcrypt hash of the secret is stored, and the
// prefix locates the row for verification.
package apitoken

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"elder/api/internal/store"
	"elder/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidToken = errors.New("invalid api token")

// TokenStore defines the storage interface for tokens.
type TokenStore interface {
	InsertAPIToken(ctx context.Context, t store.APIToken) error
	GetAPITokenByPrefix(ctx context.Context, prefix string) (store.APIToken, error)
	ListAPITokens(ctx context.Context) ([]store.APIToken, error)
	DeleteAPIToken(ctx context.Context, id string) error
	TouchAPIToken(ctx context.Context, id string) error
}

type Service struct {
	store TokenStore
}

func NewService(st TokenStore) *Service {
	return &Service{store: st}
}

// Issue creates a named token and returns the plaintext exactly once.
func (s *Service) Issue(ctx context.Context, name string) (store.APIToken, string, error) {
	if strings.TrimSpace(name) == "" {
		return store.APIToken{}, "", errors.New("token name is required")
	}

	prefix := util.NewSecret(4)
	secret := util.NewSecret(20)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return store.APIToken{}, "", fmt.Errorf("hash token: %w", err)
	}

	t := store.APIToken{
		ID:     util.NewID("tok"),
		Name:   name,
		Prefix: prefix,
		Hash:   string(hash),
	}
	if err := s.store.InsertAPIToken(ctx, t); err != nil {
		return store.APIToken{}, "", fmt.Errorf("store token: %w", err)
	}

	return t, "eld_" + prefix + "_" + secret, nil
}

// Verify checks a presented token and returns its record.
func (s *Service) Verify(ctx context.Context, presented string) (store.APIToken, error) {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) != 3 || parts[0] != "eld" || parts[1] == "" || parts[2] == "" {
		return store.APIToken{}, ErrInvalidToken
	}

	t, err := s.store.GetAPITokenByPrefix(ctx, parts[1])
	if errors.Is(err, store.ErrNotFound) {
		return store.APIToken{}, ErrInvalidToken
	}
	if err != nil {
		return store.APIToken{}, fmt.Errorf("lookup token: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(parts[2])) != nil {
		return store.APIToken{}, ErrInvalidToken
	}

	if err := s.store.TouchAPIToken(ctx, t.ID); err != nil {
		// Usage tracking is best effort.
		return t, nil
	}
	return t, nil
}

func (s *Service) List(ctx context.Context) ([]store.APIToken, error) {
	return s.store.ListAPITokens(ctx)
}

func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.store.DeleteAPIToken(ctx, id)
}
