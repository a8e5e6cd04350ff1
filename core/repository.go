package core

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConflict            = errors.New("concurrent update")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

type Repository interface {
	// Owner operations

	EnsureOwner(ctx context.Context, ownerID uuid.UUID) error

	// DeleteOwner removes the owner together with all of their tokens.
	DeleteOwner(ctx context.Context, ownerID uuid.UUID) error

	// Token operations

	// GetOrCreateToken returns the row for (provider, externalUserID), creating
	// it with a fresh slug when missing. A row held by a different owner is
	// reported as ErrAlreadyExists.
	GetOrCreateToken(ctx context.Context, provider Provider, externalUserID string, ownerID uuid.UUID) (*OAuthToken, bool, error)

	// UpdateToken writes every mutable field, provided the stored access token
	// still equals prevAccessToken. Otherwise it returns ErrConflict.
	UpdateToken(ctx context.Context, token *OAuthToken, prevAccessToken string) error

	FindTokenBySlug(ctx context.Context, slug string) (*OAuthToken, error)

	ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]*OAuthToken, error)

	ListTokens(ctx context.Context) ([]*OAuthToken, error)

	// DeleteToken removes a token the owner holds; ErrNotFound otherwise.
	DeleteToken(ctx context.Context, slug string, ownerID uuid.UUID) error
}
