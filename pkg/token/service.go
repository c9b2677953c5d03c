package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-auth/pkg/dbx"
)

// ErrInvalidWindow indicates an issue request with issued >= expires. This is
// a programming error at the call site, never a condition to retry.
var ErrInvalidWindow = errors.New("token issued must be before expires")

// IssueParams describes a token to issue on successful login.
type IssueParams struct {
	Issued  time.Time
	Expires time.Time
	Subject string
	Scope   []string

	// IDTokenRaw is the provider's raw id_token, kept for back-channel
	// logout.
	IDTokenRaw string
}

// Service issues and resolves session tokens. Clients hold only the opaque
// handle; the signed internal token stays server side.
type Service struct {
	codec *Codec
	repo  TokenRepository
}

// NewService creates a new token Service
func NewService(codec *Codec, repo TokenRepository) *Service {
	return &Service{codec: codec, repo: repo}
}

// Issue signs an internal token for the subject, generates a fresh opaque
// handle and persists the mapping. The validity window is checked before
// anything is persisted.
func (s *Service) Issue(ctx context.Context, db dbx.DBTX, p IssueParams) (string, error) {
	if !p.Issued.Before(p.Expires) {
		return "", fmt.Errorf("%w: issued=%s expires=%s", ErrInvalidWindow, p.Issued, p.Expires)
	}

	internal := InternalToken{
		Issued:  p.Issued,
		Expires: p.Expires,
		Actor:   p.Subject,
		Subject: p.Subject,
		Scope:   p.Scope,
	}

	encoded, err := s.codec.Encode(internal)
	if err != nil {
		return "", fmt.Errorf("failed to encode internal token: %w", err)
	}

	opaque := uuid.NewString()

	err = s.repo.Create(ctx, db, Token{
		OpaqueToken:   opaque,
		InternalToken: encoded,
		IDToken:       p.IDTokenRaw,
		Subject:       p.Subject,
		Issued:        p.Issued,
		Expires:       p.Expires,
	})
	if err != nil {
		return "", err
	}
	return opaque, nil
}

// Get looks up a token by its opaque handle.
func (s *Service) Get(ctx context.Context, db dbx.DBTX, opaqueToken string, onlyValid bool) (Token, error) {
	return s.repo.Get(ctx, db, opaqueToken, onlyValid)
}

// Delete removes the token row, ending the session.
func (s *Service) Delete(ctx context.Context, db dbx.DBTX, opaqueToken string) error {
	return s.repo.Delete(ctx, db, opaqueToken)
}

// Encode signs an internal token without persisting anything. Used by the
// test-token endpoint.
func (s *Service) Encode(token InternalToken) (string, error) {
	return s.codec.Encode(token)
}

// Decode verifies and decodes an internal token string.
func (s *Service) Decode(encoded string) (InternalToken, error) {
	return s.codec.Decode(encoded)
}
