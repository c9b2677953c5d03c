package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-auth/pkg/dbx"
)

// ErrIdentityCollision indicates a (provider, external subject) pair already
// linked to a different user. That points to a provider-side identity
// collision or a bug and is never resolved silently.
var ErrIdentityCollision = errors.New("external identity already linked to another user")

// Service resolves external identities to internal users. All read-then-write
// operations expect to run inside a request-scoped transaction; the store's
// unique constraints are the final race-safety backstop and duplicate-key
// violations are retried as reads.
type Service struct {
	repo   IdentityRepository
	cipher *SSNCipher
}

// NewService creates a new identity Service
func NewService(repo IdentityRepository, cipher *SSNCipher) *Service {
	return &Service{repo: repo, cipher: cipher}
}

// UserByExternalIdentity looks up the user linked to (provider, subject).
func (s *Service) UserByExternalIdentity(ctx context.Context, db dbx.DBTX, provider, externalSubject string) (User, error) {
	ext, err := s.repo.GetExternalIdentity(ctx, db, provider, externalSubject)
	if err != nil {
		return User{}, err
	}
	return s.repo.GetUserBySubject(ctx, db, ext.UserSubject)
}

// GetOrCreateUserBySSN resolves a private person by social security number,
// creating the user on first sight. The SSN is encrypted before lookup and
// storage; plaintext never reaches the database. The second return value
// reports whether a user was created.
func (s *Service) GetOrCreateUserBySSN(ctx context.Context, db dbx.DBTX, ssn string) (User, bool, error) {
	if ssn == "" {
		return User{}, false, fmt.Errorf("ssn is required")
	}
	encrypted := s.cipher.Encrypt(ssn)

	return s.getOrCreate(ctx, db,
		func() (User, error) { return s.repo.GetUserBySSN(ctx, db, encrypted) },
		User{SSNEncrypted: encrypted},
	)
}

// GetOrCreateUserByTIN resolves a company by tax identification number,
// creating the user on first sight.
func (s *Service) GetOrCreateUserByTIN(ctx context.Context, db dbx.DBTX, tin string) (User, bool, error) {
	if tin == "" {
		return User{}, false, fmt.Errorf("tin is required")
	}

	return s.getOrCreate(ctx, db,
		func() (User, error) { return s.repo.GetUserByTIN(ctx, db, tin) },
		User{TIN: tin},
	)
}

func (s *Service) getOrCreate(ctx context.Context, db dbx.DBTX, lookup func() (User, error), template User) (User, bool, error) {
	user, err := lookup()
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, false, err
	}

	template.Subject = uuid.NewString()
	template.CreatedAt = time.Now().UTC()

	err = s.repo.CreateUser(ctx, db, template)
	if err == nil {
		slog.Info("Created user", "subject", template.Subject)
		return template, true, nil
	}
	if errors.Is(err, ErrDuplicateKey) {
		// A concurrent request created the row between lookup and insert.
		user, err = lookup()
		return user, false, err
	}
	return User{}, false, err
}

// AttachExternalIdentity links (provider, external subject) to the user.
// Attaching the same pair to the same user twice is an idempotent success;
// the same pair under a different user is a data-integrity error.
func (s *Service) AttachExternalIdentity(ctx context.Context, db dbx.DBTX, user User, provider, externalSubject string) error {
	err := s.repo.CreateExternalIdentity(ctx, db, ExternalIdentity{
		UserSubject:     user.Subject,
		Provider:        provider,
		ExternalSubject: externalSubject,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return err
	}

	existing, lookupErr := s.repo.GetExternalIdentity(ctx, db, provider, externalSubject)
	if lookupErr != nil {
		return lookupErr
	}
	if existing.UserSubject != user.Subject {
		slog.Error("External identity collision",
			"provider", provider,
			"expected_subject", user.Subject,
			"linked_subject", existing.UserSubject)
		return fmt.Errorf("%w: provider=%s", ErrIdentityCollision, provider)
	}
	return nil
}

// RegisterLogin appends a row to the login audit trail.
func (s *Service) RegisterLogin(ctx context.Context, db dbx.DBTX, user User) error {
	return s.repo.CreateLoginRecord(ctx, db, LoginRecord{
		Subject: user.Subject,
		Created: time.Now().UTC(),
	})
}
