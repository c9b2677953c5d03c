package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tendant/simple-auth/pkg/dbx"
)

// User is uniquely identified by an internally generated subject. At most one
// of SSNEncrypted/TIN is set per user; a record may transiently exist keyed
// by provider identity alone until the verified attribute arrives.
type User struct {
	Subject      string
	CreatedAt    time.Time
	SSNEncrypted string
	TIN          string
}

// ExternalIdentity links an Identity Provider subject to an internal user.
// The same (provider, external subject) pair resolves to exactly one user
// forever after creation.
type ExternalIdentity struct {
	ID              int64
	UserSubject     string
	Provider        string
	ExternalSubject string
}

// LoginRecord is an append-only audit trail row.
type LoginRecord struct {
	ID      int64
	Subject string
	Created time.Time
}

var (
	// ErrUserNotFound is returned by lookups with no matching row.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateKey maps the store's unique-constraint violation. It means
	// a concurrent request already created the row.
	ErrDuplicateKey = errors.New("duplicate key")
)

// IdentityRepository defines the identity-related database operations
type IdentityRepository interface {
	CreateUser(ctx context.Context, db dbx.DBTX, user User) error
	GetUserBySubject(ctx context.Context, db dbx.DBTX, subject string) (User, error)
	GetUserBySSN(ctx context.Context, db dbx.DBTX, ssnEncrypted string) (User, error)
	GetUserByTIN(ctx context.Context, db dbx.DBTX, tin string) (User, error)

	CreateExternalIdentity(ctx context.Context, db dbx.DBTX, ext ExternalIdentity) error
	GetExternalIdentity(ctx context.Context, db dbx.DBTX, provider, externalSubject string) (ExternalIdentity, error)

	CreateLoginRecord(ctx context.Context, db dbx.DBTX, record LoginRecord) error
}

// PostgresIdentityRepository implements IdentityRepository using PostgreSQL
type PostgresIdentityRepository struct{}

// NewPostgresIdentityRepository creates a new PostgreSQL-based identity repository
func NewPostgresIdentityRepository() *PostgresIdentityRepository {
	return &PostgresIdentityRepository{}
}

// The inserts use ON CONFLICT DO NOTHING instead of letting the unique
// constraint raise: a raised 23505 aborts the surrounding transaction, and
// the duplicate-key contract requires the caller to re-read on the same
// handle. Zero rows affected is the duplicate signal.

func (r *PostgresIdentityRepository) CreateUser(ctx context.Context, db dbx.DBTX, user User) error {
	query := `INSERT INTO users (subject, created, ssn, tin)
	          VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
	          ON CONFLICT DO NOTHING`

	tag, err := db.Exec(ctx, query, user.Subject, user.CreatedAt, user.SSNEncrypted, user.TIN)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user", ErrDuplicateKey)
	}
	return nil
}

func (r *PostgresIdentityRepository) GetUserBySubject(ctx context.Context, db dbx.DBTX, subject string) (User, error) {
	return r.getUser(ctx, db, `subject = $1`, subject)
}

func (r *PostgresIdentityRepository) GetUserBySSN(ctx context.Context, db dbx.DBTX, ssnEncrypted string) (User, error) {
	return r.getUser(ctx, db, `ssn = $1`, ssnEncrypted)
}

func (r *PostgresIdentityRepository) GetUserByTIN(ctx context.Context, db dbx.DBTX, tin string) (User, error) {
	return r.getUser(ctx, db, `tin = $1`, tin)
}

func (r *PostgresIdentityRepository) getUser(ctx context.Context, db dbx.DBTX, where string, arg any) (User, error) {
	query := `SELECT subject, created, COALESCE(ssn, ''), COALESCE(tin, '') FROM users WHERE ` + where

	var user User
	err := db.QueryRow(ctx, query, arg).Scan(&user.Subject, &user.CreatedAt, &user.SSNEncrypted, &user.TIN)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

func (r *PostgresIdentityRepository) CreateExternalIdentity(ctx context.Context, db dbx.DBTX, ext ExternalIdentity) error {
	query := `INSERT INTO user_external (user_subject, identity_provider, external_subject)
	          VALUES ($1, $2, $3)
	          ON CONFLICT DO NOTHING`

	tag, err := db.Exec(ctx, query, ext.UserSubject, ext.Provider, ext.ExternalSubject)
	if err != nil {
		return fmt.Errorf("failed to insert external identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: external identity", ErrDuplicateKey)
	}
	return nil
}

func (r *PostgresIdentityRepository) GetExternalIdentity(ctx context.Context, db dbx.DBTX, provider, externalSubject string) (ExternalIdentity, error) {
	query := `SELECT id, user_subject, identity_provider, external_subject
	          FROM user_external
	          WHERE identity_provider = $1 AND external_subject = $2`

	var ext ExternalIdentity
	err := db.QueryRow(ctx, query, provider, externalSubject).Scan(
		&ext.ID, &ext.UserSubject, &ext.Provider, &ext.ExternalSubject)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExternalIdentity{}, ErrUserNotFound
		}
		return ExternalIdentity{}, fmt.Errorf("failed to query external identity: %w", err)
	}
	return ext, nil
}

func (r *PostgresIdentityRepository) CreateLoginRecord(ctx context.Context, db dbx.DBTX, record LoginRecord) error {
	_, err := db.Exec(ctx, `INSERT INTO login_record (subject, created) VALUES ($1, $2)`,
		record.Subject, record.Created)
	if err != nil {
		return fmt.Errorf("failed to insert login record: %w", err)
	}
	return nil
}
