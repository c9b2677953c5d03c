package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tendant/simple-auth/pkg/dbx"
)

// Token is a persisted opaque-token-to-internal-token mapping. The raw
// provider id_token is retained to support back-channel logout.
type Token struct {
	OpaqueToken   string
	InternalToken string
	IDToken       string
	Subject       string
	Issued        time.Time
	Expires       time.Time
}

// ErrTokenNotFound is returned when no row matches the opaque token.
var ErrTokenNotFound = errors.New("token not found")

// TokenRepository defines the token-related database operations
type TokenRepository interface {
	Create(ctx context.Context, db dbx.DBTX, token Token) error
	// Get looks up by opaque token. With onlyValid it additionally filters
	// to issued <= now < expires.
	Get(ctx context.Context, db dbx.DBTX, opaqueToken string, onlyValid bool) (Token, error)
	Delete(ctx context.Context, db dbx.DBTX, opaqueToken string) error
}

// PostgresTokenRepository implements TokenRepository using PostgreSQL
type PostgresTokenRepository struct{}

// NewPostgresTokenRepository creates a new PostgreSQL-based token repository
func NewPostgresTokenRepository() *PostgresTokenRepository {
	return &PostgresTokenRepository{}
}

func (r *PostgresTokenRepository) Create(ctx context.Context, db dbx.DBTX, token Token) error {
	query := `INSERT INTO token (opaque_token, internal_token, id_token, subject, issued, expires)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.Exec(ctx, query,
		token.OpaqueToken, token.InternalToken, token.IDToken,
		token.Subject, token.Issued, token.Expires)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepository) Get(ctx context.Context, db dbx.DBTX, opaqueToken string, onlyValid bool) (Token, error) {
	query := `SELECT opaque_token, internal_token, id_token, subject, issued, expires
	          FROM token
	          WHERE opaque_token = $1`
	if onlyValid {
		query += ` AND issued <= now() AND expires > now()`
	}

	var token Token
	err := db.QueryRow(ctx, query, opaqueToken).Scan(
		&token.OpaqueToken, &token.InternalToken, &token.IDToken,
		&token.Subject, &token.Issued, &token.Expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrTokenNotFound
		}
		return Token{}, fmt.Errorf("failed to query token: %w", err)
	}
	return token, nil
}

func (r *PostgresTokenRepository) Delete(ctx context.Context, db dbx.DBTX, opaqueToken string) error {
	_, err := db.Exec(ctx, `DELETE FROM token WHERE opaque_token = $1`, opaqueToken)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
