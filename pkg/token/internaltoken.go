package token

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// InternalToken is the signed structured payload this service trusts
// internally and forwards to downstream services via header. Actor equals
// Subject for direct logins.
type InternalToken struct {
	Issued  time.Time `json:"issued"`
	Expires time.Time `json:"expires"`
	Actor   string    `json:"actor"`
	Subject string    `json:"subject"`
	Scope   []string  `json:"scope"`
}

type internalClaims struct {
	Actor string   `json:"act"`
	Scope []string `json:"scope"`
	jwt.RegisteredClaims
}

// Codec signs and verifies internal tokens (HS256).
type Codec struct {
	secret []byte
}

// NewCodec creates a new Codec signing with the given secret
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode signs the internal token into its compact string form.
func (c *Codec) Encode(token InternalToken) (string, error) {
	claims := internalClaims{
		Actor: token.Actor,
		Scope: token.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   token.Subject,
			IssuedAt:  jwt.NewNumericDate(token.Issued.UTC()),
			ExpiresAt: jwt.NewNumericDate(token.Expires.UTC()),
		},
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := jwtToken.SignedString(c.secret)
	if err != nil {
		slog.Error("Failed sign internal token!", "err", err)
		return "", err
	}
	return ss, nil
}

// Decode verifies the signature and returns the internal token. Expiry is not
// enforced here; validity windows are checked against the persisted record.
func (c *Codec) Decode(encoded string) (InternalToken, error) {
	claims := internalClaims{}
	_, err := jwt.ParseWithClaims(encoded, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return InternalToken{}, fmt.Errorf("failed to decode internal token: %w", err)
	}

	token := InternalToken{
		Actor:   claims.Actor,
		Subject: claims.Subject,
		Scope:   claims.Scope,
	}
	if claims.IssuedAt != nil {
		token.Issued = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		token.Expires = claims.ExpiresAt.Time
	}
	return token, nil
}
