package flowstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// State is carried through the OpenID Connect redirect round-trip as a signed
// query parameter. It is never persisted; it exists only inside the encoded
// token for the lifetime of one authorization flow.
type State struct {
	// ReturnURL is the client-supplied destination to redirect to after the
	// flow completes, including any query parameters the client put on it.
	ReturnURL string

	// Created is informational. Expiry, if any, is enforced by the codec.
	Created time.Time
}

var (
	// ErrDecode indicates a malformed, unsigned or otherwise untrusted state.
	ErrDecode = errors.New("invalid flow state")

	// ErrExpired indicates a correctly signed state outside the codec's TTL.
	ErrExpired = errors.New("expired flow state")
)

// Codec encodes and decodes State as a signed compact JWT (HS256).
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// Option is a function that configures a Codec
type Option func(*Codec)

// WithTTL enables expiry enforcement on decode. Zero disables it.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		c.ttl = ttl
	}
}

// NewCodec creates a new Codec signing with the given secret
func NewCodec(secret string, opts ...Option) *Codec {
	c := &Codec{secret: []byte(secret)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type stateClaims struct {
	ReturnURL string `json:"rtu"`
	jwt.RegisteredClaims
}

// Encode serializes and signs the state.
func (c *Codec) Encode(state State) (string, error) {
	claims := stateClaims{
		ReturnURL: state.ReturnURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(state.Created.UTC()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return ss, nil
}

// Decode verifies the signature and returns the original state. A wrong
// secret, corrupted payload or missing field returns ErrDecode; a valid but
// stale state returns ErrExpired when a TTL is configured.
func (c *Codec) Decode(encoded string) (State, error) {
	claims := stateClaims{}
	_, err := jwt.ParseWithClaims(encoded, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if claims.ReturnURL == "" {
		return State{}, fmt.Errorf("%w: missing return url", ErrDecode)
	}
	if claims.IssuedAt == nil {
		return State{}, fmt.Errorf("%w: missing issued at", ErrDecode)
	}
	state := State{
		ReturnURL: claims.ReturnURL,
		Created:   claims.IssuedAt.Time,
	}
	if c.ttl > 0 && time.Now().After(state.Created.Add(c.ttl)) {
		return State{}, ErrExpired
	}
	return state, nil
}
