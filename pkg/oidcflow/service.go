package oidcflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tendant/simple-auth/pkg/dbx"
	"github.com/tendant/simple-auth/pkg/events"
	"github.com/tendant/simple-auth/pkg/flowstate"
	"github.com/tendant/simple-auth/pkg/identity"
	"github.com/tendant/simple-auth/pkg/oidcclient"
	"github.com/tendant/simple-auth/pkg/token"
)

// Flow tags which callback variant is being handled. The tag only controls
// the exchange redirect URI; the transition logic is shared.
type Flow int

const (
	// FlowLogin is the initial authentication callback.
	FlowLogin Flow = iota

	// FlowVerifySSN is the callback of the secondary authorization flow
	// that verifies and releases the SSN or TIN.
	FlowVerifySSN
)

// ErrBadState is returned when the state parameter cannot be trusted. The
// return URL inside it must not be used for redirects.
var ErrBadState = errors.New("bad state parameter")

// ProviderClient is the narrow view of the Identity Provider client the flow
// needs. oidcclient.Client satisfies it.
type ProviderClient interface {
	AuthCodeURL(state, callbackURI string, validateSSN bool) string
	Exchange(ctx context.Context, code, callbackURI string) (*oidcclient.RawToken, error)
	ParseIDToken(ctx context.Context, raw string) (oidcclient.IDToken, error)
	ParseUserInfoToken(ctx context.Context, raw string) (oidcclient.UserInfoToken, error)
	Logout(ctx context.Context, idTokenRaw string) error
	LogoutURL() string
}

// CallbackParams are the raw query parameters the provider redirects back
// with.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorHint        string
	ErrorDescription string
}

func (p CallbackParams) failed() bool {
	return p.Error != "" || p.ErrorHint != "" || p.ErrorDescription != ""
}

// Result tells the HTTP layer what to do: redirect, and set the session
// cookie when OpaqueToken is non-empty. Expires carries the token window's
// end for the cookie.
type Result struct {
	RedirectURL string
	OpaqueToken string
	Expires     time.Time
}

// Config holds the flow's own endpoints and token policy.
type Config struct {
	// LoginCallbackURL and SSNCallbackURL are this service's absolute
	// callback URLs registered with the provider.
	LoginCallbackURL string
	SSNCallbackURL   string

	// DefaultScopes are granted on every issued internal token; client
	// requested scopes are ignored.
	DefaultScopes []string
}

// Service orchestrates the OpenID Connect callback: decode state, branch on
// provider error, exchange the code, resolve the user and finalize the
// login. Database work runs in one request-scoped transaction.
type Service struct {
	cfg       Config
	codec     *flowstate.Codec
	provider  ProviderClient
	identity  *identity.Service
	tokens    *token.Service
	publisher events.Publisher
	pool      dbx.Beginner
}

// Option is a function that configures a Service
type Option func(*Service)

// WithPublisher sets the event publisher. Defaults to a no-op.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithPool sets the connection pool callbacks run their transaction on. When
// unset, operations run without a transaction (in-memory repositories).
func WithPool(pool dbx.Beginner) Option {
	return func(s *Service) {
		s.pool = pool
	}
}

// NewService creates a new flow Service
func NewService(
	cfg Config,
	codec *flowstate.Codec,
	provider ProviderClient,
	identityService *identity.Service,
	tokenService *token.Service,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:       cfg,
		codec:     codec,
		provider:  provider,
		identity:  identityService,
		tokens:    tokenService,
		publisher: events.NewNoopPublisher(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthURL builds the authorization URL that starts a login flow, carrying the
// encoded state through the round-trip.
func (s *Service) AuthURL(returnURL string) (string, error) {
	encoded, err := s.codec.Encode(flowstate.State{
		ReturnURL: returnURL,
		Created:   time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return s.provider.AuthCodeURL(encoded, s.cfg.LoginCallbackURL, false), nil
}

func (s *Service) callbackURL(flow Flow) string {
	if flow == FlowVerifySSN {
		return s.cfg.SSNCallbackURL
	}
	return s.cfg.LoginCallbackURL
}

// HandleCallback runs the transition logic for one return from the Identity
// Provider. ErrBadState means the caller must respond 400; any other error
// is internal. A nil error always carries a redirect in the Result.
func (s *Service) HandleCallback(ctx context.Context, flow Flow, p CallbackParams) (Result, error) {
	state, err := s.codec.Decode(p.State)
	if err != nil {
		// The return URL is not trusted until the state verifies, so
		// there is nothing safe to redirect to.
		return Result{}, fmt.Errorf("%w: %v", ErrBadState, err)
	}

	if p.failed() {
		code := mapProviderError(p.ErrorDescription)
		slog.Info("Login flow failed at provider",
			"error", p.Error, "description", p.ErrorDescription, "code", code)
		return Result{RedirectURL: failureURL(state.ReturnURL, code)}, nil
	}

	raw, err := s.provider.Exchange(ctx, p.Code, s.callbackURL(flow))
	if err != nil {
		slog.Error("Failed to exchange authorization code", "err", err)
		return Result{RedirectURL: failureURL(state.ReturnURL, ErrCodeUpstream)}, nil
	}

	idToken, err := s.provider.ParseIDToken(ctx, raw.IDToken)
	if err != nil {
		slog.Error("Failed to parse id_token", "err", err)
		return Result{RedirectURL: failureURL(state.ReturnURL, ErrCodeUpstream)}, nil
	}

	var userInfo *oidcclient.UserInfoToken
	if raw.HasUserInfoToken() {
		parsed, err := s.provider.ParseUserInfoToken(ctx, raw.UserInfoToken)
		if err != nil {
			slog.Error("Failed to parse userinfo token", "err", err)
			return Result{RedirectURL: failureURL(state.ReturnURL, ErrCodeUpstream)}, nil
		}
		userInfo = &parsed
	}

	var result Result
	var onboarded *events.UserOnboarded

	err = s.inTx(ctx, func(tx dbx.DBTX) error {
		result, onboarded, err = s.resolveAndFinalize(ctx, tx, state, raw, idToken, userInfo)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if onboarded != nil {
		s.publisher.PublishUserOnboarded(ctx, *onboarded)
	}
	return result, nil
}

// resolveAndFinalize implements the user-resolution branch of the state
// machine and, when a user is resolved, finalizes the login.
func (s *Service) resolveAndFinalize(
	ctx context.Context,
	tx dbx.DBTX,
	state flowstate.State,
	raw *oidcclient.RawToken,
	idToken oidcclient.IDToken,
	userInfo *oidcclient.UserInfoToken,
) (Result, *events.UserOnboarded, error) {
	provider := idToken.Provider
	if provider == "" {
		provider = "oidc"
	}

	user, err := s.identity.UserByExternalIdentity(ctx, tx, provider, idToken.Subject)
	created := false

	switch {
	case err == nil:
		// Known identity; proceed directly.

	case !errors.Is(err, identity.ErrUserNotFound):
		return Result{}, nil, err

	case userInfo != nil && userInfo.IsCompany() && userInfo.TIN != "":
		user, created, err = s.linkUser(ctx, tx, provider, idToken.Subject,
			func() (identity.User, bool, error) { return s.identity.GetOrCreateUserByTIN(ctx, tx, userInfo.TIN) })
		if err != nil {
			return Result{}, nil, err
		}

	case userInfo != nil && userInfo.SSN != "":
		user, created, err = s.linkUser(ctx, tx, provider, idToken.Subject,
			func() (identity.User, bool, error) { return s.identity.GetOrCreateUserBySSN(ctx, tx, userInfo.SSN) })
		if err != nil {
			return Result{}, nil, err
		}

	case idToken.IsCompany() && idToken.TIN != "":
		// Companies assert their TIN in the primary token already, so the
		// secondary verification round-trip is skipped for them.
		user, created, err = s.linkUser(ctx, tx, provider, idToken.Subject,
			func() (identity.User, bool, error) { return s.identity.GetOrCreateUserByTIN(ctx, tx, idToken.TIN) })
		if err != nil {
			return Result{}, nil, err
		}

	default:
		// Unknown user and no verified attribute available. Send the
		// client back to the provider with the ssn scope; the same state
		// returns to the verification callback.
		encoded, err := s.codec.Encode(state)
		if err != nil {
			return Result{}, nil, fmt.Errorf("failed to re-encode state: %w", err)
		}
		return Result{
			RedirectURL: s.provider.AuthCodeURL(encoded, s.cfg.SSNCallbackURL, true),
		}, nil, nil
	}

	if err := s.identity.RegisterLogin(ctx, tx, user); err != nil {
		return Result{}, nil, err
	}

	opaque, err := s.tokens.Issue(ctx, tx, token.IssueParams{
		Issued:     idToken.Issued,
		Expires:    idToken.Expires,
		Subject:    user.Subject,
		Scope:      s.cfg.DefaultScopes,
		IDTokenRaw: raw.IDToken,
	})
	if err != nil {
		return Result{}, nil, err
	}

	result := Result{
		RedirectURL: successURL(state.ReturnURL),
		OpaqueToken: opaque,
		Expires:     idToken.Expires,
	}

	var onboarded *events.UserOnboarded
	if created {
		onboarded = &events.UserOnboarded{Subject: user.Subject, Created: user.CreatedAt}
	}
	return result, onboarded, nil
}

// linkUser resolves or creates the user via resolve and links the external
// identity to it.
func (s *Service) linkUser(
	ctx context.Context,
	tx dbx.DBTX,
	provider, externalSubject string,
	resolve func() (identity.User, bool, error),
) (identity.User, bool, error) {
	user, created, err := resolve()
	if err != nil {
		return identity.User{}, false, err
	}
	if err := s.identity.AttachExternalIdentity(ctx, tx, user, provider, externalSubject); err != nil {
		return identity.User{}, false, err
	}
	return user, created, nil
}

// Logout ends the local session and makes a best-effort attempt to terminate
// the provider session. Provider failures never block clearing the local
// state.
func (s *Service) Logout(ctx context.Context, opaqueToken string) error {
	var idToken string
	err := s.inTx(ctx, func(tx dbx.DBTX) error {
		stored, err := s.tokens.Get(ctx, tx, opaqueToken, false)
		if errors.Is(err, token.ErrTokenNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		idToken = stored.IDToken
		return s.tokens.Delete(ctx, tx, opaqueToken)
	})
	if err != nil {
		return err
	}

	// The provider round-trip happens after the delete commits so the
	// transaction never spans a network call.
	if idToken != "" {
		if err := s.provider.Logout(ctx, idToken); err != nil {
			slog.Error("Failed to terminate provider session", "err", err)
		}
	}
	return nil
}

// ProviderLogoutURL returns the provider's front-channel logout endpoint,
// used by the redirect logout variant.
func (s *Service) ProviderLogoutURL() string {
	return s.provider.LogoutURL()
}

func (s *Service) inTx(ctx context.Context, fn func(tx dbx.DBTX) error) error {
	if s.pool == nil {
		return fn(nil)
	}
	return dbx.InTx(ctx, s.pool, func(tx pgx.Tx) error { return fn(tx) })
}

// failureURL appends success=0 and the error code to the client's return
// URL, preserving its existing query parameters.
func failureURL(returnURL, code string) string {
	return appendQuery(returnURL, url.Values{"success": {"0"}, "error_code": {code}})
}

// successURL appends success=1 to the client's return URL.
func successURL(returnURL string) string {
	return appendQuery(returnURL, url.Values{"success": {"1"}})
}

func appendQuery(rawURL string, extra url.Values) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		// The URL came out of a signed state we produced; treat garbage
		// as a bug rather than guessing.
		slog.Error("Failed to parse return url", "url", rawURL, "err", err)
		return rawURL
	}
	query := parsed.Query()
	for key, values := range extra {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
