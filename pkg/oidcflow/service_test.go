package oidcflow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-auth/pkg/events"
	"github.com/tendant/simple-auth/pkg/flowstate"
	"github.com/tendant/simple-auth/pkg/identity"
	"github.com/tendant/simple-auth/pkg/oidcclient"
	"github.com/tendant/simple-auth/pkg/token"
)

// fakeProvider implements ProviderClient without network calls.
type fakeProvider struct {
	exchangeErr  error
	raw          *oidcclient.RawToken
	idToken      oidcclient.IDToken
	idTokenErr   error
	userInfo     oidcclient.UserInfoToken
	userInfoErr  error
	logoutErr    error
	logoutCalled []string
	logoutHook   func()
}

func (f *fakeProvider) AuthCodeURL(state, callbackURI string, validateSSN bool) string {
	u := url.Values{}
	u.Set("state", state)
	u.Set("redirect_uri", callbackURI)
	scope := "openid mitid nemid"
	if validateSSN {
		scope += " ssn userinfo_token"
	}
	u.Set("scope", scope)
	return "https://idp.example.com/connect/authorize?" + u.Encode()
}

func (f *fakeProvider) Exchange(_ context.Context, code, callbackURI string) (*oidcclient.RawToken, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.raw, nil
}

func (f *fakeProvider) ParseIDToken(_ context.Context, raw string) (oidcclient.IDToken, error) {
	return f.idToken, f.idTokenErr
}

func (f *fakeProvider) ParseUserInfoToken(_ context.Context, raw string) (oidcclient.UserInfoToken, error) {
	return f.userInfo, f.userInfoErr
}

func (f *fakeProvider) Logout(_ context.Context, idTokenRaw string) error {
	f.logoutCalled = append(f.logoutCalled, idTokenRaw)
	if f.logoutHook != nil {
		f.logoutHook()
	}
	return f.logoutErr
}

func (f *fakeProvider) LogoutURL() string {
	return "https://idp.example.com/connect/endsession"
}

// capturePublisher records published events.
type capturePublisher struct {
	onboarded []events.UserOnboarded
}

func (p *capturePublisher) PublishUserOnboarded(_ context.Context, e events.UserOnboarded) {
	p.onboarded = append(p.onboarded, e)
}

type harness struct {
	svc       *Service
	provider  *fakeProvider
	codec     *flowstate.Codec
	identity  *identity.InMemoryIdentityRepository
	tokens    *token.InMemoryTokenRepository
	tokenSvc  *token.Service
	idSvc     *identity.Service
	publisher *capturePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cipher, err := identity.NewSSNCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	h := &harness{
		provider:  &fakeProvider{},
		codec:     flowstate.NewCodec("state-secret"),
		identity:  identity.NewInMemoryIdentityRepository(),
		tokens:    token.NewInMemoryTokenRepository(),
		publisher: &capturePublisher{},
	}
	h.idSvc = identity.NewService(h.identity, cipher)
	h.tokenSvc = token.NewService(token.NewCodec("token-secret"), h.tokens)

	h.svc = NewService(
		Config{
			LoginCallbackURL: "https://auth.example.com/oidc/login/callback",
			SSNCallbackURL:   "https://auth.example.com/oidc/login/callback/ssn",
			DefaultScopes:    []string{"meteringpoints.read", "measurements.read"},
		},
		h.codec,
		h.provider,
		h.idSvc,
		h.tokenSvc,
		WithPublisher(h.publisher),
	)
	return h
}

func (h *harness) encodeState(t *testing.T, returnURL string) string {
	t.Helper()
	encoded, err := h.codec.Encode(flowstate.State{ReturnURL: returnURL, Created: time.Now().UTC()})
	require.NoError(t, err)
	return encoded
}

func (h *harness) setPrivateIdentity(subject string, withUserInfo bool, ssn string) {
	now := time.Now().Truncate(time.Second)
	h.provider.idToken = oidcclient.IDToken{
		Subject:      subject,
		Provider:     "mitid",
		IdentityType: "private",
		Issued:       now,
		Expires:      now.Add(time.Hour),
	}
	h.provider.raw = &oidcclient.RawToken{IDToken: "raw-id-token"}
	if withUserInfo {
		h.provider.raw.UserInfoToken = "raw-userinfo-token"
		h.provider.userInfo = oidcclient.UserInfoToken{
			Subject:      subject,
			IdentityType: "private",
			SSN:          ssn,
		}
	}
}

func TestCallback_BadState(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleCallback(context.Background(), FlowLogin, CallbackParams{State: "garbage"})
	assert.ErrorIs(t, err, ErrBadState)
}

func TestCallback_ProviderErrorUserAborted(t *testing.T) {
	h := newHarness(t)
	state := h.encodeState(t, "https://app.example.com/return?keep=1")

	res, err := h.svc.HandleCallback(context.Background(), FlowLogin, CallbackParams{
		State:            state,
		ErrorDescription: "mitid_user_aborted",
	})
	require.NoError(t, err)

	parsed, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "0", parsed.Query().Get("success"))
	assert.Equal(t, ErrCodeUserAborted, parsed.Query().Get("error_code"))
	assert.Equal(t, "1", parsed.Query().Get("keep"), "pre-existing query parameters survive")
	assert.Empty(t, res.OpaqueToken)

	// No database writes on a failed flow.
	assert.Equal(t, 0, h.identity.UserCount())
	assert.Empty(t, h.identity.LoginRecords())
	assert.Equal(t, 0, h.tokens.Len())
}

func TestCallback_ProviderErrorUnknown(t *testing.T) {
	h := newHarness(t)
	state := h.encodeState(t, "https://app.example.com/return")

	res, err := h.svc.HandleCallback(context.Background(), FlowLogin, CallbackParams{
		State: state,
		Error: "server_error",
	})
	require.NoError(t, err)

	parsed, _ := url.Parse(res.RedirectURL)
	assert.Equal(t, ErrCodeUnknown, parsed.Query().Get("error_code"))
}

func TestCallback_ExchangeFailure(t *testing.T) {
	h := newHarness(t)
	state := h.encodeState(t, "https://app.example.com/return")
	h.provider.exchangeErr = errors.New("connection refused")

	res, err := h.svc.HandleCallback(context.Background(), FlowLogin, CallbackParams{
		State: state,
		Code:  "auth-code",
	})
	require.NoError(t, err)

	parsed, _ := url.Parse(res.RedirectURL)
	assert.Equal(t, "0", parsed.Query().Get("success"))
	assert.Equal(t, ErrCodeUpstream, parsed.Query().Get("error_code"))
}

func TestCallback_FirstTimePrivateLogin_RedirectsToSSNFlow(t *testing.T) {
	h := newHarness(t)
	state := h.encodeState(t, "https://app.example.com/return?keep=1")
	h.setPrivateIdentity("ext-subject-1", false, "")

	res, err := h.svc.HandleCallback(context.Background(), FlowLogin, CallbackParams{
		State: state,
		Code:  "auth-code",
	})
	require.NoError(t, err)
	assert.Empty(t, res.OpaqueToken)

	parsed, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", parsed.Host)
	assert.Contains(t, parsed.Query().Get("scope"), "ssn")
	assert.Equal(t, "https://auth.example.com/oidc/login/callback/ssn", parsed.Query().Get("redirect_uri"))

	// The state survives the round-trip unchanged.
	decoded, err := h.codec.Decode(parsed.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/return?keep=1", decoded.ReturnURL)

	// Still no user until the attribute is verified.
	assert.Equal(t, 0, h.identity.UserCount())
}

func TestCallback_CompletedPrivateLogin(t *testing.T) {
	h := newHarness(t)
	state := h.encodeState(t, "https://app.example.com/return")
	h.setPrivateIdentity("ext-subject-1", true, "0101501234")

	res, err := h.svc.HandleCallback(context.Background(), FlowVerifySSN, CallbackParams{
		State: state,
		Code:  "auth-code",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.OpaqueToken)

	parsed, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", parsed.Host)
	assert.Equal(t, "1", parsed.Query().Get("success"))

	// User created and keyed by the encrypted SSN, not plaintext.
	assert.Equal(t, 1, h.identity.UserCount())
	user, err := h.idSvc.UserByExternalIdentity(context.Background(), nil, "mitid", "ext-subject-1")
	require.NoError(t, err)
	assert.NotEmpty(t, user.SSNEncrypted)
	assert.NotContains(t, user.SSNEncrypted, "0101501234")

	// Audit trail and token row exist.
	require.Len(t, h.identity.LoginRecords(), 1)
	stored, err := h.tokenSvc.Get(context.Background(), nil, res.OpaqueToken, true)
	require.NoError(t, err)
	assert.Equal(t, user.Subject, stored.Subject)
	assert.Equal(t, "raw-id-token", stored.IDToken)

	internal, err := h.tokenSvc.Decode(stored.InternalToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"meteringpoints.read", "measurements.read"}, internal.Scope)
	assert.Equal(t, user.Subject, internal.Actor)

	// Onboarding event published once.
	require.Len(t, h.publisher.onboarded, 1)
	assert.Equal(t, user.Subject, h.publisher.onboarded[0].Subject)
}

func TestCallback_ReturningUser(t *testing.T) {
	h := newHarness(t)

	// First login with the verified attribute.
	h.setPrivateIdentity("ext-subject-1", true, "0101501234")
	_, err := h.svc.HandleCallback(context.Background(), FlowVerifySSN, CallbackParams{
		State: h.encodeState(t, "https://app.example.com/return"),
		Code:  "auth-code",
	})
	require.NoError(t, err)

	// Second login: identity token only, no userinfo needed.
	h.setPrivateIdentity("ext-subject-1", false, "")
	res, err := h.svc.HandleCallback(context.Background(), FlowLogin, CallbackParams{
		State: h.encodeState(t, "https://app.example.com/return"),
		Code:  "auth-code-2",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.OpaqueToken)

	parsed, _ := url.Parse(res.RedirectURL)
	assert.Equal(t, "app.example.com", parsed.Host)
	assert.Equal(t, "1", parsed.Query().Get("success"))

	// No duplicate user, one more login record, no second onboarding event.
	assert.Equal(t, 1, h.identity.UserCount())
	assert.Len(t, h.identity.LoginRecords(), 2)
	assert.Len(t, h.publisher.onboarded, 1)
}

func TestCallback_SameSSNCollapsesIdentities(t *testing.T) {
	h := newHarness(t)

	h.setPrivateIdentity("ext-subject-mitid", true, "0101501234")
	_, err := h.svc.HandleCallback(context.Background(), FlowVerifySSN, CallbackParams{
		State: h.encodeState(t, "https://app.example.com/return"),
		Code:  "auth-code",
	})
	require.NoError(t, err)

	// Same person via a different provider subject.
	h.setPrivateIdentity("ext-subject-nemid", true, "0101501234")
	h.provider.idToken.Provider = "nemid"
	_, err = h.svc.HandleCallback(context.Background(), FlowVerifySSN, CallbackParams{
		State: h.encodeState(t, "https://app.example.com/return"),
		Code:  "auth-code-2",
	})
	require.NoError(t, err)

	// Both external identities resolve to one user, onboarded once.
	assert.Equal(t, 1, h.identity.UserCount())
	assert.Len(t, h.publisher.onboarded, 1)
	a, err := h.idSvc.UserByExternalIdentity(context.Background(), nil, "mitid", "ext-subject-mitid")
	require.NoError(t, err)
	b, err := h.idSvc.UserByExternalIdentity(context.Background(), nil, "nemid", "ext-subject-nemid")
	require.NoError(t, err)
	assert.Equal(t, a.Subject, b.Subject)
}

func TestCallback_CompanySkipsSecondaryFlow(t *testing.T) {
	h := newHarness(t)
	state := h.encodeState(t, "https://app.example.com/return")

	now := time.Now().Truncate(time.Second)
	h.provider.idToken = oidcclient.IDToken{
		Subject:      "ext-company-1",
		Provider:     "mitid",
		IdentityType: "company",
		TIN:          "39315041",
		Issued:       now,
		Expires:      now.Add(time.Hour),
	}
	h.provider.raw = &oidcclient.RawToken{IDToken: "raw-id-token"}

	res, err := h.svc.HandleCallback(context.Background(), FlowLogin, CallbackParams{
		State: state,
		Code:  "auth-code",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.OpaqueToken, "company login completes without the secondary redirect")

	user, err := h.idSvc.UserByExternalIdentity(context.Background(), nil, "mitid", "ext-company-1")
	require.NoError(t, err)
	assert.Equal(t, "39315041", user.TIN)
	assert.Empty(t, user.SSNEncrypted)
}

func TestCallback_AuthURL(t *testing.T) {
	h := newHarness(t)

	authURL, err := h.svc.AuthURL("https://app.example.com/return")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", parsed.Host)
	assert.Equal(t, "https://auth.example.com/oidc/login/callback", parsed.Query().Get("redirect_uri"))
	assert.NotContains(t, parsed.Query().Get("scope"), "ssn")

	decoded, err := h.codec.Decode(parsed.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/return", decoded.ReturnURL)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)

	h.setPrivateIdentity("ext-subject-1", true, "0101501234")
	res, err := h.svc.HandleCallback(context.Background(), FlowVerifySSN, CallbackParams{
		State: h.encodeState(t, "https://app.example.com/return"),
		Code:  "auth-code",
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(context.Background(), res.OpaqueToken))

	// Token row deleted, provider logout attempted with the raw id_token.
	_, err = h.tokenSvc.Get(context.Background(), nil, res.OpaqueToken, false)
	assert.ErrorIs(t, err, token.ErrTokenNotFound)
	require.Len(t, h.provider.logoutCalled, 1)
	assert.Equal(t, "raw-id-token", h.provider.logoutCalled[0])
}

func TestLogout_ProviderFailureStillDeletes(t *testing.T) {
	h := newHarness(t)
	h.provider.logoutErr = errors.New("provider down")

	h.setPrivateIdentity("ext-subject-1", true, "0101501234")
	res, err := h.svc.HandleCallback(context.Background(), FlowVerifySSN, CallbackParams{
		State: h.encodeState(t, "https://app.example.com/return"),
		Code:  "auth-code",
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(context.Background(), res.OpaqueToken))
	_, err = h.tokenSvc.Get(context.Background(), nil, res.OpaqueToken, false)
	assert.ErrorIs(t, err, token.ErrTokenNotFound)
}

func TestLogout_ProviderCalledAfterDelete(t *testing.T) {
	h := newHarness(t)

	h.setPrivateIdentity("ext-subject-1", true, "0101501234")
	res, err := h.svc.HandleCallback(context.Background(), FlowVerifySSN, CallbackParams{
		State: h.encodeState(t, "https://app.example.com/return"),
		Code:  "auth-code",
	})
	require.NoError(t, err)

	// By the time the provider sees the back-channel call the local row must
	// already be gone; the provider round-trip runs outside the transaction.
	h.provider.logoutHook = func() {
		_, err := h.tokenSvc.Get(context.Background(), nil, res.OpaqueToken, false)
		assert.ErrorIs(t, err, token.ErrTokenNotFound)
	}

	require.NoError(t, h.svc.Logout(context.Background(), res.OpaqueToken))
	require.Len(t, h.provider.logoutCalled, 1)
}

func TestLogout_UnknownTokenIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.svc.Logout(context.Background(), "no-such-token"))
}

func TestMapProviderError(t *testing.T) {
	assert.Equal(t, ErrCodeUserAborted, mapProviderError("mitid_user_aborted"))
	assert.Equal(t, ErrCodeUserAborted, mapProviderError("user_aborted"))
	assert.Equal(t, ErrCodeUnknown, mapProviderError("something_else"))
	assert.Equal(t, ErrCodeUnknown, mapProviderError(""))
}

func TestAppendQuery(t *testing.T) {
	got := appendQuery("https://app.example.com/p?a=1", url.Values{"success": {"1"}})
	parsed, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "1", parsed.Query().Get("a"))
	assert.Equal(t, "1", parsed.Query().Get("success"))
	assert.True(t, strings.HasPrefix(got, "https://app.example.com/p?"))
}
