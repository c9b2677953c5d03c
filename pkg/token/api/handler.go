package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-auth/pkg/dbx"
	"github.com/tendant/simple-auth/pkg/token"
)

// AuthorizationHeader carries the internal token back to the reverse proxy.
const AuthorizationHeader = "Authorization"

// Handler answers forward-auth requests from the reverse proxy and exposes
// token inspection. The create-test-token endpoint is only registered when
// enabled in config.
type Handler struct {
	tokens              *token.Service
	cookies             *token.CookieSetter
	db                  dbx.DBTX
	enableTestEndpoints bool
}

type Option func(*Handler)

// WithDB sets the database handle queries run on. Unset means the in-memory
// repository.
func WithDB(db dbx.DBTX) Option {
	return func(h *Handler) {
		h.db = db
	}
}

// WithTestEndpoints registers the create-test-token endpoint. Never enable
// this outside test deployments.
func WithTestEndpoints() Option {
	return func(h *Handler) {
		h.enableTestEndpoints = true
	}
}

func NewHandler(tokens *token.Service, cookies *token.CookieSetter, opts ...Option) *Handler {
	h := &Handler{
		tokens:  tokens,
		cookies: cookies,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the token routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/token", func(r chi.Router) {
		r.Get("/forward-auth", h.ForwardAuth)
		r.Get("/inspect", h.Inspect)
		if h.enableTestEndpoints {
			r.Post("/create-test-token", h.CreateTestToken)
		}
	})
}

// ForwardAuth exchanges the opaque cookie for the internal token. On success
// the internal token is returned in the Authorization response header for the
// proxy to copy onto the upstream request.
func (h *Handler) ForwardAuth(w http.ResponseWriter, r *http.Request) {
	stored, ok := h.activeToken(w, r)
	if !ok {
		return
	}

	w.Header().Set(AuthorizationHeader, "Bearer: "+stored.InternalToken)
	w.WriteHeader(http.StatusOK)
}

// Inspect returns the decoded internal token of the caller's session.
func (h *Handler) Inspect(w http.ResponseWriter, r *http.Request) {
	stored, ok := h.activeToken(w, r)
	if !ok {
		return
	}

	internal, err := h.tokens.Decode(stored.InternalToken)
	if err != nil {
		slog.Error("Failed to decode stored internal token", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"code": "internal_error"})
		return
	}
	render.JSON(w, r, internal)
}

// CreateTestToken encodes a caller-supplied internal token. Registered only
// in test deployments.
func (h *Handler) CreateTestToken(w http.ResponseWriter, r *http.Request) {
	var internal token.InternalToken
	if err := json.NewDecoder(r.Body).Decode(&internal); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{
			"code":    "invalid_request",
			"message": "invalid token body",
		})
		return
	}

	encoded, err := h.tokens.Encode(internal)
	if err != nil {
		slog.Error("Failed to encode test token", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"code": "internal_error"})
		return
	}
	render.JSON(w, r, map[string]string{"token": encoded})
}

// activeToken resolves the caller's opaque token to a token row inside its
// validity window, answering 401 otherwise. The token is taken from the
// cookie, or from the Authorization request header for non-browser callers.
func (h *Handler) activeToken(w http.ResponseWriter, r *http.Request) (token.Token, bool) {
	opaque := h.cookies.ReadCookie(r)
	if opaque == "" {
		opaque = strings.TrimPrefix(r.Header.Get(AuthorizationHeader), "Bearer ")
	}
	if opaque == "" {
		h.unauthorized(w, r)
		return token.Token{}, false
	}

	stored, err := h.tokens.Get(r.Context(), h.db, opaque, true)
	if errors.Is(err, token.ErrTokenNotFound) {
		h.unauthorized(w, r)
		return token.Token{}, false
	}
	if err != nil {
		slog.Error("Failed to load token", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"code": "internal_error"})
		return token.Token{}, false
	}
	return stored, true
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]string{"code": "unauthorized"})
}
