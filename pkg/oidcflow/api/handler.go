package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-auth/pkg/oidcflow"
	"github.com/tendant/simple-auth/pkg/token"
)

// Handler exposes the login and logout flows over HTTP.
type Handler struct {
	flow    *oidcflow.Service
	cookies *token.CookieSetter
}

func NewHandler(flow *oidcflow.Service, cookies *token.CookieSetter) *Handler {
	return &Handler{
		flow:    flow,
		cookies: cookies,
	}
}

// RegisterRoutes registers the oidc routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/oidc", func(r chi.Router) {
		r.Get("/login", h.Login)
		r.Get("/login/callback", h.callback(oidcflow.FlowLogin))
		r.Get("/login/callback/ssn", h.callback(oidcflow.FlowVerifySSN))
		r.Get("/logout", h.Logout)
		r.Get("/logout/redirect", h.LogoutRedirect)
	})
}

// Login starts a login flow. The return_url query parameter is required;
// with redirect=true the response is a redirect to the provider instead of
// a JSON body carrying the URL.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	returnURL := r.URL.Query().Get("return_url")
	if returnURL == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{
			"code":    "invalid_request",
			"message": "return_url is required",
		})
		return
	}

	authURL, err := h.flow.AuthURL(returnURL)
	if err != nil {
		slog.Error("Failed to build authorization URL", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"code": "internal_error"})
		return
	}

	if r.URL.Query().Has("redirect") {
		http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
		return
	}
	render.JSON(w, r, map[string]string{"url": authURL})
}

// callback handles the provider's redirect back for the given flow leg.
func (h *Handler) callback(flow oidcflow.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		result, err := h.flow.HandleCallback(r.Context(), flow, oidcflow.CallbackParams{
			State:            q.Get("state"),
			Code:             q.Get("code"),
			Error:            q.Get("error"),
			ErrorHint:        q.Get("error_hint"),
			ErrorDescription: q.Get("error_description"),
		})
		if errors.Is(err, oidcflow.ErrBadState) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{
				"code":    "invalid_state",
				"message": "state is missing or not issued by this service",
			})
			return
		}
		if err != nil {
			slog.Error("Login callback failed", "err", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"code": "internal_error"})
			return
		}

		if result.OpaqueToken != "" {
			h.cookies.SetCookie(w, result.OpaqueToken, result.Expires)
		}
		http.Redirect(w, r, result.RedirectURL, http.StatusTemporaryRedirect)
	}
}

// Logout ends the session carried by the cookie. The cookie is cleared even
// when no session exists.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if !h.logout(w, r) {
		return
	}
	render.JSON(w, r, map[string]string{"status": "logged out"})
}

// LogoutRedirect ends the session and redirects the browser to the
// provider's logout endpoint.
func (h *Handler) LogoutRedirect(w http.ResponseWriter, r *http.Request) {
	if !h.logout(w, r) {
		return
	}
	http.Redirect(w, r, h.flow.ProviderLogoutURL(), http.StatusTemporaryRedirect)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) bool {
	opaque := h.cookies.ReadCookie(r)
	if opaque != "" {
		if err := h.flow.Logout(r.Context(), opaque); err != nil {
			slog.Error("Logout failed", "err", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"code": "internal_error"})
			return false
		}
	}
	h.cookies.ClearCookie(w)
	return true
}
