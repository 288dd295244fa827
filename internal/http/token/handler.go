// Package token serves the OAuth2 token endpoint (RFC 6749) and the
// revocation endpoint (RFC 7009) over net/http.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tokend/internal/http/middleware"
	"tokend/internal/lib/scope"
	"tokend/internal/lib/sl"
	"tokend/internal/services/grant"
)

const (
	PathToken  = "/connect/token"
	PathRevoke = "/connect/revoke"
	PathMe     = "/api/me"
	PathHealth = "/healthz"
)

type Processor interface {
	Exchange(ctx context.Context, req grant.Request) (grant.TokenPair, error)
	Revoke(ctx context.Context, token, hint string) error
	ValidateAccess(ctx context.Context, token string) (grant.Principal, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type Handler struct {
	log         *slog.Logger
	processor   Processor
	store       Pinger
	pingTimeout time.Duration
}

func New(log *slog.Logger, processor Processor, store Pinger, pingTimeout time.Duration) *Handler {
	return &Handler{
		log:         log,
		processor:   processor,
		store:       store,
		pingTimeout: pingTimeout,
	}
}

// Routes returns a mux serving every endpoint of the handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathToken, h.HandleToken)
	mux.HandleFunc(PathRevoke, h.HandleRevoke)
	mux.Handle(PathMe, middleware.RequireAuth(h.log, h.processor)(http.HandlerFunc(h.HandleMe)))
	mux.HandleFunc(PathHealth, h.HandleHealth)
	return mux
}

// HandleToken handles POST /connect/token.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	const op = "token.HandleToken"

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.errorResponse(w, http.StatusMethodNotAllowed, grant.ErrInvalidRequest.Error(), "The HTTP method must be POST.")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.errorResponse(w, http.StatusBadRequest, grant.ErrInvalidRequest.Error(), "The request body is not a valid form.")
		return
	}

	req := grant.Request{
		GrantType:    r.PostFormValue("grant_type"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Scope:        r.PostFormValue("scope"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}
	if bearer, ok := middleware.BearerToken(r); ok {
		req.AccessToken = bearer
	}

	pair, err := h.processor.Exchange(r.Context(), req)
	if err != nil {
		h.grantError(w, op, err)
		return
	}

	h.jsonResponse(w, http.StatusOK, Response{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(pair.ExpiresIn / time.Second),
		RefreshToken: pair.RefreshToken,
		Scope:        scope.Format(pair.Scopes),
	})
}

// HandleRevoke handles POST /connect/revoke.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	const op = "token.HandleRevoke"

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.errorResponse(w, http.StatusMethodNotAllowed, grant.ErrInvalidRequest.Error(), "The HTTP method must be POST.")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.errorResponse(w, http.StatusBadRequest, grant.ErrInvalidRequest.Error(), "The request body is not a valid form.")
		return
	}

	err := h.processor.Revoke(r.Context(), r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		h.grantError(w, op, err)
		return
	}

	// RFC 7009: 200 whether or not the token was known.
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// MeResponse describes the caller of GET /api/me.
type MeResponse struct {
	Subject string   `json:"sub"`
	Scope   string   `json:"scope"`
	Roles   []string `json:"roles,omitempty"`
}

// HandleMe handles GET /api/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.errorResponse(w, http.StatusMethodNotAllowed, grant.ErrInvalidRequest.Error(), "The HTTP method must be GET.")
		return
	}

	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		h.errorResponse(w, http.StatusUnauthorized, grant.ErrInvalidToken.Error(), "The access token is missing.")
		return
	}

	h.jsonResponse(w, http.StatusOK, MeResponse{
		Subject: p.Subject,
		Scope:   scope.Format(p.Scopes),
		Roles:   p.Roles,
	})
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	const op = "token.HandleHealth"

	ctx := r.Context()
	if h.pingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.pingTimeout)
		defer cancel()
	}

	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("store ping failed", slog.String("op", op), sl.Err(err))
		h.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	h.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) grantError(w http.ResponseWriter, op string, err error) {
	var gerr *grant.Error
	if !errors.As(err, &gerr) {
		h.log.Error("unexpected grant failure", slog.String("op", op), sl.Err(err))
		h.errorResponse(w, http.StatusInternalServerError, grant.ErrStoreFailure.Error(), "An internal error occurred.")
		return
	}

	h.errorResponse(w, statusFor(gerr.Code), gerr.Code.Error(), gerr.Description)
}

func statusFor(code error) int {
	switch code {
	case grant.ErrStoreFailure:
		return http.StatusInternalServerError
	case grant.ErrInvalidToken:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) errorResponse(w http.ResponseWriter, status int, code, description string) {
	h.jsonResponse(w, status, &ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}
