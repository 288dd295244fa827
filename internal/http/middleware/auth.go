// Package middleware holds net/http middleware shared by the HTTP endpoints.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"tokend/internal/lib/sl"
	"tokend/internal/services/grant"
)

type ctxKey struct{}

// AccessValidator resolves a bearer access token to its principal.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, token string) (grant.Principal, error)
}

// BearerToken returns the credentials of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// RequireAuth rejects requests without a valid access token and stores the
// principal in the request context.
func RequireAuth(log *slog.Logger, v AccessValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middleware.RequireAuth"

			token, ok := BearerToken(r)
			if !ok {
				unauthorized(w, "", "The access token is missing.")
				return
			}

			p, err := v.ValidateAccess(r.Context(), token)
			if err != nil {
				if grant.Code(err) == grant.ErrStoreFailure {
					log.Error("failed to validate access token", slog.String("op", op), sl.Err(err))
					writeError(w, http.StatusInternalServerError, grant.ErrStoreFailure.Error(), "The token store is unavailable.")
					return
				}
				unauthorized(w, grant.ErrInvalidToken.Error(), "The access token is invalid.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p grant.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext returns the principal stored by RequireAuth.
func PrincipalFromContext(ctx context.Context) (grant.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(grant.Principal)
	return p, ok
}

func unauthorized(w http.ResponseWriter, code, description string) {
	challenge := "Bearer"
	if code != "" {
		challenge = `Bearer error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	if code == "" {
		code = grant.ErrInvalidRequest.Error()
	}
	writeError(w, http.StatusUnauthorized, code, description)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
