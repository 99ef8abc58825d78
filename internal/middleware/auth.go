package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/auth"
	"github.com/numio/server/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

// Authenticator resolves bearer headers into identities. Satisfied by
// *auth.Service.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerHeader string) (auth.Identity, error)
	Authorize(ctx context.Context, bearerHeader string, roles ...model.Role) (auth.Identity, error)
}

// RequireAuth resolves the bearer token through the auth gateway and attaches
// the identity to the request context. Token failures are collapsed to one
// generic answer; the precise code is only logged. Infrastructure faults are
// reported as 500, not misattributed to the credential.
func RequireAuth(svc Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := svc.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				respondAuthFailure(w, logger, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoles is RequireAuth plus a role allow-list; a valid identity with
// the wrong role gets 403, not 401.
func RequireRoles(svc Authenticator, logger *slog.Logger, roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := svc.Authorize(r.Context(), r.Header.Get("Authorization"), roles...)
			if err != nil {
				if apperr.IsKind(err, apperr.KindForbidden) {
					logger.Debug("authorization failed", "code", apperr.CodeOf(err))
					respondError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
					return
				}
				respondAuthFailure(w, logger, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondAuthFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	if apperr.IsKind(err, apperr.KindInternal) {
		logger.Error("authentication infrastructure fault", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	logger.Debug("authentication failed", "code", apperr.CodeOf(err))
	respondUnauthorized(w)
}

// GetIdentity returns the identity attached by RequireAuth/RequireRoles.
func GetIdentity(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(auth.Identity)
	return identity, ok
}

func respondUnauthorized(w http.ResponseWriter) {
	respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
}

func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
