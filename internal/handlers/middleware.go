package handlers

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go/attribute"

	"github.com/pawmarket/pawmarket/internal/auth"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/observability"
)

// RequireAuth verifies the bearer token and stores the principal in the
// request context.
func (h *Handlers) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		principal, err := h.verifier.FromRequest(r)
		if err != nil {
			if !errors.Is(err, auth.ErrMissingToken) {
				h.loggerFromContext(ctx).Warn("rejected bearer token", "error", err)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="pawmarket"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		observability.MeterFromContext(ctx).SetAttributes(
			attribute.String("user.id", principal.UserID.String()),
			attribute.Bool("user.admin", principal.Admin),
		)
		logger := h.loggerFromContext(ctx).With("user_id", principal.UserID)
		ctx = auth.WithPrincipal(ctx, principal)
		ctx = logging.WithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run after RequireAuth.
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principal(r).Admin {
			h.loggerFromContext(r.Context()).Warn("non-admin caller on admin route")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
