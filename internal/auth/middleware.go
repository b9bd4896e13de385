package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/meridian-saas/meridian/internal/shared"
)

// Middleware authenticates bearer session tokens and stores the user id in
// the request context.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireSession rejects requests without a valid session token.
func (m Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		userID, err := m.Service.Authorize(r.Context(), token)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Debug("session rejected", slog.Any("error", err))
			}
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithUserID(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
