package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"chat-sync/internal/auth"

	"github.com/rs/zerolog"
)

type contextKey string

const UserIDKey contextKey = "user_id"

func getIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// Browsers cannot set headers on a websocket handshake.
	return r.URL.Query().Get("token")
}

// Authenticate resolves the caller's user id into the request context.
// With an empty key the server runs in trust mode and takes the id from the
// "user" query parameter; otherwise a valid bearer token is required and a
// "user" parameter, when present, must match it.
func Authenticate(key []byte, log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "auth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimed := r.URL.Query().Get("user")

			if len(key) == 0 {
				if claimed == "" {
					http.Error(w, "user parameter required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claimed)))
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(token, key)
			if err != nil {
				log.Warn().Err(err).Str("ip", getIP(r)).Msg("invalid token")
				http.Error(w, "Session expired or invalid", http.StatusUnauthorized)
				return
			}

			if claimed != "" && claimed != claims.UserID {
				log.Warn().Str("token_user", claims.UserID).Str("claimed", claimed).Str("ip", getIP(r)).
					Msg("user parameter does not match token")
				http.Error(w, "Security context violation", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.UserID)))
		})
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}
