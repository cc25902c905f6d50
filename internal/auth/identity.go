package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"instarelay/internal/observability/logging"
	"instarelay/internal/relay"
)

// SessionCookieName is the cookie browsers carry their session token in.
const SessionCookieName = "token"

// SessionIdentity authenticates requests with tokens issued by a
// SessionManager. It serves both the websocket handshake and the HTTP API.
type SessionIdentity struct {
	sessions *SessionManager
	logger   *slog.Logger
}

// NewSessionIdentity wraps sessions. A nil logger falls back to slog.Default.
func NewSessionIdentity(sessions *SessionManager, logger *slog.Logger) *SessionIdentity {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionIdentity{sessions: sessions, logger: logging.WithComponent(logger, "auth")}
}

// ExtractToken returns the session token carried by r: the token cookie
// first, then an Authorization bearer header, then the token query
// parameter browsers use for websocket upgrades.
func ExtractToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if value := strings.TrimSpace(parts[1]); value != "" {
				return value
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate implements relay.IdentityProvider.
func (s *SessionIdentity) Authenticate(r *http.Request) (string, error) {
	token := ExtractToken(r)
	if token == "" {
		return "", fmt.Errorf("missing session token: %w", relay.ErrUnauthenticated)
	}
	userID, _, ok, err := s.sessions.Validate(r.Context(), token)
	if err != nil {
		s.logger.Error("session lookup failed", "error", err)
		return "", fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("invalid or expired session: %w", relay.ErrUnauthenticated)
	}
	return userID, nil
}

// Middleware rejects unauthenticated requests with 401 and records the user
// on the request context for UserFromContext.
func (s *SessionIdentity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.Authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			message := "authentication required"
			if !errors.Is(err, relay.ErrUnauthenticated) {
				status = http.StatusServiceUnavailable
				message = "session store unavailable"
			}
			writeAuthError(w, status, message)
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.ContextWithUserID(r.Context(), userID)))
	})
}

// UserFromContext returns the user recorded by Middleware.
func UserFromContext(r *http.Request) (string, bool) {
	return logging.UserIDFromContext(r.Context())
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
