package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"instarelay/internal/relay"
)

func newTestIdentity(t *testing.T, tokens map[string]string) *SessionIdentity {
	t.Helper()
	manager := NewSessionManager(time.Hour)
	for token, user := range tokens {
		if _, err := manager.Issue(context.Background(), token, user); err != nil {
			t.Fatalf("Issue: %v", err)
		}
	}
	return NewSessionIdentity(manager, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExtractTokenPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	if got := ExtractToken(req); got != "query" {
		t.Fatalf("expected query token, got %q", got)
	}

	req.Header.Set("Authorization", "Bearer header")
	if got := ExtractToken(req); got != "header" {
		t.Fatalf("expected bearer token to win over query, got %q", got)
	}

	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie"})
	if got := ExtractToken(req); got != "cookie" {
		t.Fatalf("expected cookie token to win, got %q", got)
	}

	other := httptest.NewRequest(http.MethodGet, "/ws", nil)
	other.Header.Set("Authorization", "Basic abc")
	if got := ExtractToken(other); got != "" {
		t.Fatalf("expected no token for basic auth, got %q", got)
	}
}

func TestSessionIdentityAuthenticate(t *testing.T) {
	identity := newTestIdentity(t, map[string]string{"tok-alice": "alice"})

	req := httptest.NewRequest(http.MethodGet, "/ws?token=tok-alice", nil)
	userID, err := identity.Authenticate(req)
	if err != nil || userID != "alice" {
		t.Fatalf("expected alice, got %q err=%v", userID, err)
	}

	for _, target := range []string{"/ws", "/ws?token=unknown"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if _, err := identity.Authenticate(req); !errors.Is(err, relay.ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", target, err)
		}
	}
}

func TestSessionIdentityStoreFailureIsNotUnauthenticated(t *testing.T) {
	boom := errors.New("store down")
	manager := NewSessionManager(time.Hour, WithStore(failingStore{MemorySessionStore: NewMemorySessionStore(), err: boom}))
	identity := NewSessionIdentity(manager, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "/ws?token=anything", nil)
	_, err := identity.Authenticate(req)
	if !errors.Is(err, boom) || errors.Is(err, relay.ErrUnauthenticated) {
		t.Fatalf("expected store failure, got %v", err)
	}

	rec := httptest.NewRecorder()
	identity.Middleware(http.NotFoundHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSessionIdentityMiddleware(t *testing.T) {
	identity := newTestIdentity(t, map[string]string{"tok-bob": "bob"})
	handler := identity.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserFromContext(r)
		if !ok {
			t.Error("expected user on context")
		}
		_, _ = io.WriteString(w, userID)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication required") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer tok-bob")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "bob" {
		t.Fatalf("expected bob, got %d %q", rec.Code, rec.Body.String())
	}
}
