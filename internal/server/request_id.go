package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"instarelay/internal/observability/logging"
)

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator) func(http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = generator()
			}
			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger returns the logger for r, carrying its request id and, past
// authentication, its user.
func requestLogger(r *http.Request, fallback *slog.Logger) *slog.Logger {
	if _, ok := logging.UserIDFromContext(r.Context()); ok {
		return logging.WithContext(r.Context(), fallback)
	}
	if ctxLogger := logging.LoggerFromContext(r.Context()); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(r.Context(), fallback)
}
