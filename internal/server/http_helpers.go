package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"instarelay/internal/relay"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeRelayError maps relay errors onto HTTP statuses using the same codes
// the websocket error frames carry.
func writeRelayError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var persistence *relay.PersistenceError
	switch {
	case errors.Is(err, relay.ErrValidation):
		writeError(w, http.StatusBadRequest, relay.CodeValidation, err.Error())
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, relay.CodeNotFound, err.Error())
	case errors.As(err, &persistence), errors.Is(err, relay.ErrPersistence):
		requestLogger(r, logger).Error("store request failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage temporarily unavailable", Code: relay.CodePersistence, Retryable: true})
	default:
		requestLogger(r, logger).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// queryInt reads a non-negative integer query parameter, returning def when
// it is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}
