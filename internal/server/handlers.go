package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"instarelay/internal/models"
	"instarelay/internal/observability/logging"
	"instarelay/internal/relay"
	"instarelay/internal/storage"
)

// InternalSecretHeader carries the shared secret on internal endpoints.
const InternalSecretHeader = "X-Internal-Secret"

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string            `json:"status"`
	Components  []componentStatus `json:"components,omitempty"`
	Connections int               `json:"connections"`
	OnlineUsers int               `json:"onlineUsers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Connections: s.hub.Registry.ConnectionCount(),
		OnlineUsers: len(s.hub.Registry.OnlineUsers()),
	}
	status := http.StatusOK
	for _, check := range s.checks {
		component := componentStatus{Component: check.Name, Status: "ok"}
		if err := check.Ping(ctx); err != nil {
			component.Status = "degraded"
			component.Error = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		resp.Components = append(resp.Components, component)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, relay.CodeValidation, "user id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Presence(r.Context(), userID))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := logging.UserIDFromContext(r.Context())
	limit, err := queryInt(r, "limit", storage.DefaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, relay.CodeValidation, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, relay.CodeValidation, err.Error())
		return
	}
	page, err := s.hub.History(r.Context(), userID, chi.URLParam(r, "peerID"), limit, offset)
	if err != nil {
		writeRelayError(w, r, s.logger, err)
		return
	}
	if page == nil {
		page = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": page})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	userID, _ := logging.UserIDFromContext(r.Context())
	summary, err := s.hub.UnreadSummary(r.Context(), userID, chi.URLParam(r, "peerID"))
	if err != nil {
		writeRelayError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := logging.UserIDFromContext(r.Context())
	summaries, err := s.hub.Conversations.Recent(r.Context(), userID)
	if err != nil {
		writeRelayError(w, r, s.logger, err)
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseContentKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, relay.CodeValidation, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", storage.DefaultCommentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, relay.CodeValidation, err.Error())
		return
	}
	item := models.ContentItem{Kind: kind, ID: strings.TrimSpace(chi.URLParam(r, "itemID"))}
	thread, err := s.hub.CommentThread(r.Context(), item, limit)
	if err != nil {
		writeRelayError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, _ := logging.UserIDFromContext(r.Context())
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, relay.CodeValidation, err.Error())
		return
	}
	list, err := s.hub.Notifications(r.Context(), userID, limit)
	if err != nil {
		writeRelayError(w, r, s.logger, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

type publishNotificationRequest struct {
	UserID    string                  `json:"userId"`
	ActorID   string                  `json:"actorId"`
	Type      models.NotificationType `json:"type"`
	Item      *models.ContentItem     `json:"item,omitempty"`
	CommentID string                  `json:"commentId,omitempty"`
}

// handlePublishNotification lets other services of the platform emit
// notifications, such as follows, that the relay never observes itself.
func (s *Server) handlePublishNotification(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get(InternalSecretHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.internalSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid internal secret")
		return
	}
	var req publishNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, relay.CodeValidation, "invalid notification payload: "+err.Error())
		return
	}
	notification := models.Notification{
		UserID:    strings.TrimSpace(req.UserID),
		ActorID:   strings.TrimSpace(req.ActorID),
		Type:      req.Type,
		Item:      req.Item,
		CommentID: strings.TrimSpace(req.CommentID),
	}
	if err := s.hub.Notify(r.Context(), notification); err != nil {
		writeRelayError(w, r, s.logger, err)
		return
	}
	requestLogger(r, s.logger).Info("notification accepted", "recipient", notification.UserID, "type", notification.Type)
	w.WriteHeader(http.StatusAccepted)
}
