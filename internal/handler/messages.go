package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	sessions *service.SessionService
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sessions *service.SessionService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sessions: sessions,
		logger:   logger.OrNop(log),
	}
}

// List handles GET /api/v1/chats/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.sessions.Messages(ctx, middleware.GetUserID(ctx), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if messages == nil {
		messages = []model.ConversationMessage{}
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: messages})
}

// SubscriptionHandler reports the caller's plan.
type SubscriptionHandler struct {
	plan string
}

// NewSubscriptionHandler creates a handler answering with plan. Callers
// whose token carries the premium scope are always premium.
func NewSubscriptionHandler(plan string) *SubscriptionHandler {
	return &SubscriptionHandler{plan: plan}
}

// Get handles GET /api/v1/subscription
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	plan := h.plan
	if middleware.HasScope(r.Context(), model.ModePremium) {
		plan = model.ModePremium
	}
	writeJSON(w, http.StatusOK, &model.Subscription{
		Plan:    plan,
		Status:  "active",
		Premium: plan == model.ModePremium,
	})
}
