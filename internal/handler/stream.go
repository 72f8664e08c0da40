package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// StreamOptions controls how a transcript is written to the wire.
type StreamOptions struct {
	// ChunkSize is the number of bytes per write. Chunks deliberately ignore
	// line and code point boundaries.
	ChunkSize int
	// ChunkDelay is the pause between writes.
	ChunkDelay time.Duration
}

// StreamHandler replays transcripts over a streaming response.
type StreamHandler struct {
	sessions *service.SessionService
	catalog  *service.Catalog
	opts     StreamOptions
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	sessions *service.SessionService,
	catalog *service.Catalog,
	opts StreamOptions,
	log *logger.Logger,
) *StreamHandler {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64
	}
	return &StreamHandler{
		sessions: sessions,
		catalog:  catalog,
		opts:     opts,
		logger:   logger.OrNop(log),
	}
}

// Stream handles POST /api/v1/chats/{id}/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	sessionID := chi.URLParam(r, "id")

	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.sessions.Get(ctx, userID, sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := h.catalog.Select(r.Header.Get(middleware.ScenarioHeader), req.Content)
	if err := middleware.ValidateScenario(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scenario, err := h.catalog.Resolve(ctx, name)
	if errors.Is(err, service.ErrUnknownScenario) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve scenario", zap.String("scenario", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scenario")
		return
	}
	if scenario.Status != http.StatusOK {
		writeError(w, scenario.Status, http.StatusText(scenario.Status))
		return
	}

	now := time.Now().UTC()
	_ = h.sessions.AppendMessage(ctx, userID, sessionID, model.ConversationMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleUser,
		Content:   req.Content,
		Status:    model.StatusFinal,
		CreatedAt: now,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	written, err := h.replay(r, w, flusher, scenario.Body)
	if err != nil {
		h.logger.Info("replay interrupted",
			zap.String("session_id", sessionID),
			zap.String("scenario", name),
			zap.Int("bytes", written),
			zap.Error(err),
		)
		return
	}

	if msg, ok := h.catalog.AssistantMessage(scenario.Body, uuid.Must(uuid.NewV7()).String(), time.Now().UTC()); ok {
		_ = h.sessions.AppendMessage(ctx, userID, sessionID, msg)
	}

	h.logger.Info("replay complete",
		zap.String("session_id", sessionID),
		zap.String("scenario", name),
		zap.Int("bytes", written),
	)
}

func (h *StreamHandler) replay(r *http.Request, w http.ResponseWriter, flusher http.Flusher, body []byte) (int, error) {
	ctx := r.Context()
	written := 0
	for written < len(body) {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		end := min(written+h.opts.ChunkSize, len(body))
		n, err := w.Write(body[written:end])
		written += n
		if err != nil {
			return written, err
		}
		flusher.Flush()

		if h.opts.ChunkDelay > 0 && written < len(body) {
			timer := time.NewTimer(h.opts.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return written, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return written, nil
}
