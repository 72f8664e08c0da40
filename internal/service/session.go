// Package service provides the business logic of the replay backend.
package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// ErrSessionNotFound is returned for unknown, deleted or foreign sessions.
var ErrSessionNotFound = errors.New("session not found")

type sessionEntry struct {
	session  model.ChatSession
	userID   string
	messages []model.ConversationMessage
}

// SessionService keeps chat sessions and their messages in memory.
type SessionService struct {
	logger *logger.Logger

	sessions map[string]*sessionEntry
	mu       sync.RWMutex
}

// NewSessionService creates a new session service.
func NewSessionService(log *logger.Logger) *SessionService {
	return &SessionService{
		logger:   logger.OrNop(log),
		sessions: make(map[string]*sessionEntry),
	}
}

// Create creates a session owned by userID.
func (s *SessionService) Create(_ context.Context, userID, title string) (model.ChatSession, error) {
	session := model.ChatSession{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = &sessionEntry{session: session, userID: userID}
	s.mu.Unlock()

	metrics.SessionsTotal.Inc()
	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
	)
	return session, nil
}

// Get retrieves a session by ID.
func (s *SessionService) Get(_ context.Context, userID, sessionID string) (model.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.lookup(userID, sessionID)
	if err != nil {
		return model.ChatSession{}, err
	}
	return entry.session, nil
}

// List returns the user's sessions, newest first.
func (s *SessionService) List(_ context.Context, userID string) []model.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]model.ChatSession, 0)
	for _, entry := range s.sessions {
		if entry.userID == userID {
			sessions = append(sessions, entry.session)
		}
	}
	slices.SortFunc(sessions, func(a, b model.ChatSession) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		// UUIDv7 ids sort by creation time.
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return sessions
}

// Delete removes a session and its messages.
func (s *SessionService) Delete(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(userID, sessionID); err != nil {
		return err
	}
	delete(s.sessions, sessionID)
	return nil
}

// AppendMessage stores a message in a session.
func (s *SessionService) AppendMessage(_ context.Context, userID, sessionID string, msg model.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(userID, sessionID)
	if err != nil {
		return err
	}
	entry.messages = append(entry.messages, msg)
	return nil
}

// Messages returns a session's messages in order.
func (s *SessionService) Messages(_ context.Context, userID, sessionID string) ([]model.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return append([]model.ConversationMessage{}, entry.messages...), nil
}

// lookup must be called with s.mu held.
func (s *SessionService) lookup(userID, sessionID string) (*sessionEntry, error) {
	entry, ok := s.sessions[sessionID]
	if !ok || entry.userID != userID {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}
