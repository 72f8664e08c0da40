package model

import (
	"time"
)

// ChatSession represents a chat thread on the backend.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSessionRequest is the request to create a new chat session.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// ListSessionsResponse is the response for listing chat sessions.
type ListSessionsResponse struct {
	Chats []ChatSession `json:"chats"`
}

// Subscription describes the caller's plan.
type Subscription struct {
	Plan    string `json:"plan"`
	Status  string `json:"status"`
	Premium bool   `json:"premium"`
}

// ModePremium is the send mode gated behind a premium subscription.
const ModePremium = "premium"
