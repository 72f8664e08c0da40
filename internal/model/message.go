package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusFinal     MessageStatus = "final"
)

// ConversationMessage is a single chat message as shown to the user.
type ConversationMessage struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	Failure   bool          `json:"failure,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// SendMessageRequest is the body of a streaming send.
type SendMessageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

// ListMessagesResponse is the response for fetching a session's messages.
type ListMessagesResponse struct {
	Messages []ConversationMessage `json:"messages"`
}

// WireRecord is the JSON body of a `data:` line.
type WireRecord struct {
	Type string   `json:"type"`
	Data WireData `json:"data"`
}

// WireData is the payload of a WireRecord.
type WireData struct {
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
