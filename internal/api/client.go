// Package api is the client for the chat backend's REST endpoints. Every
// call fails with the same taxonomy as the stream itself: *transport.HTTPError
// for non-2xx responses and *transport.NetworkError for transport failures.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/auth"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/transport"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

const (
	apiPrefix       = "/api/v1"
	maxErrorBody    = 4096
	defaultTimeout  = 30 * time.Second
	headerScenario  = "X-Replay-Scenario"
	contentTypeJSON = "application/json"
)

// ErrPremiumRequired is returned by AllowMode when the plan does not cover a
// premium send.
var ErrPremiumRequired = errors.New("premium subscription required")

// Client talks to the chat backend.
type Client struct {
	baseURL string
	http    *http.Client
	auth    auth.TokenSource
	logger  *logger.Logger

	// Scenario, when set, is sent with stream requests so the replay
	// backend serves a specific transcript.
	Scenario string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(cl *Client) { cl.logger = logger.OrNop(l) }
}

// New creates a client for baseURL.
func New(baseURL string, tokens auth.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		auth:    tokens,
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession creates a chat session.
func (c *Client) CreateSession(ctx context.Context, title string) (model.ChatSession, error) {
	var session model.ChatSession
	err := c.do(ctx, http.MethodPost, "/chats", model.CreateSessionRequest{Title: title}, &session)
	return session, err
}

// ListSessions lists the caller's chat sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]model.ChatSession, error) {
	var resp model.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// FetchMessages returns the messages of a session.
func (c *Client) FetchMessages(ctx context.Context, sessionID string) ([]model.ConversationMessage, error) {
	var resp model.ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(sessionID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/chats/"+url.PathEscape(sessionID), nil, nil)
}

// Subscription fetches the caller's plan.
func (c *Client) Subscription(ctx context.Context) (model.Subscription, error) {
	var sub model.Subscription
	err := c.do(ctx, http.MethodGet, "/subscription", nil, &sub)
	return sub, err
}

// AllowMode checks the plan before a send in mode. Only the premium mode is
// gated.
func (c *Client) AllowMode(ctx context.Context, mode string) error {
	if mode != model.ModePremium {
		return nil
	}
	sub, err := c.Subscription(ctx)
	if err != nil {
		return fmt.Errorf("failed to check subscription: %w", err)
	}
	if !sub.Premium {
		return ErrPremiumRequired
	}
	return nil
}

// NewStreamRequest builds the streaming send request for a session. The
// caller hands it to a transport.Starter.
func (c *Client) NewStreamRequest(ctx context.Context, sessionID, content, mode string) (*http.Request, error) {
	body, err := json.Marshal(model.SendMessageRequest{Content: content, Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+apiPrefix+"/chats/"+url.PathEscape(sessionID)+"/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	if c.Scenario != "" {
		req.Header.Set(headerScenario, c.Scenario)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.auth == nil {
		return nil
	}
	token, err := c.auth.Token(ctx)
	if err != nil {
		// A missing or expired credential is the client-side 401.
		return &transport.HTTPError{StatusCode: http.StatusUnauthorized, Body: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return transport.ErrAborted
		}
		c.logger.Warn("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return &transport.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &transport.HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transport.NetworkError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
