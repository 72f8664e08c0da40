package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatstream/internal/api"
	"github.com/capitalize-ai/chatstream/internal/auth"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/server"
	"github.com/capitalize-ai/chatstream/internal/transport"
)

const secret = "client-test-secret"

func newClient(t *testing.T, scopes ...string) (*api.Client, *auth.MemoryAuthenticator) {
	t.Helper()
	srv := httptest.NewServer(server.NewRouter(server.Options{JWTSecret: secret}))
	t.Cleanup(srv.Close)

	tok, err := auth.MintDevToken(secret, "alice", time.Hour, scopes...)
	require.NoError(t, err)
	authn := auth.NewMemoryAuthenticator(tok)
	return api.New(srv.URL, authn, api.WithHTTPClient(srv.Client())), authn
}

func TestSessionLifecycle(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	first, err := client.CreateSession(ctx, "first")
	require.NoError(t, err)
	second, err := client.CreateSession(ctx, "second")
	require.NoError(t, err)

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID, "newest first")
	assert.Equal(t, first.ID, sessions[1].ID)

	messages, err := client.FetchMessages(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	require.NoError(t, client.DeleteSession(ctx, first.ID))
	err = client.DeleteSession(ctx, first.ID)
	assert.Equal(t, http.StatusNotFound, transport.StatusCode(err))
}

func TestStreamRequestRoundTrip(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, "")
	require.NoError(t, err)

	client.Scenario = "after_done"
	req, err := client.NewStreamRequest(ctx, session.ID, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "after_done", req.Header.Get("X-Replay-Scenario"))
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "data: [DONE]")

	messages, err := client.FetchMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "Only this", messages[1].Content)
}

func TestSignedOutIsUnauthorized(t *testing.T) {
	client, authn := newClient(t)
	require.NoError(t, authn.SignOut(context.Background()))

	_, err := client.ListSessions(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsUnauthorized(err))

	_, err = client.NewStreamRequest(context.Background(), "id", "hi", "")
	assert.True(t, transport.IsUnauthorized(err))
}

func TestServerRejectsToken(t *testing.T) {
	srv := httptest.NewServer(server.NewRouter(server.Options{JWTSecret: secret}))
	t.Cleanup(srv.Close)

	tok, err := auth.MintDevToken("wrong-secret", "alice", time.Hour)
	require.NoError(t, err)
	client := api.New(srv.URL, auth.NewMemoryAuthenticator(tok))

	_, err = client.ListSessions(context.Background())
	var httpErr *transport.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := api.New(url, nil)
	_, err := client.ListSessions(context.Background())
	assert.True(t, transport.IsNetwork(err))
}

func TestAbortedRequest(t *testing.T) {
	client, _ := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListSessions(ctx)
	assert.ErrorIs(t, err, transport.ErrAborted)
}

func TestAllowMode(t *testing.T) {
	ctx := context.Background()

	free, _ := newClient(t)
	assert.NoError(t, free.AllowMode(ctx, ""))
	assert.ErrorIs(t, free.AllowMode(ctx, model.ModePremium), api.ErrPremiumRequired)

	premium, _ := newClient(t, model.ModePremium)
	assert.NoError(t, premium.AllowMode(ctx, model.ModePremium))
}
