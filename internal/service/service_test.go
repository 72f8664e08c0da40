package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/recorder"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

func TestSessionService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewSessionService(nil)

	first, err := svc.Create(ctx, "alice", "First")
	require.NoError(t, err)
	second, err := svc.Create(ctx, "alice", "Second")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "bob", "Other")
	require.NoError(t, err)

	sessions := svc.List(ctx, "alice")
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID, "newest first")
	assert.Equal(t, first.ID, sessions[1].ID)

	_, err = svc.Get(ctx, "bob", first.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "sessions are private to their owner")

	msg := model.ConversationMessage{ID: "m1", Role: model.RoleUser, Content: "hi"}
	require.NoError(t, svc.AppendMessage(ctx, "alice", first.ID, msg))
	messages, err := svc.Messages(ctx, "alice", first.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.ConversationMessage{msg}, messages)

	require.NoError(t, svc.Delete(ctx, "alice", first.ID))
	assert.ErrorIs(t, svc.Delete(ctx, "alice", first.ID), ErrSessionNotFound)
	assert.Len(t, svc.List(ctx, "alice"), 1)
	assert.Empty(t, svc.List(ctx, "carol"))
}

func TestCatalog_BuiltinsAndFixtures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.sse"), []byte("data: [DONE]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	c := NewCatalog(dir, nil, nil)
	names := c.Names()
	assert.Contains(t, names, "custom")
	assert.Contains(t, names, DefaultScenario)
	assert.Contains(t, names, "rate_limit")
	assert.NotContains(t, names, "notes")

	sc, err := c.Resolve(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n", string(sc.Body))

	sc, err = c.Resolve(context.Background(), DefaultScenario)
	require.NoError(t, err)
	assert.Equal(t, 200, sc.Status)
	assert.Contains(t, string(sc.Body), "data: [DONE]")

	_, err = c.Resolve(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrUnknownScenario)
	_, err = c.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestCatalog_StatusAndTurns(t *testing.T) {
	ctx := context.Background()
	store, err := recorder.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, recorder.Line{TurnID: "t1", Seq: 1, Text: "data: [DONE]"}))

	c := NewCatalog("", store, nil)

	sc, err := c.Resolve(ctx, "status:401")
	require.NoError(t, err)
	assert.Equal(t, 401, sc.Status)
	_, err = c.Resolve(ctx, "status:abc")
	assert.ErrorIs(t, err, ErrUnknownScenario)

	sc, err = c.Resolve(ctx, "turn:t1")
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n", string(sc.Body))
	_, err = c.Resolve(ctx, "turn:missing")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestCatalog_Select(t *testing.T) {
	c := NewCatalog("", nil, nil)
	assert.Equal(t, "status:500", c.Select("status:500", "rate_limit"))
	assert.Equal(t, "rate_limit", c.Select("", " rate_limit "))
	assert.Equal(t, DefaultScenario, c.Select("", "What's the weather?"))
}

func TestCatalog_AssistantMessage(t *testing.T) {
	c := NewCatalog("", nil, nil)
	at := time.Unix(0, 0)

	sc, err := c.Resolve(context.Background(), DefaultScenario)
	require.NoError(t, err)
	msg, ok := c.AssistantMessage(sc.Body, "a1", at)
	require.True(t, ok)
	assert.Equal(t, model.StatusFinal, msg.Status)
	assert.Equal(t, "Here is what I found: streaming parsers keep state between chunks — 12 × 7 = 84. ✅", msg.Content)

	sc, err = c.Resolve(context.Background(), "rate_limit")
	require.NoError(t, err)
	_, ok = c.AssistantMessage(sc.Body, "a2", at)
	assert.False(t, ok)

	sc, err = c.Resolve(context.Background(), "truncated")
	require.NoError(t, err)
	msg, ok = c.AssistantMessage(sc.Body, "a3", at)
	require.True(t, ok)
	assert.Equal(t, "The stream ends without a sentinel", msg.Content)
}

func TestCatalog_AssistantMessageLeavesClientMetrics(t *testing.T) {
	c := NewCatalog("", nil, nil)
	sc, err := c.Resolve(context.Background(), "malformed")
	require.NoError(t, err)

	events := testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(string(model.KindContentDelta)))
	drops := testutil.ToFloat64(metrics.DecodeErrorsTotal)
	_, ok := c.AssistantMessage(sc.Body, "a1", time.Unix(0, 0))
	require.True(t, ok)

	assert.Equal(t, events, testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(string(model.KindContentDelta))))
	assert.Equal(t, drops, testutil.ToFloat64(metrics.DecodeErrorsTotal))
}
