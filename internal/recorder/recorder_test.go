package recorder

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natsclient "github.com/capitalize-ai/chatstream/internal/nats"
)

func sampleLines(turnID string) []Line {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Line{
		{SessionID: "s1", TurnID: turnID, Seq: 1, Text: `data: {"type":"content_delta","data":{"content":"Hi"}}`, At: at},
		{SessionID: "s1", TurnID: turnID, Seq: 2, Text: `data: [DONE]`, At: at.Add(time.Millisecond)},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	turnID := uuid.NewString()

	_, err := store.Load(ctx, turnID)
	assert.ErrorIs(t, err, ErrNotFound)

	want := sampleLines(turnID)
	for _, l := range want {
		require.NoError(t, store.Append(ctx, l))
	}
	got, err := store.Load(ctx, turnID)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Text, got[i].Text)
		assert.Equal(t, want[i].Seq, got[i].Seq)
		assert.Equal(t, want[i].SessionID, got[i].SessionID)
		assert.True(t, want[i].At.Equal(got[i].At))
	}

	assert.Error(t, store.Append(ctx, Line{Text: "no turn"}))
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb, err := NewRedisClient(context.Background(), addr, os.Getenv("REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	store := NewRedisStore(rdb)
	defer store.Close()
	exerciseStore(t, store)
}

func TestNATSStore(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx := context.Background()
	client, err := natsclient.Connect(ctx, natsclient.Config{URL: url}, nil)
	require.NoError(t, err)
	store, err := NewNATSStore(ctx, client)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, store)

	store, err = Open(ctx, Config{Kind: KindFile, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = Open(ctx, Config{Kind: "tape"}, nil)
	assert.Error(t, err)
}

func TestTranscript(t *testing.T) {
	body := Transcript(sampleLines("t1"))
	assert.Equal(t, "data: {\"type\":\"content_delta\",\"data\":{\"content\":\"Hi\"}}\ndata: [DONE]\n", string(body))
}

func TestTap_WritesInOrder(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	tap := NewTap(store, "s1", "turn-1", nil)
	for _, text := range []string{"data: a", "data: b", "data: c"} {
		tap.Record(text)
	}
	tap.Close()
	tap.Close()

	lines, err := store.Load(context.Background(), "turn-1")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	for i, l := range lines {
		assert.Equal(t, i+1, l.Seq)
		assert.Equal(t, "s1", l.SessionID)
	}
	assert.Equal(t, "data: c", lines[2].Text)
}

type failingStore struct {
	Nop
	calls int
}

func (f *failingStore) Append(context.Context, Line) error {
	f.calls++
	return errors.New("disk full")
}

func TestTap_GivesUpAfterFailure(t *testing.T) {
	store := &failingStore{}
	tap := NewTap(store, "s1", "turn-1", nil)
	tap.Record("data: a")
	tap.Record("data: b")
	tap.Close()
	assert.Equal(t, 1, store.calls)
}
