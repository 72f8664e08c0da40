package turn_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatstream/internal/auth"
	"github.com/capitalize-ai/chatstream/internal/clock"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/transport"
	"github.com/capitalize-ai/chatstream/internal/turn"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeBackend struct {
	creates atomic.Int32
	lists   atomic.Int32
	err     error
}

func (b *fakeBackend) CreateSession(_ context.Context, title string) (model.ChatSession, error) {
	b.creates.Add(1)
	if b.err != nil {
		return model.ChatSession{}, b.err
	}
	return model.ChatSession{ID: "session-1", Title: title, CreatedAt: epoch}, nil
}

func (b *fakeBackend) ListSessions(context.Context) ([]model.ChatSession, error) {
	b.lists.Add(1)
	return []model.ChatSession{{ID: "session-1", CreatedAt: epoch}}, nil
}

func (b *fakeBackend) NewStreamRequest(ctx context.Context, sessionID, _, _ string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, "http://replay.invalid/api/v1/chats/"+sessionID+"/stream", nil)
}

// scriptedSource yields whatever the test pushes, in order. Closing the
// queue ends the stream.
type scriptedSource struct {
	queue   chan read
	aborted chan struct{}
	once    sync.Once
	reads   atomic.Int32
}

type read struct {
	chunk string
	err   error
}

func newScriptedSource(chunks ...string) *scriptedSource {
	s := &scriptedSource{
		queue:   make(chan read, 16),
		aborted: make(chan struct{}),
	}
	for _, c := range chunks {
		s.push(c)
	}
	return s
}

func (s *scriptedSource) push(chunk string) { s.queue <- read{chunk: chunk} }

func (s *scriptedSource) fail(err error) { s.queue <- read{err: err} }

func (s *scriptedSource) end() { close(s.queue) }

// waitReads blocks until Read has been entered n times, i.e. everything
// pushed before the n-th read has been processed.
func (s *scriptedSource) waitReads(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return s.reads.Load() >= n }, time.Second, time.Millisecond)
}

func (s *scriptedSource) Read() (string, error) {
	s.reads.Add(1)
	select {
	case <-s.aborted:
		return "", io.EOF
	default:
	}
	select {
	case r, ok := <-s.queue:
		if !ok {
			return "", io.EOF
		}
		return r.chunk, r.err
	case <-s.aborted:
		return "", io.EOF
	}
}

func (s *scriptedSource) Abort() { s.once.Do(func() { close(s.aborted) }) }

func (s *scriptedSource) Mode() string { return "scripted" }

func (s *scriptedSource) wasAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

// scriptedStarter hands out its sources in order.
type scriptedStarter struct {
	mu      sync.Mutex
	sources []*scriptedSource
	err     error
}

func (s *scriptedStarter) Start(context.Context, *http.Request) (transport.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	src := s.sources[0]
	s.sources = s.sources[1:]
	return src, nil
}

type recorded struct {
	mu        sync.Mutex
	states    []turn.State
	timelines [][]model.ActivityEntry
}

func (r *recorded) listener() turn.Listener {
	return turn.Funcs{
		OnState: func(s turn.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnTimeline: func(entries []model.ActivityEntry) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if len(entries) > 0 {
				r.timelines = append(r.timelines, entries)
			}
		},
	}
}

func (r *recorded) snapshot() ([]turn.State, [][]model.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]turn.State(nil), r.states...), append([][]model.ActivityEntry(nil), r.timelines...)
}

func newCoordinator(t *testing.T, starter transport.Starter, opts turn.Options) (*turn.Coordinator, *clock.Fake, *fakeBackend) {
	t.Helper()
	clk := clock.NewFake(epoch)
	backend := &fakeBackend{}
	if opts.Backend == nil {
		opts.Backend = backend
	}
	opts.Starter = starter
	opts.Clock = clk
	c := turn.New(opts)
	t.Cleanup(c.Close)
	return c, clk, backend
}

const (
	lineThinking = "data: {\"type\":\"thinking_stream\",\"data\":{\"content\":\"pondering\"}}\n"
	lineHello    = "data: {\"type\":\"content_delta\",\"data\":{\"content\":\"Hello\"}}\n"
	lineLimit    = "data: {\"type\":\"rate_limited\",\"data\":{\"content\":\"upgrade\"}}\n"
	lineDone     = "data: [DONE]\n"
)

func TestSend_RateLimitShortCircuits(t *testing.T) {
	src := newScriptedSource(lineThinking + lineLimit + lineHello + lineDone)
	rec := &recorded{}
	c, clk, backend := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{Listener: rec.listener()})

	outcome := c.Send(context.Background(), "hi")

	assert.Equal(t, model.OutcomeRateLimited, outcome.Kind)
	assert.Equal(t, "upgrade", outcome.Reason)
	assert.True(t, src.wasAborted())

	msgs := c.Messages()
	require.Len(t, msgs, 1, "the partial assistant message is discarded")
	assert.Equal(t, model.RoleUser, msgs[0].Role)

	// The pending thinking step still reaches the timeline.
	timeline := c.Timeline()
	require.Len(t, timeline, 1)
	assert.Equal(t, model.EntryThinking, timeline[0].Kind)

	states, _ := rec.snapshot()
	assert.Equal(t, []turn.State{turn.StateEnsuringSession, turn.StateStreaming, turn.StateRateLimited, turn.StateIdle}, states)
	assert.Zero(t, backend.lists.Load(), "sessions refresh only after completion")

	c.Close()
	assert.Zero(t, clk.Pending())
}

func TestSend_DebounceCoalescesThinking(t *testing.T) {
	src := newScriptedSource()
	rec := &recorded{}
	c, clk, _ := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{
		Listener: rec.listener(),
		Window:   50 * time.Millisecond,
	})

	done := make(chan model.StreamOutcome, 1)
	go func() { done <- c.Send(context.Background(), "hi") }()

	src.push(lineThinking + lineThinking + lineThinking)
	src.waitReads(t, 2)
	assert.Equal(t, 1, clk.Pending())

	_, timelines := rec.snapshot()
	assert.Empty(t, timelines, "nothing is applied inside the window")

	clk.Advance(50 * time.Millisecond)
	_, timelines = rec.snapshot()
	require.Len(t, timelines, 1, "one flush for the whole burst")
	assert.Len(t, timelines[0], 3)
	assert.Equal(t, model.EntryExecuting, timelines[0][2].Status)

	src.push(lineDone)
	outcome := <-done
	assert.Equal(t, model.OutcomeCompleted, outcome.Kind)
}

func TestSend_SpacedThinkingFlushesEach(t *testing.T) {
	src := newScriptedSource()
	rec := &recorded{}
	c, clk, _ := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{
		Listener: rec.listener(),
		Limit:    10,
	})

	done := make(chan model.StreamOutcome, 1)
	go func() { done <- c.Send(context.Background(), "hi") }()

	for i := 1; i <= 3; i++ {
		src.push(lineThinking)
		src.waitReads(t, int32(i+1))
		clk.Advance(100 * time.Millisecond)
		_, timelines := rec.snapshot()
		require.Len(t, timelines, i)
	}

	src.end()
	assert.Equal(t, model.OutcomeCompleted, (<-done).Kind)
}

func TestSend_TurnEndLeavesNoTimers(t *testing.T) {
	const lineTool = "data: {\"type\":\"tool_call\",\"data\":{\"metadata\":{\"tool\":\"calculator\"}}}\n"

	tests := []struct {
		name    string
		ending  func(src *scriptedSource)
		outcome model.OutcomeKind
	}{
		{name: "completed", ending: func(src *scriptedSource) { src.push(lineDone) }, outcome: model.OutcomeCompleted},
		{name: "network error", ending: func(src *scriptedSource) {
			src.fail(&transport.NetworkError{Err: errors.New("connection reset")})
		}, outcome: model.OutcomeNetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newScriptedSource(lineThinking + lineTool + lineHello)
			tt.ending(src)
			rec := &recorded{}
			c, clk, _ := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{Listener: rec.listener()})

			outcome := c.Send(context.Background(), "hi")
			require.Equal(t, tt.outcome, outcome.Kind)
			assert.Zero(t, clk.Pending(), "collapse timers end with the turn")

			_, before := rec.snapshot()
			require.NotEmpty(t, before)
			clk.Advance(3 * time.Second)
			_, after := rec.snapshot()
			assert.Len(t, after, len(before), "no timeline updates after the turn ended")
			for _, e := range c.Timeline() {
				assert.Equal(t, model.EntryComplete, e.Status)
			}
		})
	}
}

func TestCancel_AbortsAndClearsTimers(t *testing.T) {
	src := newScriptedSource()
	rec := &recorded{}
	c, clk, _ := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{Listener: rec.listener()})

	done := make(chan model.StreamOutcome, 1)
	go func() { done <- c.Send(context.Background(), "hi") }()

	src.push(lineHello + lineThinking)
	src.waitReads(t, 2)
	require.Len(t, c.Messages(), 2)
	assert.Equal(t, "Hello", c.Messages()[1].Content)
	assert.Equal(t, 1, clk.Pending())

	c.Cancel()
	outcome := <-done
	assert.Equal(t, model.OutcomeAborted, outcome.Kind)
	assert.True(t, src.wasAborted())
	assert.Zero(t, clk.Pending(), "debounce and collapse timers are cancelled")

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, model.StatusFinal, msgs[1].Status)
	assert.Equal(t, turn.StateIdle, c.State())

	// Late timer fires change nothing.
	clk.Advance(time.Minute)
	assert.Len(t, c.Messages(), 2)
}

func TestSend_CancelsActiveTurn(t *testing.T) {
	first := newScriptedSource()
	second := newScriptedSource(lineHello + lineDone)
	c, _, backend := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{first, second}}, turn.Options{})

	done := make(chan model.StreamOutcome, 1)
	go func() { done <- c.Send(context.Background(), "first") }()
	require.Eventually(t, func() bool { return c.State() == turn.StateStreaming }, time.Second, time.Millisecond)

	outcome := c.Send(context.Background(), "second")
	assert.Equal(t, model.OutcomeCompleted, outcome.Kind)
	assert.Equal(t, model.OutcomeAborted, (<-done).Kind)
	assert.True(t, first.wasAborted())

	assert.EqualValues(t, 1, backend.creates.Load(), "the session is created once")
	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "Hello", msgs[2].Content)
}

func TestSend_NetworkErrorKeepsPartialContent(t *testing.T) {
	src := newScriptedSource(lineHello)
	src.fail(&transport.NetworkError{Err: errors.New("connection reset")})
	c, _, _ := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{})

	outcome := c.Send(context.Background(), "hi")
	assert.Equal(t, model.OutcomeNetworkError, outcome.Kind)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, model.StatusFinal, msgs[1].Status)
	assert.False(t, msgs[1].Failure)
	assert.True(t, msgs[2].Failure)
	assert.Equal(t, turn.MessageNetwork, msgs[2].Content)
}

func TestSend_UnauthorizedSignsOut(t *testing.T) {
	authn := auth.NewMemoryAuthenticator("opaque-token")
	starter := &scriptedStarter{err: &transport.HTTPError{StatusCode: http.StatusUnauthorized}}
	c, _, _ := newCoordinator(t, starter, turn.Options{Auth: authn})

	outcome := c.Send(context.Background(), "hi")

	assert.True(t, outcome.Unauthorized())
	assert.False(t, authn.SignedIn())
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, turn.MessageUnauthenticated, msgs[1].Content)
	assert.True(t, msgs[1].Failure)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
}

func TestSend_HTTPErrorIsGenericFailure(t *testing.T) {
	authn := auth.NewMemoryAuthenticator("opaque-token")
	starter := &scriptedStarter{err: &transport.HTTPError{StatusCode: http.StatusBadGateway}}
	c, _, _ := newCoordinator(t, starter, turn.Options{Auth: authn})

	outcome := c.Send(context.Background(), "hi")

	assert.Equal(t, model.HTTPError(http.StatusBadGateway), outcome)
	assert.True(t, authn.SignedIn())
	msgs := c.Messages()
	assert.Equal(t, turn.MessageGeneric, msgs[len(msgs)-1].Content)
}

func TestSend_SessionCreateFailure(t *testing.T) {
	backend := &fakeBackend{err: &transport.NetworkError{Err: errors.New("dial tcp: refused")}}
	c, _, _ := newCoordinator(t, &scriptedStarter{}, turn.Options{Backend: backend})

	outcome := c.Send(context.Background(), "hi")

	assert.Equal(t, model.OutcomeNetworkError, outcome.Kind)
	assert.Empty(t, c.SessionID())
	msgs := c.Messages()
	assert.Equal(t, turn.MessageNetwork, msgs[len(msgs)-1].Content)
}

func TestSend_ResumesSession(t *testing.T) {
	history := []model.ConversationMessage{{ID: "m1", Role: model.RoleUser, Content: "earlier", Status: model.StatusFinal}}
	src := newScriptedSource(lineHello + lineDone)
	c, _, backend := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{
		SessionID: "existing",
		History:   history,
	})

	outcome := c.Send(context.Background(), "again")

	assert.Equal(t, model.OutcomeCompleted, outcome.Kind)
	assert.Zero(t, backend.creates.Load())
	assert.Equal(t, "existing", c.SessionID())
	assert.Len(t, c.Messages(), 3)
	assert.Len(t, c.Sessions(), 1)
}

func TestSend_IgnoresEmptyText(t *testing.T) {
	c, _, backend := newCoordinator(t, &scriptedStarter{}, turn.Options{})
	assert.Equal(t, model.OutcomeAborted, c.Send(context.Background(), "   ").Kind)
	assert.Empty(t, c.Messages())
	assert.Zero(t, backend.creates.Load())
}

func TestEnsureSession_SingleCreate(t *testing.T) {
	c, _, backend := newCoordinator(t, &scriptedStarter{}, turn.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.EnsureSession(context.Background(), "title")
			assert.NoError(t, err)
			assert.Equal(t, "session-1", id)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, backend.creates.Load())
}

// slowCreateBackend holds CreateSession until released. A create whose
// context is already done by then fails like an aborted request.
type slowCreateBackend struct {
	fakeBackend
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *slowCreateBackend) CreateSession(ctx context.Context, title string) (model.ChatSession, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	if ctx.Err() != nil {
		return model.ChatSession{}, transport.ErrAborted
	}
	return b.fakeBackend.CreateSession(ctx, title)
}

func TestSend_CancelledTurnDoesNotAbortSharedCreate(t *testing.T) {
	backend := &slowCreateBackend{entered: make(chan struct{}), release: make(chan struct{})}
	src := newScriptedSource(lineHello + lineDone)
	c, _, _ := newCoordinator(t, &scriptedStarter{sources: []*scriptedSource{src}}, turn.Options{Backend: backend})

	first := make(chan model.StreamOutcome, 1)
	go func() { first <- c.Send(context.Background(), "first") }()
	<-backend.entered

	second := make(chan model.StreamOutcome, 1)
	go func() { second <- c.Send(context.Background(), "second") }()
	assert.Equal(t, model.OutcomeAborted, (<-first).Kind, "starting a turn cancels the one creating the session")

	close(backend.release)
	outcome := <-second
	require.Equal(t, model.OutcomeCompleted, outcome.Kind, outcome.String())
	assert.Equal(t, "session-1", c.SessionID())
	assert.EqualValues(t, 1, backend.creates.Load(), "the cancelled turn's create is reused")

	msgs := c.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Hello", msgs[len(msgs)-1].Content)
}
