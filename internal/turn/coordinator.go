// Package turn drives one conversation: it ensures a chat session, streams
// each turn through the wire pipeline and folds the decoded events into the
// activity timeline and the assistant message.
package turn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/chatstream/internal/activity"
	"github.com/capitalize-ai/chatstream/internal/assembler"
	"github.com/capitalize-ai/chatstream/internal/auth"
	"github.com/capitalize-ai/chatstream/internal/clock"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/recorder"
	"github.com/capitalize-ai/chatstream/internal/scheduler"
	"github.com/capitalize-ai/chatstream/internal/transport"
	"github.com/capitalize-ai/chatstream/internal/wire"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
	"github.com/capitalize-ai/chatstream/pkg/tracing"
)

// User-facing failure texts.
const (
	MessageUnauthenticated = "Your session has expired. Please sign in again to continue."
	MessageGeneric         = "Sorry, something went wrong. Please try again."
	MessageNetwork         = "Network error. Please check your connection and try again."
)

const maxTitleLength = 60

// sessionCreateTimeout bounds a session create, which outlives the turn that
// started it.
const sessionCreateTimeout = 30 * time.Second

// Backend is the part of the chat REST API a conversation needs.
type Backend interface {
	CreateSession(ctx context.Context, title string) (model.ChatSession, error)
	ListSessions(ctx context.Context) ([]model.ChatSession, error)
	NewStreamRequest(ctx context.Context, sessionID, content, mode string) (*http.Request, error)
}

// Options configures a Coordinator. Backend and Starter are required.
type Options struct {
	Backend Backend
	Starter transport.Starter

	// Auth is signed out when a turn fails with 401. Optional.
	Auth auth.Authenticator
	// Store records the wire lines of every turn. Optional.
	Store recorder.Store
	// Listener observes state, messages, timeline and sessions. Optional.
	Listener Listener

	Clock  clock.Clock
	Logger *logger.Logger

	// Mode is sent with every stream request.
	Mode string
	// Window is the debounce window for thinking events.
	Window time.Duration
	// Limit bounds the activity timeline.
	Limit int
	// CollapseDelay is how long completed timeline entries stay expanded.
	CollapseDelay time.Duration

	// SessionID resumes an existing conversation whose messages are History.
	SessionID string
	History   []model.ConversationMessage
}

// Coordinator runs the turns of one conversation. At most one turn streams
// at a time: Send cancels the active turn and waits for it to wind down
// before starting the next one.
//
// Lock order: scheduler, aggregator, emitMu, mu. Nothing calls into a
// scheduler or aggregator while holding emitMu or mu.
type Coordinator struct {
	backend  Backend
	starter  transport.Starter
	auth     auth.Authenticator
	store    recorder.Store
	listener Listener
	clock    clock.Clock
	logger   *logger.Logger
	tracer   trace.Tracer
	opts     Options

	group singleflight.Group

	// emitMu serializes listener calls with the state they report.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     State
	sessionID string
	messages  []model.ConversationMessage
	sessions  []model.ChatSession
	active    *run
	lastTurn  string
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	listener := opts.Listener
	if listener == nil {
		listener = Funcs{}
	}
	return &Coordinator{
		backend:   opts.Backend,
		starter:   opts.Starter,
		auth:      opts.Auth,
		store:     opts.Store,
		listener:  listener,
		clock:     opts.Clock,
		logger:    logger.OrNop(opts.Logger).Named("turn"),
		tracer:    tracing.Tracer("github.com/capitalize-ai/chatstream/internal/turn"),
		opts:      opts,
		sessionID: opts.SessionID,
		messages:  slices.Clone(opts.History),
	}
}

// run is the per-turn state. Its scheduler and aggregator exist from the
// start so that abort is always safe.
type run struct {
	id     string
	msgID  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sched *scheduler.Scheduler
	agg   *activity.Aggregator
	asm   *assembler.Assembler

	mu  sync.Mutex
	src transport.Source
}

func (c *Coordinator) newRun(ctx context.Context) *run {
	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		id:     uuid.NewString(),
		msgID:  uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.agg = activity.New(activity.Options{
		Limit:         c.opts.Limit,
		CollapseDelay: c.opts.CollapseDelay,
		Clock:         c.clock,
		Logger:        c.logger,
		OnChange:      c.emitTimeline,
	})
	r.sched = scheduler.New(scheduler.Options{
		Window: c.opts.Window,
		Clock:  c.clock,
		Logger: c.logger,
		Dispatch: func(batch []model.StreamEvent) {
			c.dispatch(r, batch)
		},
	})
	r.asm = assembler.New(r.msgID, c.clock.Now(), c.logger)
	return r
}

func (r *run) setSource(src transport.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src = src
	if r.ctx.Err() != nil {
		src.Abort()
	}
}

func (r *run) abortSource() {
	r.mu.Lock()
	src := r.src
	r.mu.Unlock()
	if src != nil {
		src.Abort()
	}
}

// abort stops the turn: the source, the pending batch and every timer.
func (r *run) abort() {
	r.cancel()
	r.abortSource()
	r.sched.Cancel()
	r.agg.Teardown()
}

// Send runs one turn for text and blocks until it ends. It never fails:
// every way a turn can end is reported as a StreamOutcome.
func (c *Coordinator) Send(ctx context.Context, text string) model.StreamOutcome {
	if strings.TrimSpace(text) == "" {
		c.logger.Debug("ignoring empty message")
		return model.Aborted()
	}

	r := c.begin(ctx)
	defer close(r.done)
	defer r.cancel()

	start := c.clock.Now()
	ctx, span := c.tracer.Start(r.ctx, "turn.send", trace.WithAttributes(
		attribute.String("turn.id", r.id),
	))
	defer span.End()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	c.emitTimeline(nil)
	c.updateMessages(func(msgs []model.ConversationMessage) []model.ConversationMessage {
		return append(msgs, model.ConversationMessage{
			ID:        uuid.NewString(),
			Role:      model.RoleUser,
			Content:   text,
			Status:    model.StatusFinal,
			CreatedAt: start,
		})
	})

	outcome := c.execute(ctx, r, text, span)
	c.finish(r, outcome)

	elapsed := c.clock.Now().Sub(start)
	metrics.RecordTurn(string(outcome.Kind), elapsed.Seconds())
	span.SetAttributes(attribute.String("turn.outcome", string(outcome.Kind)))
	span.AddEvent("turn.finished", trace.WithAttributes(attribute.String("outcome", outcome.String())))
	if outcome.Failed() {
		span.SetStatus(codes.Error, outcome.String())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	c.logger.WithTurn(c.SessionID(), r.id).Info("turn finished",
		zap.Stringer("outcome", outcome),
		zap.Duration("duration", elapsed),
	)
	return outcome
}

// begin makes r the active turn after the previous one has wound down.
func (c *Coordinator) begin(ctx context.Context) *run {
	r := c.newRun(ctx)

	c.mu.Lock()
	prev := c.active
	c.active = r
	c.lastTurn = r.id
	c.mu.Unlock()

	if prev != nil {
		prev.abort()
		<-prev.done
	}
	return r
}

func (c *Coordinator) execute(ctx context.Context, r *run, text string, span trace.Span) model.StreamOutcome {
	if ctx.Err() != nil {
		return model.Aborted()
	}

	c.setState(StateEnsuringSession)
	sessionID, err := c.EnsureSession(ctx, titleFrom(text))
	if err != nil {
		return c.outcomeFor(ctx, err)
	}
	span.SetAttributes(attribute.String("chat.session_id", sessionID))

	req, err := c.backend.NewStreamRequest(ctx, sessionID, text, c.opts.Mode)
	if err != nil {
		return c.outcomeFor(ctx, err)
	}

	c.setState(StateStreaming)
	src, err := c.starter.Start(ctx, req)
	if err != nil {
		return c.outcomeFor(ctx, err)
	}
	r.setSource(src)
	span.SetAttributes(attribute.String("turn.transport", src.Mode()))

	log := c.logger.WithTurn(sessionID, r.id)
	pipe := wire.NewPipeline(wire.NewDecoder(c.clock, log))
	if c.store != nil {
		tap := recorder.NewTap(c.store, sessionID, r.id, log)
		defer tap.Close()
		pipe.OnLine = tap.Record
	}

	outcome := c.stream(r, src, pipe)
	if dropped := pipe.Decoder().Dropped(); dropped > 0 {
		log.Info("dropped malformed records", zap.Int("count", dropped))
	}
	return outcome
}

// stream is the read loop: read a chunk, process every line it completes,
// read again.
func (c *Coordinator) stream(r *run, src transport.Source, pipe *wire.Pipeline) model.StreamOutcome {
	for {
		chunk, err := src.Read()
		if r.ctx.Err() != nil {
			return model.Aborted()
		}
		if errors.Is(err, io.EOF) {
			if outcome, done := c.process(r, pipe.End()); done {
				return outcome
			}
			// End of stream without a terminal record.
			return model.Completed()
		}
		if err != nil {
			return c.outcomeFor(r.ctx, err)
		}
		if outcome, done := c.process(r, pipe.Feed(chunk)); done {
			return outcome
		}
	}
}

// process hands decoded events to the scheduler in wire order and reports
// a terminal event.
func (c *Coordinator) process(r *run, events []model.StreamEvent) (model.StreamOutcome, bool) {
	for _, ev := range events {
		if r.ctx.Err() != nil {
			return model.Aborted(), true
		}
		switch ev.Kind {
		case model.KindRateLimited:
			return model.RateLimited(ev.Text), true
		case model.KindError:
			reason := ev.Text
			if code := ev.MetaString(model.MetaCode); code != "" {
				reason = code + ": " + reason
			}
			return model.StreamError(reason), true
		case model.KindComplete:
			r.sched.Submit(ev)
			return model.Completed(), true
		case model.KindUnknown:
			c.logger.Debug("ignoring unknown event", zap.String("type", ev.Type))
			continue
		}
		r.sched.Submit(ev)
	}
	return model.StreamOutcome{}, false
}

// dispatch applies one batch. It runs with the scheduler's lock held.
func (c *Coordinator) dispatch(r *run, batch []model.StreamEvent) {
	r.agg.Apply(batch...)

	changed := false
	for _, ev := range batch {
		if ev.Kind == model.KindContentDelta && ev.Text != "" {
			r.agg.MarkContentStarted()
		}
		if r.asm.Apply(ev) {
			changed = true
		}
	}
	if changed {
		c.upsertMessage(r.asm.Message())
	}
}

// finish moves the turn into its terminal state and back to idle.
func (c *Coordinator) finish(r *run, outcome model.StreamOutcome) {
	switch {
	case outcome.Kind == model.OutcomeCompleted:
		r.sched.Flush()
		r.sched.Cancel()
		r.agg.Finish()
		c.settleMessage(r)
		c.setState(StateCompleted)
		c.refreshSessions(r.ctx)

	case outcome.Kind == model.OutcomeRateLimited:
		r.abortSource()
		r.sched.Flush()
		r.sched.Cancel()
		r.agg.Finish()
		c.removeMessage(r.msgID)
		c.setState(StateRateLimited)

	case outcome.Kind == model.OutcomeAborted:
		r.abort()
		c.settleMessage(r)

	default:
		r.abortSource()
		r.sched.Flush()
		r.sched.Cancel()
		r.agg.Finish()
		c.settleMessage(r)
		c.appendFailure(outcome)
		c.setState(StateFailed)
		if outcome.Unauthorized() && c.auth != nil {
			if err := c.auth.SignOut(context.WithoutCancel(r.ctx)); err != nil {
				c.logger.Warn("sign-out failed", zap.Error(err))
			}
		}
	}
	c.setState(StateIdle)
}

// settleMessage finalizes a message with real content and drops one that
// only ever showed a placeholder.
func (c *Coordinator) settleMessage(r *run) {
	if !r.asm.HasRealContent() {
		c.removeMessage(r.msgID)
		return
	}
	c.upsertMessage(r.asm.Finalize())
}

func (c *Coordinator) appendFailure(outcome model.StreamOutcome) {
	text := MessageGeneric
	switch {
	case outcome.Unauthorized():
		text = MessageUnauthenticated
	case outcome.Kind == model.OutcomeNetworkError:
		text = MessageNetwork
	}
	msg := model.ConversationMessage{
		ID:        uuid.NewString(),
		Role:      model.RoleAssistant,
		Content:   text,
		Status:    model.StatusFinal,
		Failure:   true,
		CreatedAt: c.clock.Now(),
	}
	c.updateMessages(func(msgs []model.ConversationMessage) []model.ConversationMessage {
		return append(msgs, msg)
	})
}

func (c *Coordinator) refreshSessions(ctx context.Context) {
	sessions, err := c.backend.ListSessions(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Warn("failed to refresh sessions", zap.Error(err))
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.sessions = sessions
	snapshot := slices.Clone(sessions)
	c.mu.Unlock()
	c.listener.SessionsChanged(snapshot)
}

func (c *Coordinator) outcomeFor(ctx context.Context, err error) model.StreamOutcome {
	switch {
	case ctx.Err() != nil, errors.Is(err, transport.ErrAborted), errors.Is(err, context.Canceled):
		return model.Aborted()
	case transport.StatusCode(err) != 0:
		return model.HTTPError(transport.StatusCode(err))
	case transport.IsNetwork(err):
		return model.NetworkError(err.Error())
	default:
		c.logger.Error("turn failed", zap.Error(err))
		return model.StreamError(err.Error())
	}
}

// EnsureSession returns the conversation's session id, creating the session
// on first use. Concurrent callers share a single create. The create is not
// tied to the caller's context: a caller that gives up leaves it running for
// whoever joins next, and its session is kept.
func (c *Coordinator) EnsureSession(ctx context.Context, title string) (string, error) {
	if id := c.SessionID(); id != "" {
		return id, nil
	}
	ch := c.group.DoChan("session", func() (any, error) {
		if id := c.SessionID(); id != "" {
			return id, nil
		}
		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCreateTimeout)
		defer cancel()
		session, err := c.backend.CreateSession(createCtx, title)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sessionID == "" {
			c.sessionID = session.ID
		}
		return c.sessionID, nil
	})

	select {
	case <-ctx.Done():
		return "", transport.ErrAborted
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Cancel aborts the active turn, if any, and clears its timers. It does not
// wait for Send to return.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r != nil {
		r.abort()
	}
}

// Close cancels the active turn and waits for it to end.
func (c *Coordinator) Close() {
	c.mu.Lock()
	r := c.active
	c.active = nil
	c.mu.Unlock()
	if r != nil {
		r.abort()
		<-r.done
	}
}

// SessionID returns the conversation's session id, or "".
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastTurnID returns the id of the most recent turn, which keys its
// recorded transcript.
func (c *Coordinator) LastTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTurn
}

// Messages returns the conversation so far.
func (c *Coordinator) Messages() []model.ConversationMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Sessions returns the session list from the last refresh.
func (c *Coordinator) Sessions() []model.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sessions)
}

// Timeline returns the activity timeline of the most recent turn.
func (c *Coordinator) Timeline() []model.ActivityEntry {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.agg.Timeline()
}

func (c *Coordinator) setState(s State) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.listener.StateChanged(s)
}

func (c *Coordinator) emitTimeline(entries []model.ActivityEntry) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.listener.TimelineChanged(entries)
}

func (c *Coordinator) updateMessages(fn func([]model.ConversationMessage) []model.ConversationMessage) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.messages = fn(c.messages)
	snapshot := slices.Clone(c.messages)
	c.mu.Unlock()
	c.listener.MessagesChanged(snapshot)
}

func (c *Coordinator) upsertMessage(msg model.ConversationMessage) {
	c.updateMessages(func(msgs []model.ConversationMessage) []model.ConversationMessage {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == msg.ID {
				msgs[i] = msg
				return msgs
			}
		}
		return append(msgs, msg)
	})
}

func (c *Coordinator) removeMessage(id string) {
	c.mu.Lock()
	present := slices.ContainsFunc(c.messages, func(m model.ConversationMessage) bool { return m.ID == id })
	c.mu.Unlock()
	if !present {
		return
	}
	c.updateMessages(func(msgs []model.ConversationMessage) []model.ConversationMessage {
		return slices.DeleteFunc(msgs, func(m model.ConversationMessage) bool { return m.ID == id })
	})
}

// titleFrom derives a session title from the first message.
func titleFrom(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
}
