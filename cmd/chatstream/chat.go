package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/api"
	"github.com/capitalize-ai/chatstream/internal/auth"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/recorder"
	"github.com/capitalize-ai/chatstream/internal/render"
	"github.com/capitalize-ai/chatstream/internal/transport"
	"github.com/capitalize-ai/chatstream/internal/turn"
	"github.com/capitalize-ai/chatstream/pkg/tracing"
)

type chatFlags struct {
	transport string
	premium   bool
	scenario  string
	session   string
	token     string
}

func newChatCommand(a *app) *cobra.Command {
	f := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively, one turn per input line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.chat(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.transport, "transport", "", "stream or polling (overrides STREAM_TRANSPORT)")
	cmd.Flags().BoolVar(&f.premium, "premium", false, "send in premium mode")
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "replay scenario to request from the replay backend")
	cmd.Flags().StringVar(&f.session, "session", "", "resume an existing chat session")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (overrides API_TOKEN)")
	return cmd
}

func (a *app) chat(ctx context.Context, f *chatFlags, in io.Reader, out io.Writer) error {
	log := a.log

	token := f.token
	if token == "" {
		token = a.cfg.APIToken
	}
	if token == "" {
		return errors.New("no API token: set API_TOKEN or pass --token (see `chatstream token`)")
	}
	mode := f.transport
	if mode == "" {
		mode = a.cfg.StreamMode
	}
	sendMode := ""
	if f.premium {
		sendMode = model.ModePremium
	}

	if a.cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatstream-client", a.cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	store, err := recorder.Open(ctx, a.recorderConfig(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	authn := auth.NewMemoryAuthenticator(token)
	client := api.New(a.cfg.APIBaseURL, authn,
		api.WithHTTPClient(&http.Client{Timeout: a.cfg.RequestTimeout}),
		api.WithLogger(log),
	)
	client.Scenario = f.scenario

	var history []model.ConversationMessage
	if f.session != "" {
		if history, err = client.FetchMessages(ctx, f.session); err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		for _, msg := range history {
			fmt.Fprintln(out, render.Message(msg))
		}
	}

	con := newConsole(out)
	for _, msg := range history {
		con.seenMessages[msg.ID] = true
	}
	authn.OnSignOut = func() {
		con.notice("Signed out. Mint a new token with `chatstream token` and restart.")
	}

	coord := turn.New(turn.Options{
		Backend: client,
		// Streams have no overall deadline; only the REST calls time out.
		Starter:       transport.NewStarter(mode, &http.Client{}, a.cfg.PollInterval, log),
		Auth:          authn,
		Store:         store,
		Listener:      con,
		Logger:        log,
		Mode:          sendMode,
		Window:        a.cfg.DebounceWindow,
		Limit:         a.cfg.TimelineLimit,
		CollapseDelay: a.cfg.CollapseDelay,
		SessionID:     f.session,
		History:       history,
	})
	defer coord.Close()

	// Ctrl-C cancels the streaming turn; when idle it ends the session.
	var streaming atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				if streaming.Load() {
					coord.Cancel()
					continue
				}
				cancel()
				if c, ok := in.(io.Closer); ok {
					_ = c.Close()
				}
				return
			}
		}
	}()

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Fprint(out, "> ")
			continue
		}

		if err := client.AllowMode(ctx, sendMode); err != nil {
			con.notice(err.Error())
			fmt.Fprint(out, "> ")
			continue
		}

		streaming.Store(true)
		outcome := coord.Send(ctx, text)
		streaming.Store(false)

		con.endTurn(outcome)
		if outcome.Unauthorized() || ctx.Err() != nil {
			break
		}
		fmt.Fprint(out, "> ")
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}

// console prints a conversation incrementally: activity entries once when
// they appear, assistant content as it grows.
type console struct {
	mu  sync.Mutex
	out io.Writer

	seenEntries  map[string]bool
	seenMessages map[string]bool
	streamingID  string
	printed      string
}

func newConsole(out io.Writer) *console {
	return &console{
		out:          out,
		seenEntries:  make(map[string]bool),
		seenMessages: make(map[string]bool),
	}
}

func (c *console) StateChanged(turn.State) {}

func (c *console) SessionsChanged([]model.ChatSession) {}

func (c *console) TimelineChanged(entries []model.ActivityEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if c.seenEntries[e.ID] || e.Status == model.EntryCollapsed {
			continue
		}
		c.seenEntries[e.ID] = true
		c.breakLine()
		fmt.Fprintln(c.out, "  "+render.Entry(e))
	}
}

func (c *console) MessagesChanged(messages []model.ConversationMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range messages {
		if msg.Role != model.RoleAssistant || c.seenMessages[msg.ID] {
			continue
		}
		if msg.Failure {
			c.seenMessages[msg.ID] = true
			c.breakLine()
			fmt.Fprintln(c.out, render.Message(msg))
			continue
		}
		c.stream(msg)
	}
}

// stream prints the part of msg not yet on screen. Content that was
// replaced rather than extended is printed again in full.
func (c *console) stream(msg model.ConversationMessage) {
	if msg.ID != c.streamingID || !strings.HasPrefix(msg.Content, c.printed) {
		c.breakLine()
		c.streamingID = msg.ID
		c.printed = ""
		fmt.Fprint(c.out, render.Message(model.ConversationMessage{Role: model.RoleAssistant, Status: model.StatusFinal}))
	}
	fmt.Fprint(c.out, msg.Content[len(c.printed):])
	c.printed = msg.Content
	if msg.Status == model.StatusFinal {
		c.seenMessages[msg.ID] = true
		fmt.Fprintln(c.out)
		c.streamingID = ""
		c.printed = ""
	}
}

// breakLine ends a partially printed message line.
func (c *console) breakLine() {
	if c.streamingID != "" {
		fmt.Fprintln(c.out)
		c.streamingID = ""
		c.printed = ""
	}
}

func (c *console) notice(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	fmt.Fprintln(c.out, text)
}

func (c *console) endTurn(outcome model.StreamOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	if text := render.Outcome(outcome); text != "" {
		fmt.Fprintln(c.out, text)
	}
}
