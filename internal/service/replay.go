package service

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/assembler"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/recorder"
	"github.com/capitalize-ai/chatstream/internal/wire"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

const (
	// DefaultScenario is replayed when a request names nothing else.
	DefaultScenario = "default"

	scenarioExt    = ".sse"
	turnPrefix     = "turn:"
	statusPrefix   = "status:"
	maxFixtureSize = 8 * 1024 * 1024
)

//go:embed scenarios/*.sse
var builtinScenarios embed.FS

// ErrUnknownScenario is returned for a scenario that resolves to nothing.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is what the stream endpoint plays back: either a wire body or a
// bare HTTP status.
type Scenario struct {
	Name   string
	Status int
	Body   []byte
}

// Catalog resolves scenario names to transcripts. Lookups go to the fixture
// directory first, then the built-in scenarios; `turn:<id>` loads a recorded
// turn from the store and `status:<code>` answers with that status.
type Catalog struct {
	dir    string
	store  recorder.Store
	logger *logger.Logger
}

// NewCatalog creates a catalog. dir and store are optional.
func NewCatalog(dir string, store recorder.Store, log *logger.Logger) *Catalog {
	if store == nil {
		store = recorder.Nop{}
	}
	return &Catalog{dir: dir, store: store, logger: logger.OrNop(log)}
}

// Select picks the scenario for a stream request: the explicit header value,
// else the message content when it names a known scenario, else the default.
func (c *Catalog) Select(header, content string) string {
	if header != "" {
		return header
	}
	if name := strings.TrimSpace(content); name != "" && c.Has(name) {
		return name
	}
	return DefaultScenario
}

// Has reports whether name resolves without consulting the recorder.
func (c *Catalog) Has(name string) bool {
	if strings.HasPrefix(name, turnPrefix) || strings.HasPrefix(name, statusPrefix) {
		return true
	}
	return slices.Contains(c.Names(), name)
}

// Names lists the fixture and built-in scenario names.
func (c *Catalog) Names() []string {
	var names []string
	add := func(entries []fs.DirEntry) {
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != scenarioExt {
				continue
			}
			name := strings.TrimSuffix(e.Name(), scenarioExt)
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	if c.dir != "" {
		if entries, err := os.ReadDir(c.dir); err == nil {
			add(entries)
		}
	}
	if entries, err := builtinScenarios.ReadDir("scenarios"); err == nil {
		add(entries)
	}
	slices.Sort(names)
	return names
}

// Resolve loads a scenario.
func (c *Catalog) Resolve(ctx context.Context, name string) (Scenario, error) {
	switch {
	case strings.HasPrefix(name, statusPrefix):
		code, err := strconv.Atoi(strings.TrimPrefix(name, statusPrefix))
		if err != nil || code < 100 || code > 599 {
			return Scenario{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
		}
		return Scenario{Name: name, Status: code}, nil

	case strings.HasPrefix(name, turnPrefix):
		lines, err := c.store.Load(ctx, strings.TrimPrefix(name, turnPrefix))
		if errors.Is(err, recorder.ErrNotFound) {
			return Scenario{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
		}
		if err != nil {
			return Scenario{}, fmt.Errorf("failed to load transcript: %w", err)
		}
		return Scenario{Name: name, Status: 200, Body: recorder.Transcript(lines)}, nil
	}

	body, err := c.readFixture(name)
	if err != nil {
		return Scenario{}, err
	}
	return Scenario{Name: name, Status: 200, Body: body}, nil
}

func (c *Catalog) readFixture(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	file := name + scenarioExt

	if c.dir != "" {
		path := filepath.Join(c.dir, file)
		if info, err := os.Stat(path); err == nil {
			if info.Size() > maxFixtureSize {
				return nil, fmt.Errorf("fixture %s is too large", name)
			}
			body, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read fixture: %w", err)
			}
			return body, nil
		}
	}

	body, err := builtinScenarios.ReadFile("scenarios/" + file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
	}
	return body, nil
}

// AssistantMessage folds a transcript into the assistant message it
// produces, using the same framing and assembly as the client. ok is false
// when the transcript carries no content or ends in a rate limit.
func (c *Catalog) AssistantMessage(body []byte, id string, at time.Time) (model.ConversationMessage, bool) {
	pipeline := wire.NewPipeline(wire.NewDecoder(nil, c.logger, wire.WithoutMetrics()))
	asm := assembler.New(id, at, c.logger)

	events := pipeline.Feed(string(body))
	events = append(events, pipeline.End()...)
	for _, ev := range events {
		switch ev.Kind {
		case model.KindRateLimited:
			return model.ConversationMessage{}, false
		case model.KindError:
			c.logger.Debug("transcript ends in error", zap.String("reason", ev.Text))
			if !asm.HasRealContent() {
				return model.ConversationMessage{}, false
			}
			return asm.Finalize(), true
		}
		asm.Apply(ev)
	}
	if !asm.HasRealContent() {
		return model.ConversationMessage{}, false
	}
	return asm.Finalize(), true
}
