// Package activity folds thinking, search and tool events into the bounded,
// auto-collapsing activity timeline shown while a turn streams.
package activity

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/clock"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

const (
	// DefaultLimit is the number of entries the timeline shows.
	DefaultLimit = 3
	// DefaultCollapseDelay is how long a completed entry stays expanded.
	DefaultCollapseDelay = 2 * time.Second
)

// Options configures an Aggregator.
type Options struct {
	Limit         int
	CollapseDelay time.Duration
	Clock         clock.Clock
	Logger        *logger.Logger

	// OnChange receives a copy of the timeline after every change. It is
	// called with the aggregator's lock held and must not call back into it.
	OnChange func([]model.ActivityEntry)
}

type item struct {
	seq      uint64
	kind     model.EntryKind
	at       time.Time
	thinking *model.ThinkingStep
	search   *model.SearchStep
	tool     *model.ToolInvocation
}

func (it *item) id() string {
	switch {
	case it.thinking != nil:
		return it.thinking.ID
	case it.search != nil:
		return it.search.ID
	default:
		return it.tool.ID
	}
}

// Aggregator owns the typed activity logs of one turn and the timeline
// derived from them. The logs keep full history; only the timeline is
// bounded. It is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	opts   Options
	logger *logger.Logger

	items []*item
	seq   uint64

	active         bool
	contentStarted bool
	closed         bool

	collapsed map[string]bool
	timers    map[string]clock.Timer
	view      []model.ActivityEntry
}

// New creates an aggregator for an active turn.
func New(opts Options) *Aggregator {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.CollapseDelay <= 0 {
		opts.CollapseDelay = DefaultCollapseDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Aggregator{
		opts:      opts,
		logger:    logger.OrNop(opts.Logger).Named("activity"),
		active:    true,
		collapsed: make(map[string]bool),
		timers:    make(map[string]clock.Timer),
	}
}

// Apply folds events into the logs and publishes one timeline update for
// the whole batch. Events outside the activity families are ignored.
func (a *Aggregator) Apply(events ...model.StreamEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	changed := false
	for _, ev := range events {
		if a.apply(ev) {
			changed = true
		}
	}
	if changed {
		a.refresh()
	}
}

func (a *Aggregator) apply(ev model.StreamEvent) bool {
	switch ev.Kind.Family() {
	case model.FamilyThinking:
		step := newThinkingStep(ev)
		a.add(&item{kind: model.EntryThinking, at: step.CreatedAt, thinking: &step})
	case model.FamilySearch:
		step := newSearchStep(ev)
		a.add(&item{kind: model.EntrySearch, at: step.CreatedAt, search: &step})
	case model.FamilyTool:
		a.applyTool(ev)
	default:
		return false
	}
	return true
}

func (a *Aggregator) applyTool(ev model.StreamEvent) {
	name := toolName(ev)

	if ev.Kind == model.KindToolCall {
		// At most one executing invocation per tool name: a new call
		// completes the previous one.
		for _, it := range a.items {
			if it.tool != nil && it.tool.Tool == name && it.tool.Status == model.ToolExecuting {
				finishTool(it.tool, ev, model.ToolComplete)
			}
		}
		inv := newToolInvocation(ev)
		a.add(&item{kind: model.EntryTool, at: inv.CreatedAt, tool: inv})
		return
	}

	status := model.ToolComplete
	if toolFailed(ev) {
		status = model.ToolError
	}
	if inv := a.executingTool(name); inv != nil {
		finishTool(inv, ev, status)
		return
	}

	// A result without a matching call still gets recorded.
	a.logger.Debug("tool result without executing call", zap.String("tool", name))
	inv := newToolInvocation(ev)
	finishTool(inv, ev, status)
	a.add(&item{kind: model.EntryTool, at: inv.CreatedAt, tool: inv})
}

func (a *Aggregator) executingTool(name string) *model.ToolInvocation {
	for i := len(a.items) - 1; i >= 0; i-- {
		inv := a.items[i].tool
		if inv == nil || inv.Status != model.ToolExecuting {
			continue
		}
		if name == "" || inv.Tool == name {
			return inv
		}
	}
	return nil
}

func (a *Aggregator) add(it *item) {
	a.seq++
	it.seq = a.seq
	a.items = append(a.items, it)
}

// MarkContentStarted records that the first content delta arrived; the
// last entry stops being shown as executing.
func (a *Aggregator) MarkContentStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.contentStarted {
		return
	}
	a.contentStarted = true
	a.refresh()
}

// Finish ends the turn: every visible entry is published as complete, and
// pending collapse timers are cancelled. Entries that had not collapsed yet
// stay complete. Nothing is published afterwards.
func (a *Aggregator) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.active = false
	a.refresh()
	a.close()
}

// Teardown cancels every pending collapse timer without a final update.
// Nothing is published afterwards.
func (a *Aggregator) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.close()
}

func (a *Aggregator) close() {
	if a.closed {
		return
	}
	a.closed = true
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}

// Timeline returns a copy of the current timeline.
func (a *Aggregator) Timeline() []model.ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.view)
}

// PendingTimers returns the number of armed collapse timers.
func (a *Aggregator) PendingTimers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Thinking returns the full thinking log of the turn.
func (a *Aggregator) Thinking() []model.ThinkingStep {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.ThinkingStep
	for _, it := range a.items {
		if it.thinking != nil {
			out = append(out, *it.thinking)
		}
	}
	return out
}

// Searches returns the full search log of the turn.
func (a *Aggregator) Searches() []model.SearchStep {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.SearchStep
	for _, it := range a.items {
		if it.search != nil {
			out = append(out, *it.search)
		}
	}
	return out
}

// Tools returns the full tool log of the turn.
func (a *Aggregator) Tools() []model.ToolInvocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.ToolInvocation
	for _, it := range a.items {
		if it.tool != nil {
			out = append(out, *it.tool)
		}
	}
	return out
}

// refresh recomputes the timeline, reconciles collapse timers with it and
// publishes it. Callers hold a.mu.
func (a *Aggregator) refresh() {
	merged := slices.Clone(a.items)
	slices.SortStableFunc(merged, func(x, y *item) int {
		if c := x.at.Compare(y.at); c != 0 {
			return c
		}
		switch {
		case x.seq < y.seq:
			return -1
		case x.seq > y.seq:
			return 1
		}
		return 0
	})
	if len(merged) > a.opts.Limit {
		merged = merged[len(merged)-a.opts.Limit:]
	}

	visible := make(map[string]bool, len(merged))
	view := make([]model.ActivityEntry, 0, len(merged))
	for i, it := range merged {
		id := it.id()
		visible[id] = true

		status := model.EntryComplete
		switch {
		case a.collapsed[id]:
			status = model.EntryCollapsed
		case i == len(merged)-1 && a.active && !a.contentStarted:
			status = model.EntryExecuting
		case a.active:
			a.armCollapse(id)
		}
		view = append(view, entryFor(it, id, status))
	}

	// Entries pushed out of the view are superseded.
	for id, t := range a.timers {
		if !visible[id] {
			t.Stop()
			delete(a.timers, id)
		}
	}

	a.view = view
	if a.opts.OnChange != nil {
		a.opts.OnChange(slices.Clone(view))
	}
}

func (a *Aggregator) armCollapse(id string) {
	if _, ok := a.timers[id]; ok {
		return
	}
	a.timers[id] = a.opts.Clock.AfterFunc(a.opts.CollapseDelay, func() {
		a.collapse(id)
	})
}

func (a *Aggregator) collapse(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if _, ok := a.timers[id]; !ok {
		// Cancelled after the timer already fired.
		return
	}
	delete(a.timers, id)
	a.collapsed[id] = true
	a.refresh()
}

func entryFor(it *item, id string, status model.EntryStatus) model.ActivityEntry {
	e := model.ActivityEntry{
		ID:        id,
		Kind:      it.kind,
		Status:    status,
		CreatedAt: it.at,
	}
	switch {
	case it.thinking != nil:
		step := *it.thinking
		e.Thinking = &step
	case it.search != nil:
		step := *it.search
		e.Search = &step
	case it.tool != nil:
		inv := *it.tool
		e.Tool = &inv
	}
	return e
}
