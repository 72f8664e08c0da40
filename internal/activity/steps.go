package activity

import (
	"strings"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// searchPhases maps search-family kinds to the phase they open.
var searchPhases = map[model.EventKind]model.SearchPhase{
	model.KindSearchPlanning:       model.SearchPlanning,
	model.KindSearchStart:          model.SearchStart,
	model.KindSearchProgress:       model.SearchProgress,
	model.KindSearchResultAnalysis: model.SearchAnalysis,
}

func newThinkingStep(ev model.StreamEvent) model.ThinkingStep {
	return model.ThinkingStep{
		ID:        uuid.New().String(),
		Kind:      ev.Kind,
		Text:      ev.Text,
		Phase:     ev.MetaString(model.MetaPhase),
		CreatedAt: ev.ReceivedAt,
	}
}

func newSearchStep(ev model.StreamEvent) model.SearchStep {
	phase := searchPhases[ev.Kind]
	// A server may close a search explicitly with status=complete.
	if strings.EqualFold(ev.MetaString(model.MetaStatus), string(model.SearchComplete)) {
		phase = model.SearchComplete
	}
	step := model.SearchStep{
		ID:        uuid.New().String(),
		Phase:     phase,
		Tool:      ev.MetaString(model.MetaTool),
		Text:      ev.Text,
		URL:       ev.MetaString(model.MetaURL),
		CreatedAt: ev.ReceivedAt,
	}
	if n, ok := ev.MetaInt(model.MetaResults); ok {
		step.ResultCount = &n
	}
	return step
}

// toolName returns the tool an event refers to. Events without a tool
// name fall back to the text payload so they can still be matched.
func toolName(ev model.StreamEvent) string {
	if name := ev.MetaString(model.MetaTool); name != "" {
		return name
	}
	return strings.TrimSpace(ev.Text)
}

func toolFailed(ev model.StreamEvent) bool {
	if strings.EqualFold(ev.MetaString(model.MetaStatus), string(model.ToolError)) {
		return true
	}
	if ev.MetaString(model.MetaError) != "" {
		return true
	}
	return ev.MetaBool(model.MetaError)
}

func newToolInvocation(ev model.StreamEvent) *model.ToolInvocation {
	query := ev.MetaString(model.MetaQuery)
	if query == "" && ev.MetaString(model.MetaTool) != "" {
		query = ev.Text
	}
	return &model.ToolInvocation{
		ID:        uuid.New().String(),
		Tool:      toolName(ev),
		Status:    model.ToolExecuting,
		Query:     query,
		CreatedAt: ev.ReceivedAt,
	}
}

// finishTool moves an invocation out of executing using the result event,
// or the call event that superseded it.
func finishTool(inv *model.ToolInvocation, ev model.StreamEvent, status model.ToolStatus) {
	inv.Status = status
	if ev.Kind == model.KindToolResult {
		if n, ok := ev.MetaInt(model.MetaResultSize); ok {
			inv.ResultSize = &n
		}
	}
	if !ev.ReceivedAt.IsZero() && !inv.CreatedAt.IsZero() {
		ms := ev.ReceivedAt.Sub(inv.CreatedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		inv.DurationMs = &ms
	}
}
