// Package render projects conversation state onto terminal text. It only
// reads model values; nothing here feeds back into the stream.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// Style is how an activity entry is presented.
type Style struct {
	Label string
	Icon  string
	Color lipgloss.Color
}

var kindStyles = map[model.EventKind]Style{
	model.KindThinkingStream:       {Label: "Thinking", Icon: "◆", Color: "141"},
	model.KindMemoryAccess:         {Label: "Memory", Icon: "◇", Color: "183"},
	model.KindContextAnalysis:      {Label: "Analyzing context", Icon: "◆", Color: "147"},
	model.KindContextSynthesis:     {Label: "Synthesizing", Icon: "◆", Color: "147"},
	model.KindResponsePlanning:     {Label: "Planning response", Icon: "◆", Color: "111"},
	model.KindSearchPlanning:       {Label: "Planning search", Icon: "⌕", Color: "75"},
	model.KindSearchStart:          {Label: "Searching", Icon: "⌕", Color: "39"},
	model.KindSearchProgress:       {Label: "Searching", Icon: "⌕", Color: "39"},
	model.KindSearchResultAnalysis: {Label: "Reading results", Icon: "⌕", Color: "44"},
	model.KindToolCall:             {Label: "Tool", Icon: "⚙", Color: "214"},
	model.KindToolResult:           {Label: "Tool", Icon: "⚙", Color: "214"},
}

var fallbackStyle = Style{Label: "Working", Icon: "•", Color: "245"}

var searchPhaseKinds = map[model.SearchPhase]model.EventKind{
	model.SearchPlanning: model.KindSearchPlanning,
	model.SearchStart:    model.KindSearchStart,
	model.SearchProgress: model.KindSearchProgress,
	model.SearchAnalysis: model.KindSearchResultAnalysis,
	model.SearchComplete: model.KindSearchResultAnalysis,
}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	botStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true)
	upgradeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
)

// ForKind returns the style of an event kind.
func ForKind(kind model.EventKind) Style {
	if s, ok := kindStyles[kind]; ok {
		return s
	}
	return fallbackStyle
}

// Describe returns the style of a timeline entry.
func Describe(e model.ActivityEntry) Style {
	switch {
	case e.Thinking != nil:
		return ForKind(e.Thinking.Kind)
	case e.Search != nil:
		return ForKind(searchPhaseKinds[e.Search.Phase])
	case e.Tool != nil:
		s := ForKind(model.KindToolCall)
		if e.Tool.Tool != "" {
			s.Label = e.Tool.Tool
		}
		if e.Tool.Status == model.ToolError {
			s.Color = "203"
		}
		return s
	}
	return fallbackStyle
}

// Entry renders one timeline row. Collapsed entries show only their label.
func Entry(e model.ActivityEntry) string {
	s := Describe(e)
	head := lipgloss.NewStyle().Foreground(s.Color).Render(s.Icon + " " + s.Label)

	switch e.Status {
	case model.EntryCollapsed:
		return dimStyle.Render(s.Icon + " " + s.Label)
	case model.EntryExecuting:
		head += dimStyle.Render(" …")
	}

	text := e.Text()
	if e.Tool != nil {
		text = toolDetail(e.Tool)
	}
	if text == "" {
		return head
	}
	return head + " " + text
}

func toolDetail(inv *model.ToolInvocation) string {
	var parts []string
	if inv.Query != "" {
		parts = append(parts, inv.Query)
	}
	switch inv.Status {
	case model.ToolError:
		parts = append(parts, errorStyle.Render("failed"))
	case model.ToolComplete:
		if inv.ResultSize != nil {
			parts = append(parts, dimStyle.Render(fmt.Sprintf("(%d results)", *inv.ResultSize)))
		}
		if inv.DurationMs != nil {
			parts = append(parts, dimStyle.Render(fmt.Sprintf("%dms", *inv.DurationMs)))
		}
	}
	return strings.Join(parts, " ")
}

// Timeline renders the activity timeline, one entry per line.
func Timeline(entries []model.ActivityEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, Entry(e))
	}
	return strings.Join(lines, "\n")
}

// Message renders a conversation message.
func Message(msg model.ConversationMessage) string {
	switch {
	case msg.Failure:
		return errorStyle.Render("! ") + msg.Content
	case msg.Role == model.RoleUser:
		return userStyle.Render("you") + dimStyle.Render(" › ") + msg.Content
	}
	out := botStyle.Render("assistant") + dimStyle.Render(" › ") + msg.Content
	if msg.Status == model.StatusStreaming {
		out += dimStyle.Render(" ▍")
	}
	return out
}

// Outcome renders how a turn ended, or "" for a plain completion.
func Outcome(o model.StreamOutcome) string {
	switch o.Kind {
	case model.OutcomeRateLimited:
		reason := o.Reason
		if reason == "" {
			reason = "You have reached your message limit."
		}
		return upgradeStyle.Render("⬆ "+reason) + dimStyle.Render(" Upgrade to keep chatting.")
	case model.OutcomeAborted:
		return dimStyle.Render("(cancelled)")
	}
	return ""
}
