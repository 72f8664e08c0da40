package model

import (
	"time"
)

// ThinkingStep is derived from thinking-family events.
type ThinkingStep struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text"`
	Phase     string    `json:"phase,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchPhase is the lifecycle phase of a search step.
type SearchPhase string

const (
	SearchPlanning SearchPhase = "planning"
	SearchStart    SearchPhase = "start"
	SearchProgress SearchPhase = "progress"
	SearchAnalysis SearchPhase = "analysis"
	SearchComplete SearchPhase = "complete"
)

// SearchStep is derived from search-family events.
type SearchStep struct {
	ID          string      `json:"id"`
	Phase       SearchPhase `json:"phase"`
	Tool        string      `json:"tool,omitempty"`
	Text        string      `json:"text"`
	URL         string      `json:"url,omitempty"`
	ResultCount *int        `json:"result_count,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ToolStatus is the execution state of a tool invocation.
type ToolStatus string

const (
	ToolExecuting ToolStatus = "executing"
	ToolComplete  ToolStatus = "complete"
	ToolError     ToolStatus = "error"
)

// ToolInvocation tracks one tool call. At most one invocation per tool name is
// executing at a time.
type ToolInvocation struct {
	ID         string     `json:"id"`
	Tool       string     `json:"tool"`
	Status     ToolStatus `json:"status"`
	Query      string     `json:"query,omitempty"`
	ResultSize *int       `json:"result_size,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EntryKind identifies which log an activity entry comes from.
type EntryKind string

const (
	EntryThinking EntryKind = "thinking"
	EntrySearch   EntryKind = "search"
	EntryTool     EntryKind = "tool"
)

// EntryStatus is the display state of a timeline entry.
type EntryStatus string

const (
	EntryExecuting EntryStatus = "executing"
	EntryComplete  EntryStatus = "complete"
	EntryCollapsed EntryStatus = "collapsed"
)

// ActivityEntry is one row of the activity timeline. Exactly one of Thinking,
// Search and Tool is set, matching Kind.
type ActivityEntry struct {
	ID        string          `json:"id"`
	Kind      EntryKind       `json:"kind"`
	Status    EntryStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	Thinking  *ThinkingStep   `json:"thinking,omitempty"`
	Search    *SearchStep     `json:"search,omitempty"`
	Tool      *ToolInvocation `json:"tool,omitempty"`
}

// Text returns the human readable text of the underlying step.
func (e ActivityEntry) Text() string {
	switch {
	case e.Thinking != nil:
		return e.Thinking.Text
	case e.Search != nil:
		return e.Search.Text
	case e.Tool != nil:
		if e.Tool.Query != "" {
			return e.Tool.Tool + ": " + e.Tool.Query
		}
		return e.Tool.Tool
	}
	return ""
}
