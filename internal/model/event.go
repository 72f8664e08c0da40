// Package model defines data structures for the streaming chat client.
package model

import (
	"math"
	"time"
)

// EventKind is the closed set of stream event kinds understood by the client.
type EventKind string

const (
	KindThinkingStream       EventKind = "thinking_stream"
	KindMemoryAccess         EventKind = "memory_access"
	KindContextAnalysis      EventKind = "context_analysis"
	KindSearchPlanning       EventKind = "search_planning"
	KindSearchStart          EventKind = "search_start"
	KindSearchProgress       EventKind = "search_progress"
	KindSearchResultAnalysis EventKind = "search_result_analysis"
	KindContextSynthesis     EventKind = "context_synthesis"
	KindResponsePlanning     EventKind = "response_planning"
	KindToolCall             EventKind = "tool_call"
	KindToolResult           EventKind = "tool_result"
	KindContentDelta         EventKind = "content_delta"
	KindPlaceholder          EventKind = "placeholder"
	KindRateLimited          EventKind = "rate_limited"
	KindComplete             EventKind = "complete"
	KindError                EventKind = "error"
	KindUnknown              EventKind = "unknown"
)

// Wire type aliases that map onto an existing kind.
const (
	wireLimitExceeded = "limit_exceeded"
)

var knownKinds = map[string]EventKind{
	string(KindThinkingStream):       KindThinkingStream,
	string(KindMemoryAccess):         KindMemoryAccess,
	string(KindContextAnalysis):      KindContextAnalysis,
	string(KindSearchPlanning):       KindSearchPlanning,
	string(KindSearchStart):          KindSearchStart,
	string(KindSearchProgress):       KindSearchProgress,
	string(KindSearchResultAnalysis): KindSearchResultAnalysis,
	string(KindContextSynthesis):     KindContextSynthesis,
	string(KindResponsePlanning):     KindResponsePlanning,
	string(KindToolCall):             KindToolCall,
	string(KindToolResult):           KindToolResult,
	string(KindContentDelta):         KindContentDelta,
	string(KindPlaceholder):          KindPlaceholder,
	string(KindRateLimited):          KindRateLimited,
	wireLimitExceeded:                KindRateLimited,
	string(KindComplete):             KindComplete,
	string(KindError):                KindError,
}

// ParseKind maps a wire `type` value to an EventKind. Unrecognized values map
// to KindUnknown.
func ParseKind(wireType string) EventKind {
	if k, ok := knownKinds[wireType]; ok {
		return k
	}
	return KindUnknown
}

// Family groups event kinds by the component that consumes them.
type Family int

const (
	FamilyOther Family = iota
	FamilyThinking
	FamilySearch
	FamilyTool
	FamilyContent
	FamilyTerminal
)

// Family returns the family an event kind belongs to.
func (k EventKind) Family() Family {
	switch k {
	case KindThinkingStream, KindMemoryAccess, KindContextAnalysis,
		KindContextSynthesis, KindResponsePlanning:
		return FamilyThinking
	case KindSearchPlanning, KindSearchStart, KindSearchProgress, KindSearchResultAnalysis:
		return FamilySearch
	case KindToolCall, KindToolResult:
		return FamilyTool
	case KindContentDelta, KindPlaceholder:
		return FamilyContent
	case KindComplete, KindRateLimited, KindError:
		return FamilyTerminal
	default:
		return FamilyOther
	}
}

// IsActivity reports whether the kind feeds the activity timeline.
func (k EventKind) IsActivity() bool {
	switch k.Family() {
	case FamilyThinking, FamilySearch, FamilyTool:
		return true
	}
	return false
}

// Metadata keys carried by stream events.
const (
	MetaTool       = "tool"
	MetaURL        = "url"
	MetaQuery      = "query"
	MetaProgress   = "progress"
	MetaQuality    = "quality"
	MetaResultSize = "result_size"
	MetaResults    = "result_count"
	MetaPhase      = "phase"
	MetaStatus     = "status"
	MetaError      = "error"
	MetaCode       = "code"
)

// StreamEvent is one decoded record of the agent event stream. Events are
// immutable once constructed; Seq is assigned in wire order by the decoder.
type StreamEvent struct {
	Seq        uint64         `json:"seq"`
	Kind       EventKind      `json:"kind"`
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// MetaString returns a string metadata value, or "" when absent.
func (e StreamEvent) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if s, ok := e.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetaInt returns a numeric metadata value. JSON numbers decode as float64;
// values that are not finite or do not fit an int are rejected, fractions
// are truncated.
func (e StreamEvent) MetaInt(key string) (int, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	switch v := e.Metadata[key].(type) {
	case float64:
		// float64(math.MaxInt) rounds up to 2^63, which is already out of range.
		if math.IsNaN(v) || v < math.MinInt || v >= math.MaxInt {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		if v < math.MinInt || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

// MetaBool returns a boolean metadata value.
func (e StreamEvent) MetaBool(key string) bool {
	if e.Metadata == nil {
		return false
	}
	b, _ := e.Metadata[key].(bool)
	return b
}
