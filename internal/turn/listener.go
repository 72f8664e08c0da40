package turn

import (
	"github.com/capitalize-ai/chatstream/internal/model"
)

// State is the coordinator's position in a turn.
type State int

const (
	StateIdle State = iota
	StateEnsuringSession
	StateStreaming
	StateCompleted
	StateRateLimited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnsuringSession:
		return "ensuring_session"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateRateLimited:
		return "rate_limited"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Listener observes a conversation. Calls are serialized but may arrive on
// a timer goroutine. Every argument is a snapshot the listener may keep.
// A listener must not call back into the Coordinator synchronously.
type Listener interface {
	StateChanged(state State)
	MessagesChanged(messages []model.ConversationMessage)
	TimelineChanged(entries []model.ActivityEntry)
	SessionsChanged(sessions []model.ChatSession)
}

// Funcs adapts optional functions to a Listener.
type Funcs struct {
	OnState    func(State)
	OnMessages func([]model.ConversationMessage)
	OnTimeline func([]model.ActivityEntry)
	OnSessions func([]model.ChatSession)
}

// StateChanged implements Listener.
func (f Funcs) StateChanged(state State) {
	if f.OnState != nil {
		f.OnState(state)
	}
}

// MessagesChanged implements Listener.
func (f Funcs) MessagesChanged(messages []model.ConversationMessage) {
	if f.OnMessages != nil {
		f.OnMessages(messages)
	}
}

// TimelineChanged implements Listener.
func (f Funcs) TimelineChanged(entries []model.ActivityEntry) {
	if f.OnTimeline != nil {
		f.OnTimeline(entries)
	}
}

// SessionsChanged implements Listener.
func (f Funcs) SessionsChanged(sessions []model.ChatSession) {
	if f.OnSessions != nil {
		f.OnSessions(sessions)
	}
}
