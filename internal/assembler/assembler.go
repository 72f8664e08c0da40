// Package assembler folds content events into the single assistant message
// a turn produces.
package assembler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// Assembler owns the in-flight assistant message of one turn.
//
// Placeholder text is shown until the first real delta replaces it; after
// that content only grows, except that a complete event carrying content
// overwrites it with the server's authoritative text.
type Assembler struct {
	mu     sync.Mutex
	msg    model.ConversationMessage
	logger *logger.Logger

	hasRealContent bool
	lastSeq        uint64
}

// New creates an assembler for a streaming assistant message.
func New(id string, createdAt time.Time, log *logger.Logger) *Assembler {
	return &Assembler{
		msg: model.ConversationMessage{
			ID:        id,
			Role:      model.RoleAssistant,
			Status:    model.StatusStreaming,
			CreatedAt: createdAt,
		},
		logger: logger.OrNop(log).Named("assembler"),
	}
}

// Apply folds ev into the message and reports whether the message changed.
// Events at or below the last applied sequence number are rejected, so an
// event is never applied twice. A final message accepts nothing.
func (a *Assembler) Apply(ev model.StreamEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Seq != 0 {
		if ev.Seq <= a.lastSeq {
			a.logger.Debug("rejecting replayed event",
				zap.Uint64("seq", ev.Seq),
				zap.Uint64("last_seq", a.lastSeq),
			)
			return false
		}
		a.lastSeq = ev.Seq
	}
	if a.msg.Status == model.StatusFinal {
		return false
	}

	switch ev.Kind {
	case model.KindPlaceholder:
		if a.hasRealContent || a.msg.Content == ev.Text {
			return false
		}
		a.msg.Content = ev.Text
		return true

	case model.KindContentDelta:
		if ev.Text == "" {
			return false
		}
		if !a.hasRealContent {
			a.hasRealContent = true
			a.msg.Content = ev.Text
			return true
		}
		a.msg.Content += ev.Text
		return true

	case model.KindComplete:
		if ev.Text != "" {
			a.hasRealContent = true
			a.msg.Content = ev.Text
		}
		a.msg.Status = model.StatusFinal
		return true
	}
	return false
}

// Finalize marks the message final without changing its content.
func (a *Assembler) Finalize() model.ConversationMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msg.Status = model.StatusFinal
	return a.msg
}

// Message returns a snapshot of the message.
func (a *Assembler) Message() model.ConversationMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg
}

// HasRealContent reports whether a content delta or authoritative content
// has been applied.
func (a *Assembler) HasRealContent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasRealContent
}
