// Package recorder keeps the framed wire lines of streamed turns so a turn
// can be inspected or replayed later. Recording is best effort: callers log
// failures and carry on.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store kinds accepted by Open.
const (
	KindNone  = "none"
	KindFile  = "file"
	KindNATS  = "nats"
	KindRedis = "redis"
)

// ErrNotFound is returned by Load for a turn with no recorded lines.
var ErrNotFound = errors.New("transcript not found")

// Line is one framed wire line of a turn.
type Line struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Store persists transcripts.
type Store interface {
	Append(ctx context.Context, line Line) error
	Load(ctx context.Context, turnID string) ([]Line, error)
	Close() error
}

// Transcript renders lines back into a wire body.
func Transcript(lines []Line) []byte {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Nop records nothing.
type Nop struct{}

// Append implements Store.
func (Nop) Append(context.Context, Line) error { return nil }

// Load implements Store.
func (Nop) Load(context.Context, string) ([]Line, error) { return nil, ErrNotFound }

// Close implements Store.
func (Nop) Close() error { return nil }

func validTurnID(turnID string) error {
	if turnID == "" {
		return fmt.Errorf("turn id is required")
	}
	return nil
}
