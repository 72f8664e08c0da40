package recorder

import (
	"context"
	"encoding/json"
	"fmt"

	natsclient "github.com/capitalize-ai/chatstream/internal/nats"
)

// NATSStore publishes lines to the JetStream transcripts stream, one subject
// per turn.
type NATSStore struct {
	client  *natsclient.Client
	streams *natsclient.StreamManager
}

// NewNATSStore ensures the transcripts stream exists. The store owns client
// and closes it.
func NewNATSStore(ctx context.Context, client *natsclient.Client) (*NATSStore, error) {
	streams := natsclient.NewStreamManager(client, 0)
	if err := streams.EnsureStream(ctx); err != nil {
		return nil, err
	}
	return &NATSStore{client: client, streams: streams}, nil
}

// Append implements Store.
func (s *NATSStore) Append(ctx context.Context, line Line) error {
	if err := validTurnID(line.TurnID); err != nil {
		return err
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}
	_, err = s.streams.PublishLine(ctx, line.TurnID, data)
	return err
}

// Load implements Store.
func (s *NATSStore) Load(ctx context.Context, turnID string) ([]Line, error) {
	if err := validTurnID(turnID); err != nil {
		return nil, err
	}
	records, err := s.streams.FetchTranscript(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	lines := make([]Line, 0, len(records))
	for _, rec := range records {
		var line Line
		if err := json.Unmarshal(rec, &line); err != nil {
			return nil, fmt.Errorf("failed to parse transcript: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Connected reports whether the NATS connection is up.
func (s *NATSStore) Connected() bool {
	return s.client.IsConnected()
}

// Close implements Store.
func (s *NATSStore) Close() error {
	s.client.Close()
	return nil
}
