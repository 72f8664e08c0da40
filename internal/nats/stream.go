package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the transcripts stream.
	StreamName = "TRANSCRIPTS"

	// SubjectPrefix is the prefix for all transcript subjects.
	SubjectPrefix = "transcript"

	fetchBatch   = 256
	fetchMaxWait = 2 * time.Second
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. Transcripts older than
// maxAge are expired by the server; zero keeps them for a week.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream ensures the transcripts stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		MaxBytes:    1024 * 1024 * 1024, // 1GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Recorded wire lines of streamed chat turns",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// TranscriptSubject returns the subject holding a turn's lines.
func TranscriptSubject(turnID string) string {
	// Subject tokens cannot contain dots or wildcards.
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(turnID)
	return fmt.Sprintf("%s.%s", SubjectPrefix, token)
}

// PublishLine appends one record to a turn's transcript.
func (m *StreamManager) PublishLine(ctx context.Context, turnID string, data []byte) (uint64, error) {
	ack, err := m.client.JetStream().Publish(ctx, TranscriptSubject(turnID), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish line: %w", err)
	}
	return ack.Sequence, nil
}

// FetchTranscript reads every record of a turn in publish order.
func (m *StreamManager) FetchTranscript(ctx context.Context, turnID string) ([][]byte, error) {
	js := m.client.JetStream()

	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{TranscriptSubject(turnID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect consumer: %w", err)
	}
	remaining := int(info.NumPending)

	var records [][]byte
	for remaining > 0 {
		batch, err := consumer.Fetch(min(remaining, fetchBatch), jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch lines: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			records = append(records, append([]byte(nil), msg.Data()...))
			got++
		}
		if got == 0 {
			if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("batch error: %w", err)
			}
			break
		}
		remaining -= got
	}
	return records, nil
}
