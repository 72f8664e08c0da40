package wire

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/clock"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// Result tells the caller what Decode did with a line.
type Result int

const (
	// Dropped means the line carried no event.
	Dropped Result = iota
	// Decoded means the returned event is valid.
	Decoded
	// Done means the termination sentinel was seen. The returned event is a
	// synthetic complete event; no further lines may be processed.
	Done
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decoder turns framed lines into StreamEvents. It never fails: malformed
// records are logged and dropped. Decoded events get increasing sequence
// numbers in wire order.
type Decoder struct {
	clock    clock.Clock
	logger   *logger.Logger
	seq      uint64
	dropped  int
	measured bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithoutMetrics keeps the decoder out of the client's event and decode
// error counters, for decoding that is not a live stream.
func WithoutMetrics() DecoderOption {
	return func(d *Decoder) { d.measured = false }
}

// NewDecoder creates a decoder stamping events with clk.
func NewDecoder(clk clock.Clock, log *logger.Logger, opts ...DecoderOption) *Decoder {
	if clk == nil {
		clk = clock.Real()
	}
	d := &Decoder{clock: clk, logger: logger.OrNop(log), measured: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode decodes one line.
func (d *Decoder) Decode(line string) (model.StreamEvent, Result) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, Prefix) {
		return model.StreamEvent{}, Dropped
	}
	payload := strings.TrimSpace(line[len(Prefix):])
	if payload == "" {
		return model.StreamEvent{}, Dropped
	}

	if payload == Sentinel {
		return d.stamp(model.StreamEvent{Kind: model.KindComplete, Type: Sentinel}), Done
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		d.drop("malformed record", len(payload), err)
		return model.StreamEvent{}, Dropped
	}
	if env.Type == "" {
		d.drop("record without type", len(payload), nil)
		return model.StreamEvent{}, Dropped
	}

	ev := model.StreamEvent{
		Kind: model.ParseKind(env.Type),
		Type: env.Type,
	}
	ev.Text, ev.Metadata = decodeData(env.Data)
	return d.stamp(ev), Decoded
}

// Dropped returns how many lines were discarded as malformed.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) stamp(ev model.StreamEvent) model.StreamEvent {
	d.seq++
	ev.Seq = d.seq
	ev.ReceivedAt = d.clock.Now()
	if d.measured {
		metrics.RecordEvent(string(ev.Kind))
	}
	return ev
}

func (d *Decoder) drop(reason string, size int, err error) {
	d.dropped++
	if d.measured {
		metrics.RecordDecodeError()
	}
	d.logger.Debug("dropping stream record",
		zap.String("reason", reason),
		zap.Int("bytes", size),
		zap.Error(err),
	)
}

// decodeData accepts the documented object form and, leniently, a bare
// string payload.
func decodeData(raw json.RawMessage) (string, map[string]any) {
	if len(raw) == 0 {
		return "", nil
	}
	var data model.WireData
	if err := json.Unmarshal(raw, &data); err == nil {
		return data.Content, data.Metadata
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	return "", nil
}
