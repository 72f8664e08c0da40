package wire

import (
	"github.com/capitalize-ai/chatstream/internal/model"
)

// Pipeline chains a Framer and a Decoder. Once the termination sentinel has
// been decoded the pipeline is stopped and ignores all further input,
// including lines that arrived in the same chunk.
type Pipeline struct {
	framer  *Framer
	decoder *Decoder
	stopped bool

	// OnLine, when set, observes every framed line before it is decoded.
	OnLine func(line string)
}

// NewPipeline creates a pipeline around dec.
func NewPipeline(dec *Decoder) *Pipeline {
	return &Pipeline{framer: NewFramer(), decoder: dec}
}

// Feed frames chunk and returns the events decoded from completed lines.
func (p *Pipeline) Feed(chunk string) []model.StreamEvent {
	if p.stopped {
		return nil
	}
	return p.decode(p.framer.Push(chunk))
}

// End flushes the trailing fragment at natural end of stream. A fragment
// that does not decode is discarded silently.
func (p *Pipeline) End() []model.StreamEvent {
	if p.stopped {
		return nil
	}
	line, ok := p.framer.Flush()
	if !ok {
		return nil
	}
	return p.decode([]string{line})
}

// Stopped reports whether the sentinel was seen.
func (p *Pipeline) Stopped() bool {
	return p.stopped
}

// Decoder returns the underlying decoder.
func (p *Pipeline) Decoder() *Decoder {
	return p.decoder
}

func (p *Pipeline) decode(lines []string) []model.StreamEvent {
	var events []model.StreamEvent
	for _, line := range lines {
		if p.OnLine != nil {
			p.OnLine(line)
		}
		ev, res := p.decoder.Decode(line)
		switch res {
		case Decoded:
			events = append(events, ev)
		case Done:
			events = append(events, ev)
			p.stopped = true
			return events
		}
	}
	return events
}
