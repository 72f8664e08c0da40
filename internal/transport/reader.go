package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// ReaderSource pulls chunks from a streaming response body.
type ReaderSource struct {
	body    io.ReadCloser
	dec     *textDecoder
	buf     []byte
	logger  *logger.Logger
	aborted atomic.Bool
	once    sync.Once

	// Only touched by the goroutine calling Read.
	done       bool
	pendingErr error
}

// NewReaderSource wraps body. The body is closed when it ends, fails or the
// source is aborted.
func NewReaderSource(body io.ReadCloser, log *logger.Logger) *ReaderSource {
	return &ReaderSource{
		body:   body,
		dec:    newTextDecoder(),
		buf:    make([]byte, readBufferSize),
		logger: logger.OrNop(log),
	}
}

// Mode implements Source.
func (s *ReaderSource) Mode() string { return ModeStream }

// Read implements Source.
func (s *ReaderSource) Read() (string, error) {
	for {
		if s.aborted.Load() {
			return "", io.EOF
		}
		if s.done {
			if err := s.pendingErr; err != nil {
				s.pendingErr = nil
				return "", err
			}
			return "", io.EOF
		}

		n, err := s.body.Read(s.buf)
		var text string
		if n > 0 {
			metrics.RecordBytes(ModeStream, n)
			text = s.dec.decode(s.buf[:n], false)
		}
		if err != nil {
			s.done = true
			s.close()
			text += s.dec.decode(nil, true)
			if !errors.Is(err, io.EOF) && !s.aborted.Load() {
				s.logger.Warn("stream read failed", zap.Error(err))
				s.pendingErr = &NetworkError{Err: err}
			}
		}
		if text != "" && !s.aborted.Load() {
			return text, nil
		}
	}
}

// Abort implements Source. It is safe to call from any goroutine; a blocked
// Read returns io.EOF.
func (s *ReaderSource) Abort() {
	s.aborted.Store(true)
	s.close()
}

func (s *ReaderSource) close() {
	s.once.Do(func() {
		_ = s.body.Close()
	})
}
