package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// ReadyState mirrors the request states of a status-polled request object.
type ReadyState int

const (
	StateUnsent ReadyState = iota
	StateOpened
	StateHeadersReceived
	StateLoading
	StateDone
)

// DefaultPollInterval is used when a PollingSource is created without one.
const DefaultPollInterval = 25 * time.Millisecond

// Poller is a request object whose response text grows while it loads.
// Bytes already returned by ResponseText never change.
type Poller interface {
	ReadyState() ReadyState
	ResponseText() []byte
	Err() error
	Abort()
}

// PollingSource reads a Poller by returning only the suffix added since the
// previous poll.
type PollingSource struct {
	poller  Poller
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	dec     *textDecoder
	logger  *logger.Logger

	offset     int
	done       bool
	pendingErr error
}

// NewPollingSource polls p at most once per interval until it is done or ctx
// is cancelled.
func NewPollingSource(ctx context.Context, p Poller, interval time.Duration, log *logger.Logger) *PollingSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	return &PollingSource{
		poller:  p,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		ctx:     ctx,
		cancel:  cancel,
		dec:     newTextDecoder(),
		logger:  logger.OrNop(log),
	}
}

// Mode implements Source.
func (s *PollingSource) Mode() string { return ModePolling }

// Offset returns the number of response bytes already consumed.
func (s *PollingSource) Offset() int { return s.offset }

// Read implements Source.
func (s *PollingSource) Read() (string, error) {
	for {
		if s.ctx.Err() != nil {
			s.done = true
			return "", io.EOF
		}
		if s.done {
			if err := s.pendingErr; err != nil {
				s.pendingErr = nil
				return "", err
			}
			return "", io.EOF
		}

		if err := s.limiter.Wait(s.ctx); err != nil {
			s.done = true
			return "", io.EOF
		}

		// State is sampled before the text: once Done is observed the text
		// is complete.
		state := s.poller.ReadyState()
		text := s.poller.ResponseText()

		var out string
		if len(text) > s.offset {
			delta := text[s.offset:]
			s.offset = len(text)
			metrics.RecordBytes(ModePolling, len(delta))
			out = s.dec.decode(delta, false)
		}
		if state == StateDone {
			s.done = true
			out += s.dec.decode(nil, true)
			if err := s.poller.Err(); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("polled request failed", zap.Error(err))
				s.pendingErr = &NetworkError{Err: err}
			}
		}
		if out != "" && s.ctx.Err() == nil {
			return out, nil
		}
	}
}

// Abort implements Source.
func (s *PollingSource) Abort() {
	s.cancel()
	s.poller.Abort()
}

// BufferedResponse adapts a streaming body into a Poller: a background
// goroutine appends the body into a growing buffer.
type BufferedResponse struct {
	body io.ReadCloser
	once sync.Once

	mu    sync.Mutex
	state ReadyState
	text  []byte
	err   error
}

// NewBufferedResponse starts buffering body.
func NewBufferedResponse(body io.ReadCloser) *BufferedResponse {
	r := &BufferedResponse{body: body, state: StateHeadersReceived}
	go r.pump()
	return r
}

func (r *BufferedResponse) pump() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.body.Read(buf)
		r.mu.Lock()
		if n > 0 {
			r.text = append(r.text, buf[:n]...)
			r.state = StateLoading
		}
		if err != nil {
			r.state = StateDone
			if !errors.Is(err, io.EOF) {
				r.err = err
			}
			r.mu.Unlock()
			r.close()
			return
		}
		r.mu.Unlock()
	}
}

// ReadyState implements Poller.
func (r *BufferedResponse) ReadyState() ReadyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ResponseText implements Poller.
func (r *BufferedResponse) ResponseText() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text[:len(r.text):len(r.text)]
}

// Err implements Poller.
func (r *BufferedResponse) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Abort implements Poller.
func (r *BufferedResponse) Abort() {
	r.close()
}

func (r *BufferedResponse) close() {
	r.once.Do(func() {
		_ = r.body.Close()
	})
}
