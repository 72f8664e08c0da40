// Package transport reads an in-flight HTTP response body as a sequence of
// text chunks. Two adapters share the Source contract: ReaderSource pulls
// from a streaming body, PollingSource polls a growing response buffer.
package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// Transport names.
const (
	ModeStream  = "stream"
	ModePolling = "polling"
)

const readBufferSize = 4096

// Source yields decoded text chunks of one response.
//
// Read returns the next non-empty chunk, or io.EOF once the response has
// ended or the source was aborted. A transport failure is returned once as a
// *NetworkError; every later call returns io.EOF.
type Source interface {
	Read() (string, error)
	Abort()
	Mode() string
}

// Starter issues a streaming request and returns a Source over its body.
// Non-2xx responses fail with *HTTPError, transport failures with
// *NetworkError and cancellation with ErrAborted.
type Starter interface {
	Start(ctx context.Context, req *http.Request) (Source, error)
}

// NewStarter returns the Starter for a transport mode. Unknown modes fall
// back to the streaming reader.
func NewStarter(mode string, client *http.Client, pollInterval time.Duration, log *logger.Logger) Starter {
	if client == nil {
		client = http.DefaultClient
	}
	if mode == ModePolling {
		return &PollingStarter{Client: client, Interval: pollInterval, Logger: log}
	}
	return &StreamStarter{Client: client, Logger: log}
}

// StreamStarter opens ReaderSources.
type StreamStarter struct {
	Client *http.Client
	Logger *logger.Logger
}

// Start implements Starter.
func (s *StreamStarter) Start(ctx context.Context, req *http.Request) (Source, error) {
	resp, err := do(ctx, s.Client, req)
	if err != nil {
		return nil, err
	}
	return NewReaderSource(resp.Body, s.Logger), nil
}

// PollingStarter opens PollingSources over a BufferedResponse.
type PollingStarter struct {
	Client   *http.Client
	Interval time.Duration
	Logger   *logger.Logger
}

// Start implements Starter.
func (s *PollingStarter) Start(ctx context.Context, req *http.Request) (Source, error) {
	resp, err := do(ctx, s.Client, req)
	if err != nil {
		return nil, err
	}
	return NewPollingSource(ctx, NewBufferedResponse(resp.Body), s.Interval, s.Logger), nil
}

func do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, readBufferSize))
		_ = resp.Body.Close()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
