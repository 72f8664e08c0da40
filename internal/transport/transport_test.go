package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multiByte = "data: {\"type\":\"content_delta\",\"data\":{\"content\":\"héllo 世界 🚀\"}}\n"

func drain(t *testing.T, s Source) (string, []error) {
	t.Helper()
	var sb strings.Builder
	var errs []error
	for i := 0; i < 10000; i++ {
		text, err := s.Read()
		if errors.Is(err, io.EOF) {
			return sb.String(), errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		require.NotEmpty(t, text, "sources never return empty chunks")
		sb.WriteString(text)
	}
	t.Fatal("source never ended")
	return "", nil
}

// =============================================================================
// TEXT DECODER
// =============================================================================

func TestTextDecoder_SplitAtEveryByte(t *testing.T) {
	raw := []byte(multiByte)
	for split := 0; split <= len(raw); split++ {
		d := newTextDecoder()
		out := d.decode(raw[:split], false) + d.decode(raw[split:], false) + d.decode(nil, true)
		require.Equal(t, multiByte, out, "split at %d", split)
	}
}

func TestTextDecoder_InvalidBytesBecomeReplacement(t *testing.T) {
	d := newTextDecoder()
	out := d.decode([]byte{'a', 0xff, 'b'}, false)
	assert.Equal(t, "a�b", out)
}

func TestTextDecoder_TruncatedRuneFlushedAtEOF(t *testing.T) {
	d := newTextDecoder()
	euro := []byte("€")
	assert.Equal(t, "x", d.decode(append([]byte("x"), euro[:2]...), false))
	assert.Equal(t, "�", d.decode(nil, true))
}

// =============================================================================
// READER SOURCE
// =============================================================================

type failingBody struct {
	r   io.Reader
	err error
}

func (b *failingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, b.err
	}
	return n, err
}

func (b *failingBody) Close() error { return nil }

func TestReaderSource_OneByteReads(t *testing.T) {
	body := io.NopCloser(iotest.OneByteReader(strings.NewReader(multiByte + multiByte)))
	text, errs := drain(t, NewReaderSource(body, nil))
	assert.Empty(t, errs)
	assert.Equal(t, multiByte+multiByte, text)
}

func TestReaderSource_FailureSurfacesOnceThenEnds(t *testing.T) {
	body := &failingBody{r: strings.NewReader("data: partial"), err: errors.New("connection reset")}
	s := NewReaderSource(body, nil)

	text, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "data: partial", text)

	_, err = s.Read()
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Contains(t, netErr.Error(), "connection reset")

	_, err = s.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSource_AbortUnblocksRead(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewReaderSource(pr, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Abort()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("read did not return after abort")
	}
	_ = pw.Close()
}

// =============================================================================
// POLLING SOURCE
// =============================================================================

type scriptedPoller struct {
	mu     sync.Mutex
	steps  [][]byte
	i      int
	text   []byte
	failAt error
	state  ReadyState
}

func (p *scriptedPoller) advance() {
	if p.i < len(p.steps) {
		p.text = append(p.text, p.steps[p.i]...)
		p.i++
		p.state = StateLoading
	}
	if p.i == len(p.steps) {
		p.state = StateDone
	}
}

func (p *scriptedPoller) ReadyState() ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.state
}

func (p *scriptedPoller) ResponseText() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

func (p *scriptedPoller) Err() error { return p.failAt }
func (p *scriptedPoller) Abort()     {}

func TestPollingSource_ReturnsOnlyNewSuffix(t *testing.T) {
	raw := []byte(multiByte)
	// Split mid code point: "é" starts at a known offset.
	cut := strings.Index(multiByte, "é") + 1
	p := &scriptedPoller{steps: [][]byte{raw[:cut], raw[cut:]}}
	s := NewPollingSource(context.Background(), p, time.Millisecond, nil)

	first, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, multiByte[:cut-1], first, "incomplete code point is held back")

	rest, errs := drain(t, s)
	assert.Empty(t, errs)
	assert.Equal(t, multiByte, first+rest)
	assert.Equal(t, len(raw), s.Offset())
}

func TestPollingSource_FailureAfterDone(t *testing.T) {
	p := &scriptedPoller{steps: [][]byte{[]byte("data: x\n")}, failAt: errors.New("timeout")}
	s := NewPollingSource(context.Background(), p, time.Millisecond, nil)

	text, errs := drain(t, s)
	assert.Equal(t, "data: x\n", text)
	require.Len(t, errs, 1)
	assert.True(t, IsNetwork(errs[0]))
}

func TestPollingSource_AbortEnds(t *testing.T) {
	p := &scriptedPoller{steps: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}
	s := NewPollingSource(context.Background(), p, time.Millisecond, nil)
	s.Abort()
	_, err := s.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestBufferedResponse_GrowsThenDone(t *testing.T) {
	r := NewBufferedResponse(io.NopCloser(strings.NewReader(multiByte)))
	require.Eventually(t, func() bool { return r.ReadyState() == StateDone }, time.Second, time.Millisecond)
	assert.Equal(t, multiByte, string(r.ResponseText()))
	assert.NoError(t, r.Err())
}

// =============================================================================
// STARTERS
// =============================================================================

func TestStarters_OverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		default:
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, part := range []string{multiByte[:10], multiByte[10:]} {
				_, _ = io.WriteString(w, part)
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	for _, mode := range []string{ModeStream, ModePolling} {
		t.Run(mode, func(t *testing.T) {
			starter := NewStarter(mode, srv.Client(), time.Millisecond, nil)

			req, err := http.NewRequest(http.MethodPost, srv.URL+"/stream", nil)
			require.NoError(t, err)
			src, err := starter.Start(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, mode, src.Mode())
			text, errs := drain(t, src)
			assert.Empty(t, errs)
			assert.Equal(t, multiByte, text)

			req, err = http.NewRequest(http.MethodPost, srv.URL+"/unauthorized", nil)
			require.NoError(t, err)
			_, err = starter.Start(context.Background(), req)
			require.Error(t, err)
			assert.True(t, IsUnauthorized(err))
			assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
		})
	}
}

func TestStarter_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	_, err = NewStarter(ModeStream, nil, 0, nil).Start(context.Background(), req)
	assert.True(t, IsNetwork(err))
}

func TestStarter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequest(http.MethodPost, "http://127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = NewStarter(ModeStream, nil, 0, nil).Start(ctx, req)
	assert.ErrorIs(t, err, ErrAborted)
}
