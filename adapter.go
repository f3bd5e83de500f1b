package conduit

import (
	"context"
	"io"
	"sync"
)

// Adapter translates neutral requests into one vendor's wire protocol and
// vendor replies back into neutral responses. Implementations live under
// provider/; they surface typed errors and never retry on their own — the
// retry wrapper handles that uniformly.
type Adapter interface {
	// Name returns the provider family name, e.g. "openai" or "anthropic".
	Name() string
	// Generate performs one complete (non-streaming) call.
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
	// Stream performs one streaming call. The returned handle yields chunks
	// as they arrive and the assembled response once the stream ends.
	Stream(ctx context.Context, req *GenerationRequest) (*StreamHandle, error)
}

// AdapterFactory builds the adapter for a (provider, canonical model) pair.
// It is the sole coupling point between the registry and the adapters.
type AdapterFactory func(provider, model string) (Adapter, error)

// StreamChunk is one incremental delta from a streaming reply.
type StreamChunk struct {
	// Text is the content delta, possibly empty for bookkeeping chunks.
	Text string
	// Reasoning is a reasoning-trace delta, when the provider emits one.
	Reasoning string
}

// StreamHandle delivers a streaming reply: chunks while the stream runs,
// then the assembled response. Close aborts the upstream stream early.
type StreamHandle struct {
	chunks chan StreamChunk

	closeOnce sync.Once
	closer    io.Closer
	closeErr  error
	closed    chan struct{}

	done chan struct{}
	resp *GenerationResponse
	err  error
}

// NewStreamHandle creates a handle whose upstream can be aborted through
// closer. Adapters feed it with Emit and seal it with Finish.
func NewStreamHandle(closer io.Closer) *StreamHandle {
	return &StreamHandle{
		chunks: make(chan StreamChunk, 16),
		closer: closer,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Chunks returns the delta channel. It is closed when the stream ends.
func (h *StreamHandle) Chunks() <-chan StreamChunk { return h.chunks }

// Emit delivers one chunk, dropping it if the consumer has closed the handle
// or the stream already ended. It never blocks past either signal, so a
// producer outlives an abandoned consumer.
func (h *StreamHandle) Emit(c StreamChunk) {
	select {
	case h.chunks <- c:
	case <-h.closed:
	case <-h.done:
	}
}

// Finish seals the handle with the assembled response or a terminal error.
// The chunk channel is closed; Response unblocks.
func (h *StreamHandle) Finish(resp *GenerationResponse, err error) {
	h.resp, h.err = resp, err
	close(h.chunks)
	close(h.done)
}

// Response blocks until the stream ends and returns the assembled response.
func (h *StreamHandle) Response() (*GenerationResponse, error) {
	<-h.done
	return h.resp, h.err
}

// Close aborts the upstream stream. Safe to call more than once; trailing
// content after Close is discarded.
func (h *StreamHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		if h.closer != nil {
			h.closeErr = h.closer.Close()
		}
	})
	return h.closeErr
}

// TextChunks adapts the handle to the TextStream interface consumed by
// StreamParser.
func (h *StreamHandle) TextChunks() TextStream {
	return &handleStream{h: h}
}

type handleStream struct {
	h *StreamHandle
}

func (s *handleStream) Next() (string, bool) {
	for c := range s.h.Chunks() {
		if c.Text != "" {
			return c.Text, true
		}
	}
	return "", false
}

func (s *handleStream) Close() error { return s.h.Close() }
