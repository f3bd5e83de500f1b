package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	conduit "github.com/conduitdev/conduit"
)

// Adapter implements conduit.Adapter for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, Gemini's compatibility
// endpoint, and any other provider that implements the chat completions API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

// Option configures an Adapter instance.
type Option func(*Adapter)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish providers in logs and observability.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithLogger sets the structured logger for wire-level debug output.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// defaultClient applies the standard timeout ladder: 10s connect, 30s to
// first response byte, 60s total.
func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// New creates an OpenAI-compatible adapter.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). Endpoint paths are appended automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    "openai",
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = defaultClient()
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	return a
}

// Name returns the provider name (default "openai", configurable via
// WithName).
func (a *Adapter) Name() string { return a.name }

// Generate performs one complete call, routing by output type: chat for
// text and structured replies, and the dedicated media endpoints for image,
// speech, and transcription models.
func (a *Adapter) Generate(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	switch req.Params.EffectiveOutputType() {
	case conduit.OutputImage:
		return a.generateImage(ctx, req)
	case conduit.OutputAudio:
		return a.generateSpeech(ctx, req)
	case conduit.OutputTranscription:
		return a.transcribe(ctx, req)
	default:
		return a.chat(ctx, req)
	}
}

func (a *Adapter) chat(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	body := BuildBody(req, a.model)
	resp, err := a.send(ctx, "/chat/completions", body, req.Params.ClientParams)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, a.httpErr(resp)
	}
	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, conduit.WrapErr(conduit.KindUpstream, err, "%s: decode response", a.name)
	}
	out, err := ParseResponse(chatResp, a.model)
	if err != nil {
		return nil, err
	}
	a.attachParsed(req, out)
	return out, nil
}

// attachParsed lifts the JSON body of a structured reply into
// Message.Parsed when a response model was requested.
func (a *Adapter) attachParsed(req *conduit.GenerationRequest, resp *conduit.GenerationResponse) {
	if req.Params.ResponseModel == nil || resp.Message.Content == "" {
		return
	}
	if json.Valid([]byte(resp.Message.Content)) {
		resp.Message.Parsed = json.RawMessage(resp.Message.Content)
	}
}

// Stream performs one streaming chat call. Media output types do not
// stream.
func (a *Adapter) Stream(ctx context.Context, req *conduit.GenerationRequest) (*conduit.StreamHandle, error) {
	switch t := req.Params.EffectiveOutputType(); t {
	case conduit.OutputText, conduit.OutputStructured:
	default:
		return nil, conduit.E(conduit.KindValidation, "%s: output type %s does not stream", a.name, t)
	}
	body := BuildBody(req, a.model)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := a.send(ctx, "/chat/completions", body, req.Params.ClientParams)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.httpErr(resp)
	}
	handle := conduit.NewStreamHandle(resp.Body)
	go StreamSSE(resp.Body, handle, a.model)
	return handle, nil
}

// send marshals body (merging client params flatly) and posts it.
func (a *Adapter) send(ctx context.Context, path string, body ChatRequest, clientParams map[string]any) (*http.Response, error) {
	payload, err := MergeClientParams(body, clientParams)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "%s: marshal request", a.name)
	}
	a.logger.Debug("posting request", "provider", a.name, "path", path, "bytes", len(payload))
	return a.post(ctx, path, "application/json", bytes.NewReader(payload))
}

// post issues one POST with auth headers, mapping transport failures to
// typed errors.
func (a *Adapter) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, body)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "%s: create request", a.name)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportErr(a.name, err)
	}
	return resp, nil
}

// transportErr classifies a client.Do failure.
func transportErr(provider string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return conduit.WrapErr(conduit.KindCancelled, err, "%s: request cancelled", provider)
	case errors.Is(err, context.DeadlineExceeded):
		return conduit.WrapErr(conduit.KindTimeout, err, "%s: request deadline exceeded", provider)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return conduit.WrapErr(conduit.KindTimeout, err, "%s: request timed out", provider)
	}
	return conduit.WrapErr(conduit.KindNetwork, err, "%s: transport failure", provider)
}

// httpErr reads the response body and builds a typed provider error,
// parsing the Retry-After header when present (429/503 responses).
func (a *Adapter) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	e := conduit.HTTPError(a.name, resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	if resp.StatusCode == http.StatusBadRequest && isContextLengthError(string(body)) {
		e.Kind = conduit.KindContextTooLarge
	}
	return e
}

// isContextLengthError sniffs the error body for the prompt-too-long
// signatures OpenAI-compatible hosts return.
func isContextLengthError(body string) bool {
	return strings.Contains(body, "context_length_exceeded") ||
		strings.Contains(body, "maximum context length")
}

// Compile-time interface check.
var _ conduit.Adapter = (*Adapter)(nil)
