package conduit

import (
	"context"
	"log/slog"
	"sync"
)

// Client is the programmatic entry point. It owns the model registry, the
// adapter factory, and the shared odometer; per-request behavior comes from
// Options.
type Client struct {
	registry *ModelRegistry
	factory  AdapterFactory
	defaults Options
	odometer *Odometer
	logger   *slog.Logger
	tracer   Tracer

	retryOpts []RetryOption

	mu       sync.Mutex
	adapters map[string]Adapter // keyed by provider "/" model
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the structured logger. Unset means no output.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the span tracer for pipeline, batch, and tool operations.
func WithTracer(t Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// WithOdometer sets a shared usage odometer. Unset creates a private one.
func WithOdometer(o *Odometer) ClientOption {
	return func(c *Client) { c.odometer = o }
}

// WithDefaults sets baseline options merged under each request's own.
func WithDefaults(o Options) ClientOption {
	return func(c *Client) { c.defaults = o }
}

// WithRetryOptions configures the retry wrapper applied to every adapter.
func WithRetryOptions(opts ...RetryOption) ClientOption {
	return func(c *Client) { c.retryOpts = opts }
}

// New creates a client over a registry and an adapter factory.
func New(registry *ModelRegistry, factory AdapterFactory, opts ...ClientOption) *Client {
	c := &Client{
		registry: registry,
		factory:  factory,
		adapters: make(map[string]Adapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.odometer == nil {
		c.odometer = NewOdometer(c.logger)
	}
	return c
}

// Registry returns the client's model registry.
func (c *Client) Registry() *ModelRegistry { return c.registry }

// Odometer returns the client's usage odometer.
func (c *Client) Odometer() *Odometer { return c.odometer }

// adapterFor returns the cached, retry-wrapped adapter for a provider and
// canonical model, building it on first use.
func (c *Client) adapterFor(provider, model string) (Adapter, error) {
	key := provider + "/" + model
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.adapters[key]; ok {
		return a, nil
	}
	inner, err := c.factory(provider, model)
	if err != nil {
		return nil, err
	}
	a := WithRetry(inner, c.retryOpts...)
	c.adapters[key] = a
	return a, nil
}

// mergeOptions layers request options over the client defaults. Zero-valued
// request fields fall back to the default.
func (c *Client) mergeOptions(o *Options) Options {
	merged := c.defaults
	if o == nil {
		return merged
	}
	if o.ProjectName != "" {
		merged.ProjectName = o.ProjectName
	}
	if o.Cache != nil {
		merged.Cache = o.Cache
	}
	if o.Repository != nil {
		merged.Repository = o.Repository
	}
	if o.Console != nil {
		merged.Console = o.Console
	}
	if o.Verbosity != 0 {
		merged.Verbosity = o.Verbosity
	}
	if o.Tools != nil {
		merged.Tools = o.Tools
	}
	if o.ParallelToolCalls {
		merged.ParallelToolCalls = true
	}
	if o.DebugPayload {
		merged.DebugPayload = true
	}
	if o.Conversation != nil {
		merged.Conversation = o.Conversation
	}
	if o.IncludeHistory {
		merged.IncludeHistory = true
	}
	if o.MaxToolHops != 0 {
		merged.MaxToolHops = o.MaxToolHops
	}
	if o.Logger != nil {
		merged.Logger = o.Logger
	}
	if o.Tracer != nil {
		merged.Tracer = o.Tracer
	}
	return merged
}

func (c *Client) requestLogger(o Options) *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return c.logger
}

func (c *Client) requestTracer(o Options) Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return c.tracer
}

// Query runs one generation for a plain text prompt. When the options carry
// a tool registry and the model requests tool calls, the tool loop runs to
// completion before returning.
func (c *Client) Query(ctx context.Context, prompt string, params Params, opts *Options) (*GenerationResponse, error) {
	return c.QueryMessages(ctx, []Message{NewUserMessage(prompt)}, params, opts)
}

// QueryMessages runs one generation for an explicit message list.
func (c *Client) QueryMessages(ctx context.Context, msgs []Message, params Params, opts *Options) (*GenerationResponse, error) {
	req := &GenerationRequest{Messages: msgs, Params: params, Options: c.mergeOptions(opts)}
	req.Params.Stream = false
	if req.Options.Tools != nil && req.Options.Tools.Len() > 0 {
		return c.runToolLoop(ctx, req)
	}
	return c.generateOnce(ctx, req)
}

// Stream runs one streaming generation for a plain text prompt. The tool
// loop does not apply to streams; tool-calling requests use Query.
func (c *Client) Stream(ctx context.Context, prompt string, params Params, opts *Options) (*StreamHandle, error) {
	return c.StreamMessages(ctx, []Message{NewUserMessage(prompt)}, params, opts)
}

// StreamMessages runs one streaming generation for an explicit message list.
func (c *Client) StreamMessages(ctx context.Context, msgs []Message, params Params, opts *Options) (*StreamHandle, error) {
	req := &GenerationRequest{Messages: msgs, Params: params, Options: c.mergeOptions(opts)}
	req.Params.Stream = true
	return c.streamOnce(ctx, req)
}

// Tokenize counts the tokens of a string or message list under the given
// model's encoding.
func (c *Client) Tokenize(model string, payload any) (int, error) {
	name, err := c.registry.Resolve(model)
	if err != nil {
		return 0, err
	}
	switch v := payload.(type) {
	case string:
		return CountTokens(name, v), nil
	case []Message:
		return CountMessageTokens(name, v), nil
	default:
		return 0, E(KindValidation, "tokenize payload must be a string or []Message, got %T", payload)
	}
}
