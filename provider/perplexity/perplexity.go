// Package perplexity adapts the neutral request/response DTOs to the
// Perplexity API. The wire protocol is OpenAI-compatible; this package
// wraps the openaicompat adapter and keeps the citation list the API
// returns alongside the reply text.
package perplexity

import (
	"context"

	conduit "github.com/conduitdev/conduit"
	"github.com/conduitdev/conduit/provider/openaicompat"
)

const defaultBaseURL = "https://api.perplexity.ai"

// Adapter implements conduit.Adapter for Perplexity's sonar models.
type Adapter struct {
	inner *openaicompat.Adapter
}

// New creates a Perplexity adapter for the given model. Options are passed
// through to the underlying OpenAI-compatible adapter; use
// openaicompat.WithHTTPClient for a custom client or test server base URL
// via NewWithBaseURL.
func New(apiKey, model string, opts ...openaicompat.Option) *Adapter {
	return NewWithBaseURL(apiKey, model, defaultBaseURL, opts...)
}

// NewWithBaseURL creates a Perplexity adapter against a custom base URL.
func NewWithBaseURL(apiKey, model, baseURL string, opts ...openaicompat.Option) *Adapter {
	opts = append([]openaicompat.Option{openaicompat.WithName("perplexity")}, opts...)
	return &Adapter{inner: openaicompat.New(apiKey, model, baseURL, opts...)}
}

// Name returns "perplexity".
func (a *Adapter) Name() string { return "perplexity" }

// Generate performs one complete call. Citations from the reply surface on
// the assistant message; consumers read either the raw content or the
// enriched PerplexityContent view.
func (a *Adapter) Generate(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	return a.inner.Generate(ctx, req)
}

// Stream performs one streaming call.
func (a *Adapter) Stream(ctx context.Context, req *conduit.GenerationRequest) (*conduit.StreamHandle, error) {
	return a.inner.Stream(ctx, req)
}

// Compile-time interface check.
var _ conduit.Adapter = (*Adapter)(nil)
