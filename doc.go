// Package conduit is a provider-agnostic orchestration runtime for
// language-model workloads.
//
// Applications submit a logical generation request — messages plus parameters —
// and receive a normalized generation response. The runtime hides which
// upstream vendor serves the request, whether the reply came from the cache,
// and how concurrency, retries, streaming, and conversation persistence are
// managed.
//
// # Quick Start
//
// Create a client from a model registry and an adapter factory:
//
//	registry, _ := conduit.NewModelRegistry()
//	factory := resolve.Factory(registry, secrets)
//	client := conduit.New(registry, factory)
//
//	resp, err := client.Query(ctx, "what is 2+2?", conduit.Params{Model: "gpt-4o"}, nil)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Adapter] — per-vendor translator between the neutral DTOs and a wire protocol
//   - [CacheHandle] — deterministic request → response cache
//   - [RepositoryHandle] — durable store for the session/message graph
//   - [Tool] — pluggable capability resolved during the tool-call loop
//   - [Tracer] — span emission for pipeline, batch, and tool operations
//
// # Included Implementations
//
// Adapters: provider/openaicompat (OpenAI-compatible APIs, local hosts),
// provider/anthropic, provider/googleai (native image output),
// provider/perplexity (citations).
// Storage: cache/postgres, cache/sqlite, repository/postgres, repository/sqlite.
//
// See the cmd/conduit-demo directory for a minimal reference application.
package conduit
