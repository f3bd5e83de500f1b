package conduit

import (
	"log/slog"
)

// OutputType selects what kind of payload a request expects back.
type OutputType string

const (
	OutputText          OutputType = "text"
	OutputImage         OutputType = "image"
	OutputAudio         OutputType = "audio"
	OutputTranscription OutputType = "transcription"
	OutputStructured    OutputType = "structured_response"
)

// Params describes what to generate: the model and its sampling knobs.
// Pointer fields distinguish "unset" from an explicit zero.
type Params struct {
	// Model is an alias or canonical model name, resolved through the registry.
	Model string
	// Temperature must lie in the provider-declared range for the model.
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	// ResponseModel requests structured output validated against this schema.
	ResponseModel *ResponseModel
	// OutputType defaults to OutputText; OutputStructured is implied when
	// ResponseModel is set.
	OutputType OutputType
	// Stream requests incremental delivery via a StreamHandle.
	Stream bool
	// ClientParams are provider-specific parameters merged flatly into the
	// wire payload.
	ClientParams map[string]any
	// System is a convenience system prompt prepended when the message list
	// carries no system message.
	System string
	// NumCtx overrides the context window advertised to local inference
	// hosts. Zero means "use the registry value".
	NumCtx int
}

// EffectiveOutputType resolves the implied output type: OutputStructured
// when a response model is set, otherwise the explicit type or OutputText.
func (p Params) EffectiveOutputType() OutputType {
	if p.OutputType != "" {
		return p.OutputType
	}
	if p.ResponseModel != nil {
		return OutputStructured
	}
	return OutputText
}

// Verbosity controls how much the console renderer shows.
type Verbosity int

const (
	VerbositySilent Verbosity = iota
	VerbosityProgress
	VerbosityDetail
	VerbosityDebug
)

// Options describes how to run a request: caching, persistence, tools,
// rendering, and observability. The zero value runs a bare uncached call.
type Options struct {
	// ProjectName partitions cache and repository rows. Defaults to "default".
	ProjectName string
	// Cache short-circuits repeated identical requests when set.
	Cache CacheHandle
	// Repository persists the conversation after each successful call.
	Repository RepositoryHandle
	// Console receives progress rendering; nil disables it.
	Console   Console
	Verbosity Verbosity
	// Tools enables the tool-call loop.
	Tools *ToolRegistry
	// ParallelToolCalls dispatches concurrency-safe tools in parallel.
	ParallelToolCalls bool
	// DebugPayload logs the raw wire payloads at debug level.
	DebugPayload bool
	// Conversation supplies history and receives the new turns. A nil
	// conversation with Repository set creates a fresh one per call.
	Conversation *Conversation
	// IncludeHistory prepends the conversation's messages to the prompt.
	// The initiating user message is persisted either way.
	IncludeHistory bool
	// MaxToolHops caps tool-loop iterations. Zero means the default of 5.
	MaxToolHops int
	// Logger overrides the client logger for this request.
	Logger *slog.Logger
	// Tracer overrides the client tracer for this request.
	Tracer Tracer
}

// projectOrDefault returns the cache/repository partition name.
func (o Options) projectOrDefault() string {
	if o.ProjectName == "" {
		return "default"
	}
	return o.ProjectName
}

// GenerationRequest is the neutral DTO the pipeline consumes: messages plus
// sampling parameters plus run options. The pipeline consumes a request
// exactly once.
type GenerationRequest struct {
	Messages []Message
	Params   Params
	Options  Options
}

// Validate checks the request shape before any network work: the message
// list must end with a user or tool message and the model must be set.
func (r *GenerationRequest) Validate() error {
	if r.Params.Model == "" {
		return E(KindValidation, "model is required")
	}
	if len(r.Messages) == 0 {
		return E(KindValidation, "request has no messages")
	}
	switch r.Messages[len(r.Messages)-1].Role() {
	case RoleUser, RoleTool:
	default:
		return E(KindValidation, "request must end with a user or tool message")
	}
	return nil
}
