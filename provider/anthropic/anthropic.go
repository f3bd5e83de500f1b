// Package anthropic adapts the neutral request/response DTOs to the
// Anthropic Messages API.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
	// The Messages API requires max_tokens on every request.
	defaultMaxTokens = 4096
)

// Adapter implements conduit.Adapter for the Anthropic Messages API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures an Adapter instance.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (e.g. for a proxy or test server).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithLogger sets the structured logger for wire-level debug output.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an Anthropic adapter for the given model.
func New(apiKey, model string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	return a
}

// Name returns "anthropic".
func (a *Adapter) Name() string { return "anthropic" }

// --- Wire types ---

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	System      string        `json:"system,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireContent
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Source    *wireImgSource  `json:"source,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
}

type wireImgSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      wireUsage     `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Translation ---

// buildBody converts a neutral request into the Messages API shape. System
// messages are extracted and joined with blank lines into the top-level
// system field; temperature is clamped to [0, 1].
func (a *Adapter) buildBody(req *conduit.GenerationRequest) (wireRequest, error) {
	body := wireRequest{Model: a.model, MaxTokens: defaultMaxTokens}
	var systemParts []string

	for _, m := range req.Messages {
		switch v := m.(type) {
		case *conduit.SystemMessage:
			systemParts = append(systemParts, v.Content)

		case *conduit.UserMessage:
			if len(v.Blocks) == 0 {
				body.Messages = append(body.Messages, wireMessage{Role: "user", Content: v.Content})
				continue
			}
			var blocks []wireContent
			for _, b := range v.Blocks {
				switch blk := b.(type) {
				case conduit.TextBlock:
					blocks = append(blocks, wireContent{Type: "text", Text: blk.Text})
				case conduit.ImageBlock:
					blocks = append(blocks, imageContent(blk))
				case conduit.AudioBlock:
					return wireRequest{}, conduit.E(conduit.KindValidation, "anthropic: audio input not supported")
				}
			}
			body.Messages = append(body.Messages, wireMessage{Role: "user", Content: blocks})

		case *conduit.AssistantMessage:
			var blocks []wireContent
			if v.Content != "" {
				blocks = append(blocks, wireContent{Type: "text", Text: v.Content})
			}
			for _, tc := range v.ToolCalls {
				blocks = append(blocks, wireContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			body.Messages = append(body.Messages, wireMessage{Role: "assistant", Content: blocks})

		case *conduit.ToolMessage:
			// Tool results travel as user messages with tool_result blocks.
			body.Messages = append(body.Messages, wireMessage{
				Role: "user",
				Content: []wireContent{{
					Type:      "tool_result",
					ToolUseID: v.ToolCallID,
					Content:   v.Content,
				}},
			})
		}
	}

	if rm := req.Params.ResponseModel; rm != nil {
		// No native schema enforcement: inject the schema into the system
		// prompt and parse the JSON reply.
		systemParts = append(systemParts, rm.PromptInstruction())
	}
	body.System = strings.Join(systemParts, "\n\n")

	if t := req.Params.Temperature; t != nil {
		clamped := min(max(*t, 0), 1)
		body.Temperature = &clamped
	}
	if p := req.Params.TopP; p != nil {
		body.TopP = p
	}
	if n := req.Params.MaxTokens; n != nil {
		body.MaxTokens = *n
	}
	if req.Options.Tools != nil {
		for _, d := range req.Options.Tools.Definitions() {
			schema := d.Parameters
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			body.Tools = append(body.Tools, wireTool{
				Name:        d.Name,
				Description: d.Description,
				InputSchema: schema,
			})
		}
	}
	return body, nil
}

// imageContent converts a neutral image block, unpacking data URIs into the
// base64 source form the API expects.
func imageContent(blk conduit.ImageBlock) wireContent {
	if data, ok := strings.CutPrefix(blk.URL, "data:"); ok {
		if mediaType, b64, ok := strings.Cut(data, ";base64,"); ok {
			return wireContent{Type: "image", Source: &wireImgSource{
				Type: "base64", MediaType: mediaType, Data: b64,
			}}
		}
	}
	return wireContent{Type: "image", Source: &wireImgSource{Type: "url", URL: blk.URL}}
}

// --- Execution ---

// Generate performs one complete call.
func (a *Adapter) Generate(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.send(ctx, body, req.Params.ClientParams)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, a.httpErr(resp)
	}
	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, conduit.WrapErr(conduit.KindUpstream, err, "anthropic: decode response")
	}
	return a.normalize(wire, req)
}

// normalize converts a wire reply into the neutral response.
func (a *Adapter) normalize(wire wireResponse, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	msg := conduit.NewAssistantMessage("")
	var text strings.Builder
	for _, c := range wire.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
		case "thinking":
			msg.Reasoning += c.Thinking
		case "tool_use":
			args := c.Input
			if args == nil {
				args = map[string]any{}
			}
			id := c.ID
			if id == "" {
				id = conduit.NewID()
			}
			msg.ToolCalls = append(msg.ToolCalls, conduit.ToolCall{
				ID:        id,
				Type:      "function",
				Name:      c.Name,
				Arguments: args,
			})
		}
	}
	msg.Content = text.String()
	if req.Params.ResponseModel != nil && json.Valid([]byte(msg.Content)) {
		msg.Parsed = json.RawMessage(msg.Content)
	}

	model := wire.Model
	if model == "" {
		model = a.model
	}
	return &conduit.GenerationResponse{
		Message: msg,
		Metadata: conduit.ResponseMetadata{
			ModelSlug:    model,
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			StopReason:   mapStopReason(wire.StopReason, len(msg.ToolCalls) > 0),
		},
	}, nil
}

// mapStopReason maps an Anthropic stop_reason to the neutral stop reason.
func mapStopReason(reason string, hasToolCalls bool) conduit.StopReason {
	switch reason {
	case "max_tokens":
		return conduit.StopReasonLength
	case "tool_use":
		return conduit.StopReasonToolCalls
	case "refusal":
		return conduit.StopReasonContentFilter
	default:
		if hasToolCalls {
			return conduit.StopReasonToolCalls
		}
		return conduit.StopReasonStop
	}
}

func (a *Adapter) send(ctx context.Context, body wireRequest, clientParams map[string]any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "anthropic: marshal request")
	}
	if len(clientParams) > 0 {
		var flat map[string]any
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, conduit.WrapErr(conduit.KindValidation, err, "anthropic: merge client params")
		}
		for k, v := range clientParams {
			flat[k] = v
		}
		if raw, err = json.Marshal(flat); err != nil {
			return nil, conduit.WrapErr(conduit.KindValidation, err, "anthropic: merge client params")
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "anthropic: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportErr(err)
	}
	return resp, nil
}

func transportErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return conduit.WrapErr(conduit.KindCancelled, err, "anthropic: request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return conduit.WrapErr(conduit.KindTimeout, err, "anthropic: request deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return conduit.WrapErr(conduit.KindTimeout, err, "anthropic: request timed out")
	}
	return conduit.WrapErr(conduit.KindNetwork, err, "anthropic: transport failure")
}

func (a *Adapter) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	e := conduit.HTTPError("anthropic", resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "prompt is too long") {
		e.Kind = conduit.KindContextTooLarge
	}
	return e
}

// Compile-time interface check.
var _ conduit.Adapter = (*Adapter)(nil)
