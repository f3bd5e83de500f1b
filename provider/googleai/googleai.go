// Package googleai adapts the neutral request/response DTOs to the native
// Google Generative Language API (Gemini), including image-output models.
package googleai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	conduit "github.com/conduitdev/conduit"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// permissiveSafety disables every safety category. Without this the API
// silently drops candidates for borderline prompts instead of refusing
// explicitly, which is indistinguishable from an empty reply.
var permissiveSafety = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "BLOCK_NONE"},
}

// Adapter implements conduit.Adapter for the native Gemini API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures an Adapter instance.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (e.g. for a test server).
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

// New creates a Gemini adapter for the given model.
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

// Name returns "googleai".
func (a *Adapter) Name() string { return "googleai" }

// --- Wire types ---

type wireRequest struct {
	Contents          []wireContent   `json:"contents"`
	SystemInstruction *wireContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenConfig  `json:"generationConfig,omitempty"`
	SafetySettings    []safetySetting `json:"safetySettings"`
	Tools             []wireTools     `json:"tools,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"` // "user" or "model"
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *wireInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *wireFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResp `json:"functionResponse,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type wireFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type wireGenConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"topP,omitempty"`
	MaxOutputTokens    int             `json:"maxOutputTokens,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseSchema     json.RawMessage `json:"responseSchema,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type wireTools struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
}

type wireFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireResponse struct {
	Candidates     []wireCandidate `json:"candidates"`
	PromptFeedback *wireFeedback   `json:"promptFeedback,omitempty"`
	UsageMetadata  *wireUsage      `json:"usageMetadata,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

type wireCandidate struct {
	Content      *wireContent `json:"content,omitempty"`
	FinishReason string       `json:"finishReason,omitempty"`
}

type wireFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type wireUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// --- Translation ---

// buildBody converts a neutral request into the generateContent shape.
// System messages become the systemInstruction field; safety settings are
// always forced to the most permissive thresholds.
func (a *Adapter) buildBody(req *conduit.GenerationRequest) (wireRequest, error) {
	body := wireRequest{SafetySettings: permissiveSafety}
	var systemParts []string

	for _, m := range req.Messages {
		switch v := m.(type) {
		case *conduit.SystemMessage:
			systemParts = append(systemParts, v.Content)

		case *conduit.UserMessage:
			content := wireContent{Role: "user"}
			if len(v.Blocks) == 0 {
				content.Parts = []wirePart{{Text: v.Content}}
			} else {
				for _, b := range v.Blocks {
					switch blk := b.(type) {
					case conduit.TextBlock:
						content.Parts = append(content.Parts, wirePart{Text: blk.Text})
					case conduit.ImageBlock:
						part, err := imagePart(blk)
						if err != nil {
							return wireRequest{}, err
						}
						content.Parts = append(content.Parts, part)
					case conduit.AudioBlock:
						content.Parts = append(content.Parts, wirePart{
							InlineData: &wireInlineData{MimeType: "audio/" + blk.Format, Data: blk.Data},
						})
					}
				}
			}
			body.Contents = append(body.Contents, content)

		case *conduit.AssistantMessage:
			content := wireContent{Role: "model"}
			if v.Content != "" {
				content.Parts = append(content.Parts, wirePart{Text: v.Content})
			}
			for _, tc := range v.ToolCalls {
				content.Parts = append(content.Parts, wirePart{
					FunctionCall: &wireFunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			body.Contents = append(body.Contents, content)

		case *conduit.ToolMessage:
			body.Contents = append(body.Contents, wireContent{
				Role: "user",
				Parts: []wirePart{{FunctionResponse: &wireFunctionResp{
					Name:     v.Name,
					Response: map[string]any{"result": v.Content},
				}}},
			})
		}
	}

	if len(systemParts) > 0 {
		body.SystemInstruction = &wireContent{
			Parts: []wirePart{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}

	cfg := &wireGenConfig{}
	if t := req.Params.Temperature; t != nil {
		cfg.Temperature = t
	}
	if p := req.Params.TopP; p != nil {
		cfg.TopP = p
	}
	if n := req.Params.MaxTokens; n != nil {
		cfg.MaxOutputTokens = *n
	}
	if req.Params.EffectiveOutputType() == conduit.OutputImage {
		cfg.ResponseModalities = []string{"TEXT", "IMAGE"}
	}
	if rm := req.Params.ResponseModel; rm != nil {
		cfg.ResponseMimeType = "application/json"
		cfg.ResponseSchema = rm.Schema
	}
	body.GenerationConfig = cfg

	if req.Options.Tools != nil {
		var decls []wireFunctionDecl
		for _, d := range req.Options.Tools.Definitions() {
			decls = append(decls, wireFunctionDecl{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
		if len(decls) > 0 {
			body.Tools = []wireTools{{FunctionDeclarations: decls}}
		}
	}
	return body, nil
}

func imagePart(blk conduit.ImageBlock) (wirePart, error) {
	data, ok := strings.CutPrefix(blk.URL, "data:")
	if !ok {
		return wirePart{}, conduit.E(conduit.KindValidation, "googleai: image blocks require data-URI content")
	}
	mimeType, b64, ok := strings.Cut(data, ";base64,")
	if !ok {
		return wirePart{}, conduit.E(conduit.KindValidation, "googleai: malformed image data-URI")
	}
	return wirePart{InlineData: &wireInlineData{MimeType: mimeType, Data: b64}}, nil
}

// --- Execution ---

// Generate performs one complete call.
func (a *Adapter) Generate(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, a.model, a.apiKey)
	resp, err := a.send(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, a.httpErr(resp)
	}
	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, conduit.WrapErr(conduit.KindUpstream, err, "googleai: decode response")
	}
	return a.normalize(wire, req)
}

// normalize converts a wire reply into the neutral response. An empty
// candidate payload is a refusal carrying the finish or block reason, never
// an empty success.
func (a *Adapter) normalize(wire wireResponse, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	if len(wire.Candidates) == 0 || wire.Candidates[0].Content == nil || len(wire.Candidates[0].Content.Parts) == 0 {
		reason := "no candidates"
		if wire.PromptFeedback != nil && wire.PromptFeedback.BlockReason != "" {
			reason = wire.PromptFeedback.BlockReason
		} else if len(wire.Candidates) > 0 && wire.Candidates[0].FinishReason != "" {
			reason = wire.Candidates[0].FinishReason
		}
		return nil, conduit.E(conduit.KindContentRefused, "googleai: reply withheld: %s", reason)
	}

	cand := wire.Candidates[0]
	msg := conduit.NewAssistantMessage("")
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		switch {
		case p.Text != "":
			text.WriteString(p.Text)
		case p.InlineData != nil:
			msg.Images = append(msg.Images, conduit.ImageOutput{B64JSON: p.InlineData.Data})
		case p.FunctionCall != nil:
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			// Gemini does not assign call ids; mint them here.
			msg.ToolCalls = append(msg.ToolCalls, conduit.ToolCall{
				ID:        conduit.NewID(),
				Type:      "function",
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	msg.Content = text.String()
	if req.Params.ResponseModel != nil && json.Valid([]byte(msg.Content)) {
		msg.Parsed = json.RawMessage(msg.Content)
	}

	meta := conduit.ResponseMetadata{
		ModelSlug:  a.model,
		StopReason: mapFinishReason(cand.FinishReason, len(msg.ToolCalls) > 0),
	}
	if wire.ModelVersion != "" {
		meta.ModelSlug = wire.ModelVersion
	}
	if wire.UsageMetadata != nil {
		meta.InputTokens = wire.UsageMetadata.PromptTokenCount
		meta.OutputTokens = wire.UsageMetadata.CandidatesTokenCount
	}
	return &conduit.GenerationResponse{Message: msg, Metadata: meta}, nil
}

// mapFinishReason maps a Gemini finishReason to the neutral stop reason.
func mapFinishReason(reason string, hasToolCalls bool) conduit.StopReason {
	switch reason {
	case "MAX_TOKENS":
		return conduit.StopReasonLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return conduit.StopReasonContentFilter
	default:
		if hasToolCalls {
			return conduit.StopReasonToolCalls
		}
		return conduit.StopReasonStop
	}
}

func (a *Adapter) send(ctx context.Context, url string, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "googleai: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "googleai: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportErr(err)
	}
	return resp, nil
}

func transportErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return conduit.WrapErr(conduit.KindCancelled, err, "googleai: request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return conduit.WrapErr(conduit.KindTimeout, err, "googleai: request deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return conduit.WrapErr(conduit.KindTimeout, err, "googleai: request timed out")
	}
	return conduit.WrapErr(conduit.KindNetwork, err, "googleai: transport failure")
}

func (a *Adapter) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return conduit.HTTPError("googleai", resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// Compile-time interface check.
var _ conduit.Adapter = (*Adapter)(nil)
