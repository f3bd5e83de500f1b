package openaicompat

import (
	"encoding/json"

	conduit "github.com/conduitdev/conduit"
)

// ParseResponse converts an OpenAI-format ChatResponse into a normalized
// GenerationResponse built from choices[0].
func ParseResponse(resp ChatResponse, model string) (*conduit.GenerationResponse, error) {
	msg := conduit.NewAssistantMessage("")
	meta := conduit.ResponseMetadata{ModelSlug: model, StopReason: conduit.StopReasonStop}
	if resp.Model != "" {
		meta.ModelSlug = resp.Model
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message != nil {
			msg.Content = choice.Message.Content
			msg.Reasoning = choice.Message.Reasoning
			msg.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
		}
		meta.StopReason = MapFinishReason(choice.FinishReason, len(msg.ToolCalls) > 0)
	}
	msg.Citations = resp.Citations

	if resp.Usage != nil {
		meta.InputTokens = resp.Usage.PromptTokens
		meta.OutputTokens = resp.Usage.CompletionTokens
	}

	return &conduit.GenerationResponse{Message: msg, Metadata: meta}, nil
}

// ParseToolCalls converts wire tool calls to neutral ToolCalls. Arguments
// arrive as a JSON string and are decoded into a map; providers that omit
// call ids get fresh UUIDs.
func ParseToolCalls(tcs []ToolCallRequest) []conduit.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]conduit.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args == nil {
			args = map[string]any{}
		}
		id := tc.ID
		if id == "" {
			id = conduit.NewID()
		}
		out = append(out, conduit.ToolCall{
			ID:        id,
			Type:      "function",
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

// MapFinishReason maps an OpenAI finish_reason to the neutral stop reason.
func MapFinishReason(reason string, hasToolCalls bool) conduit.StopReason {
	switch reason {
	case "length":
		return conduit.StopReasonLength
	case "tool_calls", "function_call":
		return conduit.StopReasonToolCalls
	case "content_filter":
		return conduit.StopReasonContentFilter
	default:
		if hasToolCalls {
			return conduit.StopReasonToolCalls
		}
		return conduit.StopReasonStop
	}
}
