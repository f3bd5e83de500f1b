package openaicompat

import (
	"encoding/json"
	"strings"

	conduit "github.com/conduitdev/conduit"
)

// BuildBody converts a neutral request into an OpenAI-format ChatRequest.
// System messages stay in the messages array as role:"system"; multiple
// system messages are coalesced into one, joined with blank lines.
func BuildBody(req *conduit.GenerationRequest, model string) ChatRequest {
	var msgs []Message
	var systemParts []string

	for _, m := range req.Messages {
		switch v := m.(type) {
		case *conduit.SystemMessage:
			systemParts = append(systemParts, v.Content)

		case *conduit.UserMessage:
			if len(v.Blocks) == 0 {
				msgs = append(msgs, Message{Role: "user", Content: v.Content})
				continue
			}
			var blocks []ContentBlock
			for _, b := range v.Blocks {
				switch blk := b.(type) {
				case conduit.TextBlock:
					blocks = append(blocks, ContentBlock{Type: "text", Text: blk.Text})
				case conduit.ImageBlock:
					blocks = append(blocks, ContentBlock{
						Type:     "image_url",
						ImageURL: &ImageURL{URL: blk.URL, Detail: blk.Detail},
					})
				case conduit.AudioBlock:
					blocks = append(blocks, ContentBlock{
						Type:       "input_audio",
						InputAudio: &InputAudio{Data: blk.Data, Format: blk.Format},
					})
				}
			}
			msgs = append(msgs, Message{Role: "user", Content: blocks})

		case *conduit.AssistantMessage:
			msg := Message{Role: "assistant"}
			if v.Content != "" {
				msg.Content = v.Content
			}
			for _, tc := range v.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			msgs = append(msgs, msg)

		case *conduit.ToolMessage:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    v.Content,
				ToolCallID: v.ToolCallID,
				Name:       v.Name,
			})
		}
	}

	if len(systemParts) > 0 {
		sys := Message{Role: "system", Content: strings.Join(systemParts, "\n\n")}
		msgs = append([]Message{sys}, msgs...)
	}

	body := ChatRequest{Model: model, Messages: msgs}

	if t := req.Params.Temperature; t != nil {
		body.Temperature = t
	}
	if p := req.Params.TopP; p != nil {
		body.TopP = p
	}
	if n := req.Params.MaxTokens; n != nil {
		if usesMaxCompletionTokens(model) {
			body.MaxCompletionTokens = *n
		} else {
			body.MaxTokens = *n
		}
	}
	if req.Params.NumCtx > 0 {
		body.Options = &LocalOptions{NumCtx: req.Params.NumCtx}
	}

	if req.Options.Tools != nil {
		body.Tools = BuildToolDefs(req.Options.Tools.Definitions())
	}

	if rm := req.Params.ResponseModel; rm != nil {
		body.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   rm.Name,
				Schema: rm.Schema,
				Strict: true,
			},
		}
	}

	return body
}

// usesMaxCompletionTokens reports whether the model family rejects
// max_tokens in favor of max_completion_tokens (the reasoning families).
func usesMaxCompletionTokens(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// BuildToolDefs converts neutral tool definitions to OpenAI tool format.
func BuildToolDefs(defs []conduit.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// MergeClientParams marshals the body and folds provider-specific client
// parameters flatly into the top-level JSON object. Client parameters win
// over body fields of the same name.
func MergeClientParams(body ChatRequest, clientParams map[string]any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(clientParams) == 0 {
		return raw, nil
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	for k, v := range clientParams {
		flat[k] = v
	}
	return json.Marshal(flat)
}
