package openaicompat

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	conduit "github.com/conduitdev/conduit"
)

// StreamSSE reads an SSE stream from body, emits deltas into the handle,
// and finishes it with the fully accumulated response (content + tool calls
// + usage).
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(body io.ReadCloser, handle *conduit.StreamHandle, model string) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var fullReasoning strings.Builder
	var usage Usage
	var finishReason string
	replyModel := model

	// OpenAI streams tool calls incrementally: each chunk carries an index,
	// and arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.Model != "" {
			replyModel = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			handle.Emit(conduit.StreamChunk{Text: delta.Content})
		}
		if delta.Reasoning != "" {
			fullReasoning.WriteString(delta.Reasoning)
			handle.Emit(conduit.StreamChunk{Reasoning: delta.Reasoning})
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		handle.Finish(nil, conduit.WrapErr(conduit.KindNetwork, err, "read stream"))
		return
	}

	var wireCalls []ToolCallRequest
	for _, tc := range toolCalls {
		wireCalls = append(wireCalls, ToolCallRequest{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Name, Arguments: tc.Args.String()},
		})
	}

	msg := conduit.NewAssistantMessage(fullContent.String())
	msg.Reasoning = fullReasoning.String()
	msg.ToolCalls = ParseToolCalls(wireCalls)

	handle.Finish(&conduit.GenerationResponse{
		Message: msg,
		Metadata: conduit.ResponseMetadata{
			ModelSlug:    replyModel,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			StopReason:   MapFinishReason(finishReason, len(msg.ToolCalls) > 0),
		},
	}, nil)
}
