package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	conduit "github.com/conduitdev/conduit"
)

// streamEvent is the union of the SSE event payloads the Messages API emits.
type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Message      *wireResponse `json:"message,omitempty"`
	ContentBlock *wireContent  `json:"content_block,omitempty"`
	Delta        *streamDelta  `json:"delta,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Stream performs one streaming call against the Messages API.
func (a *Adapter) Stream(ctx context.Context, req *conduit.GenerationRequest) (*conduit.StreamHandle, error) {
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	body.Stream = true
	resp, err := a.send(ctx, body, req.Params.ClientParams)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.httpErr(resp)
	}
	handle := conduit.NewStreamHandle(resp.Body)
	go a.readStream(resp.Body, handle, req)
	return handle, nil
}

// readStream consumes the SSE body, emitting deltas and assembling the
// final response. Tool-use input JSON arrives as string fragments keyed by
// block index.
func (a *Adapter) readStream(body io.ReadCloser, handle *conduit.StreamHandle, req *conduit.GenerationRequest) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var reasoning strings.Builder
	var usage wireUsage
	stopReason := ""
	model := a.model

	type partialTool struct {
		id   string
		name string
		args strings.Builder
	}
	tools := make(map[int]*partialTool)
	var toolOrder []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				if ev.Message.Model != "" {
					model = ev.Message.Model
				}
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				tools[ev.Index] = &partialTool{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				toolOrder = append(toolOrder, ev.Index)
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				handle.Emit(conduit.StreamChunk{Text: ev.Delta.Text})
			case "thinking_delta":
				reasoning.WriteString(ev.Delta.Thinking)
				handle.Emit(conduit.StreamChunk{Reasoning: ev.Delta.Thinking})
			case "input_json_delta":
				if t := tools[ev.Index]; t != nil {
					t.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			// terminal event; the loop drains to EOF
		}
	}
	if err := scanner.Err(); err != nil {
		handle.Finish(nil, conduit.WrapErr(conduit.KindNetwork, err, "anthropic: read stream"))
		return
	}

	msg := conduit.NewAssistantMessage(content.String())
	msg.Reasoning = reasoning.String()
	for _, idx := range toolOrder {
		t := tools[idx]
		var args map[string]any
		if err := json.Unmarshal([]byte(t.args.String()), &args); err != nil || args == nil {
			args = map[string]any{}
		}
		id := t.id
		if id == "" {
			id = conduit.NewID()
		}
		msg.ToolCalls = append(msg.ToolCalls, conduit.ToolCall{
			ID: id, Type: "function", Name: t.name, Arguments: args,
		})
	}
	if req.Params.ResponseModel != nil && json.Valid([]byte(msg.Content)) {
		msg.Parsed = json.RawMessage(msg.Content)
	}

	handle.Finish(&conduit.GenerationResponse{
		Message: msg,
		Metadata: conduit.ResponseMetadata{
			ModelSlug:    model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			StopReason:   mapStopReason(stopReason, len(msg.ToolCalls) > 0),
		},
	}, nil)
}
