package googleai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	conduit "github.com/conduitdev/conduit"
)

// Stream performs one streaming call against streamGenerateContent.
func (a *Adapter) Stream(ctx context.Context, req *conduit.GenerationRequest) (*conduit.StreamHandle, error) {
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", a.baseURL, a.model, a.apiKey)
	resp, err := a.send(ctx, url, body)
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

// readStream consumes the SSE body, emitting text deltas and assembling
// the final response.
func (a *Adapter) readStream(body io.ReadCloser, handle *conduit.StreamHandle, req *conduit.GenerationRequest) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Large buffer for SSE payloads: image generation returns base64 image
	// data as a single chunk, which can reach several megabytes.
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)

	var content strings.Builder
	var images []conduit.ImageOutput
	var toolCalls []conduit.ToolCall
	var usage wireUsage
	finishReason := ""
	model := a.model

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk wireResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		if chunk.ModelVersion != "" {
			model = chunk.ModelVersion
		}
		if chunk.UsageMetadata != nil {
			usage = *chunk.UsageMetadata
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			switch {
			case p.Text != "":
				content.WriteString(p.Text)
				handle.Emit(conduit.StreamChunk{Text: p.Text})
			case p.InlineData != nil:
				images = append(images, conduit.ImageOutput{B64JSON: p.InlineData.Data})
			case p.FunctionCall != nil:
				args := p.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				toolCalls = append(toolCalls, conduit.ToolCall{
					ID:        conduit.NewID(),
					Type:      "function",
					Name:      p.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		handle.Finish(nil, conduit.WrapErr(conduit.KindNetwork, err, "googleai: read stream"))
		return
	}

	if content.Len() == 0 && len(images) == 0 && len(toolCalls) == 0 {
		handle.Finish(nil, conduit.E(conduit.KindContentRefused, "googleai: reply withheld: %s",
			orDefault(finishReason, "no candidates")))
		return
	}

	msg := conduit.NewAssistantMessage(content.String())
	msg.Images = images
	msg.ToolCalls = toolCalls
	if req.Params.ResponseModel != nil && json.Valid([]byte(msg.Content)) {
		msg.Parsed = json.RawMessage(msg.Content)
	}
	handle.Finish(&conduit.GenerationResponse{
		Message: msg,
		Metadata: conduit.ResponseMetadata{
			ModelSlug:    model,
			InputTokens:  usage.PromptTokenCount,
			OutputTokens: usage.CandidatesTokenCount,
			StopReason:   mapFinishReason(finishReason, len(toolCalls) > 0),
		},
	}, nil)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
