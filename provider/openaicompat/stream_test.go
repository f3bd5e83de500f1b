package openaicompat

import (
	"io"
	"strings"
	"testing"

	conduit "github.com/conduitdev/conduit"
)

func runSSE(t *testing.T, payload string) ([]conduit.StreamChunk, *conduit.GenerationResponse) {
	t.Helper()
	handle := conduit.NewStreamHandle(nil)
	go StreamSSE(io.NopCloser(strings.NewReader(payload)), handle, "gpt-4o")
	var chunks []conduit.StreamChunk
	for c := range handle.Chunks() {
		chunks = append(chunks, c)
	}
	resp, err := handle.Response()
	if err != nil {
		t.Fatal(err)
	}
	return chunks, resp
}

func TestStreamSSEAssemblesContent(t *testing.T) {
	payload := strings.Join([]string{
		`data: {"model":"gpt-4o-2024-11-20","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`data: [DONE]`,
		``,
	}, "\n")
	chunks, resp := runSSE(t, payload)
	if len(chunks) != 2 || chunks[0].Text != "Hel" || chunks[1].Text != "lo" {
		t.Fatalf("chunks = %+v", chunks)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Metadata.ModelSlug != "gpt-4o-2024-11-20" {
		t.Errorf("model = %q", resp.Metadata.ModelSlug)
	}
	if resp.Metadata.InputTokens != 5 || resp.Metadata.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", resp.Metadata.InputTokens, resp.Metadata.OutputTokens)
	}
	if resp.Metadata.StopReason != conduit.StopReasonStop {
		t.Errorf("stop reason = %s", resp.Metadata.StopReason)
	}
}

func TestStreamSSEAccumulatesToolCalls(t *testing.T) {
	payload := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"rain\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")
	_, resp := runSSE(t, payload)
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "c1" || tc.Name != "lookup" || tc.Arguments["q"] != "rain" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Metadata.StopReason != conduit.StopReasonToolCalls {
		t.Errorf("stop reason = %s", resp.Metadata.StopReason)
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	payload := strings.Join([]string{
		`data: {broken json`,
		`: keep-alive comment`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")
	chunks, resp := runSSE(t, payload)
	if len(chunks) != 1 || resp.Message.Content != "ok" {
		t.Errorf("chunks = %+v, content = %q", chunks, resp.Message.Content)
	}
}

func TestStreamSSEReasoningDeltas(t *testing.T) {
	payload := strings.Join([]string{
		`data: {"choices":[{"delta":{"reasoning":"thinking..."}}]}`,
		`data: {"choices":[{"delta":{"content":"42"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")
	chunks, resp := runSSE(t, payload)
	if len(chunks) != 2 || chunks[0].Reasoning != "thinking..." {
		t.Fatalf("chunks = %+v", chunks)
	}
	if resp.Message.Reasoning != "thinking..." || resp.Message.Content != "42" {
		t.Errorf("message = %+v", resp.Message)
	}
}
