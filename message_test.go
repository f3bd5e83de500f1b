package conduit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageConstructorsAssignIdentity(t *testing.T) {
	u := NewUserMessage("hi")
	if u.MessageID == "" {
		t.Error("user message has no id")
	}
	if u.Timestamp == 0 {
		t.Error("user message has no timestamp")
	}
	v := NewUserMessage("hi")
	if u.MessageID == v.MessageID {
		t.Error("two messages share an id")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []Message{
		NewSystemMessage("be terse"),
		NewUserMessage("hello"),
		NewUserBlocks(
			TextBlock{Text: "what is this?"},
			ImageBlock{URL: "data:image/png;base64,aaaa", Detail: "high"},
			AudioBlock{Data: "bbbb", Format: "mp3"},
		),
		&AssistantMessage{
			MessageMeta: newMeta(),
			Content:     "an image",
			Reasoning:   "thinking...",
			ToolCalls:   []ToolCall{{ID: "tc1", Type: "function", Name: "lookup", Arguments: map[string]any{"q": "x"}}},
			Citations:   []string{"https://example.com"},
			Parsed:      json.RawMessage(`{"a":1}`),
		},
		NewToolMessage("tc1", "lookup", "result text"),
	}
	for _, m := range msgs {
		data, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("encode %T: %v", m, err)
		}
		back, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("decode %T: %v", m, err)
		}
		if back.Role() != m.Role() {
			t.Errorf("role changed: %s != %s", back.Role(), m.Role())
		}
		if back.Meta().MessageID != m.Meta().MessageID {
			t.Errorf("id changed for %T", m)
		}
		if TextOf(back) != TextOf(m) {
			t.Errorf("text changed for %T: %q != %q", m, TextOf(back), TextOf(m))
		}
	}
}

func TestDecodeRoundTripAssistantFields(t *testing.T) {
	orig := &AssistantMessage{
		MessageMeta: newMeta(),
		Content:     "ok",
		ToolCalls:   []ToolCall{{ID: "id1", Type: "function", Name: "f", Arguments: map[string]any{"n": float64(2)}}},
	}
	data, err := EncodeMessage(orig)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	am, ok := back.(*AssistantMessage)
	if !ok {
		t.Fatalf("decoded %T, want *AssistantMessage", back)
	}
	if len(am.ToolCalls) != 1 || am.ToolCalls[0].Name != "f" {
		t.Errorf("tool calls lost: %+v", am.ToolCalls)
	}
	if am.ToolCalls[0].Arguments["n"] != float64(2) {
		t.Errorf("arguments lost: %+v", am.ToolCalls[0].Arguments)
	}
}

func TestDecodeMessageUnknownRole(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"role":"robot"}`)); err == nil {
		t.Fatal("expected error for unknown role")
	} else if KindOf(err) != KindValidation {
		t.Errorf("kind = %s, want validation", KindOf(err))
	}
}

func TestDecodeBlockUnknownType(t *testing.T) {
	if _, err := DecodeBlock([]byte(`{"type":"video"}`)); err == nil {
		t.Fatal("expected error for unknown block type")
	}
}

func TestTextOfJoinsTextBlocks(t *testing.T) {
	m := NewUserBlocks(
		TextBlock{Text: "first"},
		ImageBlock{URL: "http://example.com/x.png"},
		TextBlock{Text: "second"},
	)
	got := TextOf(m)
	if got != "first\nsecond" {
		t.Errorf("TextOf = %q", got)
	}
}

func TestPerplexityContent(t *testing.T) {
	m := NewAssistantMessage("answer")
	if m.PerplexityContent() != nil {
		t.Error("no citations should mean nil view")
	}
	m.Citations = []string{"https://a", "https://b"}
	view := m.PerplexityContent()
	if view == nil || view.Text != "answer" || len(view.Citations) != 2 {
		t.Errorf("view = %+v", view)
	}
}

func TestAssistantEmpty(t *testing.T) {
	m := &AssistantMessage{MessageMeta: newMeta()}
	if !m.Empty() {
		t.Error("zero assistant message should be empty")
	}
	m.Reasoning = "hmm"
	if m.Empty() {
		t.Error("reasoning-only message is not empty")
	}
}

func TestImageBlockFromFileMissing(t *testing.T) {
	_, err := ImageBlockFromFile("/no/such/file.png", "auto")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "read image") {
		t.Errorf("err = %v", err)
	}
}
