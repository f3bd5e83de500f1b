package conduit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageMeta holds the identity fields shared by every message variant.
// MessageID is assigned once at construction and never changes; PredecessorID
// and SessionID are backfilled when the message enters a conversation.
type MessageMeta struct {
	MessageID     string `json:"message_id"`
	Timestamp     int64  `json:"timestamp"`
	PredecessorID string `json:"predecessor_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

// Meta returns the shared identity fields. Embedding MessageMeta satisfies
// the Message interface's Meta method.
func (m *MessageMeta) Meta() *MessageMeta { return m }

// Message is the closed union of the four message variants. Equality is by
// MessageID. Implementations live in this package only.
type Message interface {
	Meta() *MessageMeta
	Role() Role
	sealedMessage()
}

// SystemMessage carries instruction text. A conversation holds at most one,
// always first.
type SystemMessage struct {
	MessageMeta
	Content string `json:"content"`
}

// UserMessage carries text or an ordered list of multimodal content blocks.
// When Blocks is non-empty it takes precedence over Content.
type UserMessage struct {
	MessageMeta
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// AssistantMessage is a model reply. At least one of Content, Reasoning,
// ToolCalls, Images, Audio, or Parsed is populated.
type AssistantMessage struct {
	MessageMeta
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Images    []ImageOutput   `json:"images,omitempty"`
	Audio     *AudioOutput    `json:"audio,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
	Citations []string        `json:"citations,omitempty"`
}

// ToolMessage carries a stringified tool result back to the model.
// ToolCallID links it to the AssistantMessage that requested the call.
type ToolMessage struct {
	MessageMeta
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
}

func (*SystemMessage) Role() Role    { return RoleSystem }
func (*UserMessage) Role() Role      { return RoleUser }
func (*AssistantMessage) Role() Role { return RoleAssistant }
func (*ToolMessage) Role() Role      { return RoleTool }

func (*SystemMessage) sealedMessage()    {}
func (*UserMessage) sealedMessage()      {}
func (*AssistantMessage) sealedMessage() {}
func (*ToolMessage) sealedMessage()      {}

// Empty reports whether none of the assistant payload slots is populated.
func (m *AssistantMessage) Empty() bool {
	return m.Content == "" && m.Reasoning == "" && len(m.ToolCalls) == 0 &&
		len(m.Images) == 0 && m.Audio == nil && len(m.Parsed) == 0
}

// PerplexityContent is the enriched view of a citation-bearing reply.
// Consumers may read either the raw Content or this structured form.
type PerplexityView struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// PerplexityContent builds the enriched content view lazily from the raw text
// and the citation list. Returns nil when the reply carried no citations.
func (m *AssistantMessage) PerplexityContent() *PerplexityView {
	if len(m.Citations) == 0 {
		return nil
	}
	return &PerplexityView{Text: m.Content, Citations: m.Citations}
}

// ToolCall is an assistant's structured request to invoke a named function.
type ToolCall struct {
	ID        string         `json:"tool_call_id"`
	Type      string         `json:"type"` // always "function"
	Name      string         `json:"function_name"`
	Arguments map[string]any `json:"arguments"`
}

// ImageOutput is one generated image from an image-generation reply.
type ImageOutput struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// AudioOutput is synthesized audio from a TTS reply, base64-encoded.
type AudioOutput struct {
	Data   string `json:"data"`
	Format string `json:"format"` // "mp3" or "wav"
}

// --- Constructors ---

func newMeta() MessageMeta {
	return MessageMeta{MessageID: NewID(), Timestamp: NowMillis()}
}

// NewSystemMessage creates a SystemMessage with a fresh ID.
func NewSystemMessage(text string) *SystemMessage {
	return &SystemMessage{MessageMeta: newMeta(), Content: text}
}

// NewUserMessage creates a text-only UserMessage with a fresh ID.
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{MessageMeta: newMeta(), Content: text}
}

// NewUserBlocks creates a multimodal UserMessage from ordered content blocks.
func NewUserBlocks(blocks ...ContentBlock) *UserMessage {
	return &UserMessage{MessageMeta: newMeta(), Blocks: blocks}
}

// NewAssistantMessage creates a text AssistantMessage with a fresh ID.
func NewAssistantMessage(text string) *AssistantMessage {
	return &AssistantMessage{MessageMeta: newMeta(), Content: text}
}

// NewToolMessage creates a ToolMessage answering the given tool call.
func NewToolMessage(toolCallID, name, content string) *ToolMessage {
	return &ToolMessage{MessageMeta: newMeta(), Content: content, ToolCallID: toolCallID, Name: name}
}

// --- Content blocks ---

// ContentBlock is the closed union of user-message content parts.
type ContentBlock interface {
	BlockType() string
	sealedBlock()
}

// TextBlock is a plain text content part.
type TextBlock struct {
	Text string `json:"text"`
}

// ImageBlock references an image by URL or data-URI. Detail is the
// provider-specific resolution hint ("low", "high", "auto").
type ImageBlock struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// AudioBlock carries base64 audio with an explicit format tag.
type AudioBlock struct {
	Data   string `json:"data"`
	Format string `json:"format"` // "mp3" or "wav"
}

func (TextBlock) BlockType() string  { return "text" }
func (ImageBlock) BlockType() string { return "image" }
func (AudioBlock) BlockType() string { return "audio" }

func (TextBlock) sealedBlock()  {}
func (ImageBlock) sealedBlock() {}
func (AudioBlock) sealedBlock() {}

// ImageBlockFromFile reads an image file and encodes it as a base64 data-URI.
// The mime type is inferred from the file extension.
func ImageBlockFromFile(path string, detail string) (ImageBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageBlock{}, WrapErr(KindValidation, err, "read image %s", path)
	}
	mime := mimeForExt(filepath.Ext(path))
	uri := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	return ImageBlock{URL: uri, Detail: detail}, nil
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// --- Canonical JSON (discriminated unions) ---

// blockEnvelope is the stable discriminated serialization of a ContentBlock.
type blockEnvelope struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	URL    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`
	Data   string `json:"data,omitempty"`
	Format string `json:"format,omitempty"`
}

// EncodeBlock serializes a content block to its discriminated JSON form.
func EncodeBlock(b ContentBlock) ([]byte, error) {
	var env blockEnvelope
	switch v := b.(type) {
	case TextBlock:
		env = blockEnvelope{Type: "text", Text: v.Text}
	case ImageBlock:
		env = blockEnvelope{Type: "image", URL: v.URL, Detail: v.Detail}
	case AudioBlock:
		env = blockEnvelope{Type: "audio", Data: v.Data, Format: v.Format}
	default:
		return nil, E(KindValidation, "unknown content block %T", b)
	}
	return json.Marshal(env)
}

// DecodeBlock deserializes a content block, matching on the type discriminator.
func DecodeBlock(data []byte) (ContentBlock, error) {
	var env blockEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, WrapErr(KindValidation, err, "decode content block")
	}
	switch env.Type {
	case "text":
		return TextBlock{Text: env.Text}, nil
	case "image":
		return ImageBlock{URL: env.URL, Detail: env.Detail}, nil
	case "audio":
		return AudioBlock{Data: env.Data, Format: env.Format}, nil
	default:
		return nil, E(KindValidation, "unknown content block type %q", env.Type)
	}
}

// MarshalJSON implements the discriminated form for user message blocks.
func (u UserMessage) blockJSON() ([]json.RawMessage, error) {
	if len(u.Blocks) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(u.Blocks))
	for _, b := range u.Blocks {
		enc, err := EncodeBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// messageEnvelope is the canonical on-disk and on-wire form of a Message.
// The role field discriminates the variant.
type messageEnvelope struct {
	Role Role `json:"role"`
	MessageMeta
	Content    string            `json:"content,omitempty"`
	Blocks     []json.RawMessage `json:"blocks,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	Images     []ImageOutput     `json:"images,omitempty"`
	Audio      *AudioOutput      `json:"audio,omitempty"`
	Parsed     json.RawMessage   `json:"parsed,omitempty"`
	Citations  []string          `json:"citations,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// EncodeMessage serializes any message variant to its canonical JSON form.
func EncodeMessage(m Message) ([]byte, error) {
	env := messageEnvelope{Role: m.Role(), MessageMeta: *m.Meta()}
	switch v := m.(type) {
	case *SystemMessage:
		env.Content = v.Content
	case *UserMessage:
		env.Content = v.Content
		blocks, err := v.blockJSON()
		if err != nil {
			return nil, err
		}
		env.Blocks = blocks
	case *AssistantMessage:
		env.Content = v.Content
		env.Reasoning = v.Reasoning
		env.ToolCalls = v.ToolCalls
		env.Images = v.Images
		env.Audio = v.Audio
		env.Parsed = v.Parsed
		env.Citations = v.Citations
	case *ToolMessage:
		env.Content = v.Content
		env.ToolCallID = v.ToolCallID
		env.Name = v.Name
	}
	return json.Marshal(env)
}

// DecodeMessage deserializes a canonical message, matching on the role
// discriminator.
func DecodeMessage(data []byte) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, WrapErr(KindValidation, err, "decode message")
	}
	switch env.Role {
	case RoleSystem:
		return &SystemMessage{MessageMeta: env.MessageMeta, Content: env.Content}, nil
	case RoleUser:
		var blocks []ContentBlock
		for _, raw := range env.Blocks {
			b, err := DecodeBlock(raw)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		}
		return &UserMessage{MessageMeta: env.MessageMeta, Content: env.Content, Blocks: blocks}, nil
	case RoleAssistant:
		return &AssistantMessage{
			MessageMeta: env.MessageMeta,
			Content:     env.Content,
			Reasoning:   env.Reasoning,
			ToolCalls:   env.ToolCalls,
			Images:      env.Images,
			Audio:       env.Audio,
			Parsed:      env.Parsed,
			Citations:   env.Citations,
		}, nil
	case RoleTool:
		return &ToolMessage{MessageMeta: env.MessageMeta, Content: env.Content, ToolCallID: env.ToolCallID, Name: env.Name}, nil
	default:
		return nil, E(KindValidation, "unknown message role %q", env.Role)
	}
}

// TextOf returns the primary text of any message variant. For multimodal user
// messages the text blocks are joined in order.
func TextOf(m Message) string {
	switch v := m.(type) {
	case *SystemMessage:
		return v.Content
	case *UserMessage:
		if len(v.Blocks) == 0 {
			return v.Content
		}
		var sb strings.Builder
		for _, b := range v.Blocks {
			if t, ok := b.(TextBlock); ok {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(t.Text)
			}
		}
		return sb.String()
	case *AssistantMessage:
		return v.Content
	case *ToolMessage:
		return v.Content
	}
	return ""
}
