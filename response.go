package conduit

import (
	"encoding/json"
)

// StopReason is the terminal classification of a model reply.
type StopReason string

const (
	StopReasonStop          StopReason = "STOP"
	StopReasonLength        StopReason = "LENGTH"
	StopReasonToolCalls     StopReason = "TOOL_CALLS"
	StopReasonContentFilter StopReason = "CONTENT_FILTER"
)

// ResponseMetadata carries accounting data for one generation call.
type ResponseMetadata struct {
	DurationMS   int64      `json:"duration_ms"`
	ModelSlug    string     `json:"model_slug"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   StopReason `json:"stop_reason"`
	// CacheHit is true when the response was served from the cache without
	// a provider round-trip.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// GenerationResponse is the normalized result of one generation call.
type GenerationResponse struct {
	Message  *AssistantMessage `json:"message"`
	Metadata ResponseMetadata  `json:"metadata"`
	// Request is the request that produced this response. Not serialized.
	Request *GenerationRequest `json:"-"`
}

// Content returns the reply text, or "" for non-text replies.
func (r *GenerationResponse) Content() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return r.Message.Content
}

// DecodeParsed unmarshals the structured payload into out. Returns a
// schema-mismatch error when the response carries no parsed payload.
func (r *GenerationResponse) DecodeParsed(out any) error {
	if r.Message == nil || len(r.Message.Parsed) == 0 {
		return E(KindSchemaMismatch, "response carries no structured payload")
	}
	if err := json.Unmarshal(r.Message.Parsed, out); err != nil {
		return WrapErr(KindSchemaMismatch, err, "decode structured payload")
	}
	return nil
}

// cachedResponse is the serialized form of a response stored in the cache.
type cachedResponse struct {
	Message  json.RawMessage  `json:"message"`
	Metadata ResponseMetadata `json:"metadata"`
}

// EncodeResponse serializes a response for cache storage.
func EncodeResponse(r *GenerationResponse) ([]byte, error) {
	msg, err := EncodeMessage(r.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cachedResponse{Message: msg, Metadata: r.Metadata})
}

// DecodeResponse deserializes a cached response payload.
func DecodeResponse(data []byte) (*GenerationResponse, error) {
	var c cachedResponse
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, WrapErr(KindValidation, err, "decode cached response")
	}
	m, err := DecodeMessage(c.Message)
	if err != nil {
		return nil, err
	}
	am, ok := m.(*AssistantMessage)
	if !ok {
		return nil, E(KindValidation, "cached response message has role %s", m.Role())
	}
	return &GenerationResponse{Message: am, Metadata: c.Metadata}, nil
}
