package conduit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CanonicalJSON re-encodes a JSON document with object keys sorted
// recursively, so structurally equal documents produce identical bytes.
func CanonicalJSON(data []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	return json.Marshal(doc)
}

// canonicalValue marshals any Go value to canonical JSON.
func canonicalValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalJSON(raw)
}

// cacheMessage is the volatile-field-free projection of a message used for
// cache keys. IDs and timestamps vary per construction and must not affect
// the key; only the LM-visible content does.
type cacheMessage struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content,omitempty"`
	Blocks    []json.RawMessage `json:"blocks,omitempty"`
	ToolCalls []cacheToolCall   `json:"tool_calls,omitempty"`
	ToolName  string            `json:"tool_name,omitempty"`
}

type cacheToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func messagesForCache(msgs []Message) ([]byte, error) {
	out := make([]cacheMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := cacheMessage{Role: m.Role(), Content: TextOf(m)}
		switch v := m.(type) {
		case *UserMessage:
			cm.Content = v.Content
			for _, b := range v.Blocks {
				enc, err := EncodeBlock(b)
				if err != nil {
					return nil, err
				}
				cm.Blocks = append(cm.Blocks, enc)
			}
		case *AssistantMessage:
			for _, tc := range v.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, cacheToolCall{Name: tc.Name, Arguments: tc.Arguments})
			}
		case *ToolMessage:
			cm.ToolName = v.Name
		}
		out = append(out, cm)
	}
	return canonicalValue(out)
}

// CacheKey computes the deterministic key for a request routed to the given
// provider. Two requests share a key exactly when their LM-affecting fields
// are pointwise equal.
func CacheKey(r *GenerationRequest, provider string) (string, error) {
	msgs, err := messagesForCache(r.Messages)
	if err != nil {
		return "", WrapErr(KindValidation, err, "canonicalize messages for cache key")
	}
	temp := "none"
	if r.Params.Temperature != nil {
		temp = strconv.FormatFloat(*r.Params.Temperature, 'g', -1, 64)
	}
	numCtx := "none"
	if r.Params.NumCtx > 0 {
		numCtx = strconv.Itoa(r.Params.NumCtx)
	}
	clientParams := []byte("{}")
	if len(r.Params.ClientParams) > 0 {
		clientParams, err = canonicalValue(r.Params.ClientParams)
		if err != nil {
			return "", WrapErr(KindValidation, err, "canonicalize client params for cache key")
		}
	}
	joined := strings.Join([]string{
		r.Params.Model,
		string(msgs),
		temp,
		r.Params.ResponseModel.Digest(),
		numCtx,
		provider,
		string(clientParams),
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:]), nil
}

// describeRequest renders a short human label for logs and error context.
func describeRequest(r *GenerationRequest) string {
	return fmt.Sprintf("%s (%d messages)", r.Params.Model, len(r.Messages))
}
