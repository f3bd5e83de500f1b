package conduit

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// perMessageOverhead approximates the per-message wrapping tokens of chat
// wire formats.
const perMessageOverhead = 3

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingCacheMu.RLock()
	enc, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Non-OpenAI models have no registered encoding; cl100k_base is a
		// close-enough approximation for counting purposes.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()
	return enc
}

// CountTokens returns the token count of text under the given model's
// encoding. Falls back to a length/4 estimate when no encoding is available.
func CountTokens(model, text string) int {
	enc := encodingFor(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessageTokens counts the tokens of a message list, including the
// per-message wrapping overhead of chat wire formats.
func CountMessageTokens(model string, msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(model, TextOf(m)) + perMessageOverhead
	}
	return total
}
