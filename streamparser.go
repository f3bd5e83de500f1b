package conduit

import (
	"encoding/json"
	"strings"
)

// TextStream is a pull-based stream of text chunks. Next returns the next
// chunk and true, or ("", false) at end of stream. Close aborts the
// upstream producer; it must be safe to call after exhaustion.
type TextStream interface {
	Next() (string, bool)
	Close() error
}

// StreamParser extracts the first complete JSON or XML object from a
// streamed token sequence, without waiting for the stream to finish.
type StreamParser struct {
	// CloseOnMatch closes the upstream stream as soon as an object is
	// accepted, discarding trailing content. Saves token cost on providers
	// that keep generating past the object.
	CloseOnMatch bool
	// CheckInterval re-scans the buffer every N chunks (default 1).
	CheckInterval int
}

// StreamExtract is the result of a parse: the text preceding the object,
// the decoded object (nil when none was found), and how much of the
// buffered text was consumed through the end of the object.
type StreamExtract struct {
	Prefix   string
	Object   any
	Consumed string
}

// ExtractFirstJSON scans the stream for the first complete JSON object or
// array. False positives (balanced but undecodable) resume scanning past
// the candidate's opening character. A stream that ends with no complete
// object returns Object == nil and the whole buffer as Consumed.
func (p *StreamParser) ExtractFirstJSON(s TextStream) (StreamExtract, error) {
	interval := p.CheckInterval
	if interval <= 0 {
		interval = 1
	}
	var buf strings.Builder
	skip := 0 // scan offset past rejected candidates
	sinceCheck := 0
	for {
		chunk, ok := s.Next()
		if !ok {
			break
		}
		buf.WriteString(chunk)
		sinceCheck++
		if sinceCheck < interval {
			continue
		}
		sinceCheck = 0
		if ex, found := scanJSON(buf.String(), &skip); found {
			if p.CloseOnMatch {
				if err := s.Close(); err != nil {
					return ex, WrapErr(KindInternal, err, "close stream after match")
				}
			}
			return ex, nil
		}
	}
	// final scan over whatever arrived after the last interval boundary
	if ex, found := scanJSON(buf.String(), &skip); found {
		if p.CloseOnMatch {
			if err := s.Close(); err != nil {
				return ex, WrapErr(KindInternal, err, "close stream after match")
			}
		}
		return ex, nil
	}
	return StreamExtract{Prefix: buf.String(), Consumed: buf.String()}, nil
}

// scanJSON looks for a complete decodable JSON value in text at or after
// *skip. On a balanced-but-undecodable candidate, *skip advances past its
// opening character so later calls resume there.
func scanJSON(text string, skip *int) (StreamExtract, bool) {
	for {
		start := -1
		for i := *skip; i < len(text); i++ {
			if text[i] == '{' || text[i] == '[' {
				start = i
				break
			}
		}
		if start < 0 {
			return StreamExtract{}, false
		}
		end, complete := balanceJSON(text[start:])
		if !complete {
			return StreamExtract{}, false
		}
		candidate := text[start : start+end]
		var obj any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			*skip = start + 1
			continue
		}
		return StreamExtract{
			Prefix:   text[:start],
			Object:   obj,
			Consumed: text[:start+end],
		}, true
	}
}

// balanceJSON walks a JSON candidate tracking brace depth, string state,
// and escapes. Returns the exclusive end offset of the balanced value and
// whether depth returned to zero.
func balanceJSON(s string) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		default:
			switch c {
			case '"':
				inString = true
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return i + 1, true
				}
			}
		}
	}
	return 0, false
}

// ExtractFirstXML scans the stream for the first complete element with the
// given tag, tracking nesting of that tag specifically. An incomplete
// element at end of stream returns Object == nil with the whole buffer as
// both Prefix and Consumed.
func (p *StreamParser) ExtractFirstXML(s TextStream, tag string) (StreamExtract, error) {
	interval := p.CheckInterval
	if interval <= 0 {
		interval = 1
	}
	var buf strings.Builder
	sinceCheck := 0
	for {
		chunk, ok := s.Next()
		if !ok {
			break
		}
		buf.WriteString(chunk)
		sinceCheck++
		if sinceCheck < interval {
			continue
		}
		sinceCheck = 0
		if ex, found := scanXML(buf.String(), tag); found {
			if p.CloseOnMatch {
				if err := s.Close(); err != nil {
					return ex, WrapErr(KindInternal, err, "close stream after match")
				}
			}
			return ex, nil
		}
	}
	if ex, found := scanXML(buf.String(), tag); found {
		if p.CloseOnMatch {
			if err := s.Close(); err != nil {
				return ex, WrapErr(KindInternal, err, "close stream after match")
			}
		}
		return ex, nil
	}
	return StreamExtract{Prefix: buf.String(), Consumed: buf.String()}, nil
}

// scanXML finds the first complete <tag>...</tag> element, counting nested
// occurrences of the same tag.
func scanXML(text, tag string) (StreamExtract, bool) {
	open := "<" + tag
	closeTag := "</" + tag + ">"
	start := indexOpenTag(text, open, 0)
	if start < 0 {
		return StreamExtract{}, false
	}
	depth := 0
	i := start
	for i < len(text) {
		if strings.HasPrefix(text[i:], closeTag) {
			depth--
			i += len(closeTag)
			if depth == 0 {
				return StreamExtract{
					Prefix:   text[:start],
					Object:   text[start:i],
					Consumed: text[:i],
				}, true
			}
			continue
		}
		if next := indexOpenTag(text, open, i); next == i {
			depth++
			i += len(open)
			continue
		}
		i++
	}
	return StreamExtract{}, false
}

// indexOpenTag finds the next occurrence of open ("<tag") at or after from
// that is a real start tag: the tag name must end at '>', '/', or
// whitespace, not continue into a longer name.
func indexOpenTag(text, open string, from int) int {
	for {
		i := strings.Index(text[from:], open)
		if i < 0 {
			return -1
		}
		abs := from + i
		rest := abs + len(open)
		if rest >= len(text) {
			return -1
		}
		switch text[rest] {
		case '>', ' ', '\t', '\n', '/':
			return abs
		}
		from = abs + 1
	}
}

// ChunkText extracts the text delta from a raw streamed chunk, trying the
// wire shapes used by the supported providers in turn: OpenAI-style
// choices[0].delta.content, Anthropic-style delta.text, then a bare text
// field.
func ChunkText(raw []byte) (string, bool) {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
		return chunk.Choices[0].Delta.Content, true
	}
	if chunk.Delta.Text != "" {
		return chunk.Delta.Text, true
	}
	if chunk.Text != "" {
		return chunk.Text, true
	}
	return "", false
}
