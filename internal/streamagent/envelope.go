package streamagent

import (
	"encoding/json"
	"strings"

	"github.com/cadencevoice/cadenced/pkg/types"
)

// envelopeScanner detects a JSON tool-call envelope inside a stream of text
// deltas (spec §4.2 step 4, prompt mode). It buffers from the first '{' seen
// until braces balance, then attempts to decode the candidate as an
// envelope; non-envelope JSON (the model legitimately talking about braces)
// falls back to plain passthrough text.
type envelopeScanner struct {
	buf       strings.Builder
	capturing bool
	depth     int
	inString  bool
	escape    bool
}

func newEnvelopeScanner() *envelopeScanner {
	return &envelopeScanner{}
}

// Feed processes one delta, returning the text safe to display immediately
// and, if a complete envelope was decoded, the tool calls it carried.
func (s *envelopeScanner) Feed(delta string) (pass string, calls []types.ToolCall, found bool) {
	var out strings.Builder
	for _, r := range delta {
		if !s.capturing {
			if r == '{' {
				s.capturing = true
				s.depth = 0
				s.inString = false
				s.escape = false
				s.buf.Reset()
			} else {
				out.WriteRune(r)
				continue
			}
		}

		s.buf.WriteRune(r)

		if s.inString {
			switch {
			case s.escape:
				s.escape = false
			case r == '\\':
				s.escape = true
			case r == '"':
				s.inString = false
			}
			continue
		}

		switch r {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				candidate := s.buf.String()
				s.capturing = false
				s.buf.Reset()
				if env, ok := decodeEnvelope(candidate); ok {
					return out.String(), env, true
				}
				out.WriteString(candidate)
			}
		}
	}
	return out.String(), nil, false
}

// promptEnvelope is the JSON shape a prompt-mode tool call takes, per the
// tool-prompt addendum injected into the system prompt. Either a single
// "tool"/"arguments" pair or a "tool_calls" list is accepted.
type promptEnvelope struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	ToolCalls []promptCall    `json:"tool_calls"`
}

type promptCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func decodeEnvelope(candidate string) ([]types.ToolCall, bool) {
	var env promptEnvelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil, false
	}

	if len(env.ToolCalls) > 0 {
		calls := make([]types.ToolCall, len(env.ToolCalls))
		for i, c := range env.ToolCalls {
			calls[i] = types.ToolCall{Name: c.Name, Arguments: string(c.Arguments)}
		}
		return calls, true
	}
	if env.Tool != "" {
		return []types.ToolCall{{Name: env.Tool, Arguments: string(env.Arguments)}}, true
	}
	return nil, false
}
