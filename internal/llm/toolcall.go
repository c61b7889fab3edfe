package llm

import (
	"encoding/json"
	"strings"
)

// ToolCall is a structured action embedded in an assistant reply. The
// reply may be the bare JSON object, carry it inside a fenced code block,
// or surround it with prose.
type ToolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ExtractToolCall finds a {"tool": ...} object in an assistant reply.
// Returns false when the reply carries no tool call.
func ExtractToolCall(content string) (*ToolCall, bool) {
	for _, candidate := range jsonCandidates(content) {
		var call ToolCall
		if err := json.Unmarshal([]byte(candidate), &call); err != nil {
			continue
		}
		if call.Tool != "" {
			return &call, true
		}
	}
	return nil, false
}

func jsonCandidates(content string) []string {
	var out []string

	trimmed := strings.TrimSpace(content)
	if trimmed != "" {
		out = append(out, trimmed)
	}

	// Fenced code blocks, ```json or plain ```.
	rest := content
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && nl < 10 {
			// Skip a language tag on the fence line.
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		out = append(out, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}

	// First balanced object in surrounding prose.
	if obj := firstObject(content); obj != "" {
		out = append(out, obj)
	}

	return out
}

// firstObject returns the first brace-balanced JSON object in s
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
