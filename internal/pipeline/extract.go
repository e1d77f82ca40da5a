package pipeline

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls a JSON object out of a model reply with best-effort
// tolerance: strip code fences, then scan for the first balanced object
// and unmarshal it. Returns ok=false when no parseable object exists;
// callers substitute their documented defaults and proceed.
func ExtractJSON(reply string, out any) bool {
	text := stripFences(reply)
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return false
	}
	// Walk from the first brace tracking depth so trailing prose after the
	// object does not break the parse.
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return json.Unmarshal([]byte(text[start:i+1]), out) == nil
			}
		}
	}
	// Unbalanced; try the lenient first-brace-to-last-brace slice.
	end := strings.LastIndexByte(text, '}')
	if end <= start {
		return false
	}
	return json.Unmarshal([]byte(text[start:end+1]), out) == nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
