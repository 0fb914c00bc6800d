package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON means none of the extraction strategies found a JSON object in
// the agent's stdout. The invoker falls back to a strict re-prompt.
var ErrNoJSON = errors.New("no JSON object found in agent output")

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of raw agent stdout. Strategies, in
// order: the whole output as a single object, the last code-fenced block,
// the last balanced-brace span.
func ExtractJSON(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)

	if obj, ok := tryParse(trimmed); ok {
		return obj, nil
	}

	matches := fencedJSON.FindAllStringSubmatch(trimmed, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if obj, ok := tryParse(matches[i][1]); ok {
			return obj, nil
		}
	}

	if span := lastBalancedSpan(trimmed); span != "" {
		if obj, ok := tryParse(span); ok {
			return obj, nil
		}
	}

	return nil, ErrNoJSON
}

func tryParse(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// lastBalancedSpan finds the last top-level {...} span with balanced braces,
// skipping braces inside string literals.
func lastBalancedSpan(s string) string {
	var best string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					best = s[start : i+1]
				}
			}
		}
	}
	return best
}
