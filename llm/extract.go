package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	// fencedObjectPattern matches a JSON object inside a markdown fence.
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// fencedArrayPattern matches a JSON array inside a markdown fence.
	fencedArrayPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	// bareObjectPattern matches the outermost-looking object (greedy fallback).
	bareObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// bareArrayPattern matches the outermost-looking array (greedy fallback).
	bareArrayPattern = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// danglingCommaPattern matches trailing commas before ] or }.
	danglingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts a JSON object from an LLM response string.
// Markdown fences, // comments and trailing commas are tolerated.
// Returns "" when nothing object-shaped is present.
func ExtractJSON(content string) string {
	if m := fencedObjectPattern.FindStringSubmatch(content); len(m) > 1 {
		return tidyJSON(m[1])
	}
	if m := bareObjectPattern.FindString(content); m != "" {
		return tidyJSON(m)
	}
	return ""
}

// ExtractJSONArray extracts a JSON array from an LLM response string.
func ExtractJSONArray(content string) string {
	if m := fencedArrayPattern.FindStringSubmatch(content); len(m) > 1 {
		return tidyJSON(m[1])
	}
	if m := bareArrayPattern.FindString(content); m != "" {
		return tidyJSON(m)
	}
	return ""
}

func tidyJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = dropLineComment(line)
	}
	return danglingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// dropLineComment removes a trailing // comment that sits outside any string literal.
func dropLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// ToolCall is a function call the model emitted, either natively or as inline JSON.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// rawToolCall accepts the shapes local models commonly produce:
// {"name": ..., "arguments": {...}}, {"function": {"name": ..., "arguments": "..."}},
// and {"tool": ..., "parameters": {...}}.
type rawToolCall struct {
	Name       string          `json:"name"`
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
	Function   *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (r rawToolCall) normalize() (ToolCall, bool) {
	name, args := r.Name, r.Arguments
	if name == "" {
		name = r.Tool
	}
	if len(args) == 0 {
		args = r.Parameters
	}
	if r.Function != nil {
		name, args = r.Function.Name, r.Function.Arguments
	}
	if name == "" {
		return ToolCall{}, false
	}
	return ToolCall{Name: name, Arguments: decodeArguments(args)}, true
}

// decodeArguments handles both object arguments and OpenAI-style stringified JSON.
func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err == nil {
		return out
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(tidyJSON(s)), &out); err == nil {
			return out
		}
	}
	return nil
}

// ExtractToolCalls finds tool-call-shaped JSON in a response: a bare array of calls,
// an object with a "tool_calls" array, or a single call object.
func ExtractToolCalls(content string) []ToolCall {
	if arr := ExtractJSONArray(content); arr != "" {
		var raws []rawToolCall
		if err := json.Unmarshal([]byte(arr), &raws); err == nil {
			if calls := normalizeAll(raws); len(calls) > 0 {
				return calls
			}
		}
	}

	obj := ExtractJSON(content)
	if obj == "" {
		return nil
	}

	var wrapper struct {
		ToolCalls []rawToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(obj), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
		return normalizeAll(wrapper.ToolCalls)
	}

	var single rawToolCall
	if err := json.Unmarshal([]byte(obj), &single); err == nil {
		if call, ok := single.normalize(); ok {
			return []ToolCall{call}
		}
	}
	return nil
}

func normalizeAll(raws []rawToolCall) []ToolCall {
	calls := make([]ToolCall, 0, len(raws))
	for _, r := range raws {
		if call, ok := r.normalize(); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// StringArg returns a string argument, or "" when missing or not a string.
func (t ToolCall) StringArg(key string) string {
	if t.Arguments == nil {
		return ""
	}
	s, _ := t.Arguments[key].(string)
	return s
}
