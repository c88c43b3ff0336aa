package llm

import (
	"regexp"
	"strings"
)

var (
	// fencedObjectRe matches a JSON object inside a markdown code fence.
	fencedObjectRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// bareObjectRe matches any JSON object as a greedy fallback.
	bareObjectRe = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaRe matches trailing commas before } or ].
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of a model response. Models wrap JSON
// in markdown fences and sprinkle it with // comments and trailing commas;
// this strips all three so the result can be unmarshaled.
func ExtractJSON(content string) string {
	var raw string
	if m := fencedObjectRe.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareObjectRe.FindString(content)
	}
	if raw == "" {
		return ""
	}

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	cleaned := strings.Join(lines, "\n")
	return trailingCommaRe.ReplaceAllString(cleaned, "$1")
}

// stripLineComment removes a // comment from a line unless the // sits inside
// a string value.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
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
