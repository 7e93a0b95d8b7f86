package structured

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// maxBalancedCandidates bounds how many well-formed bracketed substrings are
// tried when the completion mixes prose and JSON.
const maxBalancedCandidates = 64

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")

// ExtractionError reports that no strategy produced a record satisfying the
// schema. It is the only error Extract and Decode return.
type ExtractionError struct {
	Schema  string
	Reasons []string
	Excerpt string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: no candidate satisfied the schema (%s); raw: %q",
		e.Schema, strings.Join(e.Reasons, "; "), e.Excerpt)
}

// IsExtractionError reports whether err is, or wraps, an ExtractionError.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

type candidate struct {
	strategy string
	text     string
}

// Extract parses a free-form model completion into T.
//
// Strategies, in order: direct parse, fence/prose stripping, the first
// balanced top-level object or array, and finally closing a truncated
// structure. Every candidate is validated against schema before decoding.
func Extract[T any](raw string, schema *Schema) (T, error) {
	var zero T
	var reasons []string
	seen := make(map[string]bool)

	for _, c := range candidates(raw) {
		if c.text == "" || seen[c.text] {
			continue
		}
		seen[c.text] = true

		v, err := decode[T](c.text, schema)
		if err == nil {
			return v, nil
		}
		reasons = append(reasons, c.strategy+": "+err.Error())
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "empty completion")
	}
	return zero, &ExtractionError{Schema: schemaName(schema), Reasons: reasons, Excerpt: excerpt(raw)}
}

// Decode is the strict path for completions produced under a native JSON
// mode: the text must parse and validate as is.
func Decode[T any](raw string, schema *Schema) (T, error) {
	v, err := decode[T](strings.TrimSpace(raw), schema)
	if err != nil {
		var zero T
		return zero, &ExtractionError{
			Schema:  schemaName(schema),
			Reasons: []string{"direct: " + err.Error()},
			Excerpt: excerpt(raw),
		}
	}
	return v, nil
}

func candidates(raw string) []candidate {
	trimmed := strings.TrimSpace(raw)
	out := []candidate{{strategy: "direct", text: trimmed}}

	unfenced, _ := removeFence(trimmed)
	stripped := stripWrapping(trimmed)
	out = append(out, candidate{strategy: "stripped", text: stripped})

	for _, b := range balancedStructures(stripped, maxBalancedCandidates) {
		out = append(out, candidate{strategy: "balanced", text: b})
	}

	// A truncated completion has no trailing prose, so repair works on
	// everything after the fence rather than on the stripped slice.
	if repaired, ok := repairTruncated(unfenced); ok {
		out = append(out, candidate{strategy: "repaired", text: repaired})
	}
	return out
}

func decode[T any](text string, schema *Schema) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validation panicked: %v", r)
		}
	}()

	var generic any
	if err := json.Unmarshal([]byte(text), &generic); err != nil {
		return v, err
	}
	if schema != nil {
		if err := schema.Validate(generic); err != nil {
			return v, err
		}
	}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return v, err
	}
	return v, nil
}

// stripWrapping removes code fences, or failing that, any prose before the
// first opening bracket and after the last closing one.
func stripWrapping(s string) string {
	if inner, ok := removeFence(s); ok {
		return inner
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : end+1])
}

// removeFence returns the content of the first code fence in s.
func removeFence(s string) (string, bool) {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	// An unterminated fence is common when the completion was cut off.
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		return strings.TrimSpace(rest), true
	}
	return s, false
}

// balancedStructures returns up to limit substrings that start at an opening
// bracket, end at its matching close and parse as JSON, in order of
// appearance. Bracketed prose such as [src:3] does not count towards limit.
func balancedStructures(s string, limit int) []string {
	var out []string
	for i := 0; i < len(s) && len(out) < limit; i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end, ok := matchClose(s[i:])
		if !ok || !json.Valid([]byte(s[i:i+end])) {
			continue
		}
		out = append(out, s[i:i+end])
	}
	return out
}

// matchClose scans s, which starts with an opening bracket, and returns the
// length of the balanced structure. String literals are skipped.
func matchClose(s string) (int, bool) {
	var stack []byte
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// repairTruncated closes a structure that was cut off mid-stream: an open
// string is terminated, dangling separators and keys are dropped, and the
// missing closing brackets are appended.
func repairTruncated(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	body := s[start:]
	if _, ok := matchClose(body); ok {
		return "", false
	}

	if _, inString := scanOpen(body); inString {
		body += `"`
	}
	body = trimDangling(body)

	stack, inString := scanOpen(body)
	if stack == nil || inString {
		return "", false
	}
	var b strings.Builder
	b.WriteString(body)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), true
}

// scanOpen returns the closers still owed at the end of s and whether s ends
// inside a string literal. A nil stack means the brackets are mismatched.
func scanOpen(s string) ([]byte, bool) {
	stack := []byte{}
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return nil, inString
			}
			stack = stack[:len(stack)-1]
		}
	}
	return stack, inString
}

func trimDangling(s string) string {
	for {
		s = strings.TrimRight(s, " \t\r\n")
		switch {
		case strings.HasSuffix(s, ","):
			s = s[:len(s)-1]
		case strings.HasSuffix(s, ":"):
			// drop the key that has no value
			idx := strings.LastIndexAny(s[:len(s)-1], ",{")
			if idx < 0 {
				return s
			}
			if s[idx] == ',' {
				s = s[:idx]
			} else {
				s = s[:idx+1]
			}
		default:
			return s
		}
	}
}

func schemaName(s *Schema) string {
	if s == nil || s.Name == "" {
		return "record"
	}
	return s.Name
}

func excerpt(s string) string {
	const limit = 200
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
