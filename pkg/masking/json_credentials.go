package masking

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MaskedFieldValue is the replacement for masked JSON field values.
const MaskedFieldValue = "__MASKED_VALUE__"

// sensitiveKeyPattern matches JSON field names that carry credentials.
// Deliberately loose: a field named refresh_token or db_password matches on
// the embedded word. Bare "auth" is excluded so git's "author" survives.
var sensitiveKeyPattern = regexp.MustCompile(
	`(?i)(?:password|passwd|pwd|secret|token|api[_-]?key|apikey|private[_-]?key|access[_-]?key|credential|authorization)`)

// JSONCredentialsMasker masks credential-bearing fields at any depth of a
// JSON document. Events without a known text field are remembered as their
// serialized payload, and a regex sweep cannot reliably pair nested keys
// with their values, so this masker parses instead.
type JSONCredentialsMasker struct{}

// Name returns the unique identifier for this masker.
func (m *JSONCredentialsMasker) Name() string { return "json_credentials" }

// AppliesTo performs a lightweight check on whether this masker should
// process the text.
func (m *JSONCredentialsMasker) AppliesTo(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return sensitiveKeyPattern.MatchString(trimmed)
}

// Mask parses the text as JSON and replaces the values of sensitive fields.
// Returns original text on parse/processing errors (defensive).
func (m *JSONCredentialsMasker) Mask(text string) string {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return text // Not valid JSON, leave it for the regex sweep
	}

	doc, masked := maskNode(doc)
	if !masked {
		return text
	}

	// Compact re-serialization with sorted keys, matching how payloads are
	// serialized into event text in the first place.
	result, err := json.Marshal(doc)
	if err != nil {
		return text
	}
	return string(result)
}

// maskNode walks a decoded JSON value and replaces the value of every
// sensitive field wholesale, subtrees included: a "credentials" object is
// collapsed to the placeholder rather than descended into. Returns whether
// anything was masked.
func maskNode(node any) (any, bool) {
	switch v := node.(type) {
	case map[string]any:
		masked := false
		for key, val := range v {
			if sensitiveKeyPattern.MatchString(key) {
				v[key] = MaskedFieldValue
				masked = true
				continue
			}
			if next, m := maskNode(val); m {
				v[key] = next
				masked = true
			}
		}
		return v, masked
	case []any:
		masked := false
		for i := range v {
			if next, m := maskNode(v[i]); m {
				v[i] = next
				masked = true
			}
		}
		return v, masked
	default:
		return node, false
	}
}
