// Package redact implements field-level PII redaction, labeler
// pseudonymization, and retention expiry arithmetic.
//
// Redaction policies transform a single field value; ApplyToPayload drives
// them from the schema's per-field metadata for export and retention.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/labelforge/labeld/internal/types"
)

// DefaultTruncateLength bounds truncated string values.
const DefaultTruncateLength = 100

// Mode selects how ApplyToPayload treats schema metadata.
type Mode string

// Redaction modes for export.
const (
	ModeNone       Mode = "none"       // raw passthrough
	ModeAutomatic  Mode = "automatic"  // per-field policy from schema metadata
	ModeAggressive Mode = "aggressive" // strip anything flagged as PII
)

// IsValid checks if the redaction mode value is valid
func (m Mode) IsValid() bool {
	switch m {
	case ModeNone, ModeAutomatic, ModeAggressive:
		return true
	}
	return false
}

// defaultPatterns match common PII shapes in free text: emails, SSNs,
// US-style phone numbers, and credit card numbers.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
}

// Redacted is the replacement token used by RegexRedact.
const Redacted = "[REDACTED]"

// Preserve is the identity policy.
func Preserve(v any) any { return v }

// Strip replaces any value with absent (nil).
func Strip(any) any { return nil }

// Truncate shortens string values to maxLen runes; non-strings are
// unchanged. maxLen <= 0 uses DefaultTruncateLength.
func Truncate(v any, maxLen int) any {
	if maxLen <= 0 {
		maxLen = DefaultTruncateLength
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

// Hash replaces the value with the SHA-256 hex of its stringified UTF-8
// encoding, optionally salted.
func Hash(v any, salt string) any {
	h := sha256.New()
	if salt != "" {
		h.Write([]byte(salt))
	}
	h.Write([]byte(stringify(v)))
	return hex.EncodeToString(h.Sum(nil))
}

// RegexRedact replaces matches of the given patterns in string values with
// the Redacted token. A nil pattern set uses the default PII patterns.
// Non-strings are unchanged.
func RegexRedact(v any, patterns []*regexp.Regexp) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if patterns == nil {
		patterns = defaultPatterns
	}
	for _, p := range patterns {
		s = p.ReplaceAllString(s, Redacted)
	}
	return s
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Apply runs a single named policy against a value.
func Apply(policy types.RedactionPolicy, v any, salt string) any {
	switch policy {
	case types.RedactPreserve:
		return Preserve(v)
	case types.RedactStrip:
		return Strip(v)
	case types.RedactTruncate:
		return Truncate(v, DefaultTruncateLength)
	case types.RedactHash:
		return Hash(v, salt)
	case types.RedactRegex:
		return RegexRedact(v, nil)
	}
	return v
}

// PolicyFor resolves the effective policy for a field: the explicit
// per-field policy when declared, otherwise the default for its PII level
// (none -> preserve, possible -> truncate, likely/definite -> strip).
func PolicyFor(meta types.FieldMeta) types.RedactionPolicy {
	if meta.Redaction != "" {
		return meta.Redaction
	}
	switch meta.PII {
	case types.PIIPossible:
		return types.RedactTruncate
	case types.PIILikely, types.PIIDefinite:
		return types.RedactStrip
	}
	return types.RedactPreserve
}

// ApplyToPayload returns a redacted copy of payload according to mode and
// the schema's field metadata. Fields absent from the schema pass through
// unchanged in automatic mode and are stripped in aggressive mode.
func ApplyToPayload(payload map[string]any, schema *types.Schema, mode Mode) map[string]any {
	if mode == ModeNone || payload == nil {
		return payload
	}
	out := make(map[string]any, len(payload))
	for name, value := range payload {
		field := schema.FieldByName(name)
		switch mode {
		case ModeAggressive:
			if field == nil || field.Meta.PII.IsPII() {
				continue // stripped
			}
			out[name] = value
		case ModeAutomatic:
			if field == nil {
				out[name] = value
				continue
			}
			redacted := Apply(PolicyFor(field.Meta), value, "")
			if redacted == nil {
				continue // stripped values are absent, not null
			}
			out[name] = redacted
		}
	}
	return out
}
