// Package schema validates label payloads against schema definitions and
// manages schema-version lifecycle: freeze on first write and forward
// payload migrations between versions.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/labelforge/labeld/internal/types"
)

// FieldError is a single per-field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every field failure from one payload. All
// fields are checked; validation never stops at the first error.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return "invalid payload: " + strings.Join(msgs, "; ")
}

// ValidatePayload checks payload against the schema's field contracts and
// returns nil or a *ValidationError listing every failure. Keys not
// declared by the schema are rejected.
func ValidatePayload(s *types.Schema, payload map[string]any) error {
	var errs []FieldError

	for _, f := range s.Fields {
		value, present := payload[f.Name]
		if !present || value == nil {
			if f.Required {
				errs = append(errs, FieldError{Field: f.Name, Message: "is required"})
			}
			continue
		}
		if msg := checkValue(&f, value); msg != "" {
			errs = append(errs, FieldError{Field: f.Name, Message: msg})
		}
	}

	var unknown []string
	for k := range payload {
		if s.FieldByName(k) == nil {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs = append(errs, FieldError{Field: k, Message: "unknown field"})
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// checkValue applies a single field's type contract. Returns a message on
// rejection, "" on acceptance.
func checkValue(f *types.Field, value any) string {
	switch f.Type {
	case types.FieldText:
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		if f.Pattern != "" && !matchPattern(f.Pattern, s) {
			return fmt.Sprintf("does not match pattern %s", f.Pattern)
		}
	case types.FieldSelect:
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		if !f.HasOption(s) {
			return fmt.Sprintf("must be one of: %s", strings.Join(f.Options, ", "))
		}
	case types.FieldMultiSelect:
		items, ok := toStringSlice(value)
		if !ok {
			return "must be a list of strings"
		}
		for _, item := range items {
			if !f.HasOption(item) {
				return fmt.Sprintf("contains invalid option: %s", item)
			}
		}
	case types.FieldRange:
		n, ok := toNumber(value)
		if !ok || n != math.Trunc(n) {
			return "must be an integer"
		}
		if msg := checkBounds(f, n); msg != "" {
			return msg
		}
	case types.FieldNumber:
		n, ok := toNumber(value)
		if !ok {
			return "must be a number"
		}
		if msg := checkBounds(f, n); msg != "" {
			return msg
		}
	case types.FieldBoolean:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case types.FieldDate:
		if !isDate(value) {
			return "must be a date (YYYY-MM-DD)"
		}
	case types.FieldDateTime:
		if !isDateTime(value) {
			return "must be an ISO-8601 datetime"
		}
	default:
		return fmt.Sprintf("unsupported field type: %s", f.Type)
	}
	return ""
}

func checkBounds(f *types.Field, n float64) string {
	if f.Min != nil && n < *f.Min {
		return fmt.Sprintf("must be >= %v", *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Sprintf("must be <= %v", *f.Max)
	}
	return ""
}

// toNumber accepts the numeric shapes a JSON decoder or Go caller can
// produce.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toStringSlice(v any) ([]string, bool) {
	switch items := v.(type) {
	case []string:
		return items, true
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func isDate(v any) bool {
	switch d := v.(type) {
	case time.Time:
		return true
	case string:
		_, err := time.Parse("2006-01-02", d)
		return err == nil
	}
	return false
}

func isDateTime(v any) bool {
	switch d := v.(type) {
	case time.Time:
		return true
	case string:
		if _, err := time.Parse(time.RFC3339, d); err == nil {
			return true
		}
		_, err := time.Parse("2006-01-02T15:04:05", d)
		return err == nil
	}
	return false
}
