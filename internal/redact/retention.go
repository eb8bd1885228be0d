package redact

import (
	"time"

	"github.com/labelforge/labeld/internal/types"
)

// ExpirationDate returns the instant at which a field value expires, or
// nil when retention is indefinite.
func ExpirationDate(meta types.FieldMeta, submittedAt time.Time) *time.Time {
	if meta.Indefinite() {
		return nil
	}
	t := submittedAt.AddDate(0, 0, meta.RetentionDays)
	return &t
}

// Expired reports whether the field value has passed its retention cutoff
// at the given instant. Indefinite retention never expires.
func Expired(meta types.FieldMeta, submittedAt, now time.Time) bool {
	exp := ExpirationDate(meta, submittedAt)
	if exp == nil {
		return false
	}
	return !now.Before(*exp)
}

// ExpiredFields returns the names of the schema fields whose retention has
// lapsed for a label submitted at submittedAt.
func ExpiredFields(schema *types.Schema, submittedAt, now time.Time) []string {
	var out []string
	for _, f := range schema.Fields {
		if Expired(f.Meta, submittedAt, now) {
			out = append(out, f.Name)
		}
	}
	return out
}
