package redact

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage/memory"
	"github.com/labelforge/labeld/internal/types"
)

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 150)
	got := Truncate(long, 0)
	assert.Len(t, got, DefaultTruncateLength)

	assert.Equal(t, "short", Truncate("short", 100))
	assert.Equal(t, 42, Truncate(42, 100)) // non-strings unchanged
	assert.Equal(t, "ab", Truncate("abcd", 2))
}

func TestStripAndPreserve(t *testing.T) {
	assert.Nil(t, Strip("anything"))
	assert.Nil(t, Strip(42))
	assert.Equal(t, "v", Preserve("v"))
}

func TestHashDeterministicAndSalted(t *testing.T) {
	a := Hash("alice@example.com", "")
	b := Hash("alice@example.com", "")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // sha256 hex

	salted := Hash("alice@example.com", "pepper")
	assert.NotEqual(t, a, salted)

	// Non-string values hash their stringified form.
	assert.Equal(t, Hash(42, ""), Hash("42", ""))
}

func TestRegexRedactDefaults(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"email", "contact alice@example.com now", "contact [REDACTED] now"},
		{"ssn", "ssn 123-45-6789 here", "ssn [REDACTED] here"},
		{"phone", "call 555-123-4567", "call [REDACTED]"},
		{"card", "card 4111 1111 1111 1111 used", "card [REDACTED]used"},
		{"clean", "nothing to see", "nothing to see"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RegexRedact(tt.input, nil)
			assert.Equal(t, tt.want, got)
		})
	}

	// Non-strings unchanged.
	assert.Equal(t, 7, RegexRedact(7, nil))

	// Caller-supplied patterns override the default set.
	custom := []*regexp.Regexp{regexp.MustCompile(`secret`)}
	assert.Equal(t, "[REDACTED] stuff", RegexRedact("secret stuff", custom))
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		name string
		meta types.FieldMeta
		want types.RedactionPolicy
	}{
		{"explicit wins", types.FieldMeta{PII: types.PIIDefinite, Redaction: types.RedactHash}, types.RedactHash},
		{"none preserves", types.FieldMeta{PII: types.PIINone}, types.RedactPreserve},
		{"possible truncates", types.FieldMeta{PII: types.PIIPossible}, types.RedactTruncate},
		{"likely strips", types.FieldMeta{PII: types.PIILikely}, types.RedactStrip},
		{"definite strips", types.FieldMeta{PII: types.PIIDefinite}, types.RedactStrip},
		{"unset preserves", types.FieldMeta{}, types.RedactPreserve},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PolicyFor(tt.meta))
		})
	}
}

func testSchema() *types.Schema {
	return &types.Schema{
		Name: "survey",
		Fields: []types.Field{
			{Name: "rating", Type: types.FieldRange, Meta: types.FieldMeta{PII: types.PIINone}},
			{Name: "comment", Type: types.FieldText, Meta: types.FieldMeta{PII: types.PIIPossible}},
			{Name: "email", Type: types.FieldText, Meta: types.FieldMeta{PII: types.PIIDefinite}},
		},
	}
}

func TestApplyToPayloadModes(t *testing.T) {
	payload := map[string]any{
		"rating":  4,
		"comment": strings.Repeat("c", 150),
		"email":   "alice@example.com",
	}
	schema := testSchema()

	raw := ApplyToPayload(payload, schema, ModeNone)
	assert.Equal(t, payload, raw)

	auto := ApplyToPayload(payload, schema, ModeAutomatic)
	assert.Equal(t, 4, auto["rating"])
	assert.Len(t, auto["comment"], DefaultTruncateLength)
	_, hasEmail := auto["email"]
	assert.False(t, hasEmail, "definite PII must be stripped")

	aggressive := ApplyToPayload(payload, schema, ModeAggressive)
	assert.Equal(t, 4, aggressive["rating"])
	_, hasComment := aggressive["comment"]
	assert.False(t, hasComment, "possible PII stripped in aggressive mode")
	_, hasEmail = aggressive["email"]
	assert.False(t, hasEmail)
}

func TestPseudonymFormatAndDeterminism(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	p, err := NewPseudonymizer(secret)
	require.NoError(t, err)

	got := p.Generate("user-1", "acme")
	assert.Regexp(t, `^labeler_[0-9a-f]{16}$`, got)

	// Pure function of (external id, tenant, secret).
	assert.Equal(t, got, p.Generate("user-1", "acme"))
	assert.NotEqual(t, got, p.Generate("user-2", "acme"))
	assert.NotEqual(t, got, p.Generate("user-1", "globex"))

	other, err := NewPseudonymizer([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	assert.NotEqual(t, got, other.Generate("user-1", "acme"))
}

func TestPseudonymSecretTooShort(t *testing.T) {
	_, err := NewPseudonymizer([]byte("short"))
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestRotateRederivesAllLabelers(t *testing.T) {
	ctx := context.Background()
	store := memory.New(clock.NewFrozen(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, store.CreateLabeler(ctx, &types.Labeler{ID: "u1", TenantID: "acme", ExternalID: "e1"}))
	require.NoError(t, store.CreateLabeler(ctx, &types.Labeler{ID: "u2", TenantID: "acme", ExternalID: "e2"}))

	newSecret := []byte("ffffffffffffffffffffffffffffffff")
	n, err := Rotate(ctx, store, "acme", newSecret)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := NewPseudonymizer(newSecret)
	require.NoError(t, err)
	got, err := store.GetLabeler(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, p.Generate("e1", "acme"), got.Pseudonym)
}

func TestRetentionExpiry(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := types.FieldMeta{RetentionDays: 30}

	exp := ExpirationDate(meta, t0)
	require.NotNil(t, exp)
	assert.Equal(t, t0.AddDate(0, 0, 30), *exp)

	assert.False(t, Expired(meta, t0, t0.AddDate(0, 0, 29)))
	assert.True(t, Expired(meta, t0, t0.AddDate(0, 0, 30))) // now >= t0+d
	assert.True(t, Expired(meta, t0, t0.AddDate(0, 0, 31)))

	// Indefinite never expires.
	indef := types.FieldMeta{}
	assert.Nil(t, ExpirationDate(indef, t0))
	assert.False(t, Expired(indef, t0, t0.AddDate(100, 0, 0)))
}

func TestExpiredFields(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	schema := &types.Schema{
		Name: "s",
		Fields: []types.Field{
			{Name: "keep", Type: types.FieldText},
			{Name: "expire", Type: types.FieldText, Meta: types.FieldMeta{RetentionDays: 7}},
		},
	}
	got := ExpiredFields(schema, t0, t0.AddDate(0, 0, 8))
	assert.Equal(t, []string{"expire"}, got)
}
