package schema

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/storage/memory"
	"github.com/labelforge/labeld/internal/types"
)

func f64(v float64) *float64 { return &v }

func testSchema() *types.Schema {
	return &types.Schema{
		ID:       "sch_1",
		TenantID: "acme",
		Name:     "review",
		Fields: []types.Field{
			{Name: "comment", Type: types.FieldText, Pattern: `^[a-z ]+$`},
			{Name: "sentiment", Type: types.FieldSelect, Required: true, Options: []string{"pos", "neg", "neutral"}},
			{Name: "tags", Type: types.FieldMultiSelect, Options: []string{"spam", "toxic", "ok"}},
			{Name: "quality", Type: types.FieldRange, Min: f64(1), Max: f64(5)},
			{Name: "confidence", Type: types.FieldNumber, Min: f64(0), Max: f64(1)},
			{Name: "flagged", Type: types.FieldBoolean},
			{Name: "reviewed_on", Type: types.FieldDate},
			{Name: "seen_at", Type: types.FieldDateTime},
		},
	}
}

func TestValidatePayloadAccepts(t *testing.T) {
	payload := map[string]any{
		"comment":     "looks fine",
		"sentiment":   "pos",
		"tags":        []any{"ok"},
		"quality":     float64(4), // JSON decoding yields float64
		"confidence":  0.92,
		"flagged":     false,
		"reviewed_on": "2026-08-24",
		"seen_at":     "2026-08-24T10:30:00Z",
	}
	assert.NoError(t, ValidatePayload(testSchema(), payload))
}

func TestValidatePayloadRejections(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		field   string
		message string
	}{
		{"missing required", map[string]any{}, "sentiment", "is required"},
		{"nil required", map[string]any{"sentiment": nil}, "sentiment", "is required"},
		{"text non-string", map[string]any{"sentiment": "pos", "comment": 7}, "comment", "must be a string"},
		{"text pattern mismatch", map[string]any{"sentiment": "pos", "comment": "HAS CAPS"}, "comment", "does not match pattern"},
		{"select not in options", map[string]any{"sentiment": "angry"}, "sentiment", "must be one of"},
		{"select non-string", map[string]any{"sentiment": true}, "sentiment", "must be a string"},
		{"multiselect non-list", map[string]any{"sentiment": "pos", "tags": "spam"}, "tags", "must be a list"},
		{"multiselect bad element", map[string]any{"sentiment": "pos", "tags": []any{"spam", "nope"}}, "tags", "invalid option"},
		{"range non-integer", map[string]any{"sentiment": "pos", "quality": 3.5}, "quality", "must be an integer"},
		{"range out of bounds", map[string]any{"sentiment": "pos", "quality": float64(9)}, "quality", "must be <= 5"},
		{"number non-number", map[string]any{"sentiment": "pos", "confidence": "high"}, "confidence", "must be a number"},
		{"number below min", map[string]any{"sentiment": "pos", "confidence": -0.1}, "confidence", "must be >= 0"},
		{"boolean non-bool", map[string]any{"sentiment": "pos", "flagged": "yes"}, "flagged", "must be a boolean"},
		{"date malformed", map[string]any{"sentiment": "pos", "reviewed_on": "24/08/2026"}, "reviewed_on", "must be a date"},
		{"datetime malformed", map[string]any{"sentiment": "pos", "seen_at": "noon"}, "seen_at", "ISO-8601"},
		{"unknown field", map[string]any{"sentiment": "pos", "mood": "sunny"}, "mood", "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(testSchema(), tt.payload)
			require.Error(t, err)
			verr, ok := err.(*ValidationError)
			require.True(t, ok)
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.field {
					assert.Contains(t, fe.Message, tt.message)
					found = true
				}
			}
			assert.True(t, found, "expected an error on field %s, got %v", tt.field, verr.Errors)
		})
	}
}

func TestValidatePayloadCollectsAllErrors(t *testing.T) {
	payload := map[string]any{
		"comment": 1,
		"quality": float64(99),
		"extra":   "x",
	}
	err := ValidatePayload(testSchema(), payload)
	require.Error(t, err)
	verr := err.(*ValidationError)
	// missing sentiment + bad comment + out-of-range quality + unknown field
	assert.Len(t, verr.Errors, 4)
}

func TestValidatePayloadGoNativeTypes(t *testing.T) {
	payload := map[string]any{
		"sentiment":   "neg",
		"tags":        []string{"spam", "toxic"},
		"quality":     3,
		"confidence":  float32(0.5),
		"reviewed_on": time.Now(),
		"seen_at":     time.Now(),
	}
	assert.NoError(t, ValidatePayload(testSchema(), payload))
}

func TestFreeze(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFrozen(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := memory.New(clk)

	v := &types.SchemaVersion{
		ID:         "sv_1",
		TenantID:   "acme",
		QueueID:    "q_1",
		Version:    1,
		Definition: *testSchema(),
	}
	require.NoError(t, store.CreateSchemaVersion(ctx, v))

	require.NoError(t, Freeze(ctx, store, clk, "acme", "sv_1"))
	got, err := store.GetSchemaVersion(ctx, "acme", "sv_1")
	require.NoError(t, err)
	require.NotNil(t, got.FrozenAt)
	assert.Equal(t, clk.Now(), got.FrozenAt.UTC())

	// Explicit freeze of a frozen version is an error.
	assert.ErrorIs(t, Freeze(ctx, store, clk, "acme", "sv_1"), ErrAlreadyFrozen)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(Migration{Name: "v1_to_v2", Transform: func(p map[string]any) (map[string]any, error) {
		return p, nil
	}})

	_, err := r.Lookup("v1_to_v2")
	assert.NoError(t, err)
	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownMigration)
	assert.Equal(t, []string{"v1_to_v2"}, r.Names())
}

func seedMigrationLabels(t *testing.T, store storage.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		payload := map[string]any{"sentiment": "pos"}
		if i%5 == 4 {
			// Every fifth label carries a value the transform cannot map.
			payload["sentiment"] = "mixed"
		}
		require.NoError(t, store.CreateLabel(ctx, &types.Label{
			ID:              fmt.Sprintf("lbl_%03d", i),
			TenantID:        "acme",
			AssignmentID:    fmt.Sprintf("asn_%03d", i),
			QueueID:         "q_1",
			SampleID:        fmt.Sprintf("s_%03d", i),
			LabelerID:       "lab_1",
			SchemaVersionID: "sv_1",
			Payload:         payload,
			SubmittedAt:     time.Now(),
		}))
	}
}

func migrationFixture(t *testing.T) (*Migrator, storage.Store) {
	t.Helper()
	ctx := context.Background()
	store := memory.New(nil)

	target := &types.SchemaVersion{
		ID:       "sv_2",
		TenantID: "acme",
		QueueID:  "q_1",
		Version:  2,
		Definition: types.Schema{
			ID:       "sch_2",
			TenantID: "acme",
			Name:     "review",
			Fields: []types.Field{
				{Name: "polarity", Type: types.FieldSelect, Required: true, Options: []string{"positive", "negative"}},
			},
		},
	}
	require.NoError(t, store.CreateSchemaVersion(ctx, target))
	seedMigrationLabels(t, store, 12)

	registry := NewRegistry()
	registry.Register(Migration{Name: "rename_sentiment", Transform: func(p map[string]any) (map[string]any, error) {
		out := map[string]any{}
		switch p["sentiment"] {
		case "pos":
			out["polarity"] = "positive"
		case "neg":
			out["polarity"] = "negative"
		default:
			return nil, fmt.Errorf("unmappable sentiment %v", p["sentiment"])
		}
		return out, nil
	}})

	m := NewMigrator(store, registry)
	m.batchSize = 5 // force multiple batches
	return m, store
}

func TestMigratorRun(t *testing.T) {
	m, store := migrationFixture(t)
	ctx := context.Background()

	report, err := m.Run(ctx, RunOptions{
		TenantID:      "acme",
		QueueID:       "q_1",
		FromVersionID: "sv_1",
		ToVersionID:   "sv_2",
		Migration:     "rename_sentiment",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Migrated)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, report.Errors, 2)
	assert.False(t, report.DryRun)

	got, err := store.GetLabel(ctx, "acme", "lbl_000")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"polarity": "positive"}, got.Payload)
}

func TestMigratorDryRun(t *testing.T) {
	m, store := migrationFixture(t)
	ctx := context.Background()

	report, err := m.Run(ctx, RunOptions{
		TenantID:      "acme",
		QueueID:       "q_1",
		FromVersionID: "sv_1",
		ToVersionID:   "sv_2",
		Migration:     "rename_sentiment",
		DryRun:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Migrated)
	assert.Equal(t, 2, report.Failed)
	assert.True(t, report.DryRun)

	// Nothing was written.
	got, err := store.GetLabel(ctx, "acme", "lbl_000")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sentiment": "pos"}, got.Payload)
}

func TestMigratorUnknownMigration(t *testing.T) {
	m, _ := migrationFixture(t)
	_, err := m.Run(context.Background(), RunOptions{
		TenantID:  "acme",
		Migration: "missing",
	})
	assert.ErrorIs(t, err, ErrUnknownMigration)
}
