package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/redact"
	"github.com/labelforge/labeld/internal/storage/memory"
	"github.com/labelforge/labeld/internal/types"
)

func exportFixture(t *testing.T) (*memory.Store, *clock.Frozen) {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFrozen(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := memory.New(clk)

	sv := &types.SchemaVersion{
		ID:       "sv_1",
		TenantID: "acme",
		QueueID:  "q_1",
		Version:  1,
		Definition: types.Schema{
			ID:       "sch_1",
			TenantID: "acme",
			Name:     "sentiment",
			Fields: []types.Field{
				{Name: "sentiment", Type: types.FieldSelect, Required: true,
					Options: []string{"positive", "negative", "neutral"}},
				{Name: "note", Type: types.FieldText,
					Meta: types.FieldMeta{PII: types.PIILikely}},
			},
		},
	}
	require.NoError(t, store.CreateSchemaVersion(ctx, sv))
	require.NoError(t, store.CreateQueue(ctx, &types.Queue{
		ID: "q_1", TenantID: "acme", Name: "reviews",
		SchemaVersionID: "sv_1", Status: types.QueueActive,
	}))
	for _, id := range []string{"lab_1", "lab_2"} {
		require.NoError(t, store.CreateLabeler(ctx, &types.Labeler{
			ID: id, TenantID: "acme", ExternalID: "ext_" + id,
			Pseudonym: "labeler_" + strings.Repeat(id[len(id)-1:], 16),
		}))
	}

	// Insertion order deliberately scrambled relative to export order.
	submissions := []struct {
		id, sample, labeler, sentiment string
		offset                         time.Duration
	}{
		{"lbl_1", "s2", "lab_2", "negative", 3 * time.Minute},
		{"lbl_2", "s1", "lab_1", "positive", 2 * time.Minute},
		{"lbl_3", "s2", "lab_1", "negative", 4 * time.Minute},
		{"lbl_4", "s1", "lab_2", "neutral", 1 * time.Minute},
	}
	for _, s := range submissions {
		require.NoError(t, store.CreateLabel(ctx, &types.Label{
			ID: s.id, TenantID: "acme", AssignmentID: "asn_" + s.id,
			QueueID: "q_1", SampleID: s.sample, LabelerID: s.labeler,
			SchemaVersionID: "sv_1",
			Payload: map[string]any{
				"sentiment": s.sentiment,
				"note":      "customer email: a@b.com",
			},
			SubmittedAt: clk.Now().Add(s.offset),
		}))
	}
	return store, clk
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestExportJSONLOrdering(t *testing.T) {
	store, clk := exportFixture(t)
	out := filepath.Join(t.TempDir(), "labels.jsonl")

	e := New(store, clk)
	m, err := e.Run(context.Background(), "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1",
		OutputPath:      out,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, m.RowCount)

	lines := readLines(t, out)
	require.Len(t, lines, 4)

	type row struct {
		SampleID    string         `json:"sample_id"`
		LabelerID   string         `json:"labeler_id"`
		Payload     map[string]any `json:"payload"`
		SubmittedAt string         `json:"submitted_at"`
	}
	var keys [][2]string
	for _, line := range lines {
		var r row
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		keys = append(keys, [2]string{r.SampleID, r.LabelerID})
		ts, err := time.Parse(time.RFC3339, r.SubmittedAt)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, ts.Location())
	}
	assert.Equal(t, [][2]string{
		{"s1", "lab_1"}, {"s1", "lab_2"}, {"s2", "lab_1"}, {"s2", "lab_2"},
	}, keys)
	assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	}))

	// Newline-terminated, no trailing blank line.
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "\n"))
	assert.False(t, strings.HasSuffix(string(raw), "\n\n"))
}

func TestExportCSV(t *testing.T) {
	store, clk := exportFixture(t)
	out := filepath.Join(t.TempDir(), "labels.csv")

	e := New(store, clk)
	m, err := e.Run(context.Background(), "acme", "q_1", FormatCSV, Options{
		SchemaVersionID: "sv_1",
		OutputPath:      out,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, m.RowCount)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, []string{"sample_id", "labeler_id", "note", "sentiment"}, records[0])
	assert.Equal(t, "s1", records[1][0])
	assert.Equal(t, "lab_1", records[1][1])
	assert.Equal(t, "positive", records[1][3])
}

func TestExportCSVQuoting(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFrozen(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := memory.New(clk)
	require.NoError(t, store.CreateSchemaVersion(ctx, &types.SchemaVersion{
		ID: "sv_1", TenantID: "acme", QueueID: "q_1", Version: 1,
		Definition: types.Schema{
			ID: "sch_1", TenantID: "acme", Name: "freeform",
			Fields: []types.Field{{Name: "comment", Type: types.FieldText}},
		},
	}))
	require.NoError(t, store.CreateQueue(ctx, &types.Queue{
		ID: "q_1", TenantID: "acme", SchemaVersionID: "sv_1", Status: types.QueueActive,
	}))
	require.NoError(t, store.CreateLabel(ctx, &types.Label{
		ID: "lbl_1", TenantID: "acme", AssignmentID: "asn_1", QueueID: "q_1",
		SampleID: "s1", LabelerID: "lab_1", SchemaVersionID: "sv_1",
		Payload:     map[string]any{"comment": `said "fine", then left` + "\nsecond line"},
		SubmittedAt: clk.Now(),
	}))

	out := filepath.Join(t.TempDir(), "labels.csv")
	_, err := New(store, clk).Run(ctx, "acme", "q_1", FormatCSV, Options{
		SchemaVersionID: "sv_1", OutputPath: out,
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"said ""fine"", then left`)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "said \"fine\", then left\nsecond line", records[1][2])
}

func TestExportManifestIntegrity(t *testing.T) {
	store, clk := exportFixture(t)
	out := filepath.Join(t.TempDir(), "labels.jsonl")

	m, err := New(store, clk).Run(context.Background(), "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: out,
	})
	require.NoError(t, err)

	hash, err := hashFile(out)
	require.NoError(t, err)
	assert.Equal(t, hash, m.SHA256Hash)
	assert.Regexp(t, `^exp_[0-9a-f]+$`, m.ExportID)
	assert.Equal(t, clk.Now().UTC(), m.ExportedAt)
	assert.NotEmpty(t, m.SchemaDefinitionHash)

	// The manifest on disk round-trips to the same values.
	data, err := os.ReadFile(ManifestPath(out))
	require.NoError(t, err)
	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestManifestRoundTrip(t *testing.T) {
	m := &Manifest{
		ExportID:        "exp_0011aabb",
		QueueID:         "q_1",
		SchemaVersionID: "sv_1",
		SampleVersion:   "2026-08",
		Format:          FormatCSV,
		OutputPath:      "/data/labels.csv",
		RowCount:        42,
		SHA256Hash:      strings.Repeat("ab", 32),
		ExportedAt:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Parameters: Parameters{
			SchemaVersionID: "sv_1",
			RedactionMode:   "automatic",
			UsePseudonyms:   true,
		},
		Version:              implementationVersion,
		SchemaDefinitionHash: strings.Repeat("cd", 32),
	}
	data, err := m.ToJSON()
	require.NoError(t, err)
	got, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestManifestRejectsUnknownFormat(t *testing.T) {
	_, err := FromJSON([]byte(`{"export_id":"exp_1","format":"parquet"}`))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestExportRedactionModes(t *testing.T) {
	store, clk := exportFixture(t)
	dir := t.TempDir()
	ctx := context.Background()
	e := New(store, clk)

	type row struct {
		Payload map[string]any `json:"payload"`
	}
	firstPayload := func(path string) map[string]any {
		lines := readLines(t, path)
		require.NotEmpty(t, lines)
		var r row
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &r))
		return r.Payload
	}

	raw := filepath.Join(dir, "raw.jsonl")
	_, err := e.Run(ctx, "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: raw,
	})
	require.NoError(t, err)
	assert.Equal(t, "customer email: a@b.com", firstPayload(raw)["note"])

	auto := filepath.Join(dir, "auto.jsonl")
	_, err = e.Run(ctx, "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: auto,
		RedactionMode: redact.ModeAutomatic,
	})
	require.NoError(t, err)
	// PII "likely" with no explicit policy strips the field.
	assert.Nil(t, firstPayload(auto)["note"])
	assert.NotNil(t, firstPayload(auto)["sentiment"])

	agg := filepath.Join(dir, "aggressive.jsonl")
	_, err = e.Run(ctx, "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: agg,
		RedactionMode: redact.ModeAggressive,
	})
	require.NoError(t, err)
	assert.Nil(t, firstPayload(agg)["note"])
}

func TestExportPseudonyms(t *testing.T) {
	store, clk := exportFixture(t)
	out := filepath.Join(t.TempDir(), "labels.jsonl")

	_, err := New(store, clk).Run(context.Background(), "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: out,
		UsePseudonyms: true,
	})
	require.NoError(t, err)

	for _, line := range readLines(t, out) {
		var r struct {
			LabelerID string `json:"labeler_id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		assert.True(t, strings.HasPrefix(r.LabelerID, "labeler_"), r.LabelerID)
		assert.NotContains(t, []string{"lab_1", "lab_2"}, r.LabelerID)
	}
}

func TestExportLimitOffset(t *testing.T) {
	store, clk := exportFixture(t)
	out := filepath.Join(t.TempDir(), "labels.jsonl")

	m, err := New(store, clk).Run(context.Background(), "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: out,
		Limit: 2, Offset: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.RowCount)

	lines := readLines(t, out)
	require.Len(t, lines, 2)
	var r struct {
		SampleID  string `json:"sample_id"`
		LabelerID string `json:"labeler_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &r))
	assert.Equal(t, "s1", r.SampleID)
	assert.Equal(t, "lab_2", r.LabelerID)
}

func TestExportBatchesPreserveOrdering(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFrozen(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := memory.New(clk)
	require.NoError(t, store.CreateSchemaVersion(ctx, &types.SchemaVersion{
		ID: "sv_1", TenantID: "acme", QueueID: "q_1", Version: 1,
		Definition: types.Schema{
			ID: "sch_1", TenantID: "acme", Name: "bulk",
			Fields: []types.Field{{Name: "v", Type: types.FieldNumber}},
		},
	}))
	require.NoError(t, store.CreateQueue(ctx, &types.Queue{
		ID: "q_1", TenantID: "acme", SchemaVersionID: "sv_1", Status: types.QueueActive,
	}))
	// More rows than one batch.
	for i := 0; i < batchSize+50; i++ {
		require.NoError(t, store.CreateLabel(ctx, &types.Label{
			ID: fmt.Sprintf("lbl_%05d", i), TenantID: "acme",
			AssignmentID: fmt.Sprintf("asn_%05d", i), QueueID: "q_1",
			SampleID: fmt.Sprintf("s_%05d", i), LabelerID: "lab_1",
			SchemaVersionID: "sv_1",
			Payload:         map[string]any{"v": float64(i)},
			SubmittedAt:     clk.Now(),
		}))
	}

	out := filepath.Join(t.TempDir(), "bulk.jsonl")
	m, err := New(store, clk).Run(ctx, "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, batchSize+50, m.RowCount)

	lines := readLines(t, out)
	require.Len(t, lines, batchSize+50)
	prev := ""
	for _, line := range lines {
		var r struct {
			SampleID string `json:"sample_id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		assert.Less(t, prev, r.SampleID)
		prev = r.SampleID
	}
}

func TestExportUnknownFormat(t *testing.T) {
	store, clk := exportFixture(t)
	_, err := New(store, clk).Run(context.Background(), "acme", "q_1", Format("xml"), Options{
		SchemaVersionID: "sv_1",
		OutputPath:      filepath.Join(t.TempDir(), "x"),
	})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestExportTempCleanupOnFailure(t *testing.T) {
	store, clk := exportFixture(t)
	dir := t.TempDir()

	// Output inside a missing directory: rename fails, temp is removed.
	out := filepath.Join(dir, "sub", "labels.jsonl")
	_, err := New(store, clk).Run(context.Background(), "acme", "q_1", FormatJSONL, Options{
		SchemaVersionID: "sv_1", OutputPath: out,
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	older := &Manifest{ExportID: "exp_1", Format: FormatJSONL,
		ExportedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	newer := &Manifest{ExportID: "exp_2", Format: FormatCSV,
		ExportedAt: time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)}
	r.Add("acme", older)
	r.Add("acme", newer)
	r.Add("rival", &Manifest{ExportID: "exp_3", Format: FormatCSV})

	got, ok := r.Get("acme", "exp_1")
	require.True(t, ok)
	assert.Equal(t, older, got)

	_, ok = r.Get("rival", "exp_1")
	assert.False(t, ok)

	list := r.List("acme")
	require.Len(t, list, 2)
	assert.Equal(t, "exp_2", list[0].ExportID)
}
