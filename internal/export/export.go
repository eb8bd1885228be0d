// Package export streams labeled data to JSONL or CSV artifacts with a
// reproducibility manifest. Rows are pulled in bounded batches, written to
// a temp file, and atomically renamed into place; the manifest records the
// invocation parameters and a SHA-256 of the final byte stream.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/labelforge/labeld/internal/audit"
	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/idgen"
	"github.com/labelforge/labeld/internal/redact"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/telemetry"
	"github.com/labelforge/labeld/internal/types"
)

const batchSize = 1000

// Options parameterizes one export invocation.
type Options struct {
	SchemaVersionID string
	OutputPath      string
	SampleVersion   string
	LabelerID       string
	SampleID        string
	Limit           int // 0 = no cap
	Offset          int
	RedactionMode   redact.Mode // defaults to none
	UsePseudonyms   bool
}

// Exporter pulls labels from the store and writes export artifacts.
type Exporter struct {
	store storage.Store
	clk   clock.Clock
}

// New returns an Exporter backed by store.
func New(store storage.Store, clk clock.Clock) *Exporter {
	if clk == nil {
		clk = clock.System
	}
	return &Exporter{store: store, clk: clk}
}

// Run exports the queue's labels in the given format and writes the
// manifest next to the output file. Temp-file failures leave no output
// behind; a hash failure after the rename deletes the output and returns
// the hash error.
func (e *Exporter) Run(ctx context.Context, tenantID, queueID string, format Format, opts Options) (*Manifest, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	mode := opts.RedactionMode
	if mode == "" {
		mode = redact.ModeNone
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid redaction mode: %s", mode)
	}
	if opts.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}

	if _, err := e.store.GetQueue(ctx, tenantID, queueID); err != nil {
		return nil, fmt.Errorf("queue %s: %w", queueID, err)
	}
	sv, err := e.store.GetSchemaVersion(ctx, tenantID, opts.SchemaVersionID)
	if err != nil {
		return nil, fmt.Errorf("schema version %s: %w", opts.SchemaVersionID, err)
	}

	rowCount, err := e.writeOutput(ctx, tenantID, queueID, format, opts, sv, mode)
	if err != nil {
		return nil, err
	}

	hash, err := hashFile(opts.OutputPath)
	if err != nil {
		// The artifact exists but cannot be verified; remove it rather
		// than leave an output with no trustworthy manifest.
		os.Remove(opts.OutputPath)
		return nil, fmt.Errorf("hash output: %w", err)
	}

	manifest := &Manifest{
		ExportID:        idgen.NewExportID(),
		QueueID:         queueID,
		SchemaVersionID: opts.SchemaVersionID,
		SampleVersion:   opts.SampleVersion,
		Format:          format,
		OutputPath:      opts.OutputPath,
		RowCount:        rowCount,
		SHA256Hash:      hash,
		ExportedAt:      e.clk.Now().UTC(),
		Parameters: Parameters{
			SchemaVersionID: opts.SchemaVersionID,
			SampleVersion:   opts.SampleVersion,
			LabelerID:       opts.LabelerID,
			SampleID:        opts.SampleID,
			Limit:           opts.Limit,
			Offset:          opts.Offset,
			RedactionMode:   string(mode),
			UsePseudonyms:   opts.UsePseudonyms,
		},
		Version:              implementationVersion,
		SchemaDefinitionHash: hashSchemaDefinition(&sv.Definition),
	}
	if err := writeManifest(manifest); err != nil {
		os.Remove(opts.OutputPath)
		return nil, err
	}

	_ = audit.Record(ctx, e.store, tenantID, "export", manifest.ExportID,
		types.AuditCreated, "exporter", map[string]string{
			"queue_id": queueID,
			"format":   string(format),
			"rows":     fmt.Sprintf("%d", rowCount),
		})
	telemetry.Emit(ctx, "export", "completed", map[string]int64{
		"rows": int64(rowCount),
	}, map[string]string{"format": string(format), "queue_id": queueID})
	return manifest, nil
}

// writeOutput streams rows to a temp file and renames it into place.
func (e *Exporter) writeOutput(ctx context.Context, tenantID, queueID string, format Format, opts Options, sv *types.SchemaVersion, mode redact.Mode) (rows int, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(opts.OutputPath), ".labeld-export-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	var w rowWriter
	switch format {
	case FormatJSONL:
		w = newJSONLWriter(tmp)
	case FormatCSV:
		w = newCSVWriter(tmp, &sv.Definition)
	}

	pseudonyms := make(map[string]string)
	offset := opts.Offset
	for {
		if err = ctx.Err(); err != nil {
			return 0, err
		}
		limit := batchSize
		if opts.Limit > 0 && opts.Limit-rows < limit {
			limit = opts.Limit - rows
		}
		if limit == 0 {
			break
		}
		var labels []*types.Label
		labels, err = e.store.ListLabels(ctx, tenantID, types.LabelFilter{
			QueueID:         queueID,
			SchemaVersionID: opts.SchemaVersionID,
			LabelerID:       opts.LabelerID,
			SampleID:        opts.SampleID,
			Limit:           limit,
			Offset:          offset,
		})
		if err != nil {
			return 0, fmt.Errorf("list labels: %w", err)
		}
		if len(labels) == 0 {
			break
		}
		for _, l := range labels {
			labelerID := l.LabelerID
			if opts.UsePseudonyms {
				labelerID, err = e.pseudonymFor(ctx, tenantID, l.LabelerID, pseudonyms)
				if err != nil {
					return 0, err
				}
			}
			payload := redact.ApplyToPayload(l.Payload, &sv.Definition, mode)
			if err = w.WriteRow(l.SampleID, labelerID, payload, l.SubmittedAt); err != nil {
				return 0, fmt.Errorf("write row: %w", err)
			}
			rows++
		}
		offset += len(labels)
	}

	if err = w.Flush(); err != nil {
		return 0, fmt.Errorf("flush output: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, opts.OutputPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename output: %w", err)
	}
	return rows, nil
}

// pseudonymFor resolves and caches the labeler's pseudonym. A raw id never
// leaks into a pseudonymized export; a labeler without one is an error.
func (e *Exporter) pseudonymFor(ctx context.Context, tenantID, labelerID string, cache map[string]string) (string, error) {
	if p, ok := cache[labelerID]; ok {
		return p, nil
	}
	labeler, err := e.store.GetLabeler(ctx, tenantID, labelerID)
	if err != nil {
		return "", fmt.Errorf("labeler %s: %w", labelerID, err)
	}
	if labeler.Pseudonym == "" {
		return "", fmt.Errorf("labeler %s has no pseudonym", labelerID)
	}
	cache[labelerID] = labeler.Pseudonym
	return labeler.Pseudonym, nil
}

func writeManifest(m *Manifest) error {
	data, err := m.ToJSON()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(ManifestPath(m.OutputPath), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashSchemaDefinition fingerprints the schema so a manifest can be checked
// against the definition that produced it.
func hashSchemaDefinition(s *types.Schema) string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
