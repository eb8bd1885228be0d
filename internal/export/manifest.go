package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Format names an export output format.
type Format string

// Supported formats
const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// ErrUnknownFormat is returned for a format string outside the supported set.
var ErrUnknownFormat = errors.New("unknown export format")

// IsValid checks if the format value is valid
func (f Format) IsValid() bool {
	return f == FormatJSONL || f == FormatCSV
}

// implementationVersion is stamped into every manifest so an artifact can
// be traced back to the exporter that produced it.
const implementationVersion = "1.0.0"

// Parameters records the invocation that produced an export, enough to
// reproduce it against the same store state.
type Parameters struct {
	SchemaVersionID string `json:"schema_version_id"`
	SampleVersion   string `json:"sample_version,omitempty"`
	LabelerID       string `json:"labeler_id,omitempty"`
	SampleID        string `json:"sample_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
	RedactionMode   string `json:"redaction_mode"`
	UsePseudonyms   bool   `json:"use_pseudonyms"`
}

// Manifest describes one completed export artifact.
type Manifest struct {
	ExportID             string     `json:"export_id"`
	QueueID              string     `json:"queue_id"`
	SchemaVersionID      string     `json:"schema_version_id"`
	SampleVersion        string     `json:"sample_version,omitempty"`
	Format               Format     `json:"format"`
	OutputPath           string     `json:"output_path"`
	RowCount             int        `json:"row_count"`
	SHA256Hash           string     `json:"sha256_hash"`
	ExportedAt           time.Time  `json:"exported_at"`
	Parameters           Parameters `json:"parameters"`
	Version              string     `json:"version"`
	SchemaDefinitionHash string     `json:"schema_definition_hash,omitempty"`
}

// ToJSON renders the manifest as indented JSON.
func (m *Manifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromJSON parses a manifest, rejecting unknown format strings.
func FromJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if !m.Format.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, m.Format)
	}
	return &m, nil
}

// ManifestPath returns the conventional manifest location for an output file.
func ManifestPath(outputPath string) string {
	return outputPath + ".manifest.json"
}
