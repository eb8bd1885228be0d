package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/labelforge/labeld/internal/types"
)

// rowWriter emits one export row per label.
type rowWriter interface {
	WriteRow(sampleID, labelerID string, payload map[string]any, submittedAt time.Time) error
	Flush() error
}

// jsonlWriter writes one JSON object per line.
type jsonlWriter struct {
	w *bufio.Writer
}

func newJSONLWriter(w io.Writer) *jsonlWriter {
	return &jsonlWriter{w: bufio.NewWriter(w)}
}

type jsonlRow struct {
	SampleID    string         `json:"sample_id"`
	LabelerID   string         `json:"labeler_id"`
	Payload     map[string]any `json:"payload"`
	SubmittedAt string         `json:"submitted_at"`
}

func (j *jsonlWriter) WriteRow(sampleID, labelerID string, payload map[string]any, submittedAt time.Time) error {
	data, err := json.Marshal(jsonlRow{
		SampleID:    sampleID,
		LabelerID:   labelerID,
		Payload:     payload,
		SubmittedAt: submittedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := j.w.Write(data); err != nil {
		return err
	}
	return j.w.WriteByte('\n')
}

func (j *jsonlWriter) Flush() error { return j.w.Flush() }

// csvWriter writes a header of sample_id, labeler_id, then the schema's
// payload fields sorted by name. encoding/csv handles quoting: values
// containing commas, quotes, or newlines are wrapped and quotes doubled.
type csvWriter struct {
	w           *csv.Writer
	fields      []string
	wroteHeader bool
}

func newCSVWriter(w io.Writer, schema *types.Schema) *csvWriter {
	fields := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		fields = append(fields, f.Name)
	}
	sort.Strings(fields)
	return &csvWriter{w: csv.NewWriter(w), fields: fields}
}

func (c *csvWriter) writeHeader() error {
	if c.wroteHeader {
		return nil
	}
	c.wroteHeader = true
	return c.w.Write(append([]string{"sample_id", "labeler_id"}, c.fields...))
}

func (c *csvWriter) WriteRow(sampleID, labelerID string, payload map[string]any, submittedAt time.Time) error {
	if err := c.writeHeader(); err != nil {
		return err
	}
	record := make([]string, 0, len(c.fields)+2)
	record = append(record, sampleID, labelerID)
	for _, name := range c.fields {
		record = append(record, csvValue(payload[name]))
	}
	return c.w.Write(record)
}

// Flush writes the header even for an empty result set so readers always
// see the column layout.
func (c *csvWriter) Flush() error {
	if err := c.writeHeader(); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// csvValue stringifies a payload value for a CSV cell. Strings pass
// through; composites render as their JSON encoding.
func csvValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// Integral floats print without a trailing .0 so range values
		// round-trip as written.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
