package workers

import (
	"context"
	"fmt"
	"os"

	"github.com/labelforge/labeld/internal/audit"
	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/redact"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/telemetry"
	"github.com/labelforge/labeld/internal/types"
)

// DefaultAuditCutoffDays keeps roughly seven years of audit history.
const DefaultAuditCutoffDays = 2555

// RetentionMode selects what happens to a label whose field-level
// retention has expired.
type RetentionMode string

// Retention modes
const (
	// RetentionFieldRedaction nulls just the expired fields.
	RetentionFieldRedaction RetentionMode = "field_redaction"
	// RetentionSoftDelete strips the payload but preserves the row.
	RetentionSoftDelete RetentionMode = "soft_delete"
	// RetentionHardDelete destroys the row. Exports made before the
	// deletion can no longer be reproduced.
	RetentionHardDelete RetentionMode = "hard_delete"
)

// IsValid checks if the retention mode value is valid
func (m RetentionMode) IsValid() bool {
	switch m {
	case RetentionFieldRedaction, RetentionSoftDelete, RetentionHardDelete:
		return true
	}
	return false
}

// RetentionReport counts one retention pass.
type RetentionReport struct {
	AuditDeleted  int  `json:"audit_deleted"`
	LabelsScanned int  `json:"labels_scanned"`
	LabelsExpired int  `json:"labels_expired"`
	FieldsCleared int  `json:"fields_cleared"`
	Errors        int  `json:"errors"`
	DryRun        bool `json:"dry_run"`
}

// RetentionWorker prunes old audit entries and enforces field-level
// retention on labels.
type RetentionWorker struct {
	store           storage.Store
	clk             clock.Clock
	AuditCutoffDays int
	Mode            RetentionMode
}

// NewRetentionWorker returns a worker with the default audit cutoff and
// field redaction mode.
func NewRetentionWorker(store storage.Store, clk clock.Clock) *RetentionWorker {
	if clk == nil {
		clk = clock.System
	}
	return &RetentionWorker{
		store:           store,
		clk:             clk,
		AuditCutoffDays: DefaultAuditCutoffDays,
		Mode:            RetentionFieldRedaction,
	}
}

// RunOnce prunes audit history older than the cutoff and processes every
// label in the tenant whose field retention has expired. DryRun counts
// without acting.
func (w *RetentionWorker) RunOnce(ctx context.Context, tenantID, queueID string, dryRun bool) (*RetentionReport, error) {
	if !w.Mode.IsValid() {
		return nil, fmt.Errorf("invalid retention mode: %s", w.Mode)
	}
	now := w.clk.Now()
	report := &RetentionReport{DryRun: dryRun}

	if !dryRun {
		cutoff := now.AddDate(0, 0, -w.AuditCutoffDays)
		deleted, err := w.store.DeleteAuditBefore(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("prune audit: %w", err)
		}
		report.AuditDeleted = deleted
	}

	labels, err := w.store.ListLabels(ctx, tenantID, types.LabelFilter{QueueID: queueID})
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	schemas := make(map[string]*types.Schema)
	for _, l := range labels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.LabelsScanned++

		schema, ok := schemas[l.SchemaVersionID]
		if !ok {
			sv, err := w.store.GetSchemaVersion(ctx, tenantID, l.SchemaVersionID)
			if err != nil {
				report.Errors++
				continue
			}
			schema = &sv.Definition
			schemas[l.SchemaVersionID] = schema
		}

		expired := redact.ExpiredFields(schema, l.SubmittedAt, now)
		if len(expired) == 0 {
			continue
		}
		report.LabelsExpired++
		report.FieldsCleared += len(expired)
		if dryRun {
			continue
		}
		if err := w.enforce(ctx, tenantID, l, expired); err != nil {
			report.Errors++
			fmt.Fprintf(os.Stderr, "retention: label %s: %v\n", l.ID, err)
		}
	}

	telemetry.Emit(ctx, "retention_worker", "completed", map[string]int64{
		"audit_deleted":  int64(report.AuditDeleted),
		"labels_expired": int64(report.LabelsExpired),
		"errors":         int64(report.Errors),
	}, map[string]string{"mode": string(w.Mode)})
	return report, nil
}

func (w *RetentionWorker) enforce(ctx context.Context, tenantID string, l *types.Label, expired []string) error {
	switch w.Mode {
	case RetentionFieldRedaction:
		payload := make(map[string]any, len(l.Payload))
		for k, v := range l.Payload {
			payload[k] = v
		}
		for _, f := range expired {
			payload[f] = nil
		}
		if err := w.store.UpdateLabelPayload(ctx, tenantID, l.ID, payload); err != nil {
			return err
		}
	case RetentionSoftDelete:
		if err := w.store.SoftDeleteLabel(ctx, tenantID, l.ID, w.clk.Now()); err != nil {
			return err
		}
	case RetentionHardDelete:
		if err := w.store.HardDeleteLabel(ctx, tenantID, l.ID); err != nil {
			return err
		}
	}
	return audit.Record(ctx, w.store, tenantID, "label", l.ID,
		types.AuditUpdated, "retention_worker", map[string]string{
			"mode": string(w.Mode),
		})
}
