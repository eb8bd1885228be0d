package dispatch

import (
	"context"
	"fmt"

	"github.com/labelforge/labeld/internal/audit"
	"github.com/labelforge/labeld/internal/idgen"
	"github.com/labelforge/labeld/internal/schema"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/telemetry"
	"github.com/labelforge/labeld/internal/types"
)

// SubmitLabel validates the payload against the queue's schema version,
// stores the label, freezes the version, and completes the assignment.
// All writes happen in one transaction: a failure at any step leaves no
// visible state change.
func (d *Dispatcher) SubmitLabel(ctx context.Context, tenantID, assignmentID, labelerID string, payload map[string]any) (*types.Label, error) {
	// The queue read is outside the transaction; queue config does not
	// change mid-submission.
	probe, err := d.store.GetAssignment(ctx, tenantID, assignmentID)
	if err != nil {
		return nil, err
	}
	queue, err := d.store.GetQueue(ctx, tenantID, probe.QueueID)
	if err != nil {
		return nil, err
	}

	var label *types.Label
	err = d.store.RunInTx(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAssignment(ctx, tenantID, assignmentID)
		if err != nil {
			return err
		}
		if a.LabelerID != labelerID {
			return ErrWrongLabeler
		}
		if a.Status != types.AssignmentReserved {
			return ErrNotReserved
		}
		now := d.clk.Now()
		if a.Deadline != nil && a.Deadline.Before(now) {
			return ErrExpired
		}

		sv, err := tx.GetSchemaVersion(ctx, tenantID, queue.SchemaVersionID)
		if err != nil {
			return fmt.Errorf("load schema version: %w", err)
		}
		if err := schema.ValidatePayload(&sv.Definition, payload); err != nil {
			return err
		}

		label = &types.Label{
			ID:              idgen.New("lbl"),
			TenantID:        tenantID,
			AssignmentID:    a.ID,
			QueueID:         a.QueueID,
			SampleID:        a.SampleID,
			LabelerID:       labelerID,
			SchemaVersionID: sv.ID,
			Payload:         payload,
			SubmittedAt:     now,
		}
		if err := tx.CreateLabel(ctx, label); err != nil {
			return err
		}
		if err := tx.FreezeSchemaVersion(ctx, tenantID, sv.ID, now); err != nil {
			return err
		}

		a.Status = types.AssignmentCompleted
		a.UpdatedAt = now
		if err := tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		return audit.Record(ctx, tx, tenantID, "label", label.ID,
			types.AuditCreated, labelerID, map[string]string{
				"assignment_id": a.ID,
				"queue_id":      a.QueueID,
			})
	})
	if err != nil {
		return nil, err
	}

	telemetry.Emit(ctx, "label", "submitted", nil, map[string]string{
		"queue_id": queue.ID,
	})
	return label, nil
}

// Skip releases a reservation at the labeler's request. The assignment
// moves to skipped with the reason recorded, and the sample is requeued
// as a fresh pending assignment so another labeler can pick it up.
func (d *Dispatcher) Skip(ctx context.Context, tenantID, assignmentID, labelerID, reason string) (*types.Assignment, error) {
	a, err := d.store.GetAssignment(ctx, tenantID, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.LabelerID != labelerID {
		return nil, ErrWrongLabeler
	}
	if a.Status != types.AssignmentReserved {
		return nil, ErrNotReserved
	}

	now := d.clk.Now()
	a.Status = types.AssignmentSkipped
	a.SkipReason = reason
	a.UpdatedAt = now
	if err := d.store.UpdateAssignment(ctx, a); err != nil {
		return nil, err
	}

	requeued := &types.Assignment{
		ID:             idgen.New("asn"),
		TenantID:       tenantID,
		QueueID:        a.QueueID,
		SampleID:       a.SampleID,
		Status:         types.AssignmentPending,
		TimeoutSeconds: a.TimeoutSeconds,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateAssignment(ctx, requeued); err != nil {
		return nil, err
	}

	_ = audit.Record(ctx, d.store, tenantID, "assignment", a.ID,
		types.AuditUpdated, labelerID, map[string]string{
			"status": string(types.AssignmentSkipped),
			"reason": reason,
		})
	telemetry.Emit(ctx, "assignment", "skipped", nil, map[string]string{
		"queue_id": a.QueueID,
	})
	return requeued, nil
}
