// Package audit writes append-only audit records for entity mutations.
package audit

import (
	"context"
	"time"

	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/types"
)

// Sink is anything that can accept an audit entry. Both storage.Store and
// storage.Tx satisfy it, so records can join an enclosing transaction.
type Sink interface {
	AppendAudit(ctx context.Context, e *types.AuditEntry) error
}

var (
	_ Sink = (storage.Store)(nil)
	_ Sink = (storage.Tx)(nil)
)

// Record appends one audit entry. The store assigns the sequence id and
// timestamp; callers may pre-set OccurredAt for deterministic tests.
func Record(ctx context.Context, sink Sink, tenantID, entityType, entityID string, action types.AuditAction, actor string, metadata map[string]string) error {
	return sink.AppendAudit(ctx, &types.AuditEntry{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Metadata:   metadata,
	})
}

// RecordAt is Record with an explicit timestamp.
func RecordAt(ctx context.Context, sink Sink, tenantID, entityType, entityID string, action types.AuditAction, actor string, metadata map[string]string, at time.Time) error {
	return sink.AppendAudit(ctx, &types.AuditEntry{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Metadata:   metadata,
		OccurredAt: at,
	})
}
